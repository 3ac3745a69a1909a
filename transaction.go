package jrnl

import (
	"sync"
	"time"
)

// TxState is a transaction's position in the seven-phase commit
// pipeline, spec.md §3.
type TxState int

const (
	TxRunning TxState = iota
	TxLocked
	TxFlush
	TxCommit
	TxCommitDFlush
	TxCommitJFlush
	TxFinished
)

func (s TxState) String() string {
	switch s {
	case TxRunning:
		return "running"
	case TxLocked:
		return "locked"
	case TxFlush:
		return "flush"
	case TxCommit:
		return "commit"
	case TxCommitDFlush:
		return "commit_dflush"
	case TxCommitJFlush:
		return "commit_jflush"
	case TxFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// dataTag is a (blocknr, checksum) pair recorded by the write path
// when data-checksumming is enabled, consumed by Phase 5 as it drains
// onto descriptor tags (spec.md §3's "Data tag").
type dataTag struct {
	blockNr  uint64
	checksum uint32
}

// Transaction aggregates the buffers, inodes, and revokes a batch of
// mutations must commit atomically. C3 in spec.md §2/§3; grounded on
// transaction_t's field list in original_source/fs/ext4bf/commit.c.
type Transaction struct {
	mu sync.Mutex

	tid   uint64
	state TxState

	durable            bool
	checkpointDeadline time.Time

	logStart uint32

	outstandingCredits uint32
	updates            int
	handleCount        int
	commitStarted      bool

	reserved   []*bufferHead
	metadata   []*bufferHead
	io         []*bufferHead
	shadow     []*bufferHead
	logCtl     []*bufferHead
	forget     []*bufferHead
	checkpoint []*bufferHead
	dirtyData  []*bufferHead
	inodes     []*bufferHead

	dataTags []dataTag

	revokes *revokeTable

	// cp links this transaction into the journal's checkpoint ring
	// once Phase 7 splices it in.
	cpNext, cpPrev *Transaction

	startedAt time.Time
}

func newTransaction(tid uint64) *Transaction {
	return &Transaction{
		tid:     tid,
		state:   TxRunning,
		revokes: newRevokeTable(),
	}
}

// TID returns the transaction's sequence number.
func (t *Transaction) TID() uint64 { return t.tid }

// State returns the transaction's current pipeline phase.
func (t *Transaction) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s TxState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// attach registers a new handle against the running transaction,
// bumping updates/handleCount the way journal_start does before a
// caller is allowed to dirty any buffer.
func (t *Transaction) attach() {
	t.mu.Lock()
	t.updates++
	t.handleCount++
	t.mu.Unlock()
}

// detach is journal_stop's counterpart: decrement updates, and report
// whether it reached zero so the committer's wait_updates loop can
// wake.
func (t *Transaction) detach() (zero bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updates--
	return t.updates == 0
}

func (t *Transaction) addCredits(n uint32) {
	t.mu.Lock()
	t.outstandingCredits += n
	t.mu.Unlock()
}

func (t *Transaction) fileMetadata(jh *bufferHead) {
	t.mu.Lock()
	jh.file(listMetadata)
	t.metadata = append(t.metadata, jh)
	t.mu.Unlock()
}

func (t *Transaction) fileDirtyData(jh *bufferHead) {
	t.mu.Lock()
	jh.file(listDirtyData)
	t.dirtyData = append(t.dirtyData, jh)
	t.mu.Unlock()
}

func (t *Transaction) fileInode(jh *bufferHead) {
	t.mu.Lock()
	jh.file(listInode)
	t.inodes = append(t.inodes, jh)
	t.mu.Unlock()
}

func (t *Transaction) addDataTag(dt dataTag) {
	t.mu.Lock()
	t.dataTags = append(t.dataTags, dt)
	t.mu.Unlock()
}

// popDataTag removes and returns the oldest queued data tag, used by
// descriptor packing to drain t.dataTags onto the current descriptor
// (spec.md §4.6 Phase 5, step 2).
func (t *Transaction) popDataTag() (dataTag, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.dataTags) == 0 {
		return dataTag{}, false
	}
	dt := t.dataTags[0]
	t.dataTags = t.dataTags[1:]
	return dt, true
}
