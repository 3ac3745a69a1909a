package jrnl

import (
	"context"
	"sync"

	"github.com/ondisk/jrnl/backend"
)

// revokeTable accumulates block numbers that must not be replayed by
// a later recovery pass. Recovery/replay itself is a Non-goal (spec.md
// §1); this module only carries the write side: accumulate, switch,
// and serialize revoke records into the log (spec.md §4.6 Phase 2 and
// Phase 4).
type revokeTable struct {
	mu     sync.Mutex
	blocks []uint64
}

func newRevokeTable() *revokeTable {
	return &revokeTable{}
}

// add records blockNr as revoked for the currently-running
// transaction.
func (r *revokeTable) add(blockNr uint64) {
	r.mu.Lock()
	r.blocks = append(r.blocks, blockNr)
	r.mu.Unlock()
}

// snapshot returns (and does not clear) the recorded blocks, used once
// the table has been switched out of the running transaction and now
// belongs exclusively to the commit that is about to write it.
func (r *revokeTable) snapshot() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.blocks))
	copy(out, r.blocks)
	return out
}

// switchRevokeTable installs a fresh revoke table as the journal's
// current one and returns the old one, now owned exclusively by the
// transaction being committed. Spec.md §4.6 Phase 2: "Atomically swap
// in a fresh revoke hash; the prior one now belongs to this commit."
func (j *Journal) switchRevokeTable() *revokeTable {
	j.listMu.Lock()
	defer j.listMu.Unlock()
	old := j.currentRevokes
	j.currentRevokes = newRevokeTable()
	return old
}

// Revoke records blockNr as revoked against the journal's
// currently-running transaction. Exposed so a filesystem layered on
// top of this engine can mark a block's prior journal entry as
// unreplayable (e.g. because it was freed) without this module needing
// to understand allocation policy itself.
func (j *Journal) Revoke(blockNr uint64) {
	j.listMu.Lock()
	rt := j.currentRevokes
	j.listMu.Unlock()
	rt.add(blockNr)
}

// writeRevokeRecords serializes rt's blocks into however many revoke
// blocks are needed, writes them to the log, and files each one on
// txn's LogCtl list.
func (j *Journal) writeRevokeRecords(ctx context.Context, txn *Transaction, rt *revokeTable) error {
	blocks := rt.snapshot()
	if len(blocks) == 0 {
		return nil
	}
	maxPerBlock := (int(j.params.BlockSize) - 16) / 4
	if j.sb.Uses64BitBlockNumbers() {
		maxPerBlock = (int(j.params.BlockSize) - 16) / 8
	}
	for len(blocks) > 0 {
		n := len(blocks)
		if n > maxPerBlock {
			n = maxPerBlock
		}
		rb := newRevokeBlock(uint32(txn.tid))
		rb.blocks = blocks[:n]
		blocks = blocks[n:]

		blockNr, err := j.nextLogBlock()
		if err != nil {
			return err
		}
		wire := rb.toBytes(j.sb, j.params.BlockSize)
		if err := j.writeBlockSync(ctx, uint64(blockNr), wire, backend.WriteSync); err != nil {
			return err
		}
		jh := newBufferHead(uint64(blockNr), wire)
		txn.mu.Lock()
		jh.file(listLogCtl)
		txn.logCtl = append(txn.logCtl, jh)
		txn.mu.Unlock()
	}
	return nil
}
