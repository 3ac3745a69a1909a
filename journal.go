package jrnl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ondisk/jrnl/backend"
)

// Journal owns the circular on-disk log: geometry, the running and
// committing transactions, feature flags, and the locks and wait
// queues the commit pipeline and attaching writers coordinate
// through. C4 in spec.md §2/§3.
type Journal struct {
	dev   backend.Device
	fsDev backend.Device // equals dev unless Params.SeparateFSDevice

	params Params
	sb     *Superblock

	// stateMu is the journal state lock (spec.md §5): multi-reader for
	// point queries, single-writer to retarget running/committing.
	stateMu sync.RWMutex
	running *Transaction

	// listMu is the journal list lock: guards checkpoint-ring splicing
	// and journal-head list membership transitions that span
	// transactions.
	listMu         sync.Mutex
	committing     *Transaction
	checkpointHead *Transaction // sentinel entry of the checkpoint ring, nil if empty

	nextTid        uint64
	commitSequence uint64

	head uint32 // next free block offset within the log area (past the superblock)

	currentRevokes *revokeTable

	abortMu sync.Mutex
	aborted bool
	abortErr error

	avgMu      sync.Mutex
	avgCommit  time.Duration

	metrics *Metrics

	// handleCond guards/signals updates==0 (wait_updates) for whichever
	// transaction is currently RUNNING.
	handleMu   sync.Mutex
	handleCond *sync.Cond

	// transitionCond wakes writers blocked in StartHandle waiting for
	// a fresh running transaction after Phase 2 retires the old one
	// (wait_transaction_locked).
	transitionCond *sync.Cond

	// doneCond wakes LogWaitCommit callers once commitSequence
	// advances past their tid (wait_done_commit).
	doneCond *sync.Cond

	commitCallback func(*Transaction)

	// commitMu serializes actual commit pipeline execution: only one
	// commitTransaction call runs at a time per journal, matching "a
	// single dedicated thread runs the commit pipeline per journal"
	// (spec.md §5).
	commitMu sync.Mutex

	closed bool
}

// New creates a fresh Journal on dev, writing a new superblock.
func New(dev backend.Device, params Params) (*Journal, error) {
	sb := NewSuperblock(params.BlockSize, params.MaxLen)
	if params.Checksum {
		if params.ChecksumType == ChecksumCRC32C {
			sb.IncompatFeatures |= incompatFeatureChecksumV3
		} else {
			sb.CompatFeatures |= compatFeatureChecksum
		}
	}
	if params.Wide64Bit {
		sb.IncompatFeatures |= incompatFeature64Bit
	}
	if params.AsyncCommit {
		sb.IncompatFeatures |= incompatFeatureAsyncCommit
	}
	sb.IncompatFeatures |= incompatFeatureRevoke

	j := &Journal{
		dev:            dev,
		fsDev:          dev,
		params:         params,
		sb:             sb,
		nextTid:        1,
		currentRevokes: newRevokeTable(),
		metrics:        NewMetrics(),
	}
	if params.SeparateFSDevice {
		// fsDev is set by the caller via SetFSDevice once known; leave
		// it aliased to dev until then so single-device journals need
		// no extra setup.
	}
	j.handleCond = sync.NewCond(&j.handleMu)
	j.transitionCond = sync.NewCond(&j.handleMu)
	j.doneCond = sync.NewCond(&j.handleMu)

	sbBlock := make([]byte, params.BlockSize)
	copy(sbBlock, sb.ToBytes())
	if err := j.writeBlockSync(context.Background(), 0, sbBlock, backend.WriteSync); err != nil {
		return nil, fmt.Errorf("jrnl: writing superblock: %w", err)
	}

	j.running = newTransaction(j.nextTid)
	j.nextTid++
	return j, nil
}

// SetFSDevice records a separate filesystem device, triggering the
// cross-device flush ordering contract in spec.md §5, item 3.
func (j *Journal) SetFSDevice(fsDev backend.Device) {
	j.fsDev = fsDev
	j.params.SeparateFSDevice = true
}

// SetCommitCallback registers a hook invoked once per finished commit,
// after the transaction is spliced into (or dropped from) the
// checkpoint ring — the Go analogue of j_commit_callback.
func (j *Journal) SetCommitCallback(cb func(*Transaction)) {
	j.commitCallback = cb
}

// Metrics returns the journal's counters.
func (j *Journal) Metrics() *Metrics { return j.metrics }

// Stats returns a snapshot including the smoothed average commit time
// (spec.md §4.6 Phase 7's exponential smoothing), surfaced here per
// SPEC_FULL.md's supplemented features.
func (j *Journal) Stats() Snapshot {
	s := j.metrics.Snapshot()
	j.avgMu.Lock()
	s.AverageCommitTime = j.avgCommit
	j.avgMu.Unlock()
	return s
}

func (j *Journal) recordCommitTime(d time.Duration) {
	j.avgMu.Lock()
	if j.avgCommit == 0 {
		j.avgCommit = d
	} else {
		// avg = (new + 3*avg) / 4, spec.md §4.6 Phase 7.
		j.avgCommit = (d + 3*j.avgCommit) / 4
	}
	j.avgMu.Unlock()
}

func (j *Journal) isAborted() bool {
	j.abortMu.Lock()
	defer j.abortMu.Unlock()
	return j.aborted
}

// abort poisons the journal. Sticky: once aborted, it never clears
// without a new Journal. See abort.go.
func (j *Journal) abort(err error) {
	j.abortMu.Lock()
	if !j.aborted {
		j.aborted = true
		j.abortErr = err
		log.WithError(err).Error("journal aborted")
	}
	j.abortMu.Unlock()
	j.metrics.RecordAbort()
}

// nextLogBlock allocates the next free block in the circular log,
// failing with ErrNoSpace when the log is full. Block 0 of the log
// area is reserved for the superblock itself, matching real jbd2's
// "first" field.
func (j *Journal) nextLogBlock() (uint32, error) {
	j.listMu.Lock()
	defer j.listMu.Unlock()
	if j.head+1 >= j.params.MaxLen {
		return 0, fmt.Errorf("jrnl: %w", ErrNoSpace)
	}
	blk := j.sb.First + j.head
	j.head++
	return blk, nil
}

// readBlock and writeBlock route through the journal's own device
// (never the FS device), the block-device layer spec.md §6 names.
func (j *Journal) readBlock(ctx context.Context, blockNr uint64) ([]byte, error) {
	return j.dev.ReadBlock(ctx, blockNr)
}

func (j *Journal) writeBlockSync(ctx context.Context, blockNr uint64, data []byte, mode backend.WriteMode) error {
	h, err := j.dev.Submit(ctx, blockNr, data, mode)
	if err != nil {
		return fmt.Errorf("jrnl: %w: %v", ErrIO, err)
	}
	if err := j.dev.Wait(ctx, h); err != nil {
		return fmt.Errorf("jrnl: %w: %v", ErrIO, err)
	}
	return nil
}

// Close releases the backend device(s). Any in-flight commit should be
// drained (LogWaitCommit) before calling this.
func (j *Journal) Close() error {
	j.handleMu.Lock()
	j.closed = true
	j.handleMu.Unlock()
	if j.fsDev != nil && j.fsDev != j.dev {
		_ = j.fsDev.Close()
	}
	return j.dev.Close()
}
