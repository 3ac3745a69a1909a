package jrnl

import (
	"context"
	"testing"
	"time"

	"github.com/ondisk/jrnl/backend/mem"
)

func newTestJournal(t *testing.T, dev *mem.Device) *Journal {
	t.Helper()
	params := DefaultParams()
	params.MaxLen = 64
	j, err := New(dev, params)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return j
}

// TestCommitSingleMetadataBlockLayout is scenario 1 from spec.md §8: a
// single metadata buffer committed with checksumming on produces a
// descriptor block, an IO-twin data block, and a commit record with a
// matching folded checksum.
func TestCommitSingleMetadataBlockLayout(t *testing.T) {
	dev := mem.New(4096)
	j := newTestJournal(t, dev)
	ctx := context.Background()

	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i)
	}

	h, err := StartHandle(ctx, j, 1)
	if err != nil {
		t.Fatalf("StartHandle: %v", err)
	}
	tid := h.TID()
	if err := h.GetWriteAccess(77, content, blockTypeNotData); err != nil {
		t.Fatalf("GetWriteAccess: %v", err)
	}
	h.Stop()

	if err := j.ForceCommitDurable(ctx); err != nil {
		t.Fatalf("ForceCommitDurable: %v", err)
	}
	if j.IsAborted() {
		t.Fatalf("journal unexpectedly aborted: %v", j.Err())
	}

	descWire := dev.BlockBytes(1)
	if descWire == nil {
		t.Fatal("descriptor block (1) was never written")
	}
	desc, err := descriptorBlockFromBytes(descWire, j.sb)
	if err != nil {
		t.Fatalf("descriptorBlockFromBytes: %v", err)
	}
	if len(desc.tags) != 1 {
		t.Fatalf("got %d tags, want 1", len(desc.tags))
	}
	if desc.tags[0].blockNr != 77 {
		t.Fatalf("tag.blockNr = %d, want 77", desc.tags[0].blockNr)
	}
	if desc.tags[0].flags&tagFlagLast == 0 {
		t.Fatal("lone tag must carry LAST_TAG")
	}
	if desc.sequence != uint32(tid) {
		t.Fatalf("descriptor sequence = %d, want tid %d", desc.sequence, tid)
	}

	twin := dev.BlockBytes(2)
	if twin == nil {
		t.Fatal("IO-twin block (2) was never written")
	}
	for i := range content {
		if twin[i] != content[i] {
			t.Fatalf("twin block content diverges at byte %d", i)
			break
		}
	}

	commitWire := dev.BlockBytes(3)
	if commitWire == nil {
		t.Fatal("commit block (3) was never written")
	}
	cb, err := commitBlockFromBytes(commitWire)
	if err != nil {
		t.Fatalf("commitBlockFromBytes: %v", err)
	}
	wantChecksum := Fletcher32(0xffffffff, content)
	if cb.checksum != wantChecksum {
		t.Fatalf("commit checksum = %x, want %x (folded metadata checksum)", cb.checksum, wantChecksum)
	}
	if cb.checksumType != checksumWireFletcher32 {
		t.Fatalf("commit checksumType = %d, want fletcher32", cb.checksumType)
	}

	if dev.FUACount == 0 {
		t.Fatal("commit record should have been written with FUA under default barrier params")
	}
	if dev.FlushCount == 0 {
		t.Fatal("a durable commit should issue an explicit journal-device flush")
	}
}

// TestCommitAbortsOnMetadataWriteFailure is scenario 3: an I/O failure
// while journaling metadata aborts the journal and leaves no commit
// record behind.
func TestCommitAbortsOnMetadataWriteFailure(t *testing.T) {
	dev := mem.New(4096)
	j := newTestJournal(t, dev)
	ctx := context.Background()

	// Block 1 is where openDescriptor() will allocate this commit's
	// first (and only) descriptor block.
	dev.FailOnBlock[1] = true

	h, err := StartHandle(ctx, j, 1)
	if err != nil {
		t.Fatalf("StartHandle: %v", err)
	}
	txn := h.txn
	content := make([]byte, 4096)
	if err := h.GetWriteAccess(55, content, blockTypeNotData); err != nil {
		t.Fatalf("GetWriteAccess: %v", err)
	}
	h.Stop()

	err = j.ForceCommit(ctx)
	if err == nil {
		t.Fatal("expected ForceCommit to report the injected I/O failure")
	}
	if !j.IsAborted() {
		t.Fatal("journal should be aborted after a metadata write failure")
	}
	if dev.BlockBytes(1) != nil {
		t.Fatal("the failing descriptor write should not have left data behind")
	}
	if dev.BlockBytes(3) != nil {
		t.Fatal("no commit record should ever be written once metadata journaling fails")
	}

	txn.mu.Lock()
	forget := txn.forget
	metadata := txn.metadata
	txn.mu.Unlock()
	if metadata != nil {
		t.Fatalf("transaction still has %d buffers on the Metadata list after abort, want all refiled to Forget", len(metadata))
	}
	if len(forget) != 1 {
		t.Fatalf("transaction has %d buffers on the Forget list after abort, want 1", len(forget))
	}
	jh := forget[0]
	jh.mu.Lock()
	defer jh.mu.Unlock()
	if jh.list != listForget {
		t.Fatalf("buffer list tag = %v, want listForget", jh.list)
	}
	if jh.dirty {
		t.Fatal("buffer should have its dirty flag cleared after abort")
	}
}

// TestSyncVsDataSyncFlushCount is scenario 4: OSYNC issues no
// additional device flush beyond whatever the commit record's own
// write mode requires, while DSYNC always issues one.
func TestSyncVsDataSyncFlushCount(t *testing.T) {
	ctx := context.Background()

	osyncDev := mem.New(4096)
	osyncJ := newTestJournal(t, osyncDev)
	h, err := StartHandle(ctx, osyncJ, 0)
	if err != nil {
		t.Fatalf("StartHandle: %v", err)
	}
	if err := h.GetWriteAccess(1, make([]byte, 4096), blockTypeNotData); err != nil {
		t.Fatalf("GetWriteAccess: %v", err)
	}
	h.Stop()
	if err := osyncJ.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if osyncDev.FlushCount != 0 {
		t.Fatalf("OSYNC should not issue an explicit device flush, got FlushCount=%d", osyncDev.FlushCount)
	}

	dsyncDev := mem.New(4096)
	dsyncJ := newTestJournal(t, dsyncDev)
	h2, err := StartHandle(ctx, dsyncJ, 0)
	if err != nil {
		t.Fatalf("StartHandle: %v", err)
	}
	if err := h2.GetWriteAccess(1, make([]byte, 4096), blockTypeNotData); err != nil {
		t.Fatalf("GetWriteAccess: %v", err)
	}
	h2.Stop()
	if err := dsyncJ.DataSync(ctx); err != nil {
		t.Fatalf("DataSync: %v", err)
	}
	if dsyncDev.FlushCount == 0 {
		t.Fatal("DSYNC must issue an explicit device flush")
	}
}

// TestStartHandleWaitsForFreshTransaction is scenario 5: a writer
// racing a commit's lock-down must never attach to the transaction
// that is being locked down, only to the one that replaces it.
func TestStartHandleWaitsForFreshTransaction(t *testing.T) {
	dev := mem.New(4096)
	j := newTestJournal(t, dev)
	ctx := context.Background()

	lockedTxn := j.running
	lockedTxn.setState(TxLocked)

	type result struct {
		h   *Handle
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := StartHandle(ctx, j, 0)
		done <- result{h, err}
	}()

	select {
	case r := <-done:
		t.Fatalf("StartHandle returned early (tid=%v err=%v) before the fresh transaction was installed",
			func() uint64 {
				if r.h != nil {
					return r.h.TID()
				}
				return 0
			}(), r.err)
	case <-time.After(50 * time.Millisecond):
		// still blocked, as expected
	}

	fresh := newTransaction(lockedTxn.tid + 1)
	j.stateMu.Lock()
	j.running = fresh
	j.stateMu.Unlock()
	j.handleMu.Lock()
	j.transitionCond.Broadcast()
	j.handleMu.Unlock()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("StartHandle: %v", r.err)
		}
		if r.h.TID() != fresh.tid {
			t.Fatalf("StartHandle attached to tid %d, want %d (the fresh transaction)", r.h.TID(), fresh.tid)
		}
	case <-time.After(time.Second):
		t.Fatal("StartHandle never woke up after the fresh transaction was installed")
	}
}
