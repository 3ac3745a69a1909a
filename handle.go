package jrnl

import (
	"context"
	"fmt"
)

// Handle is a caller's attachment to the journal's currently-running
// transaction, the Go analogue of jbd2's handle_t. Obtained from
// StartHandle, released with Stop. Spec.md §6, Transaction API.
type Handle struct {
	j       *Journal
	txn     *Transaction
	credits uint32
	stopped bool
}

// StartHandle attaches to (creating, if necessary) the journal's
// running transaction. Blocks while the running transaction has been
// locked down by a commit and Phase 2 has not yet cleared it
// (wait_transaction_locked); once it is cleared, StartHandle allocates
// the fresh running transaction itself. Fails with ErrAborted if the journal is
// poisoned, and with ErrClosed if it has been closed.
func StartHandle(ctx context.Context, j *Journal, credits uint32) (*Handle, error) {
	if err := j.checkAborted(); err != nil {
		return nil, err
	}

	var txn *Transaction
	for {
		j.stateMu.Lock()
		j.handleMu.Lock()
		closed := j.closed
		j.handleMu.Unlock()
		if closed {
			j.stateMu.Unlock()
			return nil, ErrClosed
		}

		if j.running == nil {
			j.listMu.Lock()
			j.running = newTransaction(j.nextTid)
			j.nextTid++
			j.listMu.Unlock()

			j.handleMu.Lock()
			j.transitionCond.Broadcast()
			j.handleMu.Unlock()
		}

		// A transaction that has entered lock-down (TxLocked or later)
		// no longer accepts new attachments even though Phase 2 hasn't
		// cleared j.running yet; wait for wait_transaction_locked's
		// wake instead of racing into it.
		if j.running.State() == TxRunning {
			txn = j.running
			txn.attach()
			txn.addCredits(credits)
			j.stateMu.Unlock()
			break
		}
		j.stateMu.Unlock()

		j.handleMu.Lock()
		j.transitionCond.Wait()
		j.handleMu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	if err := j.checkAborted(); err != nil {
		txn.detach()
		return nil, err
	}

	return &Handle{j: j, txn: txn, credits: credits}, nil
}

// GetWriteAccess records the caller's intent to modify the block at
// blockNr with the given content, freezing nothing yet (freezing
// happens lazily at commit time in Phase 5) but ensuring a bufferHead
// exists and is filed on the transaction's Metadata list.
// blockType classifies the buffer for descriptor tagging (NOT_DATA for
// ordinary metadata, DATA_OVERWRITE/DATA_NEWLY_APPENDED when full-data
// journaling is in effect for this block). Spec.md §6,
// journal_get_write_access.
func (h *Handle) GetWriteAccess(blockNr uint64, data []byte, blockType dataBlockType) error {
	if h.stopped {
		return fmt.Errorf("jrnl: %w: handle already stopped", ErrInvalidState)
	}
	if err := h.j.checkAborted(); err != nil {
		return err
	}
	jh := newBufferHead(blockNr, data)
	jh.blockType = blockType
	h.txn.fileMetadata(jh)
	return nil
}

// DirtyData is GetWriteAccess's counterpart for blocks journaled via
// ordered data mode (checksummed but written directly to their final
// location in Phase 3, never copied into the log): files jh onto the
// DirtyData list and, when Params.ChecksumData is set, queues a data
// tag so Phase 5 can fold its checksum into the transaction's
// descriptors. Spec.md §3's "Data tag" lifecycle.
func (h *Handle) DirtyData(blockNr uint64, data []byte, blockType dataBlockType) error {
	if h.stopped {
		return fmt.Errorf("jrnl: %w: handle already stopped", ErrInvalidState)
	}
	if err := h.j.checkAborted(); err != nil {
		return err
	}
	jh := newBufferHead(blockNr, data)
	jh.blockType = blockType
	h.txn.fileDirtyData(jh)
	if h.j.params.ChecksumData {
		sum := checksumBlock(h.j.params.ChecksumType, 0xffffffff, data)
		h.txn.addDataTag(dataTag{blockNr: blockNr, checksum: sum})
	}
	return nil
}

// DirtyInode files a block for ordinary (non-journaled) writeback
// alongside the transaction's commit, the Inode list in spec.md §3.
func (h *Handle) DirtyInode(blockNr uint64, data []byte) error {
	if h.stopped {
		return fmt.Errorf("jrnl: %w: handle already stopped", ErrInvalidState)
	}
	if err := h.j.checkAborted(); err != nil {
		return err
	}
	jh := newBufferHead(blockNr, data)
	h.txn.fileInode(jh)
	return nil
}

// Revoke marks blockNr as unreplayable against the handle's
// transaction, journal_revoke's caller-facing half.
func (h *Handle) Revoke(blockNr uint64) {
	h.j.Revoke(blockNr)
}

// TID returns the sequence number of the transaction this handle is
// attached to.
func (h *Handle) TID() uint64 { return h.txn.tid }

// Stop detaches the handle from its transaction, waking the commit
// pipeline's wait_updates loop once every handle on the transaction
// has stopped. Idempotent. Spec.md §6, journal_stop.
func (h *Handle) Stop() {
	if h.stopped {
		return
	}
	h.stopped = true
	zero := h.txn.detach()
	if zero {
		h.j.handleMu.Lock()
		h.j.handleCond.Broadcast()
		h.j.handleMu.Unlock()
	}
}
