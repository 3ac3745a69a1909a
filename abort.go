package jrnl

import (
	"context"
	"fmt"
)

// Abort propagation: once a journal hits an unrecoverable I/O error it
// is poisoned for the rest of its lifetime (spec.md §4.5 / §7). Every
// later entry point into this module must observe the abort and
// refuse to journal anything new; outstanding in-memory state is
// unwound without ever touching the log again, since the log itself
// is no longer trustworthy.
//
// Grounded on original_source/fs/ext4bf/commit.c's abort handling: a
// failed I/O submission inside the commit pipeline calls
// jbdbf_journal_abort() and every subsequent phase either no-ops or
// takes the discard path instead of its normal write path.

// Abort marks the journal permanently unusable. Safe to call more
// than once or concurrently with itself; only the first call's err is
// recorded. Exported so a filesystem layered on this module can abort
// the journal for reasons this module cannot detect itself (a
// checksum mismatch discovered on the read side, an ENOSPC on the
// filesystem device).
func (j *Journal) Abort(err error) {
	j.abort(err)
	j.handleMu.Lock()
	j.handleCond.Broadcast()
	j.transitionCond.Broadcast()
	j.doneCond.Broadcast()
	j.handleMu.Unlock()
}

// IsAborted reports whether the journal has been poisoned.
func (j *Journal) IsAborted() bool {
	return j.isAborted()
}

// Err returns the error the journal was aborted with, or nil if it is
// still healthy.
func (j *Journal) Err() error {
	j.abortMu.Lock()
	defer j.abortMu.Unlock()
	return j.abortErr
}

// checkAborted returns ErrAborted wrapping the recorded cause, or nil
// when the journal is healthy. Every public entry point that would
// otherwise touch the log calls this first.
func (j *Journal) checkAborted() error {
	j.abortMu.Lock()
	defer j.abortMu.Unlock()
	if !j.aborted {
		return nil
	}
	if j.abortErr != nil {
		return fmt.Errorf("%w: %v", ErrAborted, j.abortErr)
	}
	return ErrAborted
}

// abortCommit is the commit pipeline's entry point into the abort
// path: called by commitTransaction when Phase 5 or Phase 6 fails, or
// when the journal is found aborted before the commit record is
// written. It poisons the journal, then unwinds txn without writing
// anything further to the log. Every buffer still held by the
// transaction (metadata, data, IO twins, shadows, log-control, inodes,
// and whatever was already on Forget) is stripped of its dirty flag
// and frozen/undo scratch data and left on the Forget list. The
// transaction is then marked finished and its tid published as the
// commit sequence without running Phase 7, so nothing lands in the
// checkpoint ring. Waiters are woken only after all of this is done.
func (j *Journal) abortCommit(ctx context.Context, txn *Transaction, cause error) {
	j.abort(cause)

	txn.mu.Lock()
	var all []*bufferHead
	all = append(all, txn.reserved...)
	all = append(all, txn.metadata...)
	all = append(all, txn.io...)
	all = append(all, txn.shadow...)
	all = append(all, txn.logCtl...)
	all = append(all, txn.dirtyData...)
	all = append(all, txn.inodes...)
	all = append(all, txn.forget...)

	txn.reserved = nil
	txn.metadata = nil
	txn.io = nil
	txn.shadow = nil
	txn.logCtl = nil
	txn.dirtyData = nil
	txn.inodes = nil
	txn.forget = all
	txn.dataTags = nil
	txn.mu.Unlock()

	for _, jh := range all {
		jh.mu.Lock()
		jh.dirty = false
		jh.jwrite = false
		jh.frozen = nil
		jh.committed = nil
		jh.mu.Unlock()
		jh.file(listForget)
	}

	txn.setState(TxFinished)
	j.listMu.Lock()
	j.committing = nil
	j.commitSequence = txn.tid
	j.listMu.Unlock()

	j.handleMu.Lock()
	j.handleCond.Broadcast()
	j.transitionCond.Broadcast()
	j.doneCond.Broadcast()
	j.handleMu.Unlock()
}
