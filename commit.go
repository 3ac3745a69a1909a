package jrnl

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ondisk/jrnl/backend"
)

// commitTransaction runs txn through the seven-phase pipeline end to
// end. Only one commit runs at a time per journal (commitMu), matching
// "a single dedicated thread runs the commit pipeline per journal"
// (spec.md §5). Grounded on
// original_source/fs/ext4bf/commit.c's jbdbf_journal_commit_transaction.
func (j *Journal) commitTransaction(ctx context.Context, txn *Transaction) error {
	j.commitMu.Lock()
	defer j.commitMu.Unlock()

	start := time.Now()

	j.commitPhase1LockDown(ctx, txn)
	rt := j.commitPhase2SwitchRevoke(txn)

	var dataErr error
	if j.params.ChecksumData {
		dataErr = j.commitPhase3DataWriteout(ctx, txn)
	}
	j.commitPhase4InodeAndRevoke(ctx, txn, rt)

	metaChecksum, err := j.commitPhase5Metadata(ctx, txn)
	if err != nil {
		j.abortCommit(ctx, txn, fmt.Errorf("metadata journaling: %w", err))
		j.recordCommitTime(time.Since(start))
		return err
	}

	if j.isAborted() {
		err := j.checkAborted()
		j.abortCommit(ctx, txn, err)
		j.recordCommitTime(time.Since(start))
		return err
	}

	if err := j.commitPhase6WaitIO(ctx, txn, metaChecksum); err != nil {
		j.abortCommit(ctx, txn, fmt.Errorf("commit record: %w", err))
		j.recordCommitTime(time.Since(start))
		return err
	}

	j.commitPhase7Checkpoint(txn)

	j.recordCommitTime(time.Since(start))
	j.metrics.RecordCommit(time.Since(start), txn.durable)

	j.handleMu.Lock()
	j.doneCond.Broadcast()
	j.handleMu.Unlock()

	if j.commitCallback != nil {
		j.commitCallback(txn)
	}

	return dataErr
}

// commitPhase1LockDown quiesces txn: waits for every attached handle
// to detach, checks the credit bound (logging an error when it is
// exceeded), releases the Reserved list, and
// runs one checkpoint-cleanup pass. Spec.md §4.6 Phase 1.
func (j *Journal) commitPhase1LockDown(ctx context.Context, txn *Transaction) {
	txn.setState(TxLocked)

	j.handleMu.Lock()
	for {
		txn.mu.Lock()
		updates := txn.updates
		txn.mu.Unlock()
		if updates == 0 {
			break
		}
		j.handleCond.Wait()
	}
	j.handleMu.Unlock()

	txn.mu.Lock()
	if txn.outstandingCredits > j.params.MaxTransactionBuffers {
		log.WithFields(map[string]interface{}{
			"tid":     txn.tid,
			"credits": txn.outstandingCredits,
			"max":     j.params.MaxTransactionBuffers,
		}).Error("outstanding credits exceed max_transaction_buffers")
	}
	reserved := txn.reserved
	txn.reserved = nil
	txn.mu.Unlock()

	for _, jh := range reserved {
		jh.dropFrozen()
		jh.unfile()
	}

	j.checkpointCleanupPass()
}

// commitPhase2SwitchRevoke swaps in a fresh revoke table for future
// writers, installs txn as the committing transaction, clears the
// running transaction so the next StartHandle allocates a fresh one,
// records log_start, and wakes writers waiting in StartHandle.
// Spec.md §4.6 Phase 2.
func (j *Journal) commitPhase2SwitchRevoke(txn *Transaction) *revokeTable {
	rt := j.switchRevokeTable()
	txn.setState(TxFlush)

	j.stateMu.Lock()
	j.listMu.Lock()
	j.committing = txn
	j.running = nil
	txn.logStart = j.head
	j.listMu.Unlock()
	j.stateMu.Unlock()

	j.handleMu.Lock()
	j.transitionCond.Broadcast()
	j.handleMu.Unlock()

	return rt
}

// commitPhase3DataWriteout submits DATA-typed dirty-data buffers to
// the FS device in DataBatchSize-sized plugged batches. Buffers whose
// block type isn't DATA are refiled to Forget immediately without
// being written here. Spec.md §4.6 Phase 3; only runs when
// Params.ChecksumData is set.
func (j *Journal) commitPhase3DataWriteout(ctx context.Context, txn *Transaction) error {
	txn.mu.Lock()
	list := txn.dirtyData
	txn.dirtyData = nil
	txn.mu.Unlock()

	toForget := func(jh *bufferHead) {
		jh.file(listForget)
		txn.mu.Lock()
		txn.forget = append(txn.forget, jh)
		txn.mu.Unlock()
	}

	var dataOnly []*bufferHead
	for _, jh := range list {
		jh.mu.Lock()
		isData := jh.blockType == blockTypeDataOverwrite || jh.blockType == blockTypeDataNewlyAppended
		jh.mu.Unlock()
		if isData {
			dataOnly = append(dataOnly, jh)
		} else {
			toForget(jh)
		}
	}

	batch := j.params.DataBatchSize
	if batch <= 0 {
		batch = 1
	}

	var firstErr error
	for start := 0; start < len(dataOnly); start += batch {
		end := start + batch
		if end > len(dataOnly) {
			end = len(dataOnly)
		}
		chunk := dataOnly[start:end]

		j.fsDev.PlugBegin()
		type inflight struct {
			jh *bufferHead
			h  backend.Handle
		}
		var inFlight []inflight
		for _, jh := range chunk {
			jh.mu.Lock()
			jh.jwrite = true
			data := jh.data
			blockNr := jh.blockNr
			jh.mu.Unlock()

			h, err := j.fsDev.Submit(ctx, blockNr, data, backend.WriteSync)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("%w: %v", ErrIO, err)
				}
				continue
			}
			inFlight = append(inFlight, inflight{jh: jh, h: h})
		}
		j.fsDev.PlugEnd()

		for _, f := range inFlight {
			if err := j.fsDev.Wait(ctx, f.h); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%w: %v", ErrIO, err)
			}
			f.jh.mu.Lock()
			f.jh.jwrite = false
			f.jh.mu.Unlock()
			toForget(f.jh)
		}
	}

	return firstErr
}

// commitPhase4InodeAndRevoke submits every buffer on the transaction's
// inode list via ordinary writeback and writes this commit's revoke
// records into the log. Errors here abort the journal but do not
// short-circuit the rest of the pipeline. Spec.md §4.6 Phase 4.
func (j *Journal) commitPhase4InodeAndRevoke(ctx context.Context, txn *Transaction, rt *revokeTable) {
	txn.mu.Lock()
	inodes := txn.inodes
	txn.inodes = nil
	txn.mu.Unlock()

	for _, jh := range inodes {
		jh.mu.Lock()
		data := jh.data
		blockNr := jh.blockNr
		jh.mu.Unlock()
		if err := j.writeBlockSync(ctx, blockNr, data, backend.WriteSync); err != nil {
			j.abort(err)
		}
	}

	if err := j.writeRevokeRecords(ctx, txn, rt); err != nil {
		j.abort(err)
	}
}

// writeMetadataBuffer builds the shadow/IO pair for jh's current
// content: freezes jh (the shadow) and returns a fresh bufferHead
// carrying the frozen bytes destined for destBlockNr (the IO twin).
// escape is true iff the frozen content's first four bytes collide
// with the journal magic, in which case the twin's leading word is
// zeroed and the caller must set the ESCAPE tag flag. Spec.md §4.2.
func writeMetadataBuffer(jh *bufferHead, destBlockNr uint64) (twin *bufferHead, escape bool) {
	frozen := jh.freezeForCommit()
	escape = len(frozen) >= 4 && binary.BigEndian.Uint32(frozen[0:4]) == journalMagic

	payload := make([]byte, len(frozen))
	copy(payload, frozen)
	if escape {
		binary.BigEndian.PutUint32(payload[0:4], 0)
	}

	twin = newBufferHead(destBlockNr, payload)
	twin.isIOTwin = true
	jh.refile(listShadow)
	return twin, escape
}

// commitPhase5Metadata packs every metadata buffer into
// descriptor-tagged log blocks, draining the transaction's data-tag
// list onto whichever descriptor is open at the time, and folds each
// written metadata block into the running checksum chained from call
// to call via C1. Returns the final checksum value for the commit
// record. Spec.md §4.6 Phase 5.
func (j *Journal) commitPhase5Metadata(ctx context.Context, txn *Transaction) (uint32, error) {
	txn.setState(TxCommit)

	txn.mu.Lock()
	list := txn.metadata
	txn.metadata = nil
	txn.mu.Unlock()

	builder := newDescriptorBuilder(j.sb, j.params.BlockSize)
	checksumSeed := uint32(0xffffffff)

	var descBlockNr uint64
	var ioBlocks []uint64
	var ioData [][]byte
	var ioPairedShadow []int

	batchSize := j.params.WriteBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	openDescriptor := func() error {
		blk, err := j.nextLogBlock()
		if err != nil {
			return err
		}
		descBlockNr = uint64(blk)
		builder.open(uint32(txn.tid))

		for {
			dt, ok := txn.popDataTag()
			if !ok {
				break
			}
			if dt.blockNr > 0xffffffff && !j.sb.Uses64BitBlockNumbers() {
				return fmt.Errorf("jrnl: data block %d: %w", dt.blockNr, ErrTooLarge)
			}
			t := &tag{
				blockNr:      dt.blockNr,
				dataType:     blockTypeDataOverwrite,
				checksumType: wireChecksumType(j.params.ChecksumType),
				checksum:     dt.checksum,
			}
			if !builder.fits(builder.tagCost(t)) {
				txn.addDataTag(dt)
				break
			}
			builder.add(t)
		}
		return nil
	}

	drainPending := func() error {
		if !builder.active() {
			return nil
		}
		if len(builder.cur.tags) == 0 {
			builder.finish()
			return nil
		}
		d := builder.finish()
		wire := d.toBytes(j.sb, j.params.BlockSize)
		if err := j.writeBlockSync(ctx, descBlockNr, wire, backend.WriteSync); err != nil {
			return err
		}
		descJh := newBufferHead(descBlockNr, wire)
		descJh.file(listLogCtl)
		txn.mu.Lock()
		txn.logCtl = append(txn.logCtl, descJh)
		txn.mu.Unlock()

		for i, blockNr := range ioBlocks {
			data := ioData[i]
			if j.params.Checksum {
				checksumSeed = checksumBlock(j.params.ChecksumType, checksumSeed, data)
			}
			if err := j.writeBlockSync(ctx, blockNr, data, backend.WriteSync); err != nil {
				return err
			}
			ioJh := newBufferHead(blockNr, data)
			ioJh.isIOTwin = true
			ioJh.pairedIdx = ioPairedShadow[i]
			ioJh.file(listIO)
			txn.mu.Lock()
			txn.io = append(txn.io, ioJh)
			txn.mu.Unlock()
		}

		ioBlocks = nil
		ioData = nil
		ioPairedShadow = nil
		return nil
	}

	if err := openDescriptor(); err != nil {
		return 0, err
	}

	for i, jh := range list {
		if j.isAborted() {
			jh.mu.Lock()
			jh.dirty = false
			jh.mu.Unlock()
			jh.file(listForget)
			txn.mu.Lock()
			txn.forget = append(txn.forget, jh)
			txn.mu.Unlock()
			continue
		}

		if !builder.active() {
			if err := openDescriptor(); err != nil {
				return 0, err
			}
		}

		jh.mu.Lock()
		srcIsData := jh.blockType == blockTypeDataOverwrite || jh.blockType == blockTypeDataNewlyAppended
		jh.mu.Unlock()

		if jh.blockNr > 0xffffffff && !j.sb.Uses64BitBlockNumbers() {
			return 0, fmt.Errorf("jrnl: block %d: %w", jh.blockNr, ErrTooLarge)
		}

		blk, err := j.nextLogBlock()
		if err != nil {
			return 0, err
		}
		destBlockNr := uint64(blk)

		txn.mu.Lock()
		if txn.outstandingCredits > 0 {
			txn.outstandingCredits--
		}
		txn.mu.Unlock()

		twin, escape := writeMetadataBuffer(jh, destBlockNr)

		t := &tag{
			blockNr:      jh.blockNr,
			checksumType: wireChecksumType(j.params.ChecksumType),
		}
		if srcIsData {
			t.dataType = blockTypeDataOverwrite
		} else {
			t.dataType = blockTypeNotData
		}
		if escape {
			t.flags |= tagFlagEscape
		}

		if !builder.fits(builder.tagCost(t)) {
			if err := drainPending(); err != nil {
				return 0, err
			}
			if err := openDescriptor(); err != nil {
				return 0, err
			}
		}
		builder.add(t)

		txn.mu.Lock()
		txn.shadow = append(txn.shadow, jh)
		shadowIdx := len(txn.shadow) - 1
		txn.mu.Unlock()

		ioBlocks = append(ioBlocks, destBlockNr)
		ioData = append(ioData, twin.data)
		ioPairedShadow = append(ioPairedShadow, shadowIdx)

		full := len(ioBlocks) >= batchSize
		last := i == len(list)-1
		spaceTight := builder.active() && !builder.fits(builder.tagCost(&tag{}))
		if full || last || spaceTight {
			if err := drainPending(); err != nil {
				return 0, err
			}
			if !last {
				if err := openDescriptor(); err != nil {
					return 0, err
				}
			}
		}
	}

	if err := drainPending(); err != nil {
		return 0, err
	}

	return checksumSeed, nil
}

// commitPhase6WaitIO drains the IO and LogCtl lists, refiles the
// shadow originals they pair against to Forget, transitions
// COMMIT_DFLUSH→COMMIT_JFLUSH, builds and writes the commit record
// (folding in metaChecksum when the CHECKSUM feature is negotiated),
// and issues the journal-device barrier for durable commits. Spec.md
// §4.6 Phase 6.
func (j *Journal) commitPhase6WaitIO(ctx context.Context, txn *Transaction, metaChecksum uint32) error {
	txn.mu.Lock()
	ioList := txn.io
	txn.io = nil
	logCtl := txn.logCtl
	txn.logCtl = nil
	shadow := txn.shadow
	txn.mu.Unlock()

	for i := len(ioList) - 1; i >= 0; i-- {
		ioJh := ioList[i]
		ioJh.unfile()
		if ioJh.pairedIdx >= 0 && ioJh.pairedIdx < len(shadow) {
			orig := shadow[ioJh.pairedIdx]
			orig.dropFrozen()
			orig.file(listForget)
			txn.mu.Lock()
			txn.forget = append(txn.forget, orig)
			txn.mu.Unlock()
		}
	}
	for i := len(logCtl) - 1; i >= 0; i-- {
		logCtl[i].unfile()
	}

	txn.setState(TxCommitDFlush)

	if j.params.SeparateFSDevice && j.params.Barrier {
		if err := j.fsDev.Flush(ctx); err != nil {
			return fmt.Errorf("fs-device barrier: %w: %v", ErrIO, err)
		}
	}

	cb := newCommitBlock(uint32(txn.tid))
	cb.setCommitTime(time.Now())
	if j.params.Checksum {
		cb.checksumType = wireChecksumType(j.params.ChecksumType)
		cb.checksum = metaChecksum
	}
	commitBlockNr, err := j.nextLogBlock()
	if err != nil {
		return err
	}
	wire := cb.toBytes(j.params.BlockSize)

	sameDevice := !j.params.SeparateFSDevice
	mode := backend.WriteSync
	if (j.params.Barrier && sameDevice) || !j.params.AsyncCommit {
		mode = backend.WriteFlushFUA
	}
	if err := j.writeBlockSync(ctx, uint64(commitBlockNr), wire, mode); err != nil {
		return err
	}

	txn.setState(TxCommitJFlush)

	if (j.params.AsyncCommit && j.params.Barrier) || txn.durable {
		if err := j.dev.Flush(ctx); err != nil {
			return fmt.Errorf("journal-device barrier: %w: %v", ErrIO, err)
		}
	}

	return nil
}
