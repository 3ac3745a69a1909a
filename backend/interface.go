// Package backend plays the role spec.md §6 calls "the block-device
// layer (consumed)": submit/wait/flush plus plug scopes for coalescing
// adjacent writes. Adapted from github.com/diskfs/go-diskfs's
// backend.Storage (an io.ReaderAt/io.WriterAt-shaped file handle used
// for partition/filesystem image access), narrowed and extended here
// to the barrier-aware, block-indexed contract the commit engine
// actually needs.
package backend

import "context"

// WriteMode selects how urgently a Submit should reach durable media,
// mirroring spec.md §6's {WRITE_SYNC, WRITE_FLUSH_FUA} distinction.
type WriteMode int

const (
	// WriteSync is a plain synchronous write with no forced barrier.
	WriteSync WriteMode = iota
	// WriteFlushFUA forces a cache flush and a force-unit-access write,
	// used for commit records when barriers are required.
	WriteFlushFUA
)

// Handle identifies one in-flight asynchronous write, returned by
// Submit and consumed by Wait.
type Handle interface{}

// Device is the external block-device layer the commit engine
// consumes: every I/O the pipeline issues goes through this interface,
// never directly at an *os.File or byte slice.
type Device interface {
	// BlockSize returns the device's fixed block size in bytes.
	BlockSize() uint32

	// ReadBlock reads one BlockSize-sized block at the given block
	// number.
	ReadBlock(ctx context.Context, blockNr uint64) ([]byte, error)

	// Submit asynchronously writes data (exactly one BlockSize) to
	// blockNr under the given mode, returning a Handle to Wait on.
	Submit(ctx context.Context, blockNr uint64, data []byte, mode WriteMode) (Handle, error)

	// Wait blocks until the write behind h has completed, returning
	// its result.
	Wait(ctx context.Context, h Handle) error

	// Flush issues a full device cache flush: the durability barrier
	// a DSYNC commit or a cross-device ordering point requires.
	Flush(ctx context.Context) error

	// PlugBegin/PlugEnd bracket a batch of adjacent Submits so a real
	// device can coalesce them, the Go analogue of commit.c's
	// blk_start_plug/blk_finish_plug pairing (see SPEC_FULL.md,
	// SUPPLEMENTED FEATURES). Backends with no meaningful batching
	// concept may implement both as no-ops.
	PlugBegin()
	PlugEnd()

	// Close releases any resources held by the device.
	Close() error
}
