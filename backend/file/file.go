// Package file implements backend.Device over a real *os.File,
// adapted from github.com/diskfs/go-diskfs's backend/file.rawBackend
// (the OpenFromPath/CreateFromPath constructor pattern and the
// var _ Interface = (*T)(nil) guard) plus disk/disk_unix.go's
// golang.org/x/sys/unix ioctl usage, generalized here from BLKRRPART
// to the journal-device durability barrier.
package file

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ondisk/jrnl/backend"
)

// Device is a block device backed by a regular file or a real block
// device node.
type Device struct {
	f         *os.File
	blockSize uint32
}

var _ backend.Device = (*Device)(nil)

// handle is the synchronous-write completion token this backend
// hands back from Submit: the write already landed in the page cache
// by the time Submit returns, so Wait only needs to check the stashed
// error.
type handle struct {
	err error
}

// Open opens an existing file or block device for journaling.
func Open(path string, blockSize uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("jrnl/backend/file: open %s: %w", path, err)
	}
	return &Device{f: f, blockSize: blockSize}, nil
}

// Create creates (or truncates) a file of size bytes to back a fresh
// journal, mirroring backend/file.CreateFromPath.
func Create(path string, size int64, blockSize uint32) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("jrnl/backend/file: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("jrnl/backend/file: truncate %s: %w", path, err)
	}
	return &Device{f: f, blockSize: blockSize}, nil
}

func (d *Device) BlockSize() uint32 { return d.blockSize }

func (d *Device) ReadBlock(_ context.Context, blockNr uint64) ([]byte, error) {
	buf := make([]byte, d.blockSize)
	off := int64(blockNr) * int64(d.blockSize)
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("jrnl/backend/file: read block %d: %w", blockNr, err)
	}
	return buf, nil
}

func (d *Device) Submit(_ context.Context, blockNr uint64, data []byte, mode backend.WriteMode) (backend.Handle, error) {
	if uint32(len(data)) != d.blockSize {
		return nil, fmt.Errorf("jrnl/backend/file: write block %d: got %d bytes, want %d", blockNr, len(data), d.blockSize)
	}
	off := int64(blockNr) * int64(d.blockSize)
	if _, err := d.f.WriteAt(data, off); err != nil {
		return &handle{err: fmt.Errorf("jrnl/backend/file: write block %d: %w", blockNr, err)}, nil
	}
	if mode == backend.WriteFlushFUA {
		if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
			return &handle{err: fmt.Errorf("jrnl/backend/file: fua sync block %d: %w", blockNr, err)}, nil
		}
	}
	return &handle{}, nil
}

func (d *Device) Wait(_ context.Context, h backend.Handle) error {
	hd, ok := h.(*handle)
	if !ok {
		return fmt.Errorf("jrnl/backend/file: foreign handle")
	}
	return hd.err
}

// Flush issues a full device barrier. unix.Fsync (rather than the
// lighter Fdatasync used for per-write FUA above) is deliberate here:
// a durable commit's journal-device barrier must also persist the
// inode metadata the kernel associates with the backing file/device,
// not just its data, the same distinction disk/disk_unix.go's ioctl
// call is careful about for BLKRRPART.
func (d *Device) Flush(_ context.Context) error {
	if err := unix.Fsync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("jrnl/backend/file: flush: %w", err)
	}
	return nil
}

func (d *Device) PlugBegin() {}
func (d *Device) PlugEnd()   {}

func (d *Device) Close() error {
	return d.f.Close()
}

// blkflsbuf is BLKFLSBUF from linux/fs.h: flush the kernel's buffer
// cache for the block device, the same request disk_unix.go issues
// for BLKRRPART.
const blkflsbuf = 0x1261

// DropPageCache asks the kernel to flush its buffer cache for the
// underlying device, so a subsequent ReadBlock is forced to come from
// the device itself rather than whatever this process's own writes
// left resident in memory. A no-op (and not an error) when the
// backing file is a regular file rather than a block device node,
// since BLKFLSBUF only means something for the latter; grounded in
// disk_unix.go's ReReadPartitionTable, which applies the same
// is-this-actually-a-block-device guard before its ioctl call.
func (d *Device) DropPageCache() error {
	info, err := d.f.Stat()
	if err != nil {
		return fmt.Errorf("jrnl/backend/file: stat: %w", err)
	}
	if info.Mode()&os.ModeDevice == 0 {
		return nil
	}
	if _, err := unix.IoctlGetInt(int(d.f.Fd()), blkflsbuf); err != nil {
		return fmt.Errorf("jrnl/backend/file: drop page cache: %w", err)
	}
	return nil
}
