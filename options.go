package jrnl

import "time"

// Params configures a Journal at creation time, following the
// constant-block-plus-struct convention the teacher's ext4 package
// uses for its own Params type.
type Params struct {
	// BlockSize is the size in bytes of every journal block, including
	// the superblock, descriptor, commit, and revoke blocks.
	BlockSize uint32

	// MaxLen is the number of BlockSize blocks in the journal,
	// counting the superblock at block 0.
	MaxLen uint32

	// Checksum enables the COMPAT_CHECKSUM feature: a running
	// fletcher-32 (or crc32) checksum over every metadata block,
	// folded into the commit record.
	Checksum bool

	// ChecksumData gates data-block checksumming independently of
	// Checksum. The source this spec was distilled from references a
	// DCHECKSUM macro whose definition was not provided; per spec.md's
	// design notes this is modeled as an explicit toggle rather than
	// inferred from other feature flags.
	ChecksumData bool

	// ChecksumType selects which algorithm backs Checksum/ChecksumData.
	ChecksumType ChecksumType

	// AsyncCommit negotiates the ASYNC_COMMIT incompat feature. It
	// changes the commit record's write mode (no FUA unless Barrier is
	// set and the FS shares the journal device) and, with Barrier,
	// adds a journal-device flush after the record. The commit record
	// is still submitted only after every metadata block has been
	// written; it is never submitted ahead of metadata I/O.
	AsyncCommit bool

	// Wide64Bit negotiates 64-bit block numbers in descriptor tags.
	Wide64Bit bool

	// Barrier enables device barriers: WRITE_FLUSH_FUA for the commit
	// record when the FS shares the journal device, an FS-device flush
	// before the commit record when it does not, and a journal-device
	// flush after the record under AsyncCommit. Durable commits flush
	// the journal device whether or not Barrier is set.
	Barrier bool

	// SeparateFSDevice is true when the filesystem being journaled
	// lives on a different block device than the journal itself,
	// which requires an explicit FS-device flush ahead of the commit
	// record (ordering contract 3 in spec.md §5).
	SeparateFSDevice bool

	// MaxTransactionBuffers bounds outstanding_credits per transaction.
	MaxTransactionBuffers uint32

	// WriteBatchSize is the metadata submit batch size (j_wbufsize).
	WriteBatchSize int

	// DataBatchSize is the data-block plug/unplug batch size
	// (EXT4BF_DATA_BATCH in the source; default 8).
	DataBatchSize int

	// CheckpointInterval is the deferred-writeback deadline granted to
	// non-durable commits (JBDBF_CHECKPOINT_INTERVAL in the source;
	// default ~5s).
	CheckpointInterval time.Duration
}

// ChecksumType selects the checksum algorithm used for metadata and
// data integrity, exposed as a pluggable function per spec.md §1 ("the
// fletcher-32 checksum primitive... is the pluggable data-integrity
// function the commit path depends on").
type ChecksumType uint8

const (
	// ChecksumFletcher32 uses the seeded, carry-reduced Fletcher-32
	// variant described in spec.md §4.1.
	ChecksumFletcher32 ChecksumType = iota
	// ChecksumCRC32C uses the stdlib Castagnoli CRC32 table, matching
	// real jbd2's default on-disk checksum algorithm.
	ChecksumCRC32C
)

// DefaultParams returns sensible defaults, following the magnitude of
// the teacher's own reserved-inode and block-size constants.
func DefaultParams() Params {
	return Params{
		BlockSize:              4096,
		MaxLen:                 32768,
		Checksum:               true,
		ChecksumData:           false,
		ChecksumType:           ChecksumFletcher32,
		AsyncCommit:            false,
		Wide64Bit:              true,
		Barrier:                true,
		SeparateFSDevice:       false,
		MaxTransactionBuffers:  8192,
		WriteBatchSize:         64,
		DataBatchSize:          8,
		CheckpointInterval:     5 * time.Second,
	}
}
