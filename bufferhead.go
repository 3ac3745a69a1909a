package jrnl

import "sync"

// listTag names the journaling list a bufferHead currently belongs to.
// A bufferHead is on at most one list at a time (spec.md §3's first
// invariant for the block handle).
type listTag int

const (
	listNone listTag = iota
	listReserved
	listMetadata
	listIO
	listShadow
	listLogCtl
	listForget
	listCheckpoint
	listInode
	listDirtyData
)

// bufferHead is the journaling state of one filesystem block: C2 in
// spec.md §2/§3. Grounded on the journal-head field usage throughout
// original_source/fs/ext4bf/commit.c.
type bufferHead struct {
	mu sync.Mutex

	blockNr   uint64
	blockType dataBlockType
	list      listTag

	data []byte // the block's current content

	frozen    []byte // copy-on-write snapshot taken for this commit
	committed []byte // undo data, freed once the frozen copy is durable

	current *Transaction // t_cur_transaction analogue
	next    *Transaction // t_next_transaction analogue

	dirty    bool
	uptodate bool
	locked   bool
	jwrite   bool

	// pairedIdx holds the index of the paired shadow handle within the
	// owning transaction's shadow list, and isIOTwin marks the IO-twin
	// side of a pair: cross-references are slice indices, not raw
	// pointers, so bufferHeads can live in a plain slice.
	pairedIdx int
	isIOTwin  bool

	checkpointDeadline int64 // unix nanos; 0 means "no deadline yet"
}

func newBufferHead(blockNr uint64, data []byte) *bufferHead {
	return &bufferHead{
		blockNr:   blockNr,
		blockType: blockTypeNotData,
		list:      listNone,
		data:      data,
		dirty:     true,
		pairedIdx: -1,
	}
}

// refile moves jh onto the given list and clears its jwrite flag.
// writeMetadataBuffer uses it to move an original onto the Shadow
// list; other list moves in the pipeline go through file and unfile.
func (jh *bufferHead) refile(to listTag) {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	jh.list = to
	jh.jwrite = false
}

// unfile removes jh from its current list without reassigning it.
func (jh *bufferHead) unfile() {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	jh.list = listNone
}

// file places jh onto list, the Go analogue of commit.c's
// jbdbf_journal_file_buffer(jh, transaction, list_tag): ownership of
// which slice jh lives in is the caller's responsibility (this only
// updates the handle's own idea of where it is), matching this
// module's slice-backed list model (DESIGN.md, C3).
func (jh *bufferHead) file(to listTag) {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	jh.list = to
}

// freezeForCommit takes the copy-on-write snapshot a shadow buffer
// needs: the original's content is copied into frozen, and the
// original becomes available again for the *next* transaction to
// re-dirty while the frozen copy travels to the log.
func (jh *bufferHead) freezeForCommit() []byte {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	frozen := make([]byte, len(jh.data))
	copy(frozen, jh.data)
	jh.frozen = frozen
	return frozen
}

// dropFrozen releases the frozen/committed scratch data once the log
// write is durable, mirroring Phase 7's undo/frozen rotation.
func (jh *bufferHead) dropFrozen() {
	jh.mu.Lock()
	defer jh.mu.Unlock()
	jh.frozen = nil
	jh.committed = nil
}
