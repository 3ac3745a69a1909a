package jrnl

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for a Journal: commit counts
// and latency, checkpoint churn, and abort/error counts. Adapted from
// the atomic-counter-plus-snapshot idiom in the retrieved pack's
// go-ublk metrics (that repo's domain is a block-device driver, not a
// journal, but the shape — atomic counters, a point-in-time Snapshot,
// a running average — transfers directly).
type Metrics struct {
	Commits           atomic.Uint64 // transactions successfully committed
	DurableCommits    atomic.Uint64 // commits of transactions marked durable
	AbortedCommits    atomic.Uint64 // calls that aborted the journal or found it already aborted
	Checkpoints       atomic.Uint64 // buffers handed to the checkpoint list
	CheckpointSplices atomic.Uint64 // transactions spliced into the checkpoint ring
	TotalCommitNs     atomic.Uint64
	IOErrors          atomic.Uint64
}

// NewMetrics returns a zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordCommit records one completed (non-aborted) commit of the given
// wall-clock duration.
func (m *Metrics) RecordCommit(d time.Duration, durable bool) {
	m.Commits.Add(1)
	m.TotalCommitNs.Add(uint64(d.Nanoseconds()))
	if durable {
		m.DurableCommits.Add(1)
	}
}

// RecordAbort records one call of the journal's internal abort,
// whether it poisoned the journal or found it already poisoned.
func (m *Metrics) RecordAbort() {
	m.AbortedCommits.Add(1)
}

// RecordCheckpoint records n buffers handed to a checkpoint list.
func (m *Metrics) RecordCheckpoint(n uint64) {
	m.Checkpoints.Add(n)
}

// RecordCheckpointSplice records one transaction spliced into the
// journal's checkpoint ring (as opposed to being freed immediately
// because its checkpoint list came back empty).
func (m *Metrics) RecordCheckpointSplice() {
	m.CheckpointSplices.Add(1)
}

// RecordIOError records one backend I/O failure.
func (m *Metrics) RecordIOError() {
	m.IOErrors.Add(1)
}

// Snapshot is a point-in-time copy of Metrics with derived fields.
type Snapshot struct {
	Commits           uint64
	DurableCommits    uint64
	AbortedCommits    uint64
	Checkpoints       uint64
	CheckpointSplices uint64
	IOErrors          uint64
	AverageCommitTime time.Duration
}

// Snapshot takes a consistent-enough point-in-time reading of m.
func (m *Metrics) Snapshot() Snapshot {
	commits := m.Commits.Load()
	s := Snapshot{
		Commits:           commits,
		DurableCommits:    m.DurableCommits.Load(),
		AbortedCommits:    m.AbortedCommits.Load(),
		Checkpoints:       m.Checkpoints.Load(),
		CheckpointSplices: m.CheckpointSplices.Load(),
		IOErrors:          m.IOErrors.Load(),
	}
	if commits > 0 {
		s.AverageCommitTime = time.Duration(m.TotalCommitNs.Load() / commits)
	}
	return s
}
