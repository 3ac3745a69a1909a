// Package jrnl implements the commit engine of a block-level
// write-ahead journal for a crash-consistent file system, modeled on
// jbd2: a running transaction accumulates metadata (and, optionally,
// data) buffer mutations; the commit engine atomically writes a
// durable record of it to an on-disk circular log and then releases
// the buffers for lazy writeback to their home locations.
//
// Ordinary commits promise only ordering: the commit record is
// written, but no device flush is issued. A durable commit
// additionally flushes the journal device before returning, trading
// latency for immediate persistence. See LogStartOptfsCommit.
package jrnl
