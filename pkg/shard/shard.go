// Package shard implements the write-absorbing layer between request
// handlers and the relational store. Hot counters and runtime events are
// buffered in memory by a single goroutine per shard and flushed in
// batches; the egress rate limiter keeps its fixed windows entirely in
// memory. Handlers never wait on a flush.
//
// Single-writer discipline: each shard owns its buffered state and is
// the only goroutine that mutates it, so no per-key locking is needed
// and deltas for the same key are applied in arrival order.
package shard

import "time"

// Configuration defaults shared by the batching shards.
const (
	// defaultFlushDelay is how long a key's first buffered item waits
	// before its batch is flushed.
	defaultFlushDelay = 5 * time.Second

	// defaultTickInterval is how often the flush loop scans for due
	// batches.
	defaultTickInterval = 1 * time.Second

	// defaultRetryBackoff is how long a failed batch waits before the
	// next flush attempt.
	defaultRetryBackoff = 1 * time.Second

	// defaultMailboxSize bounds the enqueue channel. A full mailbox
	// blocks the producer, which backpressures the HTTP handler rather
	// than dropping writes.
	defaultMailboxSize = 4096
)
