/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package dispatch provides the backend-connection admission queue of a reverse proxy.
//
// For every inbound request that must be relayed to a backend, the Queue decides whether
// the request may open a backend connection right away or must wait for a slot, enforcing
// a configurable cap on concurrent backend connections per destination host (or one global
// cap across all hosts in unified mode).
//
// Key features:
//   - Per-host or unified (global) concurrency cap, 0 means unbounded
//   - FIFO fairness among requests blocked on the same destination
//   - Exactly one waiter promoted per released connection slot
//   - Lazy cleanup of blocked-list links detached by out-of-band cancellation
//   - Prometheus metrics for queue occupancy and promotions
//
// The Queue performs no I/O and never blocks. It is not safe for concurrent use;
// the caller either confines a Queue instance to a single goroutine (one queue per
// worker) or guards every call sequence with one mutex (see the relay package).
package dispatch
