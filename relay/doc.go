/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package relay provides the caller side of the dispatch queue: a per-worker
// Forwarder that admits backend connection requests through a dispatch.Queue,
// opens connections with retries, parks requests when the destination's
// connection cap is reached and hands freed slots to waiting requests in FIFO
// order.
//
// A Forwarder guards its queue with one mutex, so it may be shared by the
// goroutines of a single worker. Run one Forwarder (and thus one queue) per
// worker rather than a process-wide singleton.
package relay
