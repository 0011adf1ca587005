/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"container/list"
	"fmt"
)

// unifiedHostKey is the sentinel destination key that all authorities
// collapse into when the queue operates in unified mode.
const unifiedHostKey = ""

// hostEntry keeps per-destination bookkeeping: the number of currently active
// backend connections and the FIFO list of blocked handles waiting for a slot.
// An entry with no active connections and an empty blocked list is garbage and
// is erased from the host map right away.
type hostEntry struct {
	numActive int
	blocked   *list.List // of *blockedLink
}

func newHostEntry() *hostEntry {
	return &hostEntry{blocked: list.New()}
}

// Queue is the admission-control engine. It owns all submitted handles,
// owns the per-destination bookkeeping and enforces the connection cap via
// the CanActivate/MarkActive/MarkBlocked/ReleaseAndPromote protocol.
//
// All operations are synchronous and non-blocking. Queue is not safe for
// concurrent use, see the package documentation.
type Queue struct {
	maxConnsPerHost int // 0 means unbounded
	unifiedHost     bool

	registry *list.List // of *Handle, submission order
	hosts    map[string]*hostEntry

	numActive  int // total active connections across all host entries
	numBlocked int // total live (not detached) blocked handles

	mc MetricsCollector
}

// QueueOpts represents an options for the Queue.
type QueueOpts struct {
	// MetricsCollector is used for collecting metrics about queue occupancy.
	// If not set, metrics will be disabled.
	MetricsCollector MetricsCollector
}

// NewQueue creates a new Queue with the provided configuration.
func NewQueue(cfg *Config) *Queue {
	return NewQueueWithOpts(cfg, QueueOpts{})
}

// NewQueueWithOpts creates a new Queue with the provided configuration and options.
func NewQueueWithOpts(cfg *Config, opts QueueOpts) *Queue {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	mc := opts.MetricsCollector
	if mc == nil {
		mc = disabledMetricsCollector
	}
	return &Queue{
		maxConnsPerHost: cfg.MaxConnsPerHost,
		unifiedHost:     cfg.UnifiedHost,
		registry:        list.New(),
		hosts:           make(map[string]*hostEntry),
		mc:              mc,
	}
}

// Submit hands the handle over to the queue and marks it pending.
// A pending handle is registered in the global registry but is not counted
// against any destination cap yet.
func (q *Queue) Submit(h *Handle) {
	if h.state != StateNone {
		panic(fmt.Sprintf("dispatch: submit of already submitted handle %s (state %s)", h.id, h.state))
	}
	h.state = StatePending
	h.regElem = q.registry.PushBack(h)
	q.mc.SetHandlesAmount(q.registry.Len())
}

// MarkFailure records the caller's verdict that the handle's backend
// connection attempt failed before the handle became active. The caller is
// expected to remove the handle with ReleaseAndPromote afterwards.
func (q *Queue) MarkFailure(h *Handle) {
	q.mustOwn(h)
	switch h.state {
	case StatePending:
	case StateBlocked:
		// A promoted handle whose dial failed. Its link must be detached already.
		if h.blocked != nil {
			panic(fmt.Sprintf("dispatch: mark failure of handle %s still linked in a blocked list", h.id))
		}
	default:
		panic(fmt.Sprintf("dispatch: mark failure of handle %s in state %s", h.id, h.state))
	}
	h.state = StateFailure
	q.mc.IncFailures()
}

// CanActivate reports whether a new backend connection to the given authority
// may be opened now. It is a pure advisory query: the queue does not gate
// connection attempts itself, it only counts the outcomes the caller reports
// via MarkActive. Callers must always gate on CanActivate before activating.
func (q *Queue) CanActivate(authority string) bool {
	ent, ok := q.hosts[q.hostKey(authority)]
	if !ok {
		return true
	}
	return q.hasCapacity(ent.numActive)
}

// MarkActive transitions the handle to the active state and counts it against
// its destination's cap. No cap check is performed here: the caller already
// consulted CanActivate, and the queue trusts that decision.
func (q *Queue) MarkActive(h *Handle) {
	q.mustOwn(h)
	switch h.state {
	case StatePending:
	case StateBlocked:
		if h.blocked != nil {
			panic(fmt.Sprintf("dispatch: mark active of handle %s still linked in a blocked list", h.id))
		}
	default:
		panic(fmt.Sprintf("dispatch: mark active of handle %s in state %s", h.id, h.state))
	}

	ent := q.findHostEntry(q.keyFor(h))
	ent.numActive++
	q.numActive++
	h.state = StateActive

	q.mc.SetActiveConnsAmount(q.numActive)
	q.mc.SetHostEntriesAmount(len(q.hosts))
}

// MarkBlocked transitions the handle to the blocked state and appends it to
// its destination's wait list. Arrival order is preserved: the oldest blocked
// handle is promoted first.
func (q *Queue) MarkBlocked(h *Handle) {
	q.mustOwn(h)
	switch h.state {
	case StatePending:
	case StateBlocked:
		// A promoted handle that lost the freed slot to renewed contention.
		if h.blocked != nil {
			panic(fmt.Sprintf("dispatch: mark blocked of handle %s already linked in a blocked list", h.id))
		}
	default:
		panic(fmt.Sprintf("dispatch: mark blocked of handle %s in state %s", h.id, h.state))
	}

	ent := q.findHostEntry(q.keyFor(h))
	h.state = StateBlocked
	link := &blockedLink{handle: h}
	h.blocked = link
	ent.blocked.PushBack(link)
	q.numBlocked++

	q.mc.SetBlockedAmount(q.numBlocked)
	q.mc.SetHostEntriesAmount(len(q.hosts))
}

// ReleaseAndPromote removes the handle from the queue and, if that freed a
// connection slot, dequeues and returns the oldest blocked handle of the same
// destination for the caller to promote. The caller is responsible for calling
// MarkActive on the returned handle once a connection is obtained (or
// MarkBlocked/MarkFailure again on renewed contention or error).
//
// The passed handle must not be used after this call. Returns nil when there
// is nothing to promote.
func (q *Queue) ReleaseAndPromote(h *Handle) *Handle {
	q.mustOwn(h)

	if h.state != StateActive {
		// The handle never became active: it is pending or failed. Blocked
		// handles are never released this way, they are canceled or promoted.
		if h.state == StateBlocked {
			panic(fmt.Sprintf("dispatch: release of blocked handle %s", h.id))
		}
		q.removeFromRegistry(h)
		return nil
	}

	q.removeFromRegistry(h)

	key := q.keyFor(h)
	ent, ok := q.hosts[key]
	if !ok {
		panic(fmt.Sprintf("dispatch: release of active handle %s for unknown host %q", h.id, key))
	}
	ent.numActive--
	q.numActive--
	q.mc.SetActiveConnsAmount(q.numActive)

	if q.removeHostEntryIfEmpty(ent, key) {
		return nil
	}

	if !q.hasCapacity(ent.numActive) {
		return nil
	}

	// Scan the wait list from the front, purging links whose handles were
	// detached out-of-band, and hand the first live waiter to the caller.
	// Exactly one waiter is promoted per freed slot.
	promoted := q.popFrontBlocked(ent)
	q.removeHostEntryIfEmpty(ent, key)
	if promoted == nil {
		return nil
	}
	q.numBlocked--
	q.mc.SetBlockedAmount(q.numBlocked)
	q.mc.IncPromotions()
	return promoted
}

// Cancel removes a handle that will never be dispatched (e.g. the client
// disconnected) from the queue. A blocked handle is detached from its wait
// list link; the link itself stays in the list as a stale entry until a later
// promotion scan purges it. Active handles must be released with
// ReleaseAndPromote instead.
//
// The passed handle must not be used after this call.
func (q *Queue) Cancel(h *Handle) {
	q.mustOwn(h)
	switch h.state {
	case StatePending, StateFailure:
	case StateBlocked:
		if h.blocked != nil {
			h.detachBlockedLink()
			q.numBlocked--
			q.mc.SetBlockedAmount(q.numBlocked)
		}
	default:
		panic(fmt.Sprintf("dispatch: cancel of handle %s in state %s", h.id, h.state))
	}
	q.removeFromRegistry(h)
}

// Snapshot returns all live handles in submission order.
// The returned slice is owned by the caller, the handles are not:
// they remain owned by the queue.
func (q *Queue) Snapshot() []*Handle {
	res := make([]*Handle, 0, q.registry.Len())
	for e := q.registry.Front(); e != nil; e = e.Next() {
		res = append(res, e.Value.(*Handle))
	}
	return res
}

// Len returns the number of live handles in the queue.
func (q *Queue) Len() int {
	return q.registry.Len()
}

// BlockedCount returns the number of handles waiting for a connection slot
// across all destinations. Detached (canceled) handles are not counted.
func (q *Queue) BlockedCount() int {
	return q.numBlocked
}

// ActiveCount returns the number of active backend connections counted for
// the given authority.
func (q *Queue) ActiveCount(authority string) int {
	ent, ok := q.hosts[q.hostKey(authority)]
	if !ok {
		return 0
	}
	return ent.numActive
}

// hostKey maps an authority to a destination key, collapsing all authorities
// into a single sentinel in unified mode.
func (q *Queue) hostKey(authority string) string {
	if q.unifiedHost {
		return unifiedHostKey
	}
	return authority
}

func (q *Queue) keyFor(h *Handle) string {
	return q.hostKey(h.req.Authority())
}

func (q *Queue) hasCapacity(numActive int) bool {
	return q.maxConnsPerHost == 0 || numActive < q.maxConnsPerHost
}

func (q *Queue) findHostEntry(key string) *hostEntry {
	ent, ok := q.hosts[key]
	if !ok {
		ent = newHostEntry()
		q.hosts[key] = ent
	}
	return ent
}

func (q *Queue) removeHostEntryIfEmpty(ent *hostEntry, key string) bool {
	if ent.numActive == 0 && ent.blocked.Len() == 0 {
		delete(q.hosts, key)
		q.mc.SetHostEntriesAmount(len(q.hosts))
		return true
	}
	return false
}

// popFrontBlocked removes and returns the first live waiter of the entry's
// blocked list, purging all leading stale links on the way. Returns nil when
// no live waiter is left.
func (q *Queue) popFrontBlocked(ent *hostEntry) *Handle {
	for e := ent.blocked.Front(); e != nil; {
		next := e.Next()
		link := e.Value.(*blockedLink)
		if link.handle == nil {
			ent.blocked.Remove(e)
			q.mc.IncPurgedStaleLinks()
			e = next
			continue
		}
		h := link.handle
		h.detachBlockedLink()
		ent.blocked.Remove(e)
		return h
	}
	return nil
}

func (q *Queue) removeFromRegistry(h *Handle) {
	q.registry.Remove(h.regElem)
	h.regElem = nil
	q.mc.SetHandlesAmount(q.registry.Len())
}

func (q *Queue) mustOwn(h *Handle) {
	if h.regElem == nil {
		panic(fmt.Sprintf("dispatch: handle %s is not owned by the queue", h.id))
	}
}
