/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package dispatch

import (
	"container/list"

	"github.com/rs/xid"
)

// Request is the seam between the Queue and the protocol layer's request object.
// The Queue calls Authority to derive the destination key and treats the rest
// of the request as opaque.
type Request interface {
	// Authority returns the destination host the request should be relayed to
	// (e.g. the HTTP/2 ":authority" pseudo-header value).
	Authority() string
}

// blockedLink is a slot in a host entry's blocked list.
// The handle reference is cleared when the handle is detached out-of-band
// (e.g. the client disconnected while waiting); such a stale link stays in
// the list until the next promotion scan purges it.
type blockedLink struct {
	handle *Handle
}

// Handle represents one in-flight request destined for a backend.
// A Handle is owned exclusively by the Queue from Submit until it is removed
// by ReleaseAndPromote or Cancel; the caller keeps only a reference for
// driving state transitions.
type Handle struct {
	id    string
	req   Request
	state State

	// regElem is the handle's element in the queue's global registry.
	regElem *list.Element

	// blocked is the back-reference to the handle's blocked-list link,
	// non-nil iff state == StateBlocked and the link was not detached yet.
	blocked *blockedLink
}

// NewHandle creates a new Handle for the passed request.
// The handle is not known to any Queue until it is submitted.
func NewHandle(req Request) *Handle {
	return &Handle{id: xid.New().String(), req: req}
}

// ID returns the unique identifier of the handle. It is generated once at
// construction and is intended for log correlation.
func (h *Handle) ID() string {
	return h.id
}

// Authority returns the destination host of the wrapped request.
func (h *Handle) Authority() string {
	return h.req.Authority()
}

// Request returns the wrapped request object.
func (h *Handle) Request() Request {
	return h.req
}

// State returns the current dispatch state of the handle.
func (h *Handle) State() State {
	return h.state
}

// detachBlockedLink clears both sides of the handle<->link association.
// The link itself may stay in a blocked list as a stale entry.
func (h *Handle) detachBlockedLink() {
	h.blocked.handle = nil
	h.blocked = nil
}
