/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/acronis/go-proxykit/dispatch"
	"github.com/acronis/go-proxykit/log"
	"github.com/acronis/go-proxykit/netutil"
	"github.com/acronis/go-proxykit/retry"
)

// ConnDialer opens connections to backend hosts.
// *net.Dialer implements this interface.
type ConnDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// backendRequest is the request object behind a dispatch handle.
// The promoted channel carries at most one pending promotion signal.
type backendRequest struct {
	authority string
	promoted  chan struct{}
}

func (r *backendRequest) Authority() string {
	return r.authority
}

// Forwarder admits backend connection requests through a dispatch queue and
// opens the connections. It may be shared by the goroutines of one worker;
// every queue call sequence runs under one mutex, so the cap invariant holds.
type Forwarder struct {
	mu    sync.Mutex
	queue *dispatch.Queue

	dialer          ConnDialer
	dialTimeout     time.Duration
	dialRetryPolicy retry.Policy
	backendPort     string

	logger log.FieldLogger
	mc     MetricsCollector
}

// ForwarderOpts represents an options for the Forwarder.
type ForwarderOpts struct {
	// Dialer opens backend connections. If not set, a net.Dialer is used.
	Dialer ConnDialer

	// Logger is used for logging dispatch decisions. If not set, logging is disabled.
	Logger log.FieldLogger

	// MetricsCollector is used for collecting metrics about dials and waits.
	// If not set, metrics will be disabled.
	MetricsCollector MetricsCollector

	// QueueMetricsCollector is used for collecting metrics about queue occupancy.
	// If not set, queue metrics will be disabled.
	QueueMetricsCollector dispatch.MetricsCollector
}

// NewForwarder creates a new Forwarder with the provided configuration.
func NewForwarder(cfg *Config) (*Forwarder, error) {
	return NewForwarderWithOpts(cfg, ForwarderOpts{})
}

// NewForwarderWithOpts creates a new Forwarder with the provided configuration and options.
func NewForwarderWithOpts(cfg *Config, opts ForwarderOpts) (*Forwarder, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if cfg.Dispatch == nil {
		return nil, fmt.Errorf("dispatch config is missing")
	}
	if err := cfg.Dispatch.Validate(); err != nil {
		return nil, fmt.Errorf("validate dispatch config: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		netDialer := &net.Dialer{}
		if len(cfg.DNSServers) != 0 {
			resolver := netutil.NewCustomDNSResolver(cfg.DNSServers, cfg.DialTimeout)
			netDialer.Resolver = &resolver
		}
		dialer = netDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	mc := opts.MetricsCollector
	if mc == nil {
		mc = disabledMetricsCollector
	}

	retryInterval := cfg.DialRetryInterval
	if retryInterval <= 0 {
		retryInterval = DefaultDialRetryInterval
	}
	backendPort := cfg.BackendPort
	if backendPort == "" {
		backendPort = DefaultBackendPort
	}

	return &Forwarder{
		queue:           dispatch.NewQueueWithOpts(cfg.Dispatch, dispatch.QueueOpts{MetricsCollector: opts.QueueMetricsCollector}),
		dialer:          dialer,
		dialTimeout:     cfg.DialTimeout,
		dialRetryPolicy: retry.NewExponentialBackoffPolicy(retryInterval, cfg.DialMaxRetries),
		backendPort:     backendPort,
		logger:          logger,
		mc:              mc,
	}, nil
}

// Open obtains a backend connection to the given authority, waiting for a
// free connection slot if the destination's cap is reached. Waiting requests
// are served in arrival order. The returned connection must be closed to
// release the slot.
//
// Open returns the context's error if it is canceled while waiting for a slot
// or dialing.
func (f *Forwarder) Open(ctx context.Context, authority string) (*BackendConn, error) {
	if authority == "" {
		return nil, fmt.Errorf("authority should not be empty")
	}

	req := &backendRequest{authority: authority, promoted: make(chan struct{}, 1)}
	h := dispatch.NewHandle(req)
	logger := f.logger.With(log.String("request_id", h.ID()), log.String("authority", authority))

	f.mu.Lock()
	f.queue.Submit(h)
	for {
		if !f.queue.CanActivate(authority) {
			f.queue.MarkBlocked(h)
			f.mu.Unlock()
			logger.Debug("waiting for backend connection slot")

			waitStart := time.Now()
			select {
			case <-req.promoted:
				f.mc.ObserveSlotWait(time.Since(waitStart))
				f.mu.Lock()
				continue
			case <-ctx.Done():
				f.abandon(h, req)
				logger.Warn("giving up waiting for backend connection slot", log.Error(ctx.Err()))
				return nil, ctx.Err()
			}
		}
		f.mu.Unlock()

		conn, err := f.dial(ctx, authority, logger)

		f.mu.Lock()
		if err != nil {
			f.failLocked(h)
			f.mu.Unlock()
			return nil, fmt.Errorf("dial backend %q: %w", authority, err)
		}
		if !f.queue.CanActivate(authority) {
			// The slot was taken by another request while we were dialing.
			// Drop the fresh connection and queue up again.
			_ = conn.Close()
			logger.Debug("backend connection slot lost while dialing")
			continue
		}
		f.queue.MarkActive(h)
		f.mu.Unlock()

		logger.Debug("backend connection activated")
		return &BackendConn{Conn: conn, fwd: f, h: h, logger: logger}, nil
	}
}

// Snapshot returns all live handles of the underlying queue in submission
// order, for diagnostics. The handles remain owned by the queue and must be
// treated as read-only.
func (f *Forwarder) Snapshot() []*dispatch.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Snapshot()
}

// QueueLen returns the number of live handles in the underlying queue.
func (f *Forwarder) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.Len()
}

// BlockedCount returns the number of requests waiting for a connection slot.
func (f *Forwarder) BlockedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.BlockedCount()
}

// ActiveCount returns the number of active backend connections counted for
// the given authority.
func (f *Forwarder) ActiveCount(authority string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queue.ActiveCount(authority)
}

// failLocked removes a handle whose connection attempt failed and keeps the
// promotion chain alive: a handle that had been granted a freed slot passes
// it on to the next waiter, otherwise no slot was ever held and a plain
// removal is enough.
func (f *Forwarder) failLocked(h *dispatch.Handle) {
	if h.State() == dispatch.StateBlocked {
		// Promoted but never activated. Take the granted slot and release it
		// so the next waiter is not stranded.
		f.queue.MarkActive(h)
		f.releaseLocked(h)
		return
	}
	f.queue.MarkFailure(h)
	f.queue.ReleaseAndPromote(h)
}

// abandon removes a handle whose request was canceled while waiting for a
// slot. A promotion that raced the cancellation is not lost: the granted
// slot is immediately passed on to the next waiter.
func (f *Forwarder) abandon(h *dispatch.Handle, req *backendRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-req.promoted:
		f.queue.MarkActive(h)
		f.releaseLocked(h)
	default:
		f.queue.Cancel(h)
		f.mc.IncAbandonedWaits()
	}
}

func (f *Forwarder) release(h *dispatch.Handle, logger log.FieldLogger) {
	f.mu.Lock()
	promoted := f.releaseLocked(h)
	f.mu.Unlock()
	if promoted != "" {
		logger.Debug("backend connection slot handed over", log.String("promoted_request_id", promoted))
	}
}

func (f *Forwarder) releaseLocked(h *dispatch.Handle) (promotedID string) {
	next := f.queue.ReleaseAndPromote(h)
	if next == nil {
		return ""
	}
	// The promoted channel is buffered, so the signal is not lost when the
	// waiter has not reached its select yet.
	next.Request().(*backendRequest).promoted <- struct{}{}
	return next.ID()
}

func (f *Forwarder) dial(ctx context.Context, authority string, logger log.FieldLogger) (net.Conn, error) {
	addr := authority
	if _, _, err := net.SplitHostPort(authority); err != nil {
		addr = net.JoinHostPort(authority, f.backendPort)
	}

	var conn net.Conn
	op := func(ctx context.Context) error {
		dialCtx := ctx
		if f.dialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, f.dialTimeout)
			defer cancel()
		}
		c, err := f.dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, delay time.Duration) {
		logger.Warn("backend dial attempt failed, retrying",
			log.Error(err), log.Duration("retry_delay", delay))
	}

	start := time.Now()
	err := retry.DoWithRetry(ctx, f.dialRetryPolicy, nil, notify, op)
	elapsed := time.Since(start)
	if err != nil {
		f.mc.ObserveDial(false, elapsed)
		logger.Error("backend dial failed", log.Error(err), log.DurationIn(elapsed, time.Millisecond))
		return nil, err
	}
	f.mc.ObserveDial(true, elapsed)
	return conn, nil
}

// BackendConn is a backend connection bound to a dispatch slot.
// Closing it releases the slot and promotes the oldest waiting request of the
// same destination, if any. Close is idempotent.
type BackendConn struct {
	net.Conn
	fwd       *Forwarder
	h         *dispatch.Handle
	logger    log.FieldLogger
	closeOnce sync.Once
}

// RequestID returns the dispatch handle ID of the connection, for log correlation.
func (c *BackendConn) RequestID() string {
	return c.h.ID()
}

// Close closes the underlying connection and releases its dispatch slot.
func (c *BackendConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.Conn.Close()
		c.fwd.release(c.h, c.logger)
	})
	return err
}
