/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-proxykit/dispatch"
	"github.com/acronis/go-proxykit/log/logtest"
	"github.com/acronis/go-proxykit/testutil"
)

type fakeAddr string

func (a fakeAddr) Network() string {
	return "tcp"
}

func (a fakeAddr) String() string {
	return string(a)
}

type fakeConn struct {
	addr   string
	closed atomic.Bool
}

func (c *fakeConn) Read(b []byte) (int, error) {
	return 0, io.EOF
}

func (c *fakeConn) Write(b []byte) (int, error) {
	return len(b), nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return fakeAddr("local")
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return fakeAddr(c.addr)
}

func (c *fakeConn) SetDeadline(t time.Time) error {
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	return nil
}

type fakeDialer struct {
	dials    atomic.Int32
	failNext atomic.Int32 // number of upcoming dials that fail
	lastAddr atomic.String
	delay    time.Duration
}

func (d *fakeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.dials.Inc()
	d.lastAddr.Store(addr)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.failNext.Load() > 0 {
		d.failNext.Dec()
		return nil, fmt.Errorf("connection refused")
	}
	return &fakeConn{addr: addr}, nil
}

func makeTestConfig(maxConnsPerHost int, unifiedHost bool) *Config {
	cfg := NewDefaultConfig()
	cfg.Dispatch.MaxConnsPerHost = maxConnsPerHost
	cfg.Dispatch.UnifiedHost = unifiedHost
	cfg.DialRetryInterval = time.Millisecond
	cfg.DialMaxRetries = 0
	return cfg
}

func makeTestForwarder(t *testing.T, cfg *Config, opts ForwarderOpts) *Forwarder {
	t.Helper()
	fwd, err := NewForwarderWithOpts(cfg, opts)
	require.NoError(t, err)
	return fwd
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(time.Second * 5)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("condition was not met: %s", msg)
		case <-time.After(time.Millisecond * 5):
		}
	}
}

type openResult struct {
	idx  int
	conn *BackendConn
	err  error
}

func TestForwarderOpenAndClose(t *testing.T) {
	dialer := &fakeDialer{}
	fwd := makeTestForwarder(t, makeTestConfig(2, false), ForwarderOpts{Dialer: dialer})

	conn, err := fwd.Open(context.Background(), "backend-1:8443")
	require.NoError(t, err)
	require.NotEmpty(t, conn.RequestID())
	require.Equal(t, 1, fwd.ActiveCount("backend-1:8443"))
	require.Equal(t, 1, fwd.QueueLen())
	require.EqualValues(t, 1, dialer.dials.Load())

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close()) // Close is idempotent.
	require.Equal(t, 0, fwd.ActiveCount("backend-1:8443"))
	require.Equal(t, 0, fwd.QueueLen())
}

func TestForwarderEmptyAuthority(t *testing.T) {
	fwd := makeTestForwarder(t, makeTestConfig(0, false), ForwarderOpts{Dialer: &fakeDialer{}})
	_, err := fwd.Open(context.Background(), "")
	require.EqualError(t, err, "authority should not be empty")
}

func TestForwarderAppendsDefaultPort(t *testing.T) {
	dialer := &fakeDialer{}
	cfg := makeTestConfig(0, false)
	cfg.BackendPort = "9000"
	fwd := makeTestForwarder(t, cfg, ForwarderOpts{Dialer: dialer})

	conn, err := fwd.Open(context.Background(), "backend-1")
	require.NoError(t, err)
	require.Equal(t, "backend-1:9000", dialer.lastAddr.Load())
	require.NoError(t, conn.Close())

	conn, err = fwd.Open(context.Background(), "backend-2:7000")
	require.NoError(t, err)
	require.Equal(t, "backend-2:7000", dialer.lastAddr.Load())
	require.NoError(t, conn.Close())
}

func TestForwarderDialRetries(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.failNext.Store(2)
	cfg := makeTestConfig(0, false)
	cfg.DialMaxRetries = 2
	logRecorder := logtest.NewRecorder()
	fwd := makeTestForwarder(t, cfg, ForwarderOpts{Dialer: dialer, Logger: logRecorder})

	conn, err := fwd.Open(context.Background(), "backend-1:8443")
	require.NoError(t, err)
	require.EqualValues(t, 3, dialer.dials.Load())
	require.NoError(t, conn.Close())

	retryEntries := logRecorder.FindAllEntriesByFilter(func(entry logtest.RecordedEntry) bool {
		return entry.Text == "backend dial attempt failed, retrying"
	})
	require.Len(t, retryEntries, 2)
}

func TestForwarderDialFailure(t *testing.T) {
	dialer := &fakeDialer{}
	dialer.failNext.Store(3)
	cfg := makeTestConfig(0, false)
	cfg.DialMaxRetries = 2
	logRecorder := logtest.NewRecorder()
	pm := NewPrometheusMetrics()
	fwd := makeTestForwarder(t, cfg, ForwarderOpts{Dialer: dialer, Logger: logRecorder, MetricsCollector: pm})

	_, err := fwd.Open(context.Background(), "backend-1:8443")
	require.ErrorContains(t, err, `dial backend "backend-1:8443"`)
	require.EqualValues(t, 3, dialer.dials.Load())
	require.Equal(t, 0, fwd.QueueLen())

	_, found := logRecorder.FindEntry("backend dial failed")
	require.True(t, found)
	failedDials := pm.DialDurationSeconds.With(prometheus.Labels{"status": "error"}).(prometheus.Histogram)
	testutil.RequireSamplesCountInHistogram(t, failedDials, 1)
}

func TestForwarderWaitsForSlot(t *testing.T) {
	dialer := &fakeDialer{}
	pm := NewPrometheusMetrics()
	fwd := makeTestForwarder(t, makeTestConfig(1, false), ForwarderOpts{Dialer: dialer, MetricsCollector: pm})

	conn1, err := fwd.Open(context.Background(), "backend-1:8443")
	require.NoError(t, err)

	results := make(chan openResult, 1)
	go func() {
		conn, openErr := fwd.Open(context.Background(), "backend-1:8443")
		results <- openResult{conn: conn, err: openErr}
	}()
	waitForCond(t, func() bool { return fwd.BlockedCount() == 1 }, "second request is blocked")
	require.Equal(t, 1, fwd.ActiveCount("backend-1:8443"))

	require.NoError(t, conn1.Close())
	res := <-results
	require.NoError(t, res.err)
	require.Equal(t, 1, fwd.ActiveCount("backend-1:8443"))
	require.NoError(t, res.conn.Close())
	require.Equal(t, 0, fwd.QueueLen())

	testutil.RequireSamplesCountInHistogram(t, pm.SlotWaitDurationSeconds, 1)
	okDials := pm.DialDurationSeconds.With(prometheus.Labels{"status": "ok"}).(prometheus.Histogram)
	testutil.RequireSamplesCountInHistogram(t, okDials, 2)
}

func TestForwarderPromotionOrder(t *testing.T) {
	dialer := &fakeDialer{}
	fwd := makeTestForwarder(t, makeTestConfig(1, false), ForwarderOpts{Dialer: dialer})

	conn, err := fwd.Open(context.Background(), "backend-1:8443")
	require.NoError(t, err)

	results := make(chan openResult, 3)
	for i := 1; i <= 3; i++ {
		i := i
		go func() {
			c, openErr := fwd.Open(context.Background(), "backend-1:8443")
			results <- openResult{idx: i, conn: c, err: openErr}
		}()
		waitForCond(t, func() bool { return fwd.BlockedCount() == i }, "request joined the wait list")
	}

	// Waiters are promoted in arrival order, one per freed slot.
	for i := 1; i <= 3; i++ {
		require.NoError(t, conn.Close())
		res := <-results
		require.NoError(t, res.err)
		require.Equal(t, i, res.idx)
		conn = res.conn
	}
	require.NoError(t, conn.Close())
	require.Equal(t, 0, fwd.QueueLen())
}

func TestForwarderAbandonsWaitOnContextCancel(t *testing.T) {
	dialer := &fakeDialer{}
	pm := NewPrometheusMetrics()
	qpm := dispatch.NewPrometheusMetrics()
	logRecorder := logtest.NewRecorder()
	fwd := makeTestForwarder(t, makeTestConfig(1, false), ForwarderOpts{
		Dialer:                dialer,
		Logger:                logRecorder,
		MetricsCollector:      pm,
		QueueMetricsCollector: qpm,
	})

	conn1, err := fwd.Open(context.Background(), "backend-1:8443")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan openResult, 1)
	go func() {
		c, openErr := fwd.Open(ctx, "backend-1:8443")
		results <- openResult{conn: c, err: openErr}
	}()
	waitForCond(t, func() bool { return fwd.BlockedCount() == 1 }, "second request is blocked")

	cancel()
	res := <-results
	require.ErrorIs(t, res.err, context.Canceled)
	require.Equal(t, 1, fwd.QueueLen())
	testutil.RequireSamplesCountInCounter(t, pm.AbandonedWaitsTotal, 1)
	_, found := logRecorder.FindEntry("giving up waiting for backend connection slot")
	require.True(t, found)

	// The abandoned wait left a stale link in the wait list. A later request
	// queues up behind it and is still promoted.
	go func() {
		c, openErr := fwd.Open(context.Background(), "backend-1:8443")
		results <- openResult{conn: c, err: openErr}
	}()
	waitForCond(t, func() bool { return fwd.BlockedCount() == 1 }, "third request is blocked")

	require.NoError(t, conn1.Close())
	res = <-results
	require.NoError(t, res.err)
	require.NoError(t, res.conn.Close())
	require.Equal(t, 0, fwd.QueueLen())
	testutil.RequireSamplesCountInCounter(t, qpm.PurgedStaleLinksTotal.With(nil), 1)
}

func TestForwarderPassesSlotOnPromotedDialFailure(t *testing.T) {
	dialer := &fakeDialer{}
	fwd := makeTestForwarder(t, makeTestConfig(1, false), ForwarderOpts{Dialer: dialer})

	conn1, err := fwd.Open(context.Background(), "backend-1:8443")
	require.NoError(t, err)

	results := make(chan openResult, 2)
	for i := 1; i <= 2; i++ {
		i := i
		go func() {
			c, openErr := fwd.Open(context.Background(), "backend-1:8443")
			results <- openResult{idx: i, conn: c, err: openErr}
		}()
		waitForCond(t, func() bool { return fwd.BlockedCount() == i }, "request joined the wait list")
	}

	// The first waiter is promoted and its dial fails. The freed slot must be
	// passed on to the second waiter instead of being lost.
	dialer.failNext.Store(1)
	require.NoError(t, conn1.Close())

	res1 := <-results
	res2 := <-results
	if res1.idx > res2.idx {
		res1, res2 = res2, res1
	}
	require.ErrorContains(t, res1.err, "dial backend")
	require.NoError(t, res2.err)
	require.NoError(t, res2.conn.Close())
	require.Equal(t, 0, fwd.QueueLen())
}

func TestForwarderUnifiedHost(t *testing.T) {
	dialer := &fakeDialer{}
	fwd := makeTestForwarder(t, makeTestConfig(1, true), ForwarderOpts{Dialer: dialer})

	conn1, err := fwd.Open(context.Background(), "backend-a:8443")
	require.NoError(t, err)

	// All destinations share one counter, so a request to another backend waits too.
	results := make(chan openResult, 1)
	go func() {
		c, openErr := fwd.Open(context.Background(), "backend-b:8443")
		results <- openResult{conn: c, err: openErr}
	}()
	waitForCond(t, func() bool { return fwd.BlockedCount() == 1 }, "request to another backend is blocked")

	require.NoError(t, conn1.Close())
	res := <-results
	require.NoError(t, res.err)
	require.Equal(t, 1, fwd.ActiveCount("backend-a:8443"))
	require.Equal(t, 1, fwd.ActiveCount("backend-b:8443"))
	require.NoError(t, res.conn.Close())
}

func TestForwarderConcurrentRequestsHonorCap(t *testing.T) {
	const maxConnsPerHost = 3
	const requestsNum = 20

	dialer := &fakeDialer{delay: time.Millisecond}
	fwd := makeTestForwarder(t, makeTestConfig(maxConnsPerHost, false), ForwarderOpts{Dialer: dialer})

	var activeConns, maxActiveConns atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < requestsNum; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := fwd.Open(context.Background(), "backend-1:8443")
			if !assert.NoError(t, err) {
				return
			}
			cur := activeConns.Inc()
			for {
				max := maxActiveConns.Load()
				if cur <= max || maxActiveConns.CAS(max, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond * 2)
			activeConns.Dec()
			assert.NoError(t, conn.Close())
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, maxActiveConns.Load(), int32(maxConnsPerHost))
	require.Equal(t, 0, fwd.QueueLen())
	require.Equal(t, 0, fwd.ActiveCount("backend-1:8443"))
}

func TestNewForwarderValidatesConfig(t *testing.T) {
	_, err := NewForwarder(&Config{})
	require.EqualError(t, err, "dispatch config is missing")

	cfg := NewDefaultConfig()
	cfg.Dispatch.MaxConnsPerHost = -1
	_, err = NewForwarder(cfg)
	require.ErrorContains(t, err, "validate dispatch config")
}
