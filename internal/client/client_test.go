// ABOUTME: Tests for the client state machine using a scripted dialer and recorded reconnect timers.
// ABOUTME: Covers the reconnect schedule, generation invalidation, handlers, and pings.

package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tab-relay/internal/address"
	"github.com/2389/tab-relay/internal/agent"
	"github.com/2389/tab-relay/internal/frame"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	cb Callbacks

	mu      sync.Mutex
	sent    []string
	pings   int
	pingErr error
	closed  bool
}

func (f *fakeConn) Send(_ context.Context, wire string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnClosed
	}
	f.sent = append(f.sent, wire)
	return nil
}

func (f *fakeConn) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeConn) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

// drop simulates the relay closing the connection.
func (f *fakeConn) drop(code int, reason string) {
	f.cb.OnClose(code, reason)
}

type fakeDialer struct {
	mu        sync.Mutex
	failures  []error
	conns     []*fakeConn
	endpoints []string
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string, _ agent.Metadata, cb Callbacks) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.endpoints = append(d.endpoints, endpoint)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &fakeConn{cb: cb}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) failNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.failures = append(d.failures, errors.New("connection refused"))
	}
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// timerLog records reconnect delays; tests fire the callbacks by hand.
type timerLog struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (l *timerLog) afterFunc(d time.Duration, f func()) *time.Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays = append(l.delays, d)
	l.fns = append(l.fns, f)
	return time.AfterFunc(time.Hour, func() {})
}

func (l *timerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.delays)
}

func (l *timerLog) delay(i int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delays[i]
}

func (l *timerLog) fire(i int) {
	l.mu.Lock()
	f := l.fns[i]
	l.mu.Unlock()
	f()
}

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func (s *stateLog) record(c StateChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, c)
}

func (s *stateLog) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.changes))
	for _, c := range s.changes {
		out = append(out, c.To)
	}
	return out
}

type fixture struct {
	client *Client
	dialer *fakeDialer
	timers *timerLog
	states *stateLog
}

func newFixture(t *testing.T, endpoint string, ping time.Duration) *fixture {
	t.Helper()
	f := &fixture{dialer: &fakeDialer{}, timers: &timerLog{}, states: &stateLog{}}

	c, err := New(Options{
		Endpoint:     endpoint,
		Metadata:     agent.Metadata{Name: "chrome", InstanceID: "a1"},
		Dialer:       f.dialer,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		PingInterval: ping,
		Logger:       testLogger(),
		AfterFunc:    f.timers.afterFunc,
	})
	require.NoError(t, err)
	c.OnStateChange(f.states.record)
	t.Cleanup(c.Close)
	f.client = c
	return f
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return f.client.State() == want }, time.Second, time.Millisecond,
		"want %s, have %s", want, f.client.State())
}

func TestReconnectSchedule(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)
	assert.Equal(t, Disabled, f.client.State())

	f.client.Start(context.Background())
	f.waitState(t, Connected)
	assert.Equal(t, "ws://localhost:8080", f.dialer.endpoints[0])

	// Losing an established connection reconnects immediately.
	f.dialer.conn(0).drop(1006, "abnormal closure")
	assert.Equal(t, Disconnected, f.client.State())
	require.Equal(t, 1, f.timers.count())
	assert.Equal(t, time.Duration(0), f.timers.delay(0))

	// Failed attempts back off exponentially up to the cap.
	f.dialer.failNext(3)
	f.timers.fire(0)
	require.Eventually(t, func() bool { return f.timers.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, f.timers.delay(1))

	f.timers.fire(1)
	require.Eventually(t, func() bool { return f.timers.count() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 300*time.Millisecond, f.timers.delay(2))

	f.timers.fire(2)
	require.Eventually(t, func() bool { return f.timers.count() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, 300*time.Millisecond, f.timers.delay(3))

	// A successful connection resets the schedule.
	f.timers.fire(3)
	f.waitState(t, Connected)
	f.dialer.conn(1).drop(1001, "going away")
	require.Equal(t, 5, f.timers.count())
	assert.Equal(t, time.Duration(0), f.timers.delay(4))

	want := []State{
		Connecting, Connected, Disconnected,
		Connecting, Disconnected,
		Connecting, Disconnected,
		Connecting, Disconnected,
		Connecting, Connected, Disconnected,
	}
	require.Eventually(t, func() bool { return len(f.states.states()) == len(want) }, time.Second, time.Millisecond)
	assert.Equal(t, want, f.states.states())
}

func TestInitialFailureUsesBaseDelay(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)
	f.dialer.failNext(1)

	f.client.Start(context.Background())
	require.Eventually(t, func() bool { return f.timers.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, Disconnected, f.client.State())
	assert.Equal(t, 100*time.Millisecond, f.timers.delay(0))
}

func TestStateChangeCarriesCloseCode(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)
	f.client.Start(context.Background())
	f.waitState(t, Connected)

	f.dialer.conn(0).drop(1001, "going away")
	require.Eventually(t, func() bool { return len(f.states.states()) == 3 }, time.Second, time.Millisecond)

	f.states.mu.Lock()
	last := f.states.changes[len(f.states.changes)-1]
	f.states.mu.Unlock()
	assert.Equal(t, StateChange{From: Connected, To: Disconnected, Code: 1001, Reason: "going away"}, last)
}

func TestStartWithoutEndpointStaysDisabled(t *testing.T) {
	f := newFixture(t, "", -1)
	f.client.Start(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Disabled, f.client.State())
	assert.Zero(t, f.dialer.dialCount())

	require.NoError(t, f.client.Configure("127.0.0.1:9000", true))
	f.waitState(t, Connected)
	assert.Equal(t, "ws://127.0.0.1:9000", f.client.Endpoint())
}

func TestConfigureDisableDiscardsTransportAndTimer(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)
	f.client.Start(context.Background())
	f.waitState(t, Connected)

	f.dialer.conn(0).drop(1006, "")
	require.Equal(t, 1, f.timers.count())

	require.NoError(t, f.client.Configure("localhost:8080", false))
	assert.Equal(t, Disabled, f.client.State())

	// The reconnect scheduled before disabling belongs to a stale generation.
	f.timers.fire(0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Disabled, f.client.State())
	assert.Equal(t, 1, f.dialer.dialCount())
}

func TestConfigureNewEndpointSupersedesConnection(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)
	f.client.Start(context.Background())
	f.waitState(t, Connected)
	old := f.dialer.conn(0)

	require.NoError(t, f.client.Configure("wss://relay.example:443", true))
	require.Eventually(t, func() bool { return f.dialer.dialCount() == 2 }, time.Second, time.Millisecond)
	f.waitState(t, Connected)
	assert.Eventually(t, old.isClosed, time.Second, time.Millisecond)

	// A late close from the superseded transport changes nothing.
	old.drop(1006, "")
	assert.Equal(t, Connected, f.client.State())
	assert.Zero(t, f.timers.count())
}

func TestConfigureRejectsBadEndpoint(t *testing.T) {
	f := newFixture(t, "", -1)
	assert.ErrorIs(t, f.client.Configure("http://localhost", true), ErrInvalidEndpoint)
}

func TestSend(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)
	ctx := context.Background()

	err := f.client.Send(ctx, "relay:targets", address.All, map[string][]string{"targets": {"t1"}})
	assert.ErrorIs(t, err, ErrNotConnected)

	f.client.Start(ctx)
	f.waitState(t, Connected)

	require.NoError(t, f.client.Send(ctx, "other_tabs:sync", address.Include("t2"), map[string]int{"n": 1}))
	conn := f.dialer.conn(0)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, []string{`other_tabs:sync::t2::{"n":1}`}, conn.sent)
}

func TestHandlersReceiveFrames(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)

	var got []*frame.Frame
	var mu sync.Mutex
	off := f.client.On("tabCreated", func(fr *frame.Frame) {
		mu.Lock()
		got = append(got, fr)
		mu.Unlock()
	})

	f.client.Start(context.Background())
	f.waitState(t, Connected)
	conn := f.dialer.conn(0)

	conn.cb.OnMessage(`tabCreated::!t1::{"id":7}`)
	conn.cb.OnMessage(`mediaPlay::::null`)
	conn.cb.OnMessage(`not a frame`)

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "!t1", got[0].Filter)
	mu.Unlock()

	off()
	conn.cb.OnMessage(`tabCreated::::{}`)
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestStaleTransportMessagesIgnored(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)

	var calls int
	var mu sync.Mutex
	f.client.On("tabCreated", func(*frame.Frame) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	f.client.Start(context.Background())
	f.waitState(t, Connected)
	old := f.dialer.conn(0)

	require.NoError(t, f.client.Configure("localhost:9090", true))
	f.waitState(t, Connected)

	old.cb.OnMessage(`tabCreated::::{}`)
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}

func TestPingerPingsLiveTransport(t *testing.T) {
	f := newFixture(t, "localhost:8080", 5*time.Millisecond)
	f.client.Start(context.Background())
	f.waitState(t, Connected)

	conn := f.dialer.conn(0)
	assert.Eventually(t, func() bool { return conn.pingCount() >= 2 }, time.Second, time.Millisecond)

	conn.mu.Lock()
	conn.pingErr = ErrConnClosed
	conn.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Connected, f.client.State(), "ping failures do not change state")
}

func TestCloseDisables(t *testing.T) {
	f := newFixture(t, "localhost:8080", 5*time.Millisecond)
	f.client.Start(context.Background())
	f.waitState(t, Connected)

	f.client.Close()
	assert.Equal(t, Disabled, f.client.State())
	assert.Eventually(t, f.dialer.conn(0).isClosed, time.Second, time.Millisecond)
	assert.ErrorIs(t, f.client.Configure("localhost:1", true), ErrConnClosed)

	f.client.Start(context.Background())
	assert.Equal(t, Disabled, f.client.State())
}

func TestCancelContextCloses(t *testing.T) {
	f := newFixture(t, "localhost:8080", -1)
	ctx, cancel := context.WithCancel(context.Background())
	f.client.Start(ctx)
	f.waitState(t, Connected)

	cancel()
	f.waitState(t, Disabled)
}

func TestExpectedPingErrors(t *testing.T) {
	assert.True(t, expectedPingError(ErrNotConnected))
	assert.True(t, expectedPingError(context.Canceled))
	assert.True(t, expectedPingError(errors.Join(errors.New("ping"), ErrConnClosed)))
	assert.False(t, expectedPingError(errors.New("protocol error")))
}

func TestNewRequiresDialer(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "localhost:8080", want: "ws://localhost:8080"},
		{in: "  ws://relay:1/path ", want: "ws://relay:1/path"},
		{in: "WSS://relay.example", want: "wss://relay.example"},
		{in: "http://relay", wantErr: true},
		{in: "", wantErr: true},
		{in: "ws://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeEndpoint(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEndpoint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
