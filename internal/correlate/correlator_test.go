// ABOUTME: Tests for the request correlator against a real registry with scripted agents.
// ABOUTME: Covers first responder, window and snapshot collection, timeouts, and teardown.

package correlate

import (
	"context"
	"encoding/json"
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

// scriptedTransport hands every outbound frame to onSend.
type scriptedTransport struct {
	mu      sync.Mutex
	closed  bool
	sendErr error // returned by Send while the transport stays open
	onSend  func(f *frame.Frame)
}

func (s *scriptedTransport) Send(wire string) error {
	s.mu.Lock()
	closed, sendErr, onSend := s.closed, s.sendErr, s.onSend
	s.mu.Unlock()
	if closed {
		return agent.ErrTransportClosed
	}
	if sendErr != nil {
		return sendErr
	}
	if onSend != nil {
		f, err := frame.Decode(wire)
		if err != nil {
			return err
		}
		onSend(f)
	}
	return nil
}

func (s *scriptedTransport) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *scriptedTransport) Close(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type harness struct {
	reg *agent.Registry
	c   *Correlator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := agent.NewRegistry(testLogger())
	c := New(reg, testLogger())
	t.Cleanup(c.Close)
	return &harness{reg: reg, c: c}
}

// addAgent registers a connection whose replies are produced by respond.
// A nil respond yields an agent that never answers.
func (h *harness) addAgent(t *testing.T, name string, respond func(f *frame.Frame) []string) *agent.Connection {
	t.Helper()
	tr := &scriptedTransport{}
	meta, err := agent.EncodeMetadata(agent.Metadata{Name: name, InstanceID: "1"})
	require.NoError(t, err)
	conn := agent.NewConnection(agent.ConnectionParams{Transport: tr, RawMetadata: meta, Logger: testLogger()})
	conn.SetTargets([]string{name})
	if respond != nil {
		tr.onSend = func(f *frame.Frame) {
			go func() {
				for _, wire := range respond(f) {
					h.reg.Dispatch(conn, wire)
				}
			}()
		}
	}
	_, err = h.reg.Add(conn)
	require.NoError(t, err)
	return conn
}

func echo(payload string) func(f *frame.Frame) []string {
	return func(f *frame.Frame) []string {
		return []string{f.Event + "::::" + payload}
	}
}

func delayed(d time.Duration, payload string) func(f *frame.Frame) []string {
	return func(f *frame.Frame) []string {
		time.Sleep(d)
		return []string{f.Event + "::::" + payload}
	}
}

func (h *harness) assertTornDown(t *testing.T, event string) {
	t.Helper()
	assert.Equal(t, 0, h.c.Pending())
	assert.Equal(t, 0, h.reg.HandlerCount(event))
}

func TestFirstReturnsFirstReply(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "fast", echo(`{"who":"fast"}`))
	h.addAgent(t, "slow", func(f *frame.Frame) []string {
		time.Sleep(50 * time.Millisecond)
		return []string{f.Event + `::::{"who":"slow"}`}
	})

	reply, err := h.c.First(context.Background(), Request{Event: "identify_tab", Timeout: time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, `{"who":"fast"}`, string(reply.Payload))
	assert.Equal(t, "fast_1", reply.Identity)
	h.assertTornDown(t, "identify_tab")

	// The slow reply arrives with nothing pending and is dropped.
	time.Sleep(80 * time.Millisecond)
	h.assertTornDown(t, "identify_tab")
}

func TestFirstTimeout(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "mute", nil)

	start := time.Now()
	_, err := h.c.First(context.Background(), Request{Event: "identify_tab", Timeout: 30 * time.Millisecond})
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Less(t, time.Since(start), time.Second)
	h.assertTornDown(t, "identify_tab")
}

func TestFirstContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "mute", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.c.First(ctx, Request{Event: "identify_tab", Timeout: time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	h.assertTornDown(t, "identify_tab")
}

func TestFirstBroadcastError(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.First(context.Background(), Request{
		Event:  "identify_tab",
		Filter: address.Filter{Include: []string{"a"}, Exclude: []string{"b"}},
	})
	assert.ErrorIs(t, err, address.ErrConflictingFilter)
	h.assertTornDown(t, "identify_tab")
}

func TestCollectWindow(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", echo(`1`))
	h.addAgent(t, "b", func(f *frame.Frame) []string {
		return []string{f.Event + "::::2", f.Event + "::::3"}
	})
	h.addAgent(t, "late", delayed(200*time.Millisecond, `4`))

	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: time.Second},
		CollectOptions{Mode: ModeWindow, Window: 80 * time.Millisecond},
	)
	require.NoError(t, err)

	replies := got.([]Reply)
	assert.Len(t, replies, 3, "duplicate replies from one connection are kept")
	h.assertTornDown(t, "allTabs")
}

func TestCollectWindowMustBeShorterThanTimeout(t *testing.T) {
	h := newHarness(t)

	_, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: 100 * time.Millisecond},
		CollectOptions{Mode: ModeWindow, Window: 100 * time.Millisecond},
	)
	assert.ErrorIs(t, err, ErrInvalidWindow)
	h.assertTornDown(t, "allTabs")
}

func TestCollectSnapshotWaitsForEveryMember(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", echo(`"a"`))
	h.addAgent(t, "b", delayed(40*time.Millisecond, `"b"`))

	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: time.Second},
		CollectOptions{Mode: ModeSnapshot},
	)
	require.NoError(t, err)
	assert.Len(t, got.([]Reply), 2)
	h.assertTornDown(t, "allTabs")
}

func TestCollectSnapshotMemberDisconnects(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", echo(`"a"`))
	var b *agent.Connection
	b = h.addAgent(t, "b", func(*frame.Frame) []string {
		go func() {
			time.Sleep(20 * time.Millisecond)
			h.reg.Remove(b)
		}()
		return nil
	})

	start := time.Now()
	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: 2 * time.Second},
		CollectOptions{Mode: ModeSnapshot},
	)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "resolves without waiting for the ceiling")

	replies := got.([]Reply)
	require.Len(t, replies, 1)
	assert.Equal(t, "a_1", replies[0].Identity)
	h.assertTornDown(t, "allTabs")
}

func TestCollectSnapshotSkipsClosedConnections(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", echo(`"a"`))
	closed := h.addAgent(t, "closed", nil)
	require.NoError(t, closed.Close("gone"))

	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: time.Second},
		CollectOptions{Mode: ModeSnapshot},
	)
	require.NoError(t, err)
	assert.Len(t, got.([]Reply), 1)
}

func TestCollectSnapshotSkipsConnectionsThatRejectTheFrame(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", echo(`"a"`))

	stuck := &scriptedTransport{sendErr: errors.New("send queue full")}
	conn := agent.NewConnection(agent.ConnectionParams{Transport: stuck, Logger: testLogger()})
	_, _ = h.reg.Add(conn)
	require.True(t, conn.Open())

	start := time.Now()
	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: 2 * time.Second},
		CollectOptions{Mode: ModeSnapshot},
	)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "resolves without waiting for the ceiling")

	replies := got.([]Reply)
	require.Len(t, replies, 1)
	assert.Equal(t, "a_1", replies[0].Identity)
	h.assertTornDown(t, "allTabs")
}

func TestCollectSnapshotHonoursFilter(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", echo(`"a"`))
	h.addAgent(t, "b", nil)

	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Filter: address.Exclude("b"), Timeout: time.Second},
		CollectOptions{Mode: ModeSnapshot},
	)
	require.NoError(t, err)
	assert.Len(t, got.([]Reply), 1)
}

func TestCollectSnapshotEmpty(t *testing.T) {
	h := newHarness(t)

	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: time.Second},
		CollectOptions{Mode: ModeSnapshot},
	)
	require.NoError(t, err)
	assert.Empty(t, got.([]Reply))
	h.assertTornDown(t, "allTabs")
}

func TestCollectSnapshotIgnoresNonMembers(t *testing.T) {
	h := newHarness(t)
	member := h.addAgent(t, "member", nil)
	outsider := h.addAgent(t, "outsider", nil)
	require.NoError(t, outsider.Close("not in snapshot"))

	done := make(chan []Reply, 1)
	go func() {
		got, err := h.c.Collect(context.Background(),
			Request{Event: "allTabs", Timeout: time.Second},
			CollectOptions{Mode: ModeSnapshot},
		)
		if assert.NoError(t, err) {
			done <- got.([]Reply)
		}
	}()

	require.Eventually(t, func() bool { return h.c.Pending() == 1 }, time.Second, time.Millisecond)
	h.reg.Dispatch(outsider, `allTabs::::"outsider"`)
	h.reg.Dispatch(member, `allTabs::::"member"`)

	select {
	case replies := <-done:
		require.Len(t, replies, 1)
		assert.Equal(t, member.ID, replies[0].ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("collect did not resolve")
	}
}

func TestCollectSnapshotTimeout(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "mute", nil)

	_, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: 30 * time.Millisecond},
		CollectOptions{Mode: ModeSnapshot},
	)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	h.assertTornDown(t, "allTabs")
}

func TestConcurrentRequestsShareOneBinding(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", delayed(30*time.Millisecond, `"a"`))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.c.First(context.Background(), Request{Event: "identify_tab", Timeout: time.Second})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return h.c.Pending() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.reg.HandlerCount("identify_tab"))

	wg.Wait()
	h.assertTornDown(t, "identify_tab")
}

func TestCollectWithMergeTabs(t *testing.T) {
	h := newHarness(t)
	h.addAgent(t, "a", echo(`{"tabs":[{"id":1},{"id":2}]}`))
	h.addAgent(t, "b", echo(`[{"id":3}]`))
	h.addAgent(t, "broken", echo(`"nope"`))

	got, err := h.c.Collect(context.Background(),
		Request{Event: "allTabs", Timeout: time.Second},
		CollectOptions{Mode: ModeSnapshot, Reduce: MergeTabs(testLogger())},
	)
	require.NoError(t, err)

	result := got.(TabsResult)
	assert.Len(t, result.Agents, 2)
	assert.Len(t, result.Tabs, 3)

	out, err := json.Marshal(result)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"tabs":[`)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSnapshot, m)

	m, err = ParseMode("window")
	require.NoError(t, err)
	assert.Equal(t, ModeWindow, m)
	assert.Equal(t, "window", m.String())

	_, err = ParseMode("fastest")
	assert.Error(t, err)
}
