package node

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Mock connection
// ---------------------------------------------------------------------------

type mockConn struct {
	mu       sync.Mutex
	closes   int
	closeErr error
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return m.closeErr
}

func (m *mockConn) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

// ---------------------------------------------------------------------------
// Fake clock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ---------------------------------------------------------------------------
// Hook handler
// ---------------------------------------------------------------------------

// hookHandler runs fn for every record whose message is msg.
type hookHandler struct {
	msg string
	fn  func()
}

func (h hookHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h hookHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.fn()
	}
	return nil
}

func (h hookHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h hookHandler) WithGroup(string) slog.Handler      { return h }

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type InventorySuite struct {
	suite.Suite
	ctx    context.Context
	logs   *bytes.Buffer
	clock  *fakeClock
	inv    *Inventory
	worker Worker
}

func TestInventorySuite(t *testing.T) {
	suite.Run(t, new(InventorySuite))
}

func (s *InventorySuite) SetupTest() {
	s.ctx = context.Background()
	s.logs = &bytes.Buffer{}
	s.clock = &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.inv = NewInventory(slog.New(slog.NewTextHandler(s.logs, nil)))
	s.inv.now = s.clock.Now
	s.worker = Worker{
		Name:         "BatchSystem-1",
		Label:        "lsf",
		NumExecutors: 2,
		Hostname:     "h1",
		Port:         22,
		CredentialID: "cred-1",
	}
}

// online registers the test worker and brings it online.
func (s *InventorySuite) online(conn *mockConn) {
	require.NoError(s.T(), s.inv.Add(s.worker))
	_, err := s.inv.MarkOnline(s.worker.Name, conn)
	require.NoError(s.T(), err)
}

func (s *InventorySuite) TestAdd_RegistersConnecting() {
	require.NoError(s.T(), s.inv.Add(s.worker))

	w, ok := s.inv.Get(s.worker.Name)
	require.True(s.T(), ok)
	assert.Equal(s.T(), StateConnecting, w.State)
	assert.Equal(s.T(), s.clock.Now(), w.CreatedAt)
}

func (s *InventorySuite) TestAdd_DuplicateName() {
	require.NoError(s.T(), s.inv.Add(s.worker))
	assert.Error(s.T(), s.inv.Add(s.worker))
}

func (s *InventorySuite) TestMarkOnline() {
	require.NoError(s.T(), s.inv.Add(s.worker))
	online, err := s.inv.MarkOnline(s.worker.Name, &mockConn{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), StateOnline, online.State)

	w, _ := s.inv.Get(s.worker.Name)
	assert.Equal(s.T(), online, w)
	assert.Equal(s.T(), s.clock.Now(), w.IdleSince)

	_, err = s.inv.MarkOnline(s.worker.Name, &mockConn{})
	assert.ErrorIs(s.T(), err, ErrInvalidState)

	_, err = s.inv.MarkOnline("missing", &mockConn{})
	assert.ErrorIs(s.T(), err, ErrNodeNotFound)
}

func (s *InventorySuite) TestTaskLifecycle() {
	s.online(&mockConn{})

	require.NoError(s.T(), s.inv.TaskStarted(s.worker.Name))
	w, _ := s.inv.Get(s.worker.Name)
	assert.Equal(s.T(), StateBusy, w.State)

	s.clock.Advance(time.Minute)
	require.NoError(s.T(), s.inv.TaskCompleted(s.ctx, s.worker.Name))
	w, _ = s.inv.Get(s.worker.Name)
	assert.Equal(s.T(), StateIdlePendingRemoval, w.State)
	assert.Equal(s.T(), 1, w.TasksCompleted)
	assert.Equal(s.T(), s.clock.Now(), w.IdleSince)
}

func (s *InventorySuite) TestTaskStarted_SingleUse() {
	s.online(&mockConn{})
	require.NoError(s.T(), s.inv.TaskStarted(s.worker.Name))
	require.NoError(s.T(), s.inv.TaskCompleted(s.ctx, s.worker.Name))

	err := s.inv.TaskStarted(s.worker.Name)
	assert.ErrorIs(s.T(), err, ErrSingleUse)
}

func (s *InventorySuite) TestTaskStarted_NotOnline() {
	require.NoError(s.T(), s.inv.Add(s.worker))

	err := s.inv.TaskStarted(s.worker.Name)
	assert.ErrorIs(s.T(), err, ErrInvalidState)
}

func (s *InventorySuite) TestTaskCompleted_WithoutStart() {
	s.online(&mockConn{})

	err := s.inv.TaskCompleted(s.ctx, s.worker.Name)
	assert.ErrorIs(s.T(), err, ErrInvalidState)

	err = s.inv.TaskCompleted(s.ctx, "missing")
	assert.ErrorIs(s.T(), err, ErrNodeNotFound)
}

func (s *InventorySuite) TestTerminate_ClosesConnection() {
	conn := &mockConn{}
	s.online(conn)

	assert.True(s.T(), s.inv.Terminate(s.ctx, s.worker.Name))
	assert.Equal(s.T(), 1, conn.closeCount())

	_, ok := s.inv.Get(s.worker.Name)
	assert.False(s.T(), ok)
}

func (s *InventorySuite) TestTerminate_TwiceIsIdempotent() {
	conn := &mockConn{}
	s.online(conn)

	assert.True(s.T(), s.inv.Terminate(s.ctx, s.worker.Name))
	assert.NotPanics(s.T(), func() {
		assert.False(s.T(), s.inv.Terminate(s.ctx, s.worker.Name))
	})

	assert.Equal(s.T(), 1, conn.closeCount())
	assert.Contains(s.T(), s.logs.String(), "level=WARN")
	assert.Contains(s.T(), s.logs.String(), "terminate: node not found")
}

func (s *InventorySuite) TestTerminate_CloseErrorIsLogged() {
	s.online(&mockConn{closeErr: errors.New("broken pipe")})

	assert.True(s.T(), s.inv.Terminate(s.ctx, s.worker.Name))
	assert.Contains(s.T(), s.logs.String(), "failed to close node connection")
	assert.Contains(s.T(), s.logs.String(), "broken pipe")
}

func (s *InventorySuite) TestTerminate_ConnectingNodeHasNoConnection() {
	require.NoError(s.T(), s.inv.Add(s.worker))
	assert.True(s.T(), s.inv.Terminate(s.ctx, s.worker.Name))
}

func (s *InventorySuite) TestTerminateIf_KeepsNodeWhenConditionFails() {
	conn := &mockConn{}
	s.online(conn)

	keep := func(w Worker) bool { return w.State != StateOnline }
	assert.False(s.T(), s.inv.TerminateIf(s.ctx, s.worker.Name, keep))
	assert.Zero(s.T(), conn.closeCount())
	_, ok := s.inv.Get(s.worker.Name)
	assert.True(s.T(), ok)

	assert.True(s.T(), s.inv.TerminateIf(s.ctx, s.worker.Name, func(Worker) bool { return true }))
	assert.Equal(s.T(), 1, conn.closeCount())
}

func (s *InventorySuite) TestShutdown_TerminatesAll() {
	a, b := &mockConn{}, &mockConn{}
	s.online(a)
	other := s.worker
	other.Name = "BatchSystem-2"
	require.NoError(s.T(), s.inv.Add(other))
	_, err := s.inv.MarkOnline(other.Name, b)
	require.NoError(s.T(), err)

	s.inv.Shutdown(s.ctx)

	assert.Empty(s.T(), s.inv.List())
	assert.Equal(s.T(), 1, a.closeCount())
	assert.Equal(s.T(), 1, b.closeCount())
}

func (s *InventorySuite) TestList_Sorted() {
	for _, name := range []string{"c", "a", "b"} {
		w := s.worker
		w.Name = name
		require.NoError(s.T(), s.inv.Add(w))
	}

	var names []string
	for _, w := range s.inv.List() {
		names = append(names, w.Name)
	}
	assert.Equal(s.T(), []string{"a", "b", "c"}, names)
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

func (s *InventorySuite) TestRetention_ReleasesUsedNodeAfterTimeout() {
	conn := &mockConn{}
	s.online(conn)
	r := NewRetention(s.inv, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(s.T(), s.inv.TaskStarted(s.worker.Name))
	require.NoError(s.T(), s.inv.TaskCompleted(s.ctx, s.worker.Name))

	s.clock.Advance(30 * time.Second)
	assert.Equal(s.T(), 0, r.Check(s.ctx))

	s.clock.Advance(30 * time.Second)
	assert.Equal(s.T(), 1, r.Check(s.ctx))
	assert.Empty(s.T(), s.inv.List())
	assert.Equal(s.T(), 1, conn.closeCount())
}

func (s *InventorySuite) TestRetention_ZeroTimeoutReleasesImmediately() {
	s.online(&mockConn{})
	r := NewRetention(s.inv, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.Equal(s.T(), 0, r.Check(s.ctx), "unused node must stay with zero timeout")

	require.NoError(s.T(), s.inv.TaskStarted(s.worker.Name))
	require.NoError(s.T(), s.inv.TaskCompleted(s.ctx, s.worker.Name))
	assert.Equal(s.T(), 1, r.Check(s.ctx))
}

func (s *InventorySuite) TestRetention_KeepsBusyNode() {
	s.online(&mockConn{})
	r := NewRetention(s.inv, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(s.T(), s.inv.TaskStarted(s.worker.Name))
	s.clock.Advance(time.Hour)

	assert.Equal(s.T(), 0, r.Check(s.ctx))
	assert.Len(s.T(), s.inv.List(), 1)
}

func (s *InventorySuite) TestRetention_ReleasesNeverUsedNode() {
	s.online(&mockConn{})
	r := NewRetention(s.inv, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.clock.Advance(59 * time.Second)
	assert.Equal(s.T(), 0, r.Check(s.ctx))

	s.clock.Advance(time.Second)
	assert.Equal(s.T(), 1, r.Check(s.ctx))
}

func (s *InventorySuite) TestRetention_TaskStartedDuringCheckKeepsNode() {
	conn := &mockConn{}
	s.online(conn)

	var startErr error
	logger := slog.New(hookHandler{
		msg: "retention releasing node",
		fn:  func() { startErr = s.inv.TaskStarted(s.worker.Name) },
	})
	r := NewRetention(s.inv, time.Minute, logger)

	s.clock.Advance(time.Minute)
	assert.Equal(s.T(), 0, r.Check(s.ctx))
	require.NoError(s.T(), startErr)

	w, ok := s.inv.Get(s.worker.Name)
	require.True(s.T(), ok, "busy node must not be released")
	assert.Equal(s.T(), StateBusy, w.State)
	assert.Zero(s.T(), conn.closeCount())
}

func (s *InventorySuite) TestRetention_IgnoresConnectingNode() {
	require.NoError(s.T(), s.inv.Add(s.worker))
	r := NewRetention(s.inv, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.clock.Advance(time.Hour)
	assert.Equal(s.T(), 0, r.Check(s.ctx))
}

func (s *InventorySuite) TestRetention_FollowsIdleTimeout() {
	s.online(&mockConn{})
	timeout := time.Hour
	r := NewRetention(s.inv, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil))).
		Follow(func() time.Duration { return timeout })

	s.clock.Advance(2 * time.Minute)
	assert.Equal(s.T(), 0, r.Check(s.ctx))

	timeout = time.Minute
	assert.Equal(s.T(), 1, r.Check(s.ctx))
}

func (s *InventorySuite) TestRetention_RunStopsOnCancel() {
	r := NewRetention(s.inv, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(s.ctx)

	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.T().Fatal("Run did not return after cancel")
	}
}
