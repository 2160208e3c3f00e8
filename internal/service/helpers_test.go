package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
	"github.com/poolhall-waitlist/internal/memstore"
	"github.com/poolhall-waitlist/internal/presence"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	got    []domain.Notification
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(n domain.Notification) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.got = append(c.got, n)
	return true
}

func (c *fakeConn) ofType(typ string) []domain.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Notification
	for _, n := range c.got {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type fakeHub struct {
	mu     sync.Mutex
	states []*domain.State
}

func (h *fakeHub) Broadcast(n domain.Notification) {
	if n.Type != domain.NotifyStateUpdate {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, n.Data.(*domain.State))
}

func (h *fakeHub) all() []*domain.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*domain.State(nil), h.states...)
}

func (h *fakeHub) last() *domain.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		return nil
	}
	return h.states[len(h.states)-1]
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeClock hands out a strictly increasing time and records timers instead
// of scheduling them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 19, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return &fakeTimerHandle{clock: c, t: t}
}

type fakeTimerHandle struct {
	clock *fakeClock
	t     *fakeTimer
}

func (h *fakeTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	active := !h.t.stopped && !h.t.fired
	h.t.stopped = true
	return active
}

// fireAll runs every timer that is neither stopped nor already fired
func (c *fakeClock) fireAll() int {
	c.mu.Lock()
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
	return len(due)
}

func (c *fakeClock) armed() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

func (c *fakeClock) all() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTimer(nil), c.timers...)
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	svc   *MatchmakingService
	store *memstore.Store
	hub   *fakeHub
	clock *fakeClock
}

func newHarness(t *testing.T, users ...string) *harness {
	t.Helper()
	store := memstore.New()
	for _, id := range users {
		store.PutUser(domain.User{ID: id, Username: strings.ToUpper(id)})
	}
	return newHarnessWithStore(t, store, store)
}

func newHarnessWithStore(t *testing.T, store Store, mem *memstore.Store) *harness {
	t.Helper()
	cfg := &config.VenueConfig{TableCount: 3, InviteTimeout: 30 * time.Second}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewMatchmakingService(store, presence.NewRegistry(), cfg, logger)
	clock := newFakeClock()
	svc.now = clock.Now
	svc.afterFunc = clock.AfterFunc

	hub := &fakeHub{}
	svc.SetHub(hub)
	svc.AddRecorder(mem)

	ctx := context.Background()
	require.NoError(t, svc.InitializeTables(ctx))

	return &harness{t: t, ctx: ctx, svc: svc, store: mem, hub: hub, clock: clock}
}

func (h *harness) connect(userID string) *fakeConn {
	h.t.Helper()
	conn := &fakeConn{id: "conn-" + userID}
	require.NoError(h.t, h.svc.Register(h.ctx, userID, conn))
	return conn
}

func (h *harness) state() *domain.State {
	h.t.Helper()
	state, err := h.svc.State(h.ctx)
	require.NoError(h.t, err)
	invariant(h.t, state)
	return state
}

func (h *harness) queue() []string {
	return queueIDs(h.state())
}

func (h *harness) players(tableID int) []string {
	h.t.Helper()
	table := h.state().Table(tableID)
	require.NotNil(h.t, table)
	ids := []string{}
	for _, p := range table.Players {
		ids = append(ids, p.User.ID)
	}
	return ids
}

func (h *harness) eventTypes() []domain.EventType {
	var out []domain.EventType
	for _, e := range h.store.Events() {
		out = append(out, e.Type)
	}
	return out
}

func queueIDs(state *domain.State) []string {
	ids := []string{}
	for _, e := range state.Queue {
		ids = append(ids, e.User.ID)
	}
	return ids
}

// invariant checks table capacity and that nobody appears twice across the
// queue and all tables.
func invariant(t *testing.T, state *domain.State) {
	t.Helper()
	seen := map[string]string{}
	for _, e := range state.Queue {
		if where, dup := seen[e.User.ID]; dup {
			t.Fatalf("user %s in queue and %s", e.User.ID, where)
		}
		seen[e.User.ID] = "queue"
	}
	for _, table := range state.Tables {
		if len(table.Players) > domain.TableCapacity {
			t.Fatalf("table %d over capacity: %d", table.ID, len(table.Players))
		}
		for _, p := range table.Players {
			if where, dup := seen[p.User.ID]; dup {
				t.Fatalf("user %s at table %d and %s", p.User.ID, table.ID, where)
			}
			seen[p.User.ID] = "a table"
		}
	}
}

var errStoreDown = errors.New("connection refused")

// failingStore wraps a memstore and fails the operations named in failOn
type failingStore struct {
	*memstore.Store
	failOn map[string]bool
}

func (s *failingStore) Enqueue(ctx context.Context, userID string, at time.Time) error {
	if s.failOn["Enqueue"] {
		return errStoreDown
	}
	return s.Store.Enqueue(ctx, userID, at)
}

func (s *failingStore) ResolveMatch(ctx context.Context, tableID int, loserID string, at time.Time) error {
	if s.failOn["ResolveMatch"] {
		return errStoreDown
	}
	return s.Store.ResolveMatch(ctx, tableID, loserID, at)
}

func (s *failingStore) LoadState(ctx context.Context) (*domain.State, error) {
	if s.failOn["LoadState"] {
		return nil, errStoreDown
	}
	return s.Store.LoadState(ctx)
}
