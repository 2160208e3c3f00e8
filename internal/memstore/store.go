// Package memstore is an in-process entity store. It backs the service in
// tests and in single-node local runs where PostgreSQL is not available.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolhall-waitlist/internal/domain"
)

type queued struct {
	userID   string
	joinedAt time.Time
}

type seat struct {
	userID   string
	joinedAt time.Time
}

type table struct {
	id      int
	number  int
	players []seat
}

// Store keeps users, the queue, tables and recorded events in memory
type Store struct {
	mu     sync.Mutex
	users  map[string]*domain.User
	queue  []queued
	tables []*table
	events []domain.MatchEvent
}

// New creates an empty store
func New() *Store {
	return &Store{users: make(map[string]*domain.User)}
}

// PutUser inserts or replaces a user record
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

// GetUser returns a copy of the user with the given id
func (s *Store) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// UpsertUserByExternalID finds a user by external id or creates one
func (s *Store) UpsertUserByExternalID(_ context.Context, p domain.Profile) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, u := range s.users {
		if u.ExternalID == p.ExternalID {
			u.Username = p.Username
			u.Email = p.Email
			u.PhotoURL = p.PhotoURL
			u.UpdatedAt = now
			cp := *u
			return &cp, nil
		}
	}
	u := &domain.User{
		ID:         uuid.New().String(),
		ExternalID: p.ExternalID,
		Username:   p.Username,
		Email:      p.Email,
		PhotoURL:   p.PhotoURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

// LoadState returns a snapshot of the queue and tables
func (s *Store) LoadState(_ context.Context) (*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := &domain.State{
		Queue:  make([]domain.QueueEntry, 0, len(s.queue)),
		Tables: make([]domain.Table, 0, len(s.tables)),
	}
	for _, q := range s.queue {
		state.Queue = append(state.Queue, domain.QueueEntry{User: s.infoLocked(q.userID), JoinedAt: q.joinedAt})
	}
	for _, t := range s.tables {
		out := domain.Table{ID: t.id, Number: t.number, Players: make([]domain.Seat, 0, len(t.players))}
		for _, p := range t.players {
			out.Players = append(out.Players, domain.Seat{User: s.infoLocked(p.userID), JoinedAt: p.joinedAt})
		}
		state.Tables = append(state.Tables, out)
	}
	return state, nil
}

// Enqueue appends userID to the tail of the queue
func (s *Store) Enqueue(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return domain.ErrUserNotFound
	}
	s.dequeueLocked(userID)
	s.queue = append(s.queue, queued{userID: userID, joinedAt: at})
	return nil
}

// SeatPlayer removes userID from the queue and seats them at tableID
func (s *Store) SeatPlayer(_ context.Context, tableID int, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tableLocked(tableID)
	if t == nil {
		return domain.ErrTableNotFound
	}
	if len(t.players) >= domain.TableCapacity {
		return domain.ErrTableFull
	}
	if _, ok := s.users[userID]; !ok {
		return domain.ErrUserNotFound
	}
	for _, other := range s.tables {
		for _, p := range other.players {
			if p.userID == userID {
				return domain.ErrAlreadySeated
			}
		}
	}
	s.dequeueLocked(userID)
	t.players = append(t.players, seat{userID: userID, joinedAt: at})
	s.setPlayingLocked(userID, true)
	return nil
}

// ResolveMatch unseats loserID and requeues them at the tail
func (s *Store) ResolveMatch(_ context.Context, tableID int, loserID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.unseatLocked(tableID, loserID); err != nil {
		return err
	}
	s.dequeueLocked(loserID)
	s.queue = append(s.queue, queued{userID: loserID, joinedAt: at})
	return nil
}

// RemovePlayer unseats userID from tableID
func (s *Store) RemovePlayer(_ context.Context, tableID int, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unseatLocked(tableID, userID)
}

// ClearQueue removes every queue entry
func (s *Store) ClearQueue(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	return nil
}

// ClearTables unseats every player
func (s *Store) ClearTables(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tables {
		for _, p := range t.players {
			s.setPlayingLocked(p.userID, false)
		}
		t.players = nil
	}
	return nil
}

// CountTables returns the number of tables
func (s *Store) CountTables(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tables), nil
}

// CreateTables appends tables numbered 1..n
func (s *Store) CreateTables(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 1; i <= n; i++ {
		s.tables = append(s.tables, &table{id: i, number: i})
	}
	return nil
}

// ReconcilePlayingFlags sets each user's playing flag to whether they hold a
// seat, returning how many users changed.
func (s *Store) ReconcilePlayingFlags(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]bool)
	for _, t := range s.tables {
		for _, p := range t.players {
			set[p.userID] = true
		}
	}
	var changed int64
	for id, u := range s.users {
		if u.IsPlaying != set[id] {
			u.IsPlaying = set[id]
			changed++
		}
	}
	return changed, nil
}

// RecordEvent appends event to the in-memory log
func (s *Store) RecordEvent(_ context.Context, event domain.MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// RecentEvents returns up to limit events, newest first
func (s *Store) RecentEvents(_ context.Context, limit int) ([]domain.MatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []domain.MatchEvent{}
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

// Events returns the recorded events in order
func (s *Store) Events() []domain.MatchEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MatchEvent(nil), s.events...)
}

func (s *Store) infoLocked(userID string) domain.UserInfo {
	if u, ok := s.users[userID]; ok {
		return u.Info()
	}
	return domain.UserInfo{ID: userID}
}

func (s *Store) tableLocked(id int) *table {
	for _, t := range s.tables {
		if t.id == id {
			return t
		}
	}
	return nil
}

func (s *Store) dequeueLocked(userID string) {
	for i, q := range s.queue {
		if q.userID == userID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Store) unseatLocked(tableID int, userID string) error {
	t := s.tableLocked(tableID)
	if t == nil {
		return domain.ErrTableNotFound
	}
	for i, p := range t.players {
		if p.userID == userID {
			t.players = append(t.players[:i], t.players[i+1:]...)
			s.setPlayingLocked(userID, false)
			return nil
		}
	}
	return domain.ErrPlayerNotOnTable
}

func (s *Store) setPlayingLocked(userID string, playing bool) {
	if u, ok := s.users[userID]; ok {
		u.IsPlaying = playing
	}
}
