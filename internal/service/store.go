package service

import (
	"context"
	"time"

	"github.com/poolhall-waitlist/internal/domain"
)

// Store is the durable backend for users, the queue and tables. Every method
// is atomic: a failed call leaves nothing committed.
type Store interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	LoadState(ctx context.Context) (*domain.State, error)

	// Enqueue appends userID to the tail of the queue.
	Enqueue(ctx context.Context, userID string, at time.Time) error
	// SeatPlayer drops any queue entry for userID and seats them at tableID.
	SeatPlayer(ctx context.Context, tableID int, userID string, at time.Time) error
	// ResolveMatch unseats loserID from tableID and requeues them at the tail.
	ResolveMatch(ctx context.Context, tableID int, loserID string, at time.Time) error
	// RemovePlayer unseats userID from tableID without requeueing.
	RemovePlayer(ctx context.Context, tableID int, userID string) error

	ClearQueue(ctx context.Context) error
	ClearTables(ctx context.Context) error

	// ReconcilePlayingFlags resets every user's playing flag from the seats
	// held, returning how many users changed.
	ReconcilePlayingFlags(ctx context.Context) (int64, error)

	CountTables(ctx context.Context) (int, error)
	// CreateTables seeds tables numbered 1..n.
	CreateTables(ctx context.Context, n int) error
}

// EventRecorder receives every committed matchmaking transition
type EventRecorder interface {
	RecordEvent(ctx context.Context, event domain.MatchEvent) error
}

// Broadcaster fans a notification out to every connected observer
type Broadcaster interface {
	Broadcast(n domain.Notification)
}
