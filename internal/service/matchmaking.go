package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/poolhall-waitlist/internal/config"
	"github.com/poolhall-waitlist/internal/domain"
	"github.com/poolhall-waitlist/internal/presence"
)

// MatchmakingService owns the queue/table state machine. Every transition
// runs under one mutex from the first read to the broadcast of its result.
type MatchmakingService struct {
	mu        sync.Mutex
	store     Store
	presence  *presence.Registry
	hub       Broadcaster
	recorders []EventRecorder
	invites   *inviteBook
	config    *config.VenueConfig
	logger    *slog.Logger

	now            func() time.Time
	afterFunc      afterFunc
	requestTimeout time.Duration
}

// NewMatchmakingService creates a new matchmaking service
func NewMatchmakingService(
	store Store,
	registry *presence.Registry,
	cfg *config.VenueConfig,
	logger *slog.Logger,
) *MatchmakingService {
	return &MatchmakingService{
		store:          store,
		presence:       registry,
		invites:        newInviteBook(),
		config:         cfg,
		logger:         logger,
		now:            time.Now,
		afterFunc:      realAfterFunc,
		requestTimeout: 10 * time.Second,
	}
}

// SetHub sets the broadcaster that receives state updates
func (s *MatchmakingService) SetHub(hub Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub = hub
}

// AddRecorder registers a sink for committed transitions
func (s *MatchmakingService) AddRecorder(r EventRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorders = append(s.recorders, r)
}

// InitializeTables seeds the configured number of tables if none exist
func (s *MatchmakingService) InitializeTables(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.store.CountTables(ctx)
	if err != nil {
		return fmt.Errorf("counting tables: %w", err)
	}
	if count > 0 {
		s.logger.Info("tables already initialized", "count", count)
		return nil
	}
	if err := s.store.CreateTables(ctx, s.config.TableCount); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	s.logger.Info("initialized empty tables", "count", s.config.TableCount)
	return nil
}

// State returns the current queue and tables
func (s *MatchmakingService) State(ctx context.Context) (*domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadState(ctx)
}

// User returns a user by id
func (s *MatchmakingService) User(ctx context.Context, userID string) (*domain.User, error) {
	return s.lookupUser(ctx, userID)
}

// Register binds userID to conn in the presence registry and sends the
// connection the current state.
func (s *MatchmakingService) Register(ctx context.Context, userID string, conn presence.Conn) error {
	if _, err := s.lookupUser(ctx, userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.presence.Register(userID, conn); prev != nil {
		s.logger.Debug("replaced stale connection", "user_id", userID, "old_conn", prev.ID(), "new_conn", conn.ID())
	}
	s.logger.Info("user registered", "user_id", userID, "conn_id", conn.ID())

	state, err := s.loadState(ctx)
	if err != nil {
		// Registration stands; the client catches up on the next broadcast.
		s.logger.Warn("failed to load state for new connection", "error", err)
		return nil
	}
	conn.Send(domain.Notification{Type: domain.NotifyStateUpdate, Data: state})
	return nil
}

// Unregister forgets conn if it is still the live connection of its user
func (s *MatchmakingService) Unregister(conn presence.Conn) {
	if userID, ok := s.presence.Unregister(conn); ok {
		s.logger.Info("user disconnected", "user_id", userID, "conn_id", conn.ID())
	}
}

// ConnectedUsers returns the number of users with a live connection
func (s *MatchmakingService) ConnectedUsers() int {
	return s.presence.Count()
}

// JoinQueue appends userID to the tail of the queue
func (s *MatchmakingService) JoinQueue(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupUser(ctx, userID); err != nil {
		return err
	}
	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if _, seated := state.SeatOf(userID); seated {
		return domain.ErrAlreadySeated
	}
	if state.Queued(userID) {
		return domain.ErrAlreadyQueued
	}

	if err := s.store.Enqueue(ctx, userID, s.now()); err != nil {
		return s.internal("adding user to queue", err)
	}

	s.logger.Info("user joined queue", "user_id", userID)
	s.record(ctx, domain.MatchEvent{Type: domain.EventQueueJoined, UserID: userID})
	s.broadcastState(ctx)
	return nil
}

// JoinTable seats userID at tableID directly, bypassing the queue
func (s *MatchmakingService) JoinTable(ctx context.Context, tableID int, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookupUser(ctx, userID); err != nil {
		return err
	}
	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if _, seated := state.SeatOf(userID); seated {
		return domain.ErrAlreadySeated
	}
	table := state.Table(tableID)
	if table == nil {
		return domain.ErrTableNotFound
	}
	if table.Full() {
		return domain.ErrTableFull
	}

	if err := s.store.SeatPlayer(ctx, tableID, userID, s.now()); err != nil {
		return s.internal("seating player", err)
	}
	// A seated user can no longer take up an offer elsewhere, and a table
	// that is now full has no seat left to offer.
	s.invites.cancelFor(userID)
	if len(table.Players)+1 >= domain.TableCapacity {
		s.invites.cancel(tableID)
	}

	s.logger.Info("user joined table", "table_id", tableID, "user_id", userID)
	s.record(ctx, domain.MatchEvent{Type: domain.EventTableJoined, TableID: tableID, UserID: userID})
	s.broadcastState(ctx)
	return nil
}

// ClaimWin asks winnerID's opponent at tableID to confirm the result
func (s *MatchmakingService) ClaimWin(ctx context.Context, tableID int, winnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	table := state.Table(tableID)
	if table == nil {
		return domain.ErrTableNotFound
	}
	if !table.Has(winnerID) {
		return domain.ErrNotOnTable
	}
	opponent, ok := table.Opponent(winnerID)
	if !ok {
		return domain.ErrNoOpponent
	}

	claim := domain.WinClaim{TableID: tableID, WinnerID: winnerID, LoserID: opponent.User.ID}
	delivered := s.sendTo(claim.LoserID, domain.Notification{
		Type: domain.NotifyWinConfirmationRequest,
		Data: claim,
	})
	if !delivered {
		s.logger.Warn("opponent not connected", "table_id", tableID, "winner_id", winnerID, "loser_id", claim.LoserID)
		return domain.ErrOpponentUnreachable
	}

	s.logger.Info("win claimed", "table_id", tableID, "winner_id", winnerID, "loser_id", claim.LoserID)
	s.record(ctx, domain.MatchEvent{
		Type:        domain.EventWinClaimed,
		TableID:     tableID,
		UserID:      winnerID,
		OtherUserID: claim.LoserID,
	})
	return nil
}

// ConfirmWin applies the opponent's answer to a win claim. On confirmation the
// loser leaves the table for the tail of the queue and the freed seat is
// offered to the next queued user.
func (s *MatchmakingService) ConfirmWin(ctx context.Context, c domain.WinConfirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !c.Confirmed {
		s.sendTo(c.WinnerID, domain.Notification{
			Type: domain.NotifyInfo,
			Data: domain.ErrWinNotConfirmed.Error(),
		})
		s.logger.Info("win rejected", "table_id", c.TableID, "winner_id", c.WinnerID, "loser_id", c.LoserID)
		s.record(ctx, domain.MatchEvent{
			Type:        domain.EventWinRejected,
			TableID:     c.TableID,
			UserID:      c.WinnerID,
			OtherUserID: c.LoserID,
		})
		return domain.ErrWinNotConfirmed
	}

	// The table may have changed since the claim was made.
	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	table := state.Table(c.TableID)
	if table == nil {
		return domain.ErrTableNotFound
	}
	if c.WinnerID == c.LoserID || !table.Has(c.WinnerID) || !table.Has(c.LoserID) {
		return domain.ErrPlayerNotOnTable
	}

	if err := s.store.ResolveMatch(ctx, c.TableID, c.LoserID, s.now()); err != nil {
		if errors.Is(err, domain.ErrPlayerNotOnTable) {
			return err
		}
		return s.internal("resolving match", err)
	}

	s.logger.Info("win confirmed", "table_id", c.TableID, "winner_id", c.WinnerID, "loser_id", c.LoserID)
	s.record(ctx, domain.MatchEvent{
		Type:        domain.EventWinConfirmed,
		TableID:     c.TableID,
		UserID:      c.WinnerID,
		OtherUserID: c.LoserID,
	})

	if state, err = s.loadState(ctx); err == nil {
		s.advanceInvite(ctx, state, c.TableID, c.LoserID)
	}
	s.broadcastState(ctx)
	return nil
}

// AcceptInvite seats userID at tableID. Only the invitee, or the front of the
// queue when no invite is outstanding, may accept.
func (s *MatchmakingService) AcceptInvite(ctx context.Context, tableID int, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	table := state.Table(tableID)
	if table == nil {
		return domain.ErrTableNotFound
	}
	if _, seated := state.SeatOf(userID); seated {
		return domain.ErrAlreadySeated
	}
	if !state.Queued(userID) {
		return domain.ErrNotYourInvite
	}
	if inv := s.invites.get(tableID); inv != nil {
		if inv.UserID != userID {
			return domain.ErrNotYourInvite
		}
	} else if front, ok := state.FirstQueuedExcept(); !ok || front.User.ID != userID {
		return domain.ErrNotYourInvite
	}
	if table.Full() {
		return domain.ErrTableFull
	}

	if err := s.store.SeatPlayer(ctx, tableID, userID, s.now()); err != nil {
		return s.internal("seating invited player", err)
	}
	s.invites.cancel(tableID)
	s.invites.cancelFor(userID)

	s.logger.Info("invite accepted", "table_id", tableID, "user_id", userID)
	s.record(ctx, domain.MatchEvent{Type: domain.EventInviteAccepted, TableID: tableID, UserID: userID})
	s.broadcastState(ctx)
	return nil
}

// SkipInvite cancels the invite for tableID and passes the seat on. The next
// invitee is chosen after excluding both the skipper and the user who would
// otherwise have been next in line.
func (s *MatchmakingService) SkipInvite(ctx context.Context, tableID int, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invites.cancel(tableID)

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	table := state.Table(tableID)
	if table == nil {
		return domain.ErrTableNotFound
	}

	s.logger.Info("invite skipped", "table_id", tableID, "user_id", userID)
	s.record(ctx, domain.MatchEvent{Type: domain.EventInviteSkipped, TableID: tableID, UserID: userID})

	if table.Full() {
		return nil
	}
	next, ok := state.FirstQueuedExcept(userID)
	if !ok {
		return nil
	}
	after, ok := state.FirstQueuedExcept(userID, next.User.ID)
	if !ok {
		return nil
	}
	s.invite(ctx, tableID, after.User)
	return nil
}

// ClearQueue empties the queue and withdraws every outstanding invite
func (s *MatchmakingService) ClearQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ClearQueue(ctx); err != nil {
		return s.internal("clearing queue", err)
	}
	s.invites.cancelAll()

	s.logger.Info("queue cleared")
	s.record(ctx, domain.MatchEvent{Type: domain.EventQueueCleared})
	s.broadcastState(ctx)
	return nil
}

// ClearTables unseats every player and withdraws every outstanding invite.
// Pending win claims become stale.
func (s *MatchmakingService) ClearTables(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.ClearTables(ctx); err != nil {
		return s.internal("clearing tables", err)
	}
	s.invites.cancelAll()

	s.logger.Info("tables cleared")
	s.record(ctx, domain.MatchEvent{Type: domain.EventTablesCleared})
	s.broadcastState(ctx)
	return nil
}

// RemovePlayer unseats userID from tableID and offers the seat onward
func (s *MatchmakingService) RemovePlayer(ctx context.Context, tableID int, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	table := state.Table(tableID)
	if table == nil {
		return domain.ErrTableNotFound
	}
	if !table.Has(userID) {
		return domain.ErrPlayerNotOnTable
	}

	if err := s.store.RemovePlayer(ctx, tableID, userID); err != nil {
		if errors.Is(err, domain.ErrPlayerNotOnTable) {
			return err
		}
		return s.internal("removing player", err)
	}

	s.logger.Info("player removed", "table_id", tableID, "user_id", userID)
	s.record(ctx, domain.MatchEvent{Type: domain.EventPlayerRemoved, TableID: tableID, UserID: userID})

	if state, err = s.loadState(ctx); err == nil {
		s.advanceInvite(ctx, state, tableID, userID)
	}
	s.broadcastState(ctx)
	return nil
}

// ReconcilePlayingFlags repairs drifted playing flags. It holds the service
// lock so no seat changes between reading the seats and writing the flags.
func (s *MatchmakingService) ReconcilePlayingFlags(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed, err := s.store.ReconcilePlayingFlags(ctx)
	if err != nil {
		return 0, s.internal("reconciling playing flags", err)
	}
	return changed, nil
}

// Close stops every invite timer
func (s *MatchmakingService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invites.cancelAll()
}

func (s *MatchmakingService) lookupUser(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, domain.ErrInvalidRequest
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, err
		}
		return nil, s.internal("looking up user", err)
	}
	return user, nil
}

func (s *MatchmakingService) loadState(ctx context.Context) (*domain.State, error) {
	state, err := s.store.LoadState(ctx)
	if err != nil {
		return nil, s.internal("loading state", err)
	}
	return state, nil
}

// internal logs cause and returns an error that reads as an internal error to
// clients while keeping the cause for errors.Is.
func (s *MatchmakingService) internal(action string, cause error) error {
	s.logger.Error("matchmaking store failure", "action", action, "error", cause)
	return fmt.Errorf("%w: %s: %w", domain.ErrInternalError, action, cause)
}

// broadcastState pushes the full view to every observer. It runs inside the
// transition's critical section so observers see updates in commit order.
func (s *MatchmakingService) broadcastState(ctx context.Context) {
	if s.hub == nil {
		return
	}
	state, err := s.store.LoadState(ctx)
	if err != nil {
		s.logger.Error("failed to load state for broadcast", "error", err)
		return
	}
	s.hub.Broadcast(domain.Notification{Type: domain.NotifyStateUpdate, Data: state})
}

// sendTo delivers n to userID's live connection, if any
func (s *MatchmakingService) sendTo(userID string, n domain.Notification) bool {
	conn, ok := s.presence.Lookup(userID)
	if !ok {
		s.logger.Debug("user not connected, message dropped", "user_id", userID, "type", n.Type)
		return false
	}
	if !conn.Send(n) {
		s.logger.Warn("connection refused message", "user_id", userID, "conn_id", conn.ID(), "type", n.Type)
		return false
	}
	return true
}

// record hands event to every recorder. Recording failures never fail the
// transition that produced the event.
func (s *MatchmakingService) record(ctx context.Context, event domain.MatchEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	for _, r := range s.recorders {
		if err := r.RecordEvent(ctx, event); err != nil {
			s.logger.Warn("failed to record match event", "type", event.Type, "error", err)
		}
	}
}
