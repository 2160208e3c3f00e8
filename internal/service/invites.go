package service

import (
	"context"
	"time"

	"github.com/poolhall-waitlist/internal/domain"
)

// stopper is the part of *time.Timer the invite book needs
type stopper interface {
	Stop() bool
}

// afterFunc schedules f to run once after d
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type pendingInvite struct {
	domain.Invite
	timer stopper
}

// inviteBook holds at most one pending invite per table. It is only touched
// with the service mutex held.
type inviteBook struct {
	pending map[int]*pendingInvite
}

func newInviteBook() *inviteBook {
	return &inviteBook{pending: make(map[int]*pendingInvite)}
}

func (b *inviteBook) get(tableID int) *pendingInvite {
	return b.pending[tableID]
}

// cancel stops and forgets the invite for tableID
func (b *inviteBook) cancel(tableID int) *pendingInvite {
	inv, ok := b.pending[tableID]
	if !ok {
		return nil
	}
	inv.timer.Stop()
	delete(b.pending, tableID)
	return inv
}

func (b *inviteBook) cancelAll() {
	for tableID := range b.pending {
		b.cancel(tableID)
	}
}

// cancelFor drops every invite addressed to userID
func (b *inviteBook) cancelFor(userID string) {
	for tableID, inv := range b.pending {
		if inv.UserID == userID {
			b.cancel(tableID)
		}
	}
}

// Invites returns a snapshot of the outstanding invites
func (s *MatchmakingService) Invites() []domain.Invite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Invite, 0, len(s.invites.pending))
	for _, inv := range s.invites.pending {
		out = append(out, inv.Invite)
	}
	return out
}

// advanceInvite offers a free seat at tableID to the first queued user not in
// excluded, replacing any invite still outstanding for the table. It does
// nothing when the table is full or nobody is waiting.
func (s *MatchmakingService) advanceInvite(ctx context.Context, state *domain.State, tableID int, excluded ...string) {
	table := state.Table(tableID)
	if table == nil || table.Full() {
		return
	}
	candidate, ok := state.FirstQueuedExcept(excluded...)
	if !ok {
		return
	}
	s.invite(ctx, tableID, candidate.User)
}

// invite sends a table invite to user and arms the expiry timer, replacing
// any earlier invite for the table.
func (s *MatchmakingService) invite(ctx context.Context, tableID int, user domain.UserInfo) {
	s.invites.cancel(tableID)

	delivered := s.sendTo(user.ID, domain.Notification{
		Type: domain.NotifyTableInvite,
		Data: domain.TableInvite{TableID: tableID},
	})
	if !delivered {
		// The candidate keeps their place; the seat stays open until someone
		// joins directly or the next seat-freeing transition.
		s.logger.Warn("invite candidate not connected",
			"table_id", tableID,
			"user_id", user.ID,
		)
		s.record(ctx, domain.MatchEvent{
			Type:    domain.EventInviteUndeliverable,
			TableID: tableID,
			UserID:  user.ID,
		})
		return
	}

	timeout := s.config.InviteTimeout
	inv := &pendingInvite{Invite: domain.Invite{
		TableID:   tableID,
		UserID:    user.ID,
		ExpiresAt: s.now().Add(timeout),
	}}
	inv.timer = s.afterFunc(timeout, func() { s.expireInvite(inv) })
	s.invites.pending[tableID] = inv

	s.logger.Info("table invite sent", "table_id", tableID, "user_id", user.ID, "timeout", timeout)
	s.record(ctx, domain.MatchEvent{
		Type:     domain.EventInviteSent,
		TableID:  tableID,
		UserID:   user.ID,
		Metadata: map[string]interface{}{"expires_at": inv.ExpiresAt},
	})
}

// expireInvite runs on the timer goroutine. A timer that lost the race with
// cancel or replacement finds a different (or no) invite and does nothing.
func (s *MatchmakingService) expireInvite(inv *pendingInvite) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invites.get(inv.TableID) != inv {
		return
	}
	delete(s.invites.pending, inv.TableID)

	s.logger.Info("table invite expired", "table_id", inv.TableID, "user_id", inv.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	s.record(ctx, domain.MatchEvent{
		Type:    domain.EventInviteExpired,
		TableID: inv.TableID,
		UserID:  inv.UserID,
	})
}
