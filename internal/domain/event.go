package domain

import "time"

// EventType identifies a committed matchmaking transition
type EventType string

const (
	EventQueueJoined         EventType = "queue_joined"
	EventTableJoined         EventType = "table_joined"
	EventWinClaimed          EventType = "win_claimed"
	EventWinConfirmed        EventType = "win_confirmed"
	EventWinRejected         EventType = "win_rejected"
	EventInviteSent          EventType = "invite_sent"
	EventInviteUndeliverable EventType = "invite_undeliverable"
	EventInviteExpired       EventType = "invite_expired"
	EventInviteAccepted      EventType = "invite_accepted"
	EventInviteSkipped       EventType = "invite_skipped"
	EventQueueCleared        EventType = "queue_cleared"
	EventTablesCleared       EventType = "tables_cleared"
	EventPlayerRemoved       EventType = "player_removed"
)

// MatchEvent is the audit record of a matchmaking transition
type MatchEvent struct {
	Type        EventType              `json:"event_type"`
	TableID     int                    `json:"table_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	OtherUserID string                 `json:"other_user_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}
