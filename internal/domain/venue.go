package domain

import "time"

// TableCapacity is the number of players a table seats
const TableCapacity = 2

// QueueEntry is a user waiting for a table
type QueueEntry struct {
	User     UserInfo  `json:"user"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Seat is a player occupying a table
type Seat struct {
	User     UserInfo  `json:"user"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Table is one of the venue's numbered tables
type Table struct {
	ID      int    `json:"id"`
	Number  int    `json:"tableNumber"`
	Players []Seat `json:"players"`
}

// Has reports whether userID is seated at the table
func (t *Table) Has(userID string) bool {
	for _, p := range t.Players {
		if p.User.ID == userID {
			return true
		}
	}
	return false
}

// Opponent returns the occupant other than userID
func (t *Table) Opponent(userID string) (Seat, bool) {
	for _, p := range t.Players {
		if p.User.ID != userID {
			return p, true
		}
	}
	return Seat{}, false
}

// Full reports whether the table has no free seat
func (t *Table) Full() bool {
	return len(t.Players) >= TableCapacity
}

// State is the full view of the queue and every table
type State struct {
	Queue  []QueueEntry `json:"queue"`
	Tables []Table      `json:"tables"`
}

// Table returns the table with the given id, or nil
func (s *State) Table(id int) *Table {
	for i := range s.Tables {
		if s.Tables[i].ID == id {
			return &s.Tables[i]
		}
	}
	return nil
}

// SeatOf returns the id of the table userID is seated at
func (s *State) SeatOf(userID string) (int, bool) {
	for _, t := range s.Tables {
		if t.Has(userID) {
			return t.ID, true
		}
	}
	return 0, false
}

// Queued reports whether userID has a queue entry
func (s *State) Queued(userID string) bool {
	for _, e := range s.Queue {
		if e.User.ID == userID {
			return true
		}
	}
	return false
}

// FirstQueuedExcept returns the front-most queue entry whose user is not in
// excluded.
func (s *State) FirstQueuedExcept(excluded ...string) (QueueEntry, bool) {
	for _, e := range s.Queue {
		skip := false
		for _, id := range excluded {
			if e.User.ID == id {
				skip = true
				break
			}
		}
		if !skip {
			return e, true
		}
	}
	return QueueEntry{}, false
}

// Invite is an open seat offered to a queued user until ExpiresAt
type Invite struct {
	TableID   int       `json:"tableId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// WinClaim is an unconfirmed assertion that WinnerID beat LoserID
type WinClaim struct {
	TableID  int    `json:"tableId"`
	WinnerID string `json:"winnerId"`
	LoserID  string `json:"loserId"`
}

// WinConfirmation is the opponent's answer to a WinClaim
type WinConfirmation struct {
	TableID   int    `json:"tableId"`
	WinnerID  string `json:"winnerId"`
	LoserID   string `json:"loserId"`
	Confirmed bool   `json:"confirmed"`
}
