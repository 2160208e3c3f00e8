package domain

import "time"

// User represents a venue member as known to the identity provider
type User struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	PhotoURL   string    `json:"photo_url,omitempty"`
	IsAdmin    bool      `json:"is_admin"`
	IsPlaying  bool      `json:"is_playing"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Info reduces the user to the fields broadcast to observers
func (u *User) Info() UserInfo {
	return UserInfo{ID: u.ID, Username: u.Username}
}

// UserInfo is the lightweight user view carried in queue and table state
type UserInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Profile is what the identity provider hands over after a successful login
type Profile struct {
	ExternalID string `json:"external_id"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	PhotoURL   string `json:"photo_url,omitempty"`
}
