package models

import "time"

type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Handle   string    `json:"handle"`
	Email    string    `json:"email"`
	Created  time.Time `json:"created"`
	Verified bool      `json:"verified"`
}

func (u *User) BestName() string {
	if u.Handle != "" {
		return u.Handle
	}
	return u.Username
}

type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Created   time.Time `json:"created"`
	ExpiresAt time.Time `json:"expires_at"`
}

// A short-lived token that can be traded for a session, e.g. from a login
// link.
type PreauthToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type EmailStatus struct {
	SID     string    `json:"sid"`
	Status  string    `json:"status"`
	Updated time.Time `json:"updated"`
}
