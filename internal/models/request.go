package models

import "time"

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusAccepted RequestStatus = "accepted"
	RequestStatusRejected RequestStatus = "rejected"
	RequestStatusSkipped  RequestStatus = "skipped"

	// Terminal state of an accepted request once the coach confirms the
	// session outcome. The jump from accepted is one-way; confirmation
	// bookkeeping (counters, grants) runs exactly once per request.
	RequestStatusCompleted RequestStatus = "completed"
)

// SessionRequest is a user's claim on a slot in a session. At most one
// request exists per (session, user). Slot numbers are dense and 1-based
// among accepted requests and renumbered after every removal.
type SessionRequest struct {
	ID         uint          `gorm:"primaryKey"`
	SessionID  uint          `gorm:"uniqueIndex:idx_session_user"`
	UserID     int64         `gorm:"uniqueIndex:idx_session_user"`
	Status     RequestStatus `gorm:"index"`
	SlotNumber *int

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
