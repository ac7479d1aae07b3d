package models

import "time"

// UserSessionActivity is one continuous span of voice presence for a user
// within a session. At most one interval per (session, user) is open at a
// time; a user accumulates many closed intervals by rejoining.
type UserSessionActivity struct {
	ID        uint  `gorm:"primaryKey"`
	SessionID uint  `gorm:"index:idx_activity_session_user"`
	UserID    int64 `gorm:"index:idx_activity_session_user"`

	JoinTime  time.Time
	LeaveTime *time.Time
	IsActive  bool `gorm:"index"`

	// Frozen once the interval is closed.
	TotalDurationSeconds int64

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Close seals the interval at the given time and freezes its duration,
// floored to whole seconds. Closing an already closed interval is a no-op.
func (a *UserSessionActivity) Close(at time.Time) {
	if !a.IsActive {
		return
	}
	a.LeaveTime = &at
	a.TotalDurationSeconds = int64(at.Sub(a.JoinTime) / time.Second)
	a.IsActive = false
}

// Duration returns the interval length at the given instant: the frozen
// value for closed intervals, the elapsed time so far for open ones.
func (a *UserSessionActivity) Duration(now time.Time) time.Duration {
	if a.IsActive {
		return now.Sub(a.JoinTime).Truncate(time.Second)
	}
	return time.Duration(a.TotalDurationSeconds) * time.Second
}
