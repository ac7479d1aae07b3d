package models

import "time"

// SessionReview is a post-session like/dislike. One review per
// (session, user); resubmission overwrites the rating.
type SessionReview struct {
	ID        uint  `gorm:"primaryKey"`
	SessionID uint  `gorm:"uniqueIndex:idx_review_session_user"`
	UserID    int64 `gorm:"uniqueIndex:idx_review_session_user"`
	Liked     bool

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}
