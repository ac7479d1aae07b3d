package models

import "time"

type SessionType string

const (
	SessionTypeReplay   SessionType = "replay"
	SessionTypeCreative SessionType = "creative"
)

func (t SessionType) Valid() bool {
	return t == SessionTypeReplay || t == SessionTypeCreative
}

type SessionStatus string

const (
	SessionStatusCreated  SessionStatus = "created"
	SessionStatusActive   SessionStatus = "active"
	SessionStatusEnded    SessionStatus = "ended"
	SessionStatusArchived SessionStatus = "archived"
)

// Session is one coaching engagement: a queue, a coach and a capacity limit.
type Session struct {
	ID      uint        `gorm:"primaryKey"`
	Type    SessionType `gorm:"index"`
	CoachID int64       `gorm:"index"`
	Date    time.Time

	// Chat platform handles, zero until the channels are provisioned.
	CategoryID       int64
	VoiceChannelID   int64 `gorm:"index"`
	TextChannelID    int64
	InfoMessageID    int64
	SessionMessageID int64

	StartTime *time.Time
	EndTime   *time.Time

	MaxSlots int           `gorm:"default:8"`
	Status   SessionStatus `gorm:"index;default:created"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}
