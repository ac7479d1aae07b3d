package models

import "time"

// PriorityReason records why a user currently holds a priority grant.
// The skip compensation grant is cleared automatically once the user
// completes an accepted participation; manual grants are left alone.
type PriorityReason string

const (
	PriorityReasonNone             PriorityReason = "none"
	PriorityReasonManual           PriorityReason = "manual"
	PriorityReasonSkipCompensation PriorityReason = "skip_compensation"
)

type User struct {
	ID       int64 `gorm:"primaryKey"`
	Nickname string
	JoinDate time.Time

	TotalReplaySessions   int `gorm:"default:0"`
	TotalCreativeSessions int `gorm:"default:0"`

	// CoachTier is owned by the external tier sync process, never computed here.
	CoachTier *string

	PriorityCoefficient float64        `gorm:"default:0"`
	PriorityReason      PriorityReason `gorm:"default:none"`
	PriorityGivenBy     *int64
	PriorityExpiresAt   *time.Time

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// SessionsOfType returns the completed-session counter matching the type.
// Unknown types count as zero; the scoring layer rejects them separately.
func (u *User) SessionsOfType(t SessionType) int {
	switch t {
	case SessionTypeReplay:
		return u.TotalReplaySessions
	case SessionTypeCreative:
		return u.TotalCreativeSessions
	default:
		return 0
	}
}

// HasActivePriority reports whether the stored coefficient should still
// affect scoring. An expired grant scores as zero without being cleared.
func (u *User) HasActivePriority(now time.Time) bool {
	if u.PriorityCoefficient == 0 {
		return false
	}
	return u.PriorityExpiresAt == nil || now.Before(*u.PriorityExpiresAt)
}

func (u *User) GrantPriority(coefficient float64, reason PriorityReason, givenBy int64, expiresAt *time.Time) {
	u.PriorityCoefficient = coefficient
	u.PriorityReason = reason
	u.PriorityGivenBy = &givenBy
	u.PriorityExpiresAt = expiresAt
}

func (u *User) ClearPriority() {
	u.PriorityCoefficient = 0
	u.PriorityReason = PriorityReasonNone
	u.PriorityGivenBy = nil
	u.PriorityExpiresAt = nil
}

// IncrementSessionCounter bumps the completed-session counter for the type.
func (u *User) IncrementSessionCounter(t SessionType) {
	switch t {
	case SessionTypeReplay:
		u.TotalReplaySessions++
	case SessionTypeCreative:
		u.TotalCreativeSessions++
	}
}
