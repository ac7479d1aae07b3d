// Package scoring computes the admission priority score used to rank
// pending queue requests when a session starts.
package scoring

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

// Score returns base + priority, where base = 1 / (1 + completed sessions
// of the given type) and priority is the user's coefficient while the
// grant is unexpired. Holding priority fixed, the score strictly decreases
// as the session count grows, so less-served users rank first.
//
// An unrecognized session type scores 0.0 and logs a warning instead of
// failing the caller.
func Score(user *models.User, sessionType models.SessionType, now time.Time) float64 {
	if !sessionType.Valid() {
		logrus.Warnf(
			"unknown session type %q for user %d (%s), returning 0.0 score",
			sessionType, user.ID, user.Nickname,
		)
		return 0.0
	}

	base := 1.0 / (1.0 + float64(user.SessionsOfType(sessionType)))

	applied := 0.0
	if user.HasActivePriority(now) {
		applied = user.PriorityCoefficient
	} else if user.PriorityCoefficient != 0 {
		logrus.Debugf(
			"priority coefficient %.2f for user %d expired at %v, not applied",
			user.PriorityCoefficient, user.ID, user.PriorityExpiresAt,
		)
	}

	return base + applied
}
