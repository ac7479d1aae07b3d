// Package review gates and stores the like/dislike ratings participants
// leave after a session.
package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

type Store interface {
	GetReview(ctx context.Context, sessionID uint, userID int64) (*models.SessionReview, error)
	SaveReview(ctx context.Context, review *models.SessionReview) error
	ListReviews(ctx context.Context, sessionID uint) ([]*models.SessionReview, error)
}

// Presence reports how long a user spent in the session's voice channel.
type Presence interface {
	AggregateDuration(ctx context.Context, sessionID uint, userID int64) (time.Duration, error)
}

// Gate accepts a review only from users who actually attended the
// session for minPresence.
type Gate struct {
	store       Store
	presence    Presence
	minPresence time.Duration
}

func NewGate(store Store, presence Presence, minPresence time.Duration) *Gate {
	return &Gate{store: store, presence: presence, minPresence: minPresence}
}

// Submit records the user's rating. Resubmitting overwrites the earlier
// rating instead of creating a duplicate.
func (g *Gate) Submit(ctx context.Context, session *models.Session, userID int64, liked bool) (*models.SessionReview, error) {
	if userID == session.CoachID {
		return nil, fmt.Errorf("%w: the coach cannot review their own session", models.ErrPermissionDenied)
	}

	attended, err := g.presence.AggregateDuration(ctx, session.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("checking presence: %w", err)
	}
	if attended < g.minPresence {
		return nil, fmt.Errorf("%w: %s in voice, at least %s required to review", models.ErrPermissionDenied, attended, g.minPresence)
	}

	review, err := g.store.GetReview(ctx, session.ID, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("getting review: %w", err)
		}
		review = &models.SessionReview{SessionID: session.ID, UserID: userID}
	}
	review.Liked = liked

	if err := g.store.SaveReview(ctx, review); err != nil {
		return nil, fmt.Errorf("saving review: %w", err)
	}
	logrus.Infof("user %d reviewed session %d (liked=%t)", userID, session.ID, liked)
	return review, nil
}

// Summary is the session's rating tally.
type Summary struct {
	Likes    int
	Dislikes int
}

func (g *Gate) Summarize(ctx context.Context, sessionID uint) (*Summary, error) {
	reviews, err := g.store.ListReviews(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	summary := &Summary{}
	for _, review := range reviews {
		if review.Liked {
			summary.Likes++
		} else {
			summary.Dislikes++
		}
	}
	return summary, nil
}
