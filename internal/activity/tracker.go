// Package activity records voice presence as persisted intervals and
// aggregates them into per-user session durations.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

type Store interface {
	CreateActivity(ctx context.Context, activity *models.UserSessionActivity) error
	GetOpenActivity(ctx context.Context, sessionID uint, userID int64) (*models.UserSessionActivity, error)
	ListActivities(ctx context.Context, sessionID uint) ([]*models.UserSessionActivity, error)
	ListOpenActivities(ctx context.Context) ([]*models.UserSessionActivity, error)
	SaveActivity(ctx context.Context, activity *models.UserSessionActivity) error
}

// Tracker owns presence intervals. The rows are the single source of
// truth; the tracker itself holds no in-memory state, so a restart
// loses nothing.
type Tracker struct {
	store Store
	now   func() time.Time
}

func NewTracker(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// RecordEnter opens a presence interval for the user. A second enter
// while one is already open is a duplicate gateway event and is
// ignored.
func (t *Tracker) RecordEnter(ctx context.Context, sessionID uint, userID int64) error {
	open, err := t.store.GetOpenActivity(ctx, sessionID, userID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("checking open interval: %w", err)
	}
	if open != nil {
		logrus.Debugf("user %d already present in session %d, ignoring enter", userID, sessionID)
		return nil
	}

	interval := &models.UserSessionActivity{
		SessionID: sessionID,
		UserID:    userID,
		JoinTime:  t.now(),
		IsActive:  true,
	}
	if err := t.store.CreateActivity(ctx, interval); err != nil {
		return fmt.Errorf("opening interval: %w", err)
	}
	logrus.Debugf("user %d entered session %d", userID, sessionID)
	return nil
}

// RecordLeave closes the user's open interval. A leave without a
// matching open interval is ignored.
func (t *Tracker) RecordLeave(ctx context.Context, sessionID uint, userID int64) error {
	open, err := t.store.GetOpenActivity(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			logrus.Debugf("user %d not present in session %d, ignoring leave", userID, sessionID)
			return nil
		}
		return fmt.Errorf("checking open interval: %w", err)
	}

	open.Close(t.now())
	if err := t.store.SaveActivity(ctx, open); err != nil {
		return fmt.Errorf("closing interval: %w", err)
	}
	logrus.Debugf("user %d left session %d after %s", userID, sessionID, open.Duration(t.now()))
	return nil
}

// CloseAll seals every open interval of a session, used when the
// session ends with users still in the voice channel.
func (t *Tracker) CloseAll(ctx context.Context, sessionID uint) error {
	intervals, err := t.store.ListActivities(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing intervals: %w", err)
	}
	at := t.now()
	for _, interval := range intervals {
		if !interval.IsActive {
			continue
		}
		interval.Close(at)
		if err := t.store.SaveActivity(ctx, interval); err != nil {
			return fmt.Errorf("closing interval %d: %w", interval.ID, err)
		}
	}
	return nil
}

// AggregateDuration sums all of a user's intervals in a session, the
// open one included.
func (t *Tracker) AggregateDuration(ctx context.Context, sessionID uint, userID int64) (time.Duration, error) {
	intervals, err := t.store.ListActivities(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("listing intervals: %w", err)
	}
	now := t.now()
	var total time.Duration
	for _, interval := range intervals {
		if interval.UserID == userID {
			total += interval.Duration(now)
		}
	}
	return total, nil
}

// AggregateAll returns the summed presence per user for a session.
func (t *Tracker) AggregateAll(ctx context.Context, sessionID uint) (map[int64]time.Duration, error) {
	intervals, err := t.store.ListActivities(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing intervals: %w", err)
	}
	now := t.now()
	totals := make(map[int64]time.Duration)
	for _, interval := range intervals {
		totals[interval.UserID] += interval.Duration(now)
	}
	return totals, nil
}

// Recover reconciles intervals left open by a crash or restart against
// the current voice occupancy, keyed session -> user. An open interval
// whose user is still connected survives; the rest are sealed at
// recovery time, the real leave moment being unknown. Users connected
// without an interval (they joined while the bot was down) get one
// opened now.
func (t *Tracker) Recover(ctx context.Context, present map[uint]map[int64]bool) error {
	open, err := t.store.ListOpenActivities(ctx)
	if err != nil {
		return fmt.Errorf("listing open intervals: %w", err)
	}
	at := t.now()
	closed := 0
	for _, interval := range open {
		if present[interval.SessionID][interval.UserID] {
			continue
		}
		interval.Close(at)
		if err := t.store.SaveActivity(ctx, interval); err != nil {
			return fmt.Errorf("closing stale interval %d: %w", interval.ID, err)
		}
		logrus.Warnf("closed stale presence interval %d (session %d, user %d)", interval.ID, interval.SessionID, interval.UserID)
		closed++
	}
	if closed > 0 {
		logrus.Infof("recovered %d stale presence intervals", closed)
	}

	for sessionID, users := range present {
		for userID := range users {
			if err := t.RecordEnter(ctx, sessionID, userID); err != nil {
				return fmt.Errorf("reopening interval for user %d in session %d: %w", userID, sessionID, err)
			}
		}
	}
	return nil
}
