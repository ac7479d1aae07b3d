// Package tiersync pulls subscription tiers from the membership
// platform and mirrors them onto stored users.
package tiersync

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/config"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

type Store interface {
	ListUsers(ctx context.Context) ([]*models.User, error)
	SetCoachTier(ctx context.Context, userID int64, tier *string) error
}

type Syncer struct {
	config *config.Config
	store  Store

	client *resty.Client
}

func NewSyncer(cfg *config.Config, store Store) *Syncer {
	return &Syncer{
		config: cfg,
		store:  store,
		client: resty.New().
			SetBaseURL(cfg.TierSyncBaseURL).
			SetAuthToken(cfg.TierSyncToken),
	}
}

// Run syncs on the configured interval until the context is canceled.
// One full pass runs immediately on start.
func (s *Syncer) Run(ctx context.Context) {
	if err := s.SyncAll(ctx); err != nil {
		logrus.Errorf("initial tier sync: %v", err)
	}

	ticker := time.NewTicker(s.config.TierSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncAll(ctx); err != nil {
				logrus.Errorf("tier sync: %v", err)
			}
		}
	}
}

// SyncAll fetches the current subscriber list and updates every stored
// user whose tier changed. Users missing from the platform response
// lose their tier.
func (s *Syncer) SyncAll(ctx context.Context) error {
	tiers, err := s.fetchTiers(ctx)
	if err != nil {
		return fmt.Errorf("fetching tiers: %w", err)
	}

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("listing users: %w", err)
	}

	updated := 0
	for _, user := range users {
		tier, ok := tiers[user.ID]
		var next *string
		if ok {
			next = &tier
		}
		if tierEqual(user.CoachTier, next) {
			continue
		}
		if err := s.store.SetCoachTier(ctx, user.ID, next); err != nil {
			return fmt.Errorf("updating tier of user %d: %w", user.ID, err)
		}
		updated++
	}
	logrus.Infof("tier sync complete: %d subscribers, %d users updated", len(tiers), updated)
	return nil
}

func (s *Syncer) fetchTiers(ctx context.Context) (map[int64]string, error) {
	type subscriber struct {
		UserID string `json:"user_id"`
		Tier   string `json:"tier"`
	}
	type subscribersResponse struct {
		Subscribers []subscriber `json:"subscribers"`
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&subscribersResponse{}).
		Get("/v1/subscribers")
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d %s", resp.StatusCode(), string(resp.Body()))
	}

	result := resp.Result().(*subscribersResponse)
	tiers := make(map[int64]string, len(result.Subscribers))
	for _, sub := range result.Subscribers {
		id, err := strconv.ParseInt(sub.UserID, 10, 64)
		if err != nil {
			logrus.Warnf("skipping subscriber with bad user id %q: %v", sub.UserID, err)
			continue
		}
		tiers[id] = sub.Tier
	}
	return tiers, nil
}

func tierEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
