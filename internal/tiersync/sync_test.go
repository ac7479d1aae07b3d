package tiersync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/swingkiddo/boosty-queue/internal/config"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

type mockStore struct {
	users map[int64]*models.User
}

func (m *mockStore) ListUsers(_ context.Context) ([]*models.User, error) {
	var users []*models.User
	for _, user := range m.users {
		users = append(users, user)
	}
	return users, nil
}

func (m *mockStore) SetCoachTier(_ context.Context, userID int64, tier *string) error {
	m.users[userID].CoachTier = tier
	return nil
}

func strPtr(s string) *string { return &s }

func TestSyncAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscribers" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"subscribers": [
			{"user_id": "1", "tier": "gold"},
			{"user_id": "2", "tier": "silver"},
			{"user_id": "not-a-snowflake", "tier": "gold"}
		]}`))
	}))
	defer server.Close()

	store := &mockStore{users: map[int64]*models.User{
		1: {ID: 1},                           // gains gold
		2: {ID: 2, CoachTier: strPtr("silver")}, // unchanged
		3: {ID: 3, CoachTier: strPtr("gold")},   // unsubscribed, loses tier
	}}
	syncer := NewSyncer(&config.Config{
		TierSyncBaseURL:  server.URL,
		TierSyncToken:    "test-token",
		TierSyncInterval: time.Hour,
	}, store)

	if err := syncer.SyncAll(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if store.users[1].CoachTier == nil || *store.users[1].CoachTier != "gold" {
		t.Errorf("user 1 tier: got %v, want gold", store.users[1].CoachTier)
	}
	if store.users[2].CoachTier == nil || *store.users[2].CoachTier != "silver" {
		t.Errorf("user 2 tier: got %v, want silver", store.users[2].CoachTier)
	}
	if store.users[3].CoachTier != nil {
		t.Errorf("user 3 tier: got %v, want cleared", *store.users[3].CoachTier)
	}
}

func TestSyncAllUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	store := &mockStore{users: map[int64]*models.User{
		1: {ID: 1, CoachTier: strPtr("gold")},
	}}
	syncer := NewSyncer(&config.Config{
		TierSyncBaseURL:  server.URL,
		TierSyncToken:    "test-token",
		TierSyncInterval: time.Hour,
	}, store)

	if err := syncer.SyncAll(context.Background()); err == nil {
		t.Fatal("expected error on upstream failure")
	}
	// A failed fetch must not wipe existing tiers.
	if store.users[1].CoachTier == nil {
		t.Error("tier cleared on failed sync")
	}
}
