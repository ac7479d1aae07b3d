package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/swingkiddo/boosty-queue/internal/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScoreBase(t *testing.T) {
	now := time.Now()
	cases := []struct {
		sessions int
		want     float64
	}{
		{0, 1.0},
		{1, 0.5},
		{4, 0.2},
	}
	for _, tc := range cases {
		user := &models.User{ID: 1, Nickname: "u", TotalReplaySessions: tc.sessions}
		got := Score(user, models.SessionTypeReplay, now)
		if !almostEqual(got, tc.want) {
			t.Errorf("sessions=%d: got %v, want %v", tc.sessions, got, tc.want)
		}
	}
}

func TestScoreMonotonicity(t *testing.T) {
	now := time.Now()
	prev := math.Inf(1)
	for sessions := 0; sessions < 50; sessions++ {
		user := &models.User{ID: 1, TotalCreativeSessions: sessions}
		got := Score(user, models.SessionTypeCreative, now)
		if got >= prev {
			t.Fatalf("score did not strictly decrease at sessions=%d: %v >= %v", sessions, got, prev)
		}
		prev = got
	}
}

func TestScoreUsesCounterMatchingType(t *testing.T) {
	now := time.Now()
	user := &models.User{ID: 1, TotalReplaySessions: 9, TotalCreativeSessions: 0}
	if got := Score(user, models.SessionTypeCreative, now); !almostEqual(got, 1.0) {
		t.Errorf("creative score should ignore replay counter, got %v", got)
	}
	if got := Score(user, models.SessionTypeReplay, now); !almostEqual(got, 0.1) {
		t.Errorf("replay score: got %v, want 0.1", got)
	}
}

func TestScoreUnknownTypeReturnsZero(t *testing.T) {
	user := &models.User{ID: 1, PriorityCoefficient: 3.0}
	if got := Score(user, models.SessionType("ranked"), time.Now()); got != 0.0 {
		t.Errorf("unknown type: got %v, want 0.0", got)
	}
}

func TestScoreActivePriority(t *testing.T) {
	now := time.Now()
	tomorrow := now.Add(24 * time.Hour)

	user := &models.User{
		ID:                  1,
		TotalReplaySessions: 1,
		PriorityCoefficient: 3.0,
		PriorityExpiresAt:   &tomorrow,
	}
	if got := Score(user, models.SessionTypeReplay, now); !almostEqual(got, 3.5) {
		t.Errorf("active priority: got %v, want 3.5", got)
	}

	// A grant with no expiry stays active indefinitely.
	user.PriorityExpiresAt = nil
	if got := Score(user, models.SessionTypeReplay, now); !almostEqual(got, 3.5) {
		t.Errorf("open-ended priority: got %v, want 3.5", got)
	}
}

func TestScoreExpiredPriorityMatchesNoPriority(t *testing.T) {
	now := time.Now()
	yesterday := now.Add(-24 * time.Hour)

	expired := &models.User{
		ID:                  1,
		TotalReplaySessions: 2,
		PriorityCoefficient: 1.0,
		PriorityExpiresAt:   &yesterday,
	}
	plain := &models.User{ID: 2, TotalReplaySessions: 2}

	if got, want := Score(expired, models.SessionTypeReplay, now), Score(plain, models.SessionTypeReplay, now); !almostEqual(got, want) {
		t.Errorf("expired priority should score as zero: got %v, want %v", got, want)
	}
}
