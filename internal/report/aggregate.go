// Package report collects everything known about a finished session
// into one structure and renders it as a spreadsheet.
package report

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/models"
)

type Store interface {
	GetSession(ctx context.Context, sessionID uint) (*models.Session, error)
	GetUsersByIDs(ctx context.Context, userIDs []int64) ([]*models.User, error)
	ListRequests(ctx context.Context, sessionID uint) ([]*models.SessionRequest, error)
	ListReviews(ctx context.Context, sessionID uint) ([]*models.SessionReview, error)
}

type Presence interface {
	AggregateAll(ctx context.Context, sessionID uint) (map[int64]time.Duration, error)
}

// MemberResolver maps a user id to its current display name. Reports
// fall back to the stored nickname when the member has left the guild.
type MemberResolver interface {
	ResolveMember(ctx context.Context, userID int64) (string, error)
}

type SessionSummary struct {
	SessionID    uint
	Type         models.SessionType
	CoachName    string
	Date         time.Time
	StartTime    *time.Time
	EndTime      *time.Time
	MaxSlots     int
	Participants int
	Likes        int
	Dislikes     int
}

type ParticipantStats struct {
	UserID    int64
	Name      string
	Status    models.RequestStatus
	Slot      *int
	VoiceTime time.Duration
	Reviewed  bool
	Liked     bool
}

type ReviewSummary struct {
	UserID int64
	Name   string
	Liked  bool
}

// Report is the aggregator's output, consumed by the exporters.
type Report struct {
	Session      SessionSummary
	Participants []ParticipantStats
	Reviews      []ReviewSummary
	RawRequests  []*models.SessionRequest
	RawReviews   []*models.SessionReview
}

type Aggregator struct {
	store    Store
	presence Presence
	resolver MemberResolver
}

func NewAggregator(store Store, presence Presence, resolver MemberResolver) *Aggregator {
	return &Aggregator{store: store, presence: presence, resolver: resolver}
}

// Build assembles the full report for one session.
func (a *Aggregator) Build(ctx context.Context, sessionID uint) (*Report, error) {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	requests, err := a.store.ListRequests(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	reviews, err := a.store.ListReviews(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	voiceTimes, err := a.presence.AggregateAll(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("aggregating presence: %w", err)
	}

	userIDs := []int64{session.CoachID}
	for _, request := range requests {
		userIDs = append(userIDs, request.UserID)
	}
	for _, review := range reviews {
		userIDs = append(userIDs, review.UserID)
	}
	users, err := a.store.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("getting users: %w", err)
	}
	nicknames := make(map[int64]string, len(users))
	for _, user := range users {
		nicknames[user.ID] = user.Nickname
	}

	reviewsByUser := make(map[int64]*models.SessionReview, len(reviews))
	for _, review := range reviews {
		reviewsByUser[review.UserID] = review
	}

	report := &Report{
		RawRequests: requests,
		RawReviews:  reviews,
	}

	likes, dislikes := 0, 0
	for _, review := range reviews {
		if review.Liked {
			likes++
		} else {
			dislikes++
		}
		report.Reviews = append(report.Reviews, ReviewSummary{
			UserID: review.UserID,
			Name:   a.displayName(ctx, review.UserID, nicknames),
			Liked:  review.Liked,
		})
	}

	accepted := 0
	for _, request := range requests {
		switch request.Status {
		case models.RequestStatusAccepted, models.RequestStatusCompleted, models.RequestStatusSkipped:
			accepted++
		}
		review, reviewed := reviewsByUser[request.UserID]
		stats := ParticipantStats{
			UserID:    request.UserID,
			Name:      a.displayName(ctx, request.UserID, nicknames),
			Status:    request.Status,
			Slot:      request.SlotNumber,
			VoiceTime: voiceTimes[request.UserID],
			Reviewed:  reviewed,
		}
		if reviewed {
			stats.Liked = review.Liked
		}
		report.Participants = append(report.Participants, stats)
	}
	sort.SliceStable(report.Participants, func(i, j int) bool {
		left, right := report.Participants[i].Slot, report.Participants[j].Slot
		if left != nil && right != nil {
			return *left < *right
		}
		return left != nil
	})

	report.Session = SessionSummary{
		SessionID:    session.ID,
		Type:         session.Type,
		CoachName:    a.displayName(ctx, session.CoachID, nicknames),
		Date:         session.Date,
		StartTime:    session.StartTime,
		EndTime:      session.EndTime,
		MaxSlots:     session.MaxSlots,
		Participants: accepted,
		Likes:        likes,
		Dislikes:     dislikes,
	}
	return report, nil
}

// displayName prefers the live member name and falls back to the stored
// nickname when the member cannot be resolved anymore.
func (a *Aggregator) displayName(ctx context.Context, userID int64, nicknames map[int64]string) string {
	if a.resolver != nil {
		if name, err := a.resolver.ResolveMember(ctx, userID); err == nil && name != "" {
			return name
		} else if err != nil {
			logrus.Debugf("resolving member %d: %v", userID, err)
		}
	}
	if nickname, ok := nicknames[userID]; ok && nickname != "" {
		return nickname
	}
	return fmt.Sprintf("user-%d", userID)
}

// formatDuration renders a duration as hh:mm:ss for the spreadsheet.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	seconds := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
