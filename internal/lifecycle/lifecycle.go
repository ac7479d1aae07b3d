// Package lifecycle drives a session through
// created -> active -> ended -> archived and runs the bookkeeping
// attached to each transition.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/models"
	"github.com/swingkiddo/boosty-queue/internal/queue"
)

const (
	// Grant given to users who queued, were accepted, but never got
	// reviewed: ranks them higher next time.
	SkipCompensationCoefficient = 1.0
	SkipCompensationTTL         = 7 * 24 * time.Hour
)

type Store interface {
	GetOrCreateUser(ctx context.Context, userID int64, nickname string, joinedAt time.Time) (*models.User, error)
	GetUsersByIDs(ctx context.Context, userIDs []int64) ([]*models.User, error)
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, sessionID uint) (*models.Session, error)
	UpdateSession(ctx context.Context, sessionID uint, updates map[string]any) error
	DeleteSession(ctx context.Context, sessionID uint) error
	GetActiveSessionsByCoach(ctx context.Context, coachID int64) ([]*models.Session, error)
	GetLastCreatedSessionByCoach(ctx context.Context, coachID int64) (*models.Session, error)
	ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
	ListRequests(ctx context.Context, sessionID uint) ([]*models.SessionRequest, error)
	ApplySessionOutcome(ctx context.Context, requests []*models.SessionRequest, users []*models.User) error
}

// Admitter is the queue manager surface the state machine drives.
type Admitter interface {
	Admit(ctx context.Context, session *models.Session, now time.Time) (*queue.AdmissionResult, error)
	Forget(sessionID uint)
}

// Channels are the platform handles provisioned for one session.
type Channels struct {
	CategoryID     int64
	VoiceChannelID int64
	TextChannelID  int64
}

// Provisioner creates and tears down the session's communication channels.
type Provisioner interface {
	CreateSessionChannels(ctx context.Context, session *models.Session, coachName string) (*Channels, error)
	DeleteSessionChannels(ctx context.Context, channels Channels) error
}

// Notifier posts state-transition messages. Delivery failures are logged
// and swallowed, never rolled back into the state machine.
type Notifier interface {
	PostToChannel(ctx context.Context, channelID int64, message string) error
	PostToUser(ctx context.Context, userID int64, message string) error
}

// Presence seals the session's remaining open voice intervals when the
// session is archived.
type Presence interface {
	CloseAll(ctx context.Context, sessionID uint) error
}

type Machine struct {
	store       Store
	queue       Admitter
	provisioner Provisioner
	notifier    Notifier
	presence    Presence
	scheduler   *Scheduler

	maxSlotsCap int
	now         func() time.Time
}

func NewMachine(store Store, q Admitter, provisioner Provisioner, notifier Notifier, presence Presence, maxSlotsCap int, teardownDelay time.Duration) *Machine {
	m := &Machine{
		store:       store,
		queue:       q,
		provisioner: provisioner,
		notifier:    notifier,
		presence:    presence,
		maxSlotsCap: maxSlotsCap,
		now:         time.Now,
	}
	m.scheduler = NewScheduler(teardownDelay, m.teardownBySchedule)
	return m
}

// Create validates the parameters, persists a session in the created
// state and provisions its channels. Channel provisioning failure rolls
// the persisted session back; creation is all-or-nothing.
func (m *Machine) Create(ctx context.Context, coach queue.Member, sessionType models.SessionType, maxSlots int) (*models.Session, error) {
	if !sessionType.Valid() {
		return nil, fmt.Errorf("%w: unknown session type %q", models.ErrValidation, sessionType)
	}
	if maxSlots <= 0 || maxSlots > m.maxSlotsCap {
		return nil, fmt.Errorf("%w: max slots must be between 1 and %d", models.ErrValidation, m.maxSlotsCap)
	}

	coachUser, err := m.store.GetOrCreateUser(ctx, coach.ID, coach.Nickname, coach.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("resolving coach: %w", err)
	}

	session := &models.Session{
		Type:     sessionType,
		CoachID:  coachUser.ID,
		Date:     m.now(),
		MaxSlots: maxSlots,
		Status:   models.SessionStatusCreated,
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	channels, err := m.provisioner.CreateSessionChannels(ctx, session, coachUser.Nickname)
	if err != nil {
		if delErr := m.store.DeleteSession(ctx, session.ID); delErr != nil {
			logrus.Errorf("rolling back session %d after channel failure: %v", session.ID, delErr)
		}
		return nil, fmt.Errorf("%w: creating channels: %v", models.ErrExternal, err)
	}

	session.CategoryID = channels.CategoryID
	session.VoiceChannelID = channels.VoiceChannelID
	session.TextChannelID = channels.TextChannelID
	if err := m.store.UpdateSession(ctx, session.ID, map[string]any{
		"category_id":      channels.CategoryID,
		"voice_channel_id": channels.VoiceChannelID,
		"text_channel_id":  channels.TextChannelID,
	}); err != nil {
		if delErr := m.provisioner.DeleteSessionChannels(ctx, *channels); delErr != nil {
			logrus.Errorf("cleaning up channels of session %d: %v", session.ID, delErr)
		}
		if delErr := m.store.DeleteSession(ctx, session.ID); delErr != nil {
			logrus.Errorf("rolling back session %d: %v", session.ID, delErr)
		}
		return nil, fmt.Errorf("attaching channels: %w", err)
	}

	m.notify(ctx, session.TextChannelID, fmt.Sprintf("Session %d is open, the queue has started.", session.ID))
	logrus.Infof("session %d created by coach %d (%s, %d slots)", session.ID, coachUser.ID, sessionType, maxSlots)
	return session, nil
}

// Start runs admission on the coach's most recently created session and
// flips it active.
func (m *Machine) Start(ctx context.Context, coachID int64) (*models.Session, *queue.AdmissionResult, error) {
	active, err := m.store.GetActiveSessionsByCoach(ctx, coachID)
	if err != nil {
		return nil, nil, fmt.Errorf("checking active sessions: %w", err)
	}
	if len(active) > 0 {
		return nil, nil, fmt.Errorf("%w: coach %d already runs session %d", models.ErrStateConflict, coachID, active[0].ID)
	}

	session, err := m.store.GetLastCreatedSessionByCoach(ctx, coachID)
	if err != nil {
		return nil, nil, fmt.Errorf("finding session to start: %w", err)
	}

	requests, err := m.store.ListRequests(ctx, session.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing requests: %w", err)
	}
	pending := 0
	for _, request := range requests {
		if request.Status == models.RequestStatusPending {
			pending++
		}
	}
	if pending == 0 {
		return nil, nil, fmt.Errorf("%w: session %d has no queued requests", models.ErrStateConflict, session.ID)
	}

	startTime := m.now()
	result, err := m.queue.Admit(ctx, session, startTime)
	if err != nil {
		return nil, nil, fmt.Errorf("running admission: %w", err)
	}

	if err := m.store.UpdateSession(ctx, session.ID, map[string]any{
		"status":     models.SessionStatusActive,
		"start_time": startTime,
	}); err != nil {
		return nil, nil, fmt.Errorf("activating session: %w", err)
	}
	session.Status = models.SessionStatusActive
	session.StartTime = &startTime

	m.notify(ctx, session.TextChannelID, fmt.Sprintf(
		"Session %d started: %d participants admitted, %d rejected.",
		session.ID, len(result.Accepted), len(result.Rejected),
	))
	logrus.Infof("session %d started by coach %d", session.ID, coachID)
	return session, result, nil
}

// End finalizes an active session and schedules the channel teardown.
// The coach confirmation step (ConfirmReviewed) follows separately and
// must not be blocked on.
func (m *Machine) End(ctx context.Context, session *models.Session) error {
	if session.Status != models.SessionStatusActive {
		return fmt.Errorf("%w: session %d is %s, only active sessions can end", models.ErrStateConflict, session.ID, session.Status)
	}

	endTime := m.now()
	if err := m.store.UpdateSession(ctx, session.ID, map[string]any{
		"status":   models.SessionStatusEnded,
		"end_time": endTime,
	}); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	session.Status = models.SessionStatusEnded
	session.EndTime = &endTime

	m.scheduler.Schedule(session.ID)

	m.notify(ctx, session.TextChannelID, fmt.Sprintf("Session %d has ended.", session.ID))
	m.notifyUser(ctx, session.CoachID, "Were all admitted participants reviewed during the session?")
	logrus.Infof("session %d ended", session.ID)
	return nil
}

// ForceEnd ends a session on behalf of a requester, refusing anyone but
// the session's own coach.
func (m *Machine) ForceEnd(ctx context.Context, session *models.Session, requesterID int64) error {
	if requesterID != session.CoachID {
		return fmt.Errorf("%w: only coach %d may end session %d", models.ErrPermissionDenied, session.CoachID, session.ID)
	}
	return m.End(ctx, session)
}

// ConfirmReviewed applies the coach's answer to the post-session
// confirmation: requests of users in skippedUserIDs become skipped and
// those users receive the compensation grant; every other accepted
// participant gets their completed-session counter bumped, clearing a
// pending skip-compensation grant. One atomic unit.
func (m *Machine) ConfirmReviewed(ctx context.Context, session *models.Session, actorID int64, skippedUserIDs []int64) error {
	if actorID != session.CoachID {
		return fmt.Errorf("%w: only the coach may confirm the session outcome", models.ErrPermissionDenied)
	}
	if session.Status != models.SessionStatusEnded {
		return fmt.Errorf("%w: session %d has not ended", models.ErrStateConflict, session.ID)
	}

	requests, err := m.store.ListRequests(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("listing requests: %w", err)
	}

	skipped := make(map[int64]bool, len(skippedUserIDs))
	for _, id := range skippedUserIDs {
		skipped[id] = true
	}

	var accepted []*models.SessionRequest
	userIDs := make([]int64, 0, len(requests))
	alreadyConfirmed := false
	for _, request := range requests {
		switch request.Status {
		case models.RequestStatusAccepted:
			accepted = append(accepted, request)
			userIDs = append(userIDs, request.UserID)
		case models.RequestStatusCompleted:
			alreadyConfirmed = true
		}
	}
	if len(accepted) == 0 {
		if alreadyConfirmed {
			return fmt.Errorf("%w: session %d outcome was already confirmed", models.ErrStateConflict, session.ID)
		}
		return nil
	}

	users, err := m.store.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("getting participants: %w", err)
	}
	usersByID := make(map[int64]*models.User, len(users))
	for _, user := range users {
		usersByID[user.ID] = user
	}

	var changedRequests []*models.SessionRequest
	var changedUsers []*models.User
	expiresAt := m.now().Add(SkipCompensationTTL)
	completedCount, skippedCount := 0, 0

	for _, request := range accepted {
		user, ok := usersByID[request.UserID]
		if !ok {
			logrus.Warnf("no user %d for accepted request %d in session %d", request.UserID, request.ID, session.ID)
			continue
		}
		if skipped[request.UserID] {
			request.Status = models.RequestStatusSkipped
			request.SlotNumber = nil
			changedRequests = append(changedRequests, request)
			skippedCount++

			user.GrantPriority(SkipCompensationCoefficient, models.PriorityReasonSkipCompensation, session.CoachID, &expiresAt)
			changedUsers = append(changedUsers, user)
			continue
		}

		request.Status = models.RequestStatusCompleted
		changedRequests = append(changedRequests, request)
		completedCount++

		user.IncrementSessionCounter(session.Type)
		if user.PriorityReason == models.PriorityReasonSkipCompensation {
			user.ClearPriority()
		}
		changedUsers = append(changedUsers, user)
	}

	if err := m.store.ApplySessionOutcome(ctx, changedRequests, changedUsers); err != nil {
		return fmt.Errorf("applying outcome: %w", err)
	}

	logrus.Infof("session %d outcome confirmed: %d completed, %d skipped", session.ID, completedCount, skippedCount)
	return nil
}

// Teardown removes the session's channels after the post-end delay and
// archives it. Refuses while the session is still active; an already
// archived session is a no-op.
func (m *Machine) Teardown(ctx context.Context, sessionID uint) error {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("getting session: %w", err)
	}
	if session.IsActive() {
		return fmt.Errorf("%w: session %d is still active, refusing teardown", models.ErrStateConflict, sessionID)
	}
	if session.Status == models.SessionStatusArchived {
		return nil
	}

	// Seal the voice intervals before the channels disappear, so leave
	// events racing the deletion cannot reopen them.
	if err := m.presence.CloseAll(ctx, sessionID); err != nil {
		return fmt.Errorf("closing voice intervals: %w", err)
	}

	if err := m.provisioner.DeleteSessionChannels(ctx, Channels{
		CategoryID:     session.CategoryID,
		VoiceChannelID: session.VoiceChannelID,
		TextChannelID:  session.TextChannelID,
	}); err != nil {
		return fmt.Errorf("%w: deleting channels: %v", models.ErrExternal, err)
	}

	if err := m.store.UpdateSession(ctx, sessionID, map[string]any{
		"status": models.SessionStatusArchived,
	}); err != nil {
		return fmt.Errorf("archiving session: %w", err)
	}

	m.queue.Forget(sessionID)
	logrus.Infof("session %d archived", sessionID)
	return nil
}

// CancelTeardown drops a scheduled teardown, e.g. when the session is
// deleted before the timer fires.
func (m *Machine) CancelTeardown(sessionID uint) {
	m.scheduler.Cancel(sessionID)
}

// RecoverTeardowns reschedules teardown for sessions that ended before a
// restart, honoring the remaining part of the delay.
func (m *Machine) RecoverTeardowns(ctx context.Context) error {
	sessions, err := m.store.ListSessionsByStatus(ctx, models.SessionStatusEnded)
	if err != nil {
		return fmt.Errorf("listing ended sessions: %w", err)
	}
	for _, session := range sessions {
		endedAt := m.now()
		if session.EndTime != nil {
			endedAt = *session.EndTime
		}
		m.scheduler.ScheduleAt(session.ID, endedAt)
		logrus.Infof("rescheduled teardown for session %d", session.ID)
	}
	return nil
}

// Stop cancels all pending teardown timers.
func (m *Machine) Stop() {
	m.scheduler.Stop()
}

func (m *Machine) teardownBySchedule(sessionID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.Teardown(ctx, sessionID); err != nil {
		logrus.Errorf("scheduled teardown of session %d: %v", sessionID, err)
	}
}

// notify posts to a channel and swallows the failure.
func (m *Machine) notify(ctx context.Context, channelID int64, message string) {
	if channelID == 0 {
		return
	}
	if err := m.notifier.PostToChannel(ctx, channelID, message); err != nil {
		logrus.Warnf("notification to channel %d failed: %v", channelID, err)
	}
}

// notifyUser direct-messages a user and swallows the failure.
func (m *Machine) notifyUser(ctx context.Context, userID int64, message string) {
	if err := m.notifier.PostToUser(ctx, userID, message); err != nil {
		logrus.Warnf("notification to user %d failed: %v", userID, err)
	}
}
