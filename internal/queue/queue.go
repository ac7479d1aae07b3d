// Package queue governs the SessionRequest lifecycle: queueing before a
// session starts, the batch admission run at start, and slot churn while
// the session is live.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/swingkiddo/boosty-queue/internal/models"
	"github.com/swingkiddo/boosty-queue/internal/scoring"
)

type Store interface {
	GetOrCreateUser(ctx context.Context, userID int64, nickname string, joinDate time.Time) (*models.User, error)
	GetUsersByIDs(ctx context.Context, userIDs []int64) ([]*models.User, error)
	GetRequest(ctx context.Context, sessionID uint, userID int64) (*models.SessionRequest, error)
	ListRequests(ctx context.Context, sessionID uint) ([]*models.SessionRequest, error)
	CreateRequest(ctx context.Context, request *models.SessionRequest) error
	DeleteRequest(ctx context.Context, requestID uint) error
	SaveRequests(ctx context.Context, requests []*models.SessionRequest) error
}

type Manager struct {
	store Store
	locks *sessionLocks
}

func NewManager(store Store) *Manager {
	return &Manager{
		store: store,
		locks: newSessionLocks(),
	}
}

// Member identifies the platform user behind an operation; users are
// registered lazily on their first interaction.
type Member struct {
	ID       int64
	Nickname string
	JoinedAt time.Time
}

// JoinQueue files a pending request for a slot in a not-yet-started session.
func (m *Manager) JoinQueue(ctx context.Context, session *models.Session, member Member) (*models.SessionRequest, error) {
	if member.ID == session.CoachID {
		return nil, fmt.Errorf("%w: coach cannot queue for their own session", models.ErrStateConflict)
	}
	if session.Status != models.SessionStatusCreated {
		return nil, fmt.Errorf("%w: session %d is not accepting queue requests", models.ErrStateConflict, session.ID)
	}

	unlock := m.locks.acquire(session.ID)
	defer unlock()

	user, err := m.store.GetOrCreateUser(ctx, member.ID, member.Nickname, member.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	existing, err := m.store.GetRequest(ctx, session.ID, user.ID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("checking existing request: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: already queued for session %d", models.ErrStateConflict, session.ID)
	}

	request := &models.SessionRequest{
		SessionID: session.ID,
		UserID:    user.ID,
		Status:    models.RequestStatusPending,
	}
	if err := m.store.CreateRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	logrus.Infof("user %d queued for session %d", user.ID, session.ID)
	return request, nil
}

// LeaveResult reports what LeaveQueue did. A request whose admission has
// already been decided is not removable; that is a normal outcome, not an
// error, and Removed is false with the blocking status attached.
type LeaveResult struct {
	Removed bool
	Status  models.RequestStatus
}

func (m *Manager) LeaveQueue(ctx context.Context, session *models.Session, userID int64) (*LeaveResult, error) {
	if userID == session.CoachID {
		return nil, fmt.Errorf("%w: coach has no queue request to cancel", models.ErrStateConflict)
	}
	if session.Status != models.SessionStatusCreated {
		return nil, fmt.Errorf("%w: session %d queue is closed", models.ErrStateConflict, session.ID)
	}

	unlock := m.locks.acquire(session.ID)
	defer unlock()

	request, err := m.store.GetRequest(ctx, session.ID, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: not queued for session %d", models.ErrNotFound, session.ID)
		}
		return nil, fmt.Errorf("getting request: %w", err)
	}

	if request.Status != models.RequestStatusPending {
		return &LeaveResult{Removed: false, Status: request.Status}, nil
	}

	if err := m.store.DeleteRequest(ctx, request.ID); err != nil {
		return nil, fmt.Errorf("deleting request: %w", err)
	}

	logrus.Infof("user %d left the queue of session %d", userID, session.ID)
	return &LeaveResult{Removed: true, Status: models.RequestStatusPending}, nil
}

// AdmissionResult holds the outcome of the one-shot batch admission.
type AdmissionResult struct {
	Accepted []*models.SessionRequest
	Rejected []*models.SessionRequest
}

// Admit ranks all pending requests by score and accepts the top
// min(max_slots, candidates) with dense slot numbers 1..k; the rest are
// rejected. Ties keep arrival order (earlier request first). Run once when
// the coach starts the session.
func (m *Manager) Admit(ctx context.Context, session *models.Session, now time.Time) (*AdmissionResult, error) {
	unlock := m.locks.acquire(session.ID)
	defer unlock()

	requests, err := m.store.ListRequests(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}

	var pending []*models.SessionRequest
	for _, request := range requests {
		if request.Status == models.RequestStatusPending {
			pending = append(pending, request)
		}
	}
	if len(pending) == 0 {
		return &AdmissionResult{}, nil
	}

	userIDs := make([]int64, 0, len(pending))
	for _, request := range pending {
		userIDs = append(userIDs, request.UserID)
	}
	users, err := m.store.GetUsersByIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("getting candidates: %w", err)
	}
	usersByID := make(map[int64]*models.User, len(users))
	for _, user := range users {
		usersByID[user.ID] = user
	}

	scores := make(map[uint]float64, len(pending))
	for _, request := range pending {
		user, ok := usersByID[request.UserID]
		if !ok {
			// Request without a user row scores last rather than failing
			// the whole admission.
			logrus.Warnf("no user %d for request %d in session %d", request.UserID, request.ID, session.ID)
			scores[request.ID] = 0
			continue
		}
		scores[request.ID] = scoring.Score(user, session.Type, now)
	}

	// pending is in arrival order; the stable sort keeps it as tie-break.
	sort.SliceStable(pending, func(i, j int) bool {
		return scores[pending[i].ID] > scores[pending[j].ID]
	})

	slots := session.MaxSlots
	if slots > len(pending) {
		slots = len(pending)
	}

	result := &AdmissionResult{}
	for i, request := range pending {
		if i < slots {
			slot := i + 1
			request.Status = models.RequestStatusAccepted
			request.SlotNumber = &slot
			result.Accepted = append(result.Accepted, request)
		} else {
			request.Status = models.RequestStatusRejected
			request.SlotNumber = nil
			result.Rejected = append(result.Rejected, request)
		}
	}

	if err := m.store.SaveRequests(ctx, pending); err != nil {
		return nil, fmt.Errorf("saving admission: %w", err)
	}

	logrus.Infof("session %d admission: %d accepted, %d rejected", session.ID, len(result.Accepted), len(result.Rejected))
	return result, nil
}

// JoinActiveSession claims a free slot in a running session, promoting a
// prior rejected or pending request when one exists.
func (m *Manager) JoinActiveSession(ctx context.Context, session *models.Session, member Member) (*models.SessionRequest, error) {
	if member.ID == session.CoachID {
		return nil, fmt.Errorf("%w: coach cannot join their own session", models.ErrStateConflict)
	}
	if !session.IsActive() {
		return nil, fmt.Errorf("%w: session %d is not running", models.ErrStateConflict, session.ID)
	}

	unlock := m.locks.acquire(session.ID)
	defer unlock()

	requests, err := m.store.ListRequests(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}

	acceptedCount := 0
	var existing *models.SessionRequest
	for _, request := range requests {
		if request.Status == models.RequestStatusAccepted {
			acceptedCount++
		}
		if request.UserID == member.ID {
			existing = request
		}
	}

	if existing != nil && existing.Status == models.RequestStatusAccepted {
		return nil, fmt.Errorf("%w: already participating in session %d", models.ErrStateConflict, session.ID)
	}
	if acceptedCount >= session.MaxSlots {
		return nil, fmt.Errorf("%w: session %d has no free slots", models.ErrStateConflict, session.ID)
	}

	nextSlot := acceptedCount + 1
	if existing != nil {
		existing.Status = models.RequestStatusAccepted
		existing.SlotNumber = &nextSlot
		if err := m.store.SaveRequests(ctx, []*models.SessionRequest{existing}); err != nil {
			return nil, fmt.Errorf("promoting request: %w", err)
		}
		logrus.Infof("user %d promoted into slot %d of session %d", member.ID, nextSlot, session.ID)
		return existing, nil
	}

	user, err := m.store.GetOrCreateUser(ctx, member.ID, member.Nickname, member.JoinedAt)
	if err != nil {
		return nil, fmt.Errorf("resolving user: %w", err)
	}
	request := &models.SessionRequest{
		SessionID:  session.ID,
		UserID:     user.ID,
		Status:     models.RequestStatusAccepted,
		SlotNumber: &nextSlot,
	}
	if err := m.store.CreateRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	logrus.Infof("user %d joined slot %d of session %d", member.ID, nextSlot, session.ID)
	return request, nil
}

// RemoveParticipant rejects an accepted request (self-quit or coach kick)
// and renumbers the remaining accepted requests so slots stay dense.
func (m *Manager) RemoveParticipant(ctx context.Context, session *models.Session, userID int64) error {
	unlock := m.locks.acquire(session.ID)
	defer unlock()

	request, err := m.store.GetRequest(ctx, session.ID, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%w: user %d is not part of session %d", models.ErrNotFound, userID, session.ID)
		}
		return fmt.Errorf("getting request: %w", err)
	}
	if request.Status != models.RequestStatusAccepted {
		return fmt.Errorf("%w: user %d holds no slot in session %d", models.ErrStateConflict, userID, session.ID)
	}

	request.Status = models.RequestStatusRejected
	request.SlotNumber = nil

	changed, err := m.renumberAccepted(ctx, session.ID, request)
	if err != nil {
		return err
	}
	if err := m.store.SaveRequests(ctx, changed); err != nil {
		return fmt.Errorf("saving removal: %w", err)
	}

	logrus.Infof("user %d removed from session %d", userID, session.ID)
	return nil
}

// MarkSkipped flags an accepted request as never reached by the coach.
// Coach-only, after the session has ended. The compensation bookkeeping
// happens in the lifecycle confirmation step.
func (m *Manager) MarkSkipped(ctx context.Context, session *models.Session, requestID uint, actorID int64) error {
	if actorID != session.CoachID {
		return fmt.Errorf("%w: only the coach may mark participants as skipped", models.ErrPermissionDenied)
	}
	if session.Status != models.SessionStatusEnded {
		return fmt.Errorf("%w: session %d has not ended", models.ErrStateConflict, session.ID)
	}

	unlock := m.locks.acquire(session.ID)
	defer unlock()

	requests, err := m.store.ListRequests(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("listing requests: %w", err)
	}
	var target *models.SessionRequest
	for _, request := range requests {
		if request.ID == requestID {
			target = request
			break
		}
	}
	if target == nil {
		return fmt.Errorf("%w: request %d in session %d", models.ErrNotFound, requestID, session.ID)
	}
	if target.Status != models.RequestStatusAccepted {
		return fmt.Errorf("%w: request %d is %s, only accepted requests can be skipped", models.ErrStateConflict, requestID, target.Status)
	}

	target.Status = models.RequestStatusSkipped
	target.SlotNumber = nil

	changed, err := m.renumberAccepted(ctx, session.ID, target)
	if err != nil {
		return err
	}
	if err := m.store.SaveRequests(ctx, changed); err != nil {
		return fmt.Errorf("saving skip: %w", err)
	}
	return nil
}

// Forget releases the per-session lock entry once a session is archived.
func (m *Manager) Forget(sessionID uint) {
	m.locks.forget(sessionID)
}

// renumberAccepted reassigns dense slot numbers 1..k to the accepted
// requests of a session in their current slot order, treating mutated as
// already changed. Returns every request that needs persisting.
func (m *Manager) renumberAccepted(ctx context.Context, sessionID uint, mutated *models.SessionRequest) ([]*models.SessionRequest, error) {
	requests, err := m.store.ListRequests(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}

	var accepted []*models.SessionRequest
	for _, request := range requests {
		if request.ID == mutated.ID {
			continue
		}
		if request.Status == models.RequestStatusAccepted {
			accepted = append(accepted, request)
		}
	}
	sort.SliceStable(accepted, func(i, j int) bool {
		a, b := accepted[i].SlotNumber, accepted[j].SlotNumber
		if a == nil || b == nil {
			return b == nil
		}
		return *a < *b
	})

	changed := []*models.SessionRequest{mutated}
	for idx, request := range accepted {
		slot := idx + 1
		if request.SlotNumber == nil || *request.SlotNumber != slot {
			request.SlotNumber = &slot
			changed = append(changed, request)
		}
	}
	return changed, nil
}
