package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/swingkiddo/boosty-queue/internal/models"
	"github.com/swingkiddo/boosty-queue/internal/queue"
)

// mockStore backs both the state machine and the queue manager. The
// mutex keeps it safe under the scheduler's timer goroutine.
type mockStore struct {
	mu       sync.Mutex
	users    map[int64]*models.User
	sessions map[uint]*models.Session
	requests map[uint]*models.SessionRequest

	nextSessionID uint
	nextRequestID uint

	deletedSessions []uint
	outcomeCalls    int
}

func newMockStore() *mockStore {
	return &mockStore{
		users:    make(map[int64]*models.User),
		sessions: make(map[uint]*models.Session),
		requests: make(map[uint]*models.SessionRequest),
	}
}

func (m *mockStore) GetOrCreateUser(_ context.Context, userID int64, nickname string, joinedAt time.Time) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.users[userID]; ok {
		return user, nil
	}
	user := &models.User{ID: userID, Nickname: nickname, JoinDate: joinedAt}
	m.users[userID] = user
	return user, nil
}

func (m *mockStore) GetUsersByIDs(_ context.Context, userIDs []int64) ([]*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var users []*models.User
	for _, id := range userIDs {
		if user, ok := m.users[id]; ok {
			users = append(users, user)
		}
	}
	return users, nil
}

func (m *mockStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSessionID++
	session.ID = m.nextSessionID
	m.sessions[session.ID] = session
	return nil
}

func (m *mockStore) GetSession(_ context.Context, sessionID uint) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: %w", models.ErrNotFound)
	}
	copied := *session
	return &copied, nil
}

func (m *mockStore) UpdateSession(_ context.Context, sessionID uint, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session: %w", models.ErrNotFound)
	}
	if status, ok := updates["status"]; ok {
		session.Status = status.(models.SessionStatus)
	}
	if start, ok := updates["start_time"]; ok {
		t := start.(time.Time)
		session.StartTime = &t
	}
	if end, ok := updates["end_time"]; ok {
		t := end.(time.Time)
		session.EndTime = &t
	}
	if id, ok := updates["category_id"]; ok {
		session.CategoryID = id.(int64)
	}
	if id, ok := updates["voice_channel_id"]; ok {
		session.VoiceChannelID = id.(int64)
	}
	if id, ok := updates["text_channel_id"]; ok {
		session.TextChannelID = id.(int64)
	}
	return nil
}

func (m *mockStore) DeleteSession(_ context.Context, sessionID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	m.deletedSessions = append(m.deletedSessions, sessionID)
	return nil
}

func (m *mockStore) GetActiveSessionsByCoach(_ context.Context, coachID int64) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []*models.Session
	for _, session := range m.sessions {
		if session.CoachID == coachID && session.Status == models.SessionStatusActive {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (m *mockStore) GetLastCreatedSessionByCoach(_ context.Context, coachID int64) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last *models.Session
	for _, session := range m.sessions {
		if session.CoachID != coachID || session.Status != models.SessionStatusCreated {
			continue
		}
		if last == nil || session.ID > last.ID {
			last = session
		}
	}
	if last == nil {
		return nil, fmt.Errorf("created session: %w", models.ErrNotFound)
	}
	return last, nil
}

func (m *mockStore) ListSessionsByStatus(_ context.Context, status models.SessionStatus) ([]*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []*models.Session
	for _, session := range m.sessions {
		if session.Status == status {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (m *mockStore) GetRequest(_ context.Context, sessionID uint, userID int64) (*models.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, request := range m.requests {
		if request.SessionID == sessionID && request.UserID == userID {
			return request, nil
		}
	}
	return nil, fmt.Errorf("request: %w", models.ErrNotFound)
}

func (m *mockStore) ListRequests(_ context.Context, sessionID uint) ([]*models.SessionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var requests []*models.SessionRequest
	for id := uint(1); id <= m.nextRequestID; id++ {
		if request, ok := m.requests[id]; ok && request.SessionID == sessionID {
			requests = append(requests, request)
		}
	}
	return requests, nil
}

func (m *mockStore) CreateRequest(_ context.Context, request *models.SessionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRequestID++
	request.ID = m.nextRequestID
	m.requests[request.ID] = request
	return nil
}

func (m *mockStore) DeleteRequest(_ context.Context, requestID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.requests, requestID)
	return nil
}

func (m *mockStore) SaveRequests(_ context.Context, requests []*models.SessionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, request := range requests {
		m.requests[request.ID] = request
	}
	return nil
}

func (m *mockStore) ApplySessionOutcome(_ context.Context, requests []*models.SessionRequest, users []*models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outcomeCalls++
	for _, request := range requests {
		m.requests[request.ID] = request
	}
	for _, user := range users {
		m.users[user.ID] = user
	}
	return nil
}

type mockProvisioner struct {
	createErr error
	deleteErr error

	created []uint
	deleted []Channels
	nextID  int64
}

func (p *mockProvisioner) CreateSessionChannels(_ context.Context, session *models.Session, _ string) (*Channels, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, session.ID)
	p.nextID += 10
	return &Channels{
		CategoryID:     p.nextID + 1,
		VoiceChannelID: p.nextID + 2,
		TextChannelID:  p.nextID + 3,
	}, nil
}

func (p *mockProvisioner) DeleteSessionChannels(_ context.Context, channels Channels) error {
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, channels)
	return nil
}

type mockPresence struct {
	mu     sync.Mutex
	closed []uint
}

func (p *mockPresence) CloseAll(_ context.Context, sessionID uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = append(p.closed, sessionID)
	return nil
}

func (p *mockPresence) closedSessions() []uint {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]uint(nil), p.closed...)
}

type mockNotifier struct {
	channelMessages []string
	userMessages    []string
}

func (n *mockNotifier) PostToChannel(_ context.Context, _ int64, message string) error {
	n.channelMessages = append(n.channelMessages, message)
	return nil
}

func (n *mockNotifier) PostToUser(_ context.Context, _ int64, message string) error {
	n.userMessages = append(n.userMessages, message)
	return nil
}

func newMachine(store *mockStore) (*Machine, *mockProvisioner, *mockNotifier, *mockPresence) {
	provisioner := &mockProvisioner{}
	notifier := &mockNotifier{}
	presence := &mockPresence{}
	machine := NewMachine(store, queue.NewManager(store), provisioner, notifier, presence, 8, time.Hour)
	return machine, provisioner, notifier, presence
}

func coachMember() queue.Member {
	return queue.Member{ID: 100, Nickname: "coach", JoinedAt: time.Now()}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	machine, _, _, _ := newMachine(newMockStore())

	if _, err := machine.Create(ctx, coachMember(), models.SessionType("ranked"), 4); !errors.Is(err, models.ErrValidation) {
		t.Errorf("bad type: got %v, want validation error", err)
	}
	if _, err := machine.Create(ctx, coachMember(), models.SessionTypeReplay, 0); !errors.Is(err, models.ErrValidation) {
		t.Errorf("zero slots: got %v, want validation error", err)
	}
	if _, err := machine.Create(ctx, coachMember(), models.SessionTypeReplay, 9); !errors.Is(err, models.ErrValidation) {
		t.Errorf("slots above cap: got %v, want validation error", err)
	}
}

func TestCreateProvisionsChannels(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, provisioner, _, _ := newMachine(store)

	session, err := machine.Create(ctx, coachMember(), models.SessionTypeReplay, 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.Status != models.SessionStatusCreated {
		t.Errorf("status: got %s, want created", session.Status)
	}
	if session.VoiceChannelID == 0 || session.TextChannelID == 0 {
		t.Error("channels not attached")
	}
	if len(provisioner.created) != 1 {
		t.Errorf("provisioner calls: got %d, want 1", len(provisioner.created))
	}
}

func TestCreateRollsBackOnChannelFailure(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, provisioner, _, _ := newMachine(store)
	provisioner.createErr = errors.New("api down")

	_, err := machine.Create(ctx, coachMember(), models.SessionTypeReplay, 4)
	if !errors.Is(err, models.ErrExternal) {
		t.Fatalf("got %v, want external error", err)
	}
	if len(store.sessions) != 0 {
		t.Error("session row should be rolled back")
	}
	if len(store.deletedSessions) != 1 {
		t.Errorf("deleted sessions: got %d, want 1", len(store.deletedSessions))
	}
}

func seedQueuedSession(t *testing.T, ctx context.Context, store *mockStore, machine *Machine, sessionCounts []int) *models.Session {
	t.Helper()
	session, err := machine.Create(ctx, coachMember(), models.SessionTypeReplay, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	manager := queue.NewManager(store)
	for i, count := range sessionCounts {
		id := int64(i + 1)
		store.users[id] = &models.User{ID: id, Nickname: fmt.Sprintf("user-%d", id), TotalReplaySessions: count}
		if _, err := manager.JoinQueue(ctx, session, queue.Member{ID: id, Nickname: store.users[id].Nickname}); err != nil {
			t.Fatalf("join queue: %v", err)
		}
	}
	return session
}

func TestStartRunsAdmission(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	// Scores 1.0, 0.5, 0.33 against two slots.
	seedQueuedSession(t, ctx, store, machine, []int{0, 1, 2})

	session, result, err := machine.Start(ctx, 100)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if session.Status != models.SessionStatusActive || session.StartTime == nil {
		t.Errorf("session not activated: %+v", session)
	}
	if len(result.Accepted) != 2 || len(result.Rejected) != 1 {
		t.Fatalf("admission: got %d/%d, want 2 accepted, 1 rejected", len(result.Accepted), len(result.Rejected))
	}
	if result.Accepted[0].UserID != 1 || result.Accepted[1].UserID != 2 {
		t.Errorf("accepted users: got %d, %d", result.Accepted[0].UserID, result.Accepted[1].UserID)
	}
}

func TestStartRefusedWhileAnotherSessionActive(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	first := seedQueuedSession(t, ctx, store, machine, []int{0})
	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start first: %v", err)
	}

	second := seedQueuedSession(t, ctx, store, machine, []int{0})
	_, _, err := machine.Start(ctx, 100)
	if !errors.Is(err, models.ErrStateConflict) {
		t.Fatalf("got %v, want state conflict", err)
	}
	if store.sessions[first.ID].Status != models.SessionStatusActive {
		t.Error("first session state changed")
	}
	if store.sessions[second.ID].Status != models.SessionStatusCreated {
		t.Error("second session state changed")
	}
}

func TestStartWithoutRequests(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	if _, err := machine.Create(ctx, coachMember(), models.SessionTypeReplay, 2); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := machine.Start(ctx, 100); !errors.Is(err, models.ErrStateConflict) {
		t.Errorf("got %v, want state conflict", err)
	}
}

func TestEndOnlyFromActive(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	session := seedQueuedSession(t, ctx, store, machine, []int{0})
	if err := machine.End(ctx, session); !errors.Is(err, models.ErrStateConflict) {
		t.Errorf("end before start: got %v, want state conflict", err)
	}

	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.End(ctx, session); err != nil {
		t.Fatalf("end: %v", err)
	}
	if session.Status != models.SessionStatusEnded || session.EndTime == nil {
		t.Errorf("session not ended: %+v", session)
	}
	machine.Stop()
}

func TestForceEndRequiresOwnCoach(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	session := seedQueuedSession(t, ctx, store, machine, []int{0})
	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := machine.ForceEnd(ctx, session, 999); !errors.Is(err, models.ErrPermissionDenied) {
		t.Errorf("foreign coach: got %v, want permission denied", err)
	}
	if session.Status != models.SessionStatusActive {
		t.Error("session state changed by denied force end")
	}
	if err := machine.ForceEnd(ctx, session, 100); err != nil {
		t.Fatalf("own coach force end: %v", err)
	}
	machine.Stop()
}

func TestConfirmReviewedAllCompleted(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	session := seedQueuedSession(t, ctx, store, machine, []int{0, 1, 2})
	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.End(ctx, session); err != nil {
		t.Fatalf("end: %v", err)
	}

	if err := machine.ConfirmReviewed(ctx, session, 100, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if store.users[1].TotalReplaySessions != 1 {
		t.Errorf("user 1 counter: got %d, want 1", store.users[1].TotalReplaySessions)
	}
	if store.users[2].TotalReplaySessions != 2 {
		t.Errorf("user 2 counter: got %d, want 2", store.users[2].TotalReplaySessions)
	}
	// Rejected user's counter is untouched.
	if store.users[3].TotalReplaySessions != 2 {
		t.Errorf("user 3 counter: got %d, want 2", store.users[3].TotalReplaySessions)
	}
	if store.outcomeCalls != 1 {
		t.Errorf("outcome applications: got %d, want 1", store.outcomeCalls)
	}
	machine.Stop()
}

func TestConfirmReviewedAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	session := seedQueuedSession(t, ctx, store, machine, []int{0})
	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.End(ctx, session); err != nil {
		t.Fatalf("end: %v", err)
	}

	if err := machine.ConfirmReviewed(ctx, session, 100, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	request, _ := store.GetRequest(ctx, session.ID, 1)
	if request.Status != models.RequestStatusCompleted {
		t.Errorf("request status: got %s, want completed", request.Status)
	}

	// A second confirmation is refused and must not bump counters again.
	if err := machine.ConfirmReviewed(ctx, session, 100, nil); !errors.Is(err, models.ErrStateConflict) {
		t.Fatalf("repeated confirm: got %v, want state conflict", err)
	}
	if store.users[1].TotalReplaySessions != 1 {
		t.Errorf("user counter after repeat: got %d, want 1", store.users[1].TotalReplaySessions)
	}
	if store.outcomeCalls != 1 {
		t.Errorf("outcome applications: got %d, want 1", store.outcomeCalls)
	}
	machine.Stop()
}

func TestConfirmReviewedSkipCompensation(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, _, _, _ := newMachine(store)

	session := seedQueuedSession(t, ctx, store, machine, []int{0, 0})
	// User 2 completed a prior session with a compensation grant pending.
	grantExpiry := time.Now().Add(time.Hour)
	store.users[2].GrantPriority(SkipCompensationCoefficient, models.PriorityReasonSkipCompensation, 100, &grantExpiry)

	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.End(ctx, session); err != nil {
		t.Fatalf("end: %v", err)
	}

	if err := machine.ConfirmReviewed(ctx, session, 999, []int64{1}); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("non-coach confirm: got %v, want permission denied", err)
	}

	if err := machine.ConfirmReviewed(ctx, session, 100, []int64{1}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	// Skipped user: no counter bump, compensation grant installed.
	skippedUser := store.users[1]
	if skippedUser.TotalReplaySessions != 0 {
		t.Errorf("skipped user counter: got %d, want 0", skippedUser.TotalReplaySessions)
	}
	if skippedUser.PriorityCoefficient != SkipCompensationCoefficient ||
		skippedUser.PriorityReason != models.PriorityReasonSkipCompensation ||
		skippedUser.PriorityExpiresAt == nil {
		t.Errorf("compensation grant missing: %+v", skippedUser)
	}
	request, _ := store.GetRequest(ctx, session.ID, 1)
	if request.Status != models.RequestStatusSkipped {
		t.Errorf("request status: got %s, want skipped", request.Status)
	}

	// Completed user: counter bumped, stale compensation grant cleared.
	completedUser := store.users[2]
	if completedUser.TotalReplaySessions != 1 {
		t.Errorf("completed user counter: got %d, want 1", completedUser.TotalReplaySessions)
	}
	if completedUser.PriorityCoefficient != 0 || completedUser.PriorityReason != models.PriorityReasonNone {
		t.Errorf("compensation grant not cleared: %+v", completedUser)
	}
	machine.Stop()
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	machine, provisioner, _, presence := newMachine(store)

	session := seedQueuedSession(t, ctx, store, machine, []int{0})
	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := machine.Teardown(ctx, session.ID); !errors.Is(err, models.ErrStateConflict) {
		t.Errorf("teardown of active session: got %v, want state conflict", err)
	}

	if err := machine.End(ctx, session); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := machine.Teardown(ctx, session.ID); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if session.Status != models.SessionStatusArchived {
		t.Errorf("status: got %s, want archived", session.Status)
	}
	if len(provisioner.deleted) != 1 {
		t.Errorf("channel deletions: got %d, want 1", len(provisioner.deleted))
	}
	if closed := presence.closedSessions(); len(closed) != 1 || closed[0] != session.ID {
		t.Errorf("voice intervals not sealed on teardown: %v", closed)
	}

	// Archived teardown is a no-op.
	if err := machine.Teardown(ctx, session.ID); err != nil {
		t.Errorf("repeated teardown: %v", err)
	}
	if len(provisioner.deleted) != 1 {
		t.Error("repeated teardown touched channels again")
	}
	if closed := presence.closedSessions(); len(closed) != 1 {
		t.Error("repeated teardown sealed intervals again")
	}
	machine.Stop()
}

func TestScheduledTeardownFires(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	provisioner := &mockProvisioner{}
	machine := NewMachine(store, queue.NewManager(store), provisioner, &mockNotifier{}, &mockPresence{}, 8, 10*time.Millisecond)

	session := seedQueuedSessionWith(t, ctx, store, machine)
	if _, _, err := machine.Start(ctx, 100); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := machine.End(ctx, session); err != nil {
		t.Fatalf("end: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current, err := store.GetSession(ctx, session.ID)
		if err == nil && current.Status == models.SessionStatusArchived {
			machine.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled teardown never fired")
}

func seedQueuedSessionWith(t *testing.T, ctx context.Context, store *mockStore, machine *Machine) *models.Session {
	t.Helper()
	session, err := machine.Create(ctx, coachMember(), models.SessionTypeReplay, 2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	manager := queue.NewManager(store)
	store.users[1] = &models.User{ID: 1, Nickname: "user-1"}
	if _, err := manager.JoinQueue(ctx, session, queue.Member{ID: 1, Nickname: "user-1"}); err != nil {
		t.Fatalf("join queue: %v", err)
	}
	return session
}
