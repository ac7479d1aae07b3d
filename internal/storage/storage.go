package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/swingkiddo/boosty-queue/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Storage struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Storage {
	return &Storage{db: db}
}

func (s *Storage) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.SessionRequest{},
		&models.SessionReview{},
		&models.UserSessionActivity{},
	); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

func (s *Storage) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %d: %w", userID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return &user, nil
}

// GetOrCreateUser lazily registers a user on first interaction.
func (s *Storage) GetOrCreateUser(ctx context.Context, userID int64, nickname string, joinDate time.Time) (*models.User, error) {
	userToCreate := &models.User{
		ID:             userID,
		Nickname:       nickname,
		JoinDate:       joinDate,
		PriorityReason: models.PriorityReasonNone,
	}

	var user models.User
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "id"}},
				DoNothing: true,
			}).
			Create(userToCreate).
			Error; err != nil {
			return fmt.Errorf("creating user: %w", err)
		}

		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			return fmt.Errorf("getting user: %w", err)
		}

		return nil
	}); err != nil {
		return nil, fmt.Errorf("in tx: %w", err)
	}

	return &user, nil
}

func (s *Storage) GetUsersByIDs(ctx context.Context, userIDs []int64) ([]*models.User, error) {
	var users []*models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("getting users: %w", err)
	}
	return users, nil
}

func (s *Storage) ListUsers(ctx context.Context) ([]*models.User, error) {
	var users []*models.User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

func (s *Storage) SetCoachTier(ctx context.Context, userID int64, tier *string) error {
	if err := s.db.
		WithContext(ctx).
		Model(&models.User{}).
		Where("id = ?", userID).
		Update("coach_tier", tier).
		Error; err != nil {
		return fmt.Errorf("updating coach tier: %w", err)
	}
	return nil
}

func (s *Storage) CreateSession(ctx context.Context, session *models.Session) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *Storage) GetSession(ctx context.Context, sessionID uint) (*models.Session, error) {
	var session models.Session
	if err := s.db.WithContext(ctx).Where("id = ?", sessionID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %d: %w", sessionID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &session, nil
}

func (s *Storage) UpdateSession(ctx context.Context, sessionID uint, updates map[string]any) error {
	if err := s.db.
		WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ?", sessionID).
		Updates(updates).
		Error; err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

func (s *Storage) DeleteSession(ctx context.Context, sessionID uint) error {
	if err := s.db.WithContext(ctx).Delete(&models.Session{}, sessionID).Error; err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

func (s *Storage) GetActiveSessionsByCoach(ctx context.Context, coachID int64) ([]*models.Session, error) {
	var sessions []*models.Session
	if err := s.db.
		WithContext(ctx).
		Where("coach_id = ? AND status = ?", coachID, models.SessionStatusActive).
		Find(&sessions).
		Error; err != nil {
		return nil, fmt.Errorf("getting active sessions: %w", err)
	}
	return sessions, nil
}

// GetLastCreatedSessionByCoach returns the coach's most recently created
// session that has not been started yet.
func (s *Storage) GetLastCreatedSessionByCoach(ctx context.Context, coachID int64) (*models.Session, error) {
	var session models.Session
	if err := s.db.
		WithContext(ctx).
		Where("coach_id = ? AND status = ?", coachID, models.SessionStatusCreated).
		Order("id DESC").
		First(&session).
		Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("created session for coach %d: %w", coachID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting last created session: %w", err)
	}
	return &session, nil
}

func (s *Storage) GetSessionByVoiceChannel(ctx context.Context, voiceChannelID int64) (*models.Session, error) {
	var session models.Session
	if err := s.db.
		WithContext(ctx).
		Where("voice_channel_id = ? AND status IN ?", voiceChannelID, []models.SessionStatus{
			models.SessionStatusCreated,
			models.SessionStatusActive,
			models.SessionStatusEnded,
		}).
		Order("id DESC").
		First(&session).
		Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session for voice channel %d: %w", voiceChannelID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session by voice channel: %w", err)
	}
	return &session, nil
}

// GetSessionByTextChannel maps a session text channel back to its live
// session, used to route chat commands issued inside session channels.
func (s *Storage) GetSessionByTextChannel(ctx context.Context, textChannelID int64) (*models.Session, error) {
	var session models.Session
	if err := s.db.
		WithContext(ctx).
		Where("text_channel_id = ? AND status IN ?", textChannelID, []models.SessionStatus{
			models.SessionStatusCreated,
			models.SessionStatusActive,
			models.SessionStatusEnded,
		}).
		Order("id DESC").
		First(&session).
		Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session for text channel %d: %w", textChannelID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session by text channel: %w", err)
	}
	return &session, nil
}

func (s *Storage) ListSessionsByStatus(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	var sessions []*models.Session
	if err := s.db.WithContext(ctx).Where("status = ?", status).Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

func (s *Storage) CreateRequest(ctx context.Context, request *models.SessionRequest) error {
	if err := s.db.WithContext(ctx).Create(request).Error; err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return nil
}

func (s *Storage) GetRequest(ctx context.Context, sessionID uint, userID int64) (*models.SessionRequest, error) {
	var request models.SessionRequest
	if err := s.db.
		WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&request).
		Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("request for user %d in session %d: %w", userID, sessionID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting request: %w", err)
	}
	return &request, nil
}

// ListRequests returns the session's requests in arrival order.
func (s *Storage) ListRequests(ctx context.Context, sessionID uint) ([]*models.SessionRequest, error) {
	var requests []*models.SessionRequest
	if err := s.db.
		WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&requests).
		Error; err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return requests, nil
}

func (s *Storage) DeleteRequest(ctx context.Context, requestID uint) error {
	if err := s.db.WithContext(ctx).Delete(&models.SessionRequest{}, requestID).Error; err != nil {
		return fmt.Errorf("deleting request: %w", err)
	}
	return nil
}

// SaveRequests persists a batch of request mutations atomically. Admission
// and slot renumbering go through here so a partially applied renumbering
// is never observable.
func (s *Storage) SaveRequests(ctx context.Context, requests []*models.SessionRequest) error {
	if len(requests) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, request := range requests {
			if err := tx.Save(request).Error; err != nil {
				return fmt.Errorf("saving request %d: %w", request.ID, err)
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("in tx: %w", err)
	}
	return nil
}

// ApplySessionOutcome persists the post-session bookkeeping (skipped
// requests plus user counter and priority updates) as one unit.
func (s *Storage) ApplySessionOutcome(ctx context.Context, requests []*models.SessionRequest, users []*models.User) error {
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, request := range requests {
			if err := tx.Save(request).Error; err != nil {
				return fmt.Errorf("saving request %d: %w", request.ID, err)
			}
		}
		for _, user := range users {
			if err := tx.Save(user).Error; err != nil {
				return fmt.Errorf("saving user %d: %w", user.ID, err)
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("in tx: %w", err)
	}
	return nil
}

func (s *Storage) GetReview(ctx context.Context, sessionID uint, userID int64) (*models.SessionReview, error) {
	var review models.SessionReview
	if err := s.db.
		WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		First(&review).
		Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("review for user %d in session %d: %w", userID, sessionID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting review: %w", err)
	}
	return &review, nil
}

func (s *Storage) SaveReview(ctx context.Context, review *models.SessionReview) error {
	if err := s.db.WithContext(ctx).Save(review).Error; err != nil {
		return fmt.Errorf("saving review: %w", err)
	}
	return nil
}

func (s *Storage) ListReviews(ctx context.Context, sessionID uint) ([]*models.SessionReview, error) {
	var reviews []*models.SessionReview
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&reviews).Error; err != nil {
		return nil, fmt.Errorf("listing reviews: %w", err)
	}
	return reviews, nil
}

func (s *Storage) CreateActivity(ctx context.Context, activity *models.UserSessionActivity) error {
	if err := s.db.WithContext(ctx).Create(activity).Error; err != nil {
		return fmt.Errorf("creating activity: %w", err)
	}
	return nil
}

func (s *Storage) GetOpenActivity(ctx context.Context, sessionID uint, userID int64) (*models.UserSessionActivity, error) {
	var activity models.UserSessionActivity
	if err := s.db.
		WithContext(ctx).
		Where("session_id = ? AND user_id = ? AND is_active = ?", sessionID, userID, true).
		First(&activity).
		Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("open activity for user %d in session %d: %w", userID, sessionID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("getting open activity: %w", err)
	}
	return &activity, nil
}

func (s *Storage) ListActivities(ctx context.Context, sessionID uint) ([]*models.UserSessionActivity, error) {
	var activities []*models.UserSessionActivity
	if err := s.db.
		WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("join_time ASC").
		Find(&activities).
		Error; err != nil {
		return nil, fmt.Errorf("listing activities: %w", err)
	}
	return activities, nil
}

// ListOpenActivities returns every interval still marked open, across all
// sessions. Used by the restart reconciliation pass.
func (s *Storage) ListOpenActivities(ctx context.Context) ([]*models.UserSessionActivity, error) {
	var activities []*models.UserSessionActivity
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&activities).Error; err != nil {
		return nil, fmt.Errorf("listing open activities: %w", err)
	}
	return activities, nil
}

func (s *Storage) SaveActivity(ctx context.Context, activity *models.UserSessionActivity) error {
	if err := s.db.WithContext(ctx).Save(activity).Error; err != nil {
		return fmt.Errorf("saving activity: %w", err)
	}
	return nil
}
