package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
)

type attendanceRepository interface {
	CreateSession(ctx context.Context, session *models.AttendanceSession) error
	FindSessionByID(ctx context.Context, id string) (*models.AttendanceSession, error)
	ListSessionsByGroup(ctx context.Context, groupID string) ([]models.AttendanceSession, error)
	UpsertRecords(ctx context.Context, records []models.AttendanceRecord) error
	SummaryByGroup(ctx context.Context, groupID string) ([]models.AttendanceSummary, error)
}

type attendanceGroupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
}

// CreateSessionRequest holds payload for registering a group meeting.
type CreateSessionRequest struct {
	Topic  string    `json:"topic" validate:"required"`
	HeldAt time.Time `json:"held_at" validate:"required"`
}

// MarkAttendanceRequest records presence marks for one session.
type MarkAttendanceRequest struct {
	Records []AttendanceMark `json:"records" validate:"required,min=1,dive"`
}

// AttendanceMark is a single enrollee's presence mark.
type AttendanceMark struct {
	EnrollmentID string `json:"enrollment_id" validate:"required"`
	Present      bool   `json:"present"`
	Note         string `json:"note"`
}

// AttendanceService manages group sessions and presence tracking.
type AttendanceService struct {
	repo      attendanceRepository
	groups    attendanceGroupReader
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAttendanceService constructs the attendance service.
func NewAttendanceService(repo attendanceRepository, groups attendanceGroupReader, validate *validator.Validate, logger *zap.Logger) *AttendanceService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceService{repo: repo, groups: groups, validator: validate, logger: logger}
}

// CreateSession registers a dated meeting for the group.
func (s *AttendanceService) CreateSession(ctx context.Context, groupID string, req CreateSessionRequest) (*models.AttendanceSession, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if _, err := s.groups.FindByID(ctx, groupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGroupNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	session := &models.AttendanceSession{GroupID: groupID, Topic: req.Topic, HeldAt: req.HeldAt}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	return session, nil
}

// ListSessions returns all sessions of a group ordered by date.
func (s *AttendanceService) ListSessions(ctx context.Context, groupID string) ([]models.AttendanceSession, error) {
	if _, err := s.groups.FindByID(ctx, groupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGroupNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	sessions, err := s.repo.ListSessionsByGroup(ctx, groupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	return sessions, nil
}

// Mark stores presence marks for a session, overwriting earlier marks for the
// same enrollee.
func (s *AttendanceService) Mark(ctx context.Context, sessionID string, req MarkAttendanceRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid attendance payload")
	}
	if _, err := s.repo.FindSessionByID(ctx, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	records := make([]models.AttendanceRecord, 0, len(req.Records))
	for _, mark := range req.Records {
		records = append(records, models.AttendanceRecord{
			SessionID:    sessionID,
			EnrollmentID: mark.EnrollmentID,
			Present:      mark.Present,
			Note:         mark.Note,
		})
	}
	if err := s.repo.UpsertRecords(ctx, records); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store attendance")
	}
	return nil
}

// Summary aggregates presence per enrollee across a group's sessions.
func (s *AttendanceService) Summary(ctx context.Context, groupID string) ([]models.AttendanceSummary, error) {
	if _, err := s.groups.FindByID(ctx, groupID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGroupNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	summary, err := s.repo.SummaryByGroup(ctx, groupID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate attendance")
	}
	return summary, nil
}
