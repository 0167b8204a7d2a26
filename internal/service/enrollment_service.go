package service

import (
	"context"
	"database/sql"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
)

type enrollmentRepository interface {
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error)
	ListByStudentAndProgram(ctx context.Context, studentID string, program models.Program) ([]models.Enrollment, error)
	Enroll(ctx context.Context, studentID, groupID string) (*models.Enrollment, error)
	Transfer(ctx context.Context, enrollmentID, newGroupID string) (*models.TransferResult, error)
	Complete(ctx context.Context, enrollmentID string) (*models.Enrollment, error)
	Cancel(ctx context.Context, enrollmentID string) (*models.Enrollment, error)
}

type enrollmentStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
}

type enrollmentGroupReader interface {
	FindByID(ctx context.Context, id string) (*models.Group, error)
}

// availabilityInvalidator drops cached availability projections after any
// mutation that changes seat counts.
type availabilityInvalidator interface {
	InvalidateAvailability(ctx context.Context)
}

// seatEventSink is notified when a mutation frees a seat in a group, so
// priority-list promotion can run.
type seatEventSink interface {
	SeatFreed(groupID string)
}

// mutationRecorder counts enrollment mutations for metrics.
type mutationRecorder interface {
	RecordEnrollmentMutation(action, outcome string)
}

// EnrollRequest holds payload for enrolling a student into a group.
type EnrollRequest struct {
	StudentID           string `json:"student_id" validate:"required"`
	GroupID             string `json:"group_id" validate:"required"`
	ConfirmReEnrollment bool   `json:"confirm_re_enrollment"`
}

// TransferRequest holds payload for transferring an enrollment.
type TransferRequest struct {
	NewGroupID string `json:"new_group_id" validate:"required"`
}

// EnrollmentService orchestrates the enrollment lifecycle: the read-only
// eligibility check and the four transactional mutators. The pre-validation
// here exists for fast, specific feedback; the repository repeats the decisive
// checks inside its transaction.
type EnrollmentService struct {
	repo      enrollmentRepository
	students  enrollmentStudentReader
	groups    enrollmentGroupReader
	cache     availabilityInvalidator
	seats     seatEventSink
	metrics   mutationRecorder
	validator *validator.Validate
	logger    *zap.Logger
}

// NewEnrollmentService constructs the enrollment service. The cache, seats and
// metrics collaborators are optional.
func NewEnrollmentService(
	repo enrollmentRepository,
	students enrollmentStudentReader,
	groups enrollmentGroupReader,
	cache availabilityInvalidator,
	seats seatEventSink,
	metrics mutationRecorder,
	validate *validator.Validate,
	logger *zap.Logger,
) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		repo:      repo,
		students:  students,
		groups:    groups,
		cache:     cache,
		seats:     seats,
		metrics:   metrics,
		validator: validate,
		logger:    logger,
	}
}

// List returns enrollments and pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return enrollments, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns one enrollment with student and group details.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	detail, err := s.repo.FindDetailByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrEnrollmentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return detail, nil
}

// Validate answers "can this student enroll in this group right now" without
// mutating anything. Checks run in a fixed order and the first failure wins.
// A previously cancelled enrollment in the same program yields a soft block
// the caller can override by confirming.
func (s *EnrollmentService) Validate(ctx context.Context, studentID, groupID string, opts models.EnrollOptions) (*models.ValidationResult, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return blocked(appErrors.ErrStudentNotFound), nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	group, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		if err == sql.ErrNoRows {
			return blocked(appErrors.ErrGroupNotFound), nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}

	if !group.IsActive || group.IsArchived {
		return blocked(appErrors.ErrGroupInactive), nil
	}
	if group.EnrolledCount >= group.Capacity {
		return blocked(appErrors.ErrGroupFull), nil
	}
	if group.IsWomenOnly && (student.Gender == nil || *student.Gender != models.GenderFeminino) {
		return blocked(appErrors.ErrWomenOnlyGroup), nil
	}

	history, err := s.repo.ListByStudentAndProgram(ctx, studentID, group.Program)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment history")
	}

	var cancelled *models.Enrollment
	for i := range history {
		switch history[i].Status {
		case models.EnrollmentStatusActive:
			result := blocked(appErrors.ErrAlreadyEnrolled)
			result.PreviousEnrollment = &history[i]
			return result, nil
		case models.EnrollmentStatusCompleted:
			result := blocked(appErrors.ErrAlreadyCompleted)
			result.PreviousEnrollment = &history[i]
			return result, nil
		case models.EnrollmentStatusCancelled:
			if cancelled == nil {
				cancelled = &history[i]
			}
		}
	}
	if cancelled != nil && !opts.SkipCancelledCheck && !opts.ConfirmReEnrollment {
		result := blocked(appErrors.ErrPreviouslyCancelled)
		result.RequiresConfirmation = true
		result.PreviousEnrollment = cancelled
		return result, nil
	}

	return &models.ValidationResult{CanEnroll: true}, nil
}

// Enroll registers an active enrollment for the student in the group. The
// eligibility check runs first for a specific error, then the repository
// transaction re-verifies capacity and conflicts under row locks.
func (s *EnrollmentService) Enroll(ctx context.Context, req EnrollRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	opts := models.EnrollOptions{ConfirmReEnrollment: req.ConfirmReEnrollment}
	result, err := s.Validate(ctx, req.StudentID, req.GroupID, opts)
	if err != nil {
		s.record("enroll", "error")
		return nil, err
	}
	if !result.CanEnroll {
		s.record("enroll", result.Code)
		return nil, validationError(result)
	}

	enrollment, err := s.repo.Enroll(ctx, req.StudentID, req.GroupID)
	if err != nil {
		s.record("enroll", appErrors.FromError(err).Code)
		return nil, err
	}

	s.record("enroll", "success")
	s.invalidate(ctx)
	s.logger.Info("student enrolled",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("student_id", req.StudentID),
		zap.String("group_id", req.GroupID))
	return enrollment, nil
}

// Transfer moves an active enrollment to another group atomically. The seat
// freed in the source group is announced so priority promotion can fill it.
func (s *EnrollmentService) Transfer(ctx context.Context, enrollmentID string, req TransferRequest) (*models.TransferResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transfer payload")
	}

	result, err := s.repo.Transfer(ctx, enrollmentID, req.NewGroupID)
	if err != nil {
		s.record("transfer", appErrors.FromError(err).Code)
		return nil, err
	}

	s.record("transfer", "success")
	s.invalidate(ctx)
	s.seatFreed(result.OldEnrollment.GroupID)
	s.logger.Info("enrollment transferred",
		zap.String("enrollment_id", enrollmentID),
		zap.String("from_group_id", result.OldEnrollment.GroupID),
		zap.String("to_group_id", result.NewEnrollment.GroupID))
	return result, nil
}

// Complete marks an active enrollment finished and frees its seat.
func (s *EnrollmentService) Complete(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := s.repo.Complete(ctx, enrollmentID)
	if err != nil {
		s.record("complete", appErrors.FromError(err).Code)
		return nil, err
	}

	s.record("complete", "success")
	s.invalidate(ctx)
	s.seatFreed(enrollment.GroupID)
	s.logger.Info("enrollment completed", zap.String("enrollment_id", enrollmentID))
	return enrollment, nil
}

// Cancel marks an active enrollment cancelled and frees its seat.
func (s *EnrollmentService) Cancel(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	enrollment, err := s.repo.Cancel(ctx, enrollmentID)
	if err != nil {
		s.record("cancel", appErrors.FromError(err).Code)
		return nil, err
	}

	s.record("cancel", "success")
	s.invalidate(ctx)
	s.seatFreed(enrollment.GroupID)
	s.logger.Info("enrollment cancelled", zap.String("enrollment_id", enrollmentID))
	return enrollment, nil
}

func (s *EnrollmentService) invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.InvalidateAvailability(ctx)
	}
}

func (s *EnrollmentService) seatFreed(groupID string) {
	if s.seats != nil {
		s.seats.SeatFreed(groupID)
	}
}

func (s *EnrollmentService) record(action, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordEnrollmentMutation(action, outcome)
	}
}

func blocked(cause *appErrors.Error) *models.ValidationResult {
	return &models.ValidationResult{
		CanEnroll: false,
		Code:      cause.Code,
		Message:   cause.Message,
	}
}

// validationError maps a failed validation result back onto the typed error
// it was derived from, so mutators surface the same taxonomy either way.
func validationError(result *models.ValidationResult) *appErrors.Error {
	for _, candidate := range []*appErrors.Error{
		appErrors.ErrStudentNotFound,
		appErrors.ErrGroupNotFound,
		appErrors.ErrGroupInactive,
		appErrors.ErrGroupFull,
		appErrors.ErrWomenOnlyGroup,
		appErrors.ErrAlreadyEnrolled,
		appErrors.ErrAlreadyCompleted,
		appErrors.ErrPreviouslyCancelled,
	} {
		if candidate.Code == result.Code {
			return candidate
		}
	}
	return appErrors.Clone(appErrors.ErrConflict, result.Message)
}
