package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
	"github.com/pg-repense/repense-api/pkg/jobs"
)

const jobTypePromote = "priority.promote"

type priorityStudentRepository interface {
	ListPriorityForGroup(ctx context.Context, groupID string) ([]models.Student, error)
	ClearPriority(ctx context.Context, id string) error
}

// priorityEnroller is the slice of EnrollmentService the promoter needs. It is
// bound after construction because the enrollment service in turn reports
// freed seats back here.
type priorityEnroller interface {
	Enroll(ctx context.Context, req EnrollRequest) (*models.Enrollment, error)
}

// promotionRecorder counts successful promotions for metrics.
type promotionRecorder interface {
	RecordPromotion()
}

// PriorityService promotes waiting students into groups when seats free up.
// Students join the priority list for a specific group; promotion walks the
// list in the order they joined and enrolls as many as fit.
type PriorityService struct {
	students priorityStudentRepository
	enroller priorityEnroller
	queue    *jobs.Queue
	metrics  promotionRecorder
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPriorityService constructs the promotion service. Call BindEnroller
// before use; queue is optional and, when absent, promotion runs inline. The
// metrics collaborator is optional.
func NewPriorityService(students priorityStudentRepository, cfg jobs.QueueConfig, metrics promotionRecorder, logger *zap.Logger) *PriorityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PriorityService{
		students: students,
		metrics:  metrics,
		timeout:  30 * time.Second,
		logger:   logger,
	}
	if cfg.Workers > 0 {
		s.queue = jobs.NewQueue("priority-promotion", s.handleJob, cfg)
	}
	return s
}

// BindEnroller wires the enrollment service in after both sides exist.
func (s *PriorityService) BindEnroller(enroller priorityEnroller) {
	s.enroller = enroller
}

// Start launches the background workers, if configured.
func (s *PriorityService) Start(ctx context.Context) {
	if s.queue != nil {
		s.queue.Start(ctx)
	}
}

// Stop drains the background workers.
func (s *PriorityService) Stop() {
	if s.queue != nil {
		s.queue.Stop()
	}
}

// SeatFreed is invoked by the enrollment service after a cancel, complete or
// transfer frees a seat in the group.
func (s *PriorityService) SeatFreed(groupID string) {
	if s.queue == nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.Promote(ctx, groupID); err != nil {
			s.logger.Warn("inline priority promotion failed", zap.String("group_id", groupID), zap.Error(err))
		}
		return
	}
	job := jobs.Job{ID: uuid.NewString(), Type: jobTypePromote, Payload: groupID}
	if err := s.queue.Enqueue(job); err != nil {
		s.logger.Warn("failed to enqueue priority promotion", zap.String("group_id", groupID), zap.Error(err))
	}
}

func (s *PriorityService) handleJob(ctx context.Context, job jobs.Job) error {
	groupID, ok := job.Payload.(string)
	if !ok {
		s.logger.Error("promotion job carries unexpected payload", zap.String("job_id", job.ID))
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.Promote(ctx, groupID)
	return err
}

// Promote walks the group's priority list in join order and enrolls students
// until the group fills again. Students whose conflict makes the seat moot
// (already enrolled or completed in the program) are dropped from the list;
// other rejections leave them waiting.
func (s *PriorityService) Promote(ctx context.Context, groupID string) (int, error) {
	if s.enroller == nil {
		return 0, appErrors.Clone(appErrors.ErrInternal, "priority promotion not wired")
	}

	waiting, err := s.students.ListPriorityForGroup(ctx, groupID)
	if err != nil {
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load priority list")
	}

	promoted := 0
	for _, student := range waiting {
		req := EnrollRequest{StudentID: student.ID, GroupID: groupID, ConfirmReEnrollment: true}
		_, err := s.enroller.Enroll(ctx, req)
		switch {
		case err == nil:
			promoted++
			if s.metrics != nil {
				s.metrics.RecordPromotion()
			}
			if err := s.students.ClearPriority(ctx, student.ID); err != nil {
				s.logger.Warn("failed to clear priority flag", zap.String("student_id", student.ID), zap.Error(err))
			}
			s.logger.Info("promoted priority student",
				zap.String("student_id", student.ID),
				zap.String("group_id", groupID))
		case appErrors.HasCode(err, appErrors.ErrGroupFull.Code):
			return promoted, nil
		case appErrors.HasCode(err, appErrors.ErrAlreadyEnrolled.Code),
			appErrors.HasCode(err, appErrors.ErrAlreadyCompleted.Code):
			if err := s.students.ClearPriority(ctx, student.ID); err != nil {
				s.logger.Warn("failed to clear priority flag", zap.String("student_id", student.ID), zap.Error(err))
			}
		default:
			s.logger.Warn("skipping priority student",
				zap.String("student_id", student.ID),
				zap.String("group_id", groupID),
				zap.Error(err))
		}
	}
	return promoted, nil
}
