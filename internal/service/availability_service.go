package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
)

const availabilityCachePrefix = "availability:"

type availabilityGroupRepository interface {
	ListAvailableForStudent(ctx context.Context, studentID string, excludeWomenOnly bool) ([]models.AvailableGroup, error)
}

type availabilityStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.StudentDetail, error)
}

// AvailabilityCache stores rendered projections keyed per student.
type AvailabilityCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

// cacheOpRecorder counts cache hits and misses for metrics.
type cacheOpRecorder interface {
	RecordCacheOperation(hit bool)
}

// AvailabilityService projects which groups a student can still join. It is a
// pure read over possibly stale seat counts; the mutators are the enforcement
// point. Results are cached per student and invalidated on any seat mutation.
type AvailabilityService struct {
	groups   availabilityGroupRepository
	students availabilityStudentReader
	cache    AvailabilityCache
	metrics  cacheOpRecorder
	ttl      time.Duration
	enabled  bool
	logger   *zap.Logger
}

// NewAvailabilityService constructs the availability projector. Cache may be
// nil when caching is disabled; metrics is optional.
func NewAvailabilityService(groups availabilityGroupRepository, students availabilityStudentReader, cache AvailabilityCache, metrics cacheOpRecorder, ttl time.Duration, logger *zap.Logger) *AvailabilityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AvailabilityService{
		groups:   groups,
		students: students,
		cache:    cache,
		metrics:  metrics,
		ttl:      ttl,
		enabled:  cache != nil,
		logger:   logger,
	}
}

// GetAvailableGroups returns the groups the student may join, grouped by
// program and city in stable order. Programs in which the student holds an
// active or completed enrollment are excluded entirely; women-only groups are
// hidden from students not registered as women.
func (s *AvailabilityService) GetAvailableGroups(ctx context.Context, studentID string) ([]models.AvailabilitySection, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrStudentNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	key := fmt.Sprintf("%sstudent:%s", availabilityCachePrefix, studentID)
	if s.enabled {
		var cached []models.AvailabilitySection
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			s.recordCacheOp(true)
			return cached, nil
		} else if appErrors.HasCode(err, appErrors.ErrCacheMiss.Code) {
			s.recordCacheOp(false)
		} else {
			s.logger.Warn("availability cache read failed", zap.Error(err))
		}
	}

	excludeWomenOnly := student.Gender == nil || *student.Gender != models.GenderFeminino
	groups, err := s.groups.ListAvailableForStudent(ctx, studentID, excludeWomenOnly)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load available groups")
	}

	sections := groupSections(groups)
	if s.enabled {
		if err := s.cache.Set(ctx, key, sections, s.ttl); err != nil {
			s.logger.Warn("availability cache write failed", zap.Error(err))
		}
	}
	return sections, nil
}

// InvalidateAvailability drops every cached projection. Called after any
// enrollment mutation or group change.
func (s *AvailabilityService) InvalidateAvailability(ctx context.Context) {
	if !s.enabled {
		return
	}
	if err := s.cache.DeleteByPattern(ctx, availabilityCachePrefix+"*"); err != nil {
		s.logger.Warn("availability cache invalidation failed", zap.Error(err))
	}
}

func (s *AvailabilityService) recordCacheOp(hit bool) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(hit)
	}
}

// groupSections folds the sorted flat list into (program, city) sections,
// preserving the repository ordering.
func groupSections(groups []models.AvailableGroup) []models.AvailabilitySection {
	sections := make([]models.AvailabilitySection, 0)
	for _, g := range groups {
		n := len(sections)
		if n == 0 || sections[n-1].Program != g.Program || sections[n-1].City != g.City {
			sections = append(sections, models.AvailabilitySection{Program: g.Program, City: g.City})
			n++
		}
		sections[n-1].Groups = append(sections[n-1].Groups, g)
	}
	return sections
}
