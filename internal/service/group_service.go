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

type groupRepository interface {
	List(ctx context.Context, filter models.GroupFilter) ([]models.Group, int, error)
	FindByID(ctx context.Context, id string) (*models.Group, error)
	ExistsByName(ctx context.Context, name string, excludeID string) (bool, error)
	Create(ctx context.Context, group *models.Group) error
	Update(ctx context.Context, group *models.Group) error
	Archive(ctx context.Context, id string) error
}

// CreateGroupRequest holds payload for creating groups.
type CreateGroupRequest struct {
	Name         string    `json:"name" validate:"required"`
	Program      string    `json:"program" validate:"required,oneof=EVANGELHO IGREJA DISCIPULADO"`
	Capacity     int       `json:"capacity" validate:"required,gt=0"`
	IsWomenOnly  bool      `json:"is_women_only"`
	City         string    `json:"city" validate:"required"`
	DeliveryMode string    `json:"delivery_mode" validate:"required,oneof=PRESENCIAL ONLINE"`
	TimeSlot     string    `json:"time_slot" validate:"required"`
	StartDate    time.Time `json:"start_date" validate:"required"`
}

// UpdateGroupRequest holds payload for updating groups. The seat counter is
// never writable through this path.
type UpdateGroupRequest struct {
	Name         string    `json:"name" validate:"required"`
	Capacity     int       `json:"capacity" validate:"required,gt=0"`
	IsActive     bool      `json:"is_active"`
	IsWomenOnly  bool      `json:"is_women_only"`
	City         string    `json:"city" validate:"required"`
	DeliveryMode string    `json:"delivery_mode" validate:"required,oneof=PRESENCIAL ONLINE"`
	TimeSlot     string    `json:"time_slot" validate:"required"`
	StartDate    time.Time `json:"start_date" validate:"required"`
}

// GroupService handles group administration use-cases.
type GroupService struct {
	repo      groupRepository
	cache     availabilityInvalidator
	validator *validator.Validate
	logger    *zap.Logger
}

// NewGroupService constructs the group service. Cache is optional.
func NewGroupService(repo groupRepository, cache availabilityInvalidator, validate *validator.Validate, logger *zap.Logger) *GroupService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroupService{repo: repo, cache: cache, validator: validate, logger: logger}
}

// List returns groups and pagination metadata.
func (s *GroupService) List(ctx context.Context, filter models.GroupFilter) ([]models.Group, *models.Pagination, error) {
	groups, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list groups")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	return groups, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Get returns a group by ID.
func (s *GroupService) Get(ctx context.Context, id string) (*models.Group, error) {
	group, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGroupNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	return group, nil
}

// Create registers a new group with zero enrollments.
func (s *GroupService) Create(ctx context.Context, req CreateGroupRequest) (*models.Group, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group payload")
	}
	exists, err := s.repo.ExistsByName(ctx, req.Name, "")
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate group name")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "group name already used")
	}
	group := &models.Group{
		Name:          req.Name,
		Program:       models.Program(req.Program),
		Capacity:      req.Capacity,
		EnrolledCount: 0,
		IsActive:      true,
		IsWomenOnly:   req.IsWomenOnly,
		City:          req.City,
		DeliveryMode:  models.DeliveryMode(req.DeliveryMode),
		TimeSlot:      req.TimeSlot,
		StartDate:     req.StartDate,
	}
	if err := s.repo.Create(ctx, group); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create group")
	}
	s.invalidate(ctx)
	s.logger.Info("group created", zap.String("group_id", group.ID), zap.String("program", req.Program))
	return group, nil
}

// Update modifies group attributes. Capacity may not shrink below the current
// enrolled count; program is immutable because enrollments key off it.
func (s *GroupService) Update(ctx context.Context, id string, req UpdateGroupRequest) (*models.Group, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid group payload")
	}
	group, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.ErrGroupNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	if req.Capacity < group.EnrolledCount {
		return nil, appErrors.Clone(appErrors.ErrValidation, "capacity cannot be below current enrollment")
	}
	exists, err := s.repo.ExistsByName(ctx, req.Name, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate group name")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrConflict, "group name already used")
	}
	group.Name = req.Name
	group.Capacity = req.Capacity
	group.IsActive = req.IsActive
	group.IsWomenOnly = req.IsWomenOnly
	group.City = req.City
	group.DeliveryMode = models.DeliveryMode(req.DeliveryMode)
	group.TimeSlot = req.TimeSlot
	group.StartDate = req.StartDate
	if err := s.repo.Update(ctx, group); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update group")
	}
	s.invalidate(ctx)
	return group, nil
}

// Archive hides a group from listings and blocks further enrollments.
func (s *GroupService) Archive(ctx context.Context, id string) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.ErrGroupNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group")
	}
	if err := s.repo.Archive(ctx, id); err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to archive group")
	}
	s.invalidate(ctx)
	s.logger.Info("group archived", zap.String("group_id", id))
	return nil
}

func (s *GroupService) invalidate(ctx context.Context) {
	if s.cache != nil {
		s.cache.InvalidateAvailability(ctx)
	}
}
