package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pg-repense/repense-api/internal/models"
)

const groupColumns = `id, name, program, capacity, enrolled_count, is_active, is_archived, is_women_only, city, delivery_mode, time_slot, start_date, created_at, updated_at`

// GroupRepository manages persistence for groups.
type GroupRepository struct {
	db *sqlx.DB
}

// NewGroupRepository constructs a new group repository.
func NewGroupRepository(db *sqlx.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// List returns groups matching filter criteria.
func (r *GroupRepository) List(ctx context.Context, filter models.GroupFilter) ([]models.Group, int, error) {
	base := "FROM groups WHERE is_archived = false"
	var conditions []string
	var args []interface{}

	if filter.Program != "" {
		conditions = append(conditions, fmt.Sprintf("program = $%d", len(args)+1))
		args = append(args, filter.Program)
	}
	if filter.City != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(city) = LOWER($%d)", len(args)+1))
		args = append(args, filter.City)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(name) LIKE $%d", len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	if len(conditions) > 0 {
		base += " AND " + strings.Join(conditions, " AND ")
	}

	sortBy := filter.SortBy
	allowedSorts := map[string]bool{
		"name":       true,
		"program":    true,
		"city":       true,
		"start_date": true,
		"created_at": true,
	}
	if !allowedSorts[sortBy] {
		sortBy = "start_date"
	}

	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "ASC"
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY %s %s LIMIT %d OFFSET %d", groupColumns, base, sortBy, order, size, offset)
	var groups []models.Group
	if err := r.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list groups: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count groups: %w", err)
	}
	return groups, total, nil
}

// FindByID returns a group record by ID.
func (r *GroupRepository) FindByID(ctx context.Context, id string) (*models.Group, error) {
	query := fmt.Sprintf(`SELECT %s FROM groups WHERE id = $1`, groupColumns)
	var group models.Group
	if err := r.db.GetContext(ctx, &group, query, id); err != nil {
		return nil, err
	}
	return &group, nil
}

// ListAvailableForStudent returns active non-archived groups the student is
// eligible to join: every program in which the student holds an active or
// completed enrollment is excluded entirely, and women-only groups are
// filtered when requested. Seat counts are read without locking; stale values
// are acceptable for this projection since the mutators re-check capacity.
func (r *GroupRepository) ListAvailableForStudent(ctx context.Context, studentID string, excludeWomenOnly bool) ([]models.AvailableGroup, error) {
	query := `SELECT g.id, g.name, g.program, g.capacity, g.enrolled_count, g.is_active, g.is_archived, g.is_women_only,
        g.city, g.delivery_mode, g.time_slot, g.start_date, g.created_at, g.updated_at,
        g.capacity - g.enrolled_count AS seats_remaining
        FROM groups g
        WHERE g.is_active = true AND g.is_archived = false
        AND g.program NOT IN (
            SELECT gr.program FROM enrollments e
            JOIN groups gr ON gr.id = e.group_id
            WHERE e.student_id = $1 AND e.status IN ($2, $3)
        )`
	args := []interface{}{studentID, models.EnrollmentStatusActive, models.EnrollmentStatusCompleted}
	if excludeWomenOnly {
		query += " AND g.is_women_only = false"
	}
	query += " ORDER BY g.program ASC, g.city ASC, g.start_date ASC"

	var groups []models.AvailableGroup
	if err := r.db.SelectContext(ctx, &groups, query, args...); err != nil {
		return nil, fmt.Errorf("list available groups: %w", err)
	}
	return groups, nil
}

// ExistsByName checks if a group with the same name already exists.
func (r *GroupRepository) ExistsByName(ctx context.Context, name string, excludeID string) (bool, error) {
	query := "SELECT 1 FROM groups WHERE LOWER(name) = LOWER($1)"
	args := []interface{}{name}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check group name: %w", err)
	}
	return true, nil
}

// Create persists a group record.
func (r *GroupRepository) Create(ctx context.Context, group *models.Group) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if group.CreatedAt.IsZero() {
		group.CreatedAt = now
	}
	group.UpdatedAt = now

	const query = `INSERT INTO groups (id, name, program, capacity, enrolled_count, is_active, is_archived, is_women_only, city, delivery_mode, time_slot, start_date, created_at, updated_at)
        VALUES (:id, :name, :program, :capacity, :enrolled_count, :is_active, :is_archived, :is_women_only, :city, :delivery_mode, :time_slot, :start_date, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Update modifies a group record. The seat counter is deliberately not
// touched here; only the enrollment mutators change it.
func (r *GroupRepository) Update(ctx context.Context, group *models.Group) error {
	group.UpdatedAt = time.Now().UTC()
	const query = `UPDATE groups SET name = :name, program = :program, capacity = :capacity, is_active = :is_active, is_archived = :is_archived, is_women_only = :is_women_only, city = :city, delivery_mode = :delivery_mode, time_slot = :time_slot, start_date = :start_date, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

// Archive marks a group as archived and inactive.
func (r *GroupRepository) Archive(ctx context.Context, id string) error {
	const query = `UPDATE groups SET is_archived = true, is_active = false, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("archive group: %w", err)
	}
	return nil
}
