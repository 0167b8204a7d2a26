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

const studentColumns = `id, full_name, cpf, phone, email, gender, active, priority_list, priority_group_id, created_at, updated_at`

// StudentRepository manages persistence for student records.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs a StudentRepository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// List returns students matching the provided filters.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.StudentDetail, int, error) {
	base := "FROM students s LEFT JOIN enrollments e ON e.student_id = s.id AND e.status = $1 LEFT JOIN groups g ON g.id = e.group_id"
	args := []interface{}{models.EnrollmentStatusActive}
	conditions := []string{"1=1"}

	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("e.group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.Active != nil {
		conditions = append(conditions, fmt.Sprintf("s.active = $%d", len(args)+1))
		args = append(args, *filter.Active)
	}
	if filter.PriorityOnly {
		conditions = append(conditions, "s.priority_list = true")
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(LOWER(s.full_name) LIKE $%d OR s.cpf LIKE $%d OR s.phone LIKE $%d)", len(args)+1, len(args)+1, len(args)+1))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	base = fmt.Sprintf("%s WHERE %s", base, strings.Join(conditions, " AND "))

	sortBy := filter.SortBy
	allowedSorts := map[string]string{
		"full_name":  "s.full_name",
		"cpf":        "s.cpf",
		"created_at": "s.created_at",
	}
	column, ok := allowedSorts[sortBy]
	if !ok {
		column = "s.created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
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

	query := fmt.Sprintf(`SELECT s.id, s.full_name, s.cpf, s.phone, s.email, s.gender, s.active, s.priority_list, s.priority_group_id, s.created_at, s.updated_at,
        e.group_id AS current_group_id, g.name AS current_group_name, g.program AS current_program, e.created_at AS enrolled_at
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base, column, order, size, offset)

	var students []models.StudentDetail
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(DISTINCT s.id) %s", base)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return students, total, nil
}

// FindByID fetches a student detail by ID.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.StudentDetail, error) {
	query := `SELECT s.id, s.full_name, s.cpf, s.phone, s.email, s.gender, s.active, s.priority_list, s.priority_group_id, s.created_at, s.updated_at,
        e.group_id AS current_group_id, g.name AS current_group_name, g.program AS current_program, e.created_at AS enrolled_at
        FROM students s
        LEFT JOIN enrollments e ON e.student_id = s.id AND e.status = $2
        LEFT JOIN groups g ON g.id = e.group_id
        WHERE s.id = $1`
	var detail models.StudentDetail
	if err := r.db.GetContext(ctx, &detail, query, id, models.EnrollmentStatusActive); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ExistsByCPF checks if a student with the given CPF exists, optionally
// excluding an ID.
func (r *StudentRepository) ExistsByCPF(ctx context.Context, cpf string, excludeID string) (bool, error) {
	query := "SELECT 1 FROM students WHERE cpf = $1"
	args := []interface{}{cpf}
	if excludeID != "" {
		query += " AND id <> $2"
		args = append(args, excludeID)
	}
	var exists int
	if err := r.db.GetContext(ctx, &exists, query+" LIMIT 1", args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check cpf: %w", err)
	}
	return true, nil
}

// ListPriorityForGroup returns active priority-list students waiting on the
// given group, oldest first so promotion is fair.
func (r *StudentRepository) ListPriorityForGroup(ctx context.Context, groupID string) ([]models.Student, error) {
	query := fmt.Sprintf(`SELECT %s FROM students WHERE active = true AND priority_list = true AND priority_group_id = $1 ORDER BY updated_at ASC`, studentColumns)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, groupID); err != nil {
		return nil, fmt.Errorf("list priority students: %w", err)
	}
	return students, nil
}

// ClearPriority removes the waiting-list marker after a successful promotion.
func (r *StudentRepository) ClearPriority(ctx context.Context, id string) error {
	const query = `UPDATE students SET priority_list = false, priority_group_id = NULL, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("clear priority flag: %w", err)
	}
	return nil
}

// Create inserts a new student record.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if student.CreatedAt.IsZero() {
		student.CreatedAt = now
	}
	student.UpdatedAt = now
	const query = `INSERT INTO students (id, full_name, cpf, phone, email, gender, active, priority_list, priority_group_id, created_at, updated_at)
        VALUES (:id, :full_name, :cpf, :phone, :email, :gender, :active, :priority_list, :priority_group_id, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// Update modifies an existing student.
func (r *StudentRepository) Update(ctx context.Context, student *models.Student) error {
	student.UpdatedAt = time.Now().UTC()
	const query = `UPDATE students SET full_name = :full_name, cpf = :cpf, phone = :phone, email = :email, gender = :gender, active = :active, priority_list = :priority_list, priority_group_id = :priority_group_id, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		return fmt.Errorf("update student: %w", err)
	}
	return nil
}

// Deactivate marks a student as inactive. Students are never hard-deleted.
func (r *StudentRepository) Deactivate(ctx context.Context, id string) error {
	const query = `UPDATE students SET active = false, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("deactivate student: %w", err)
	}
	return nil
}
