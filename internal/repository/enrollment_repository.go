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
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
)

const enrollmentColumns = `id, student_id, group_id, status, created_at, completed_at, cancelled_at, transferred_from_group_id`

// EnrollmentRepository owns enrollment persistence, including the
// transactional mutators that keep group seat counters consistent. The seat
// counter is only ever changed by +1/-1 deltas inside a transaction that has
// locked the group row and re-validated the precondition for the delta.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	base := `FROM enrollments e
JOIN students s ON s.id = e.student_id
JOIN groups g ON g.id = e.group_id`
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("e.student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.GroupID != "" {
		conditions = append(conditions, fmt.Sprintf("e.group_id = $%d", len(args)+1))
		args = append(args, filter.GroupID)
	}
	if filter.Program != "" {
		conditions = append(conditions, fmt.Sprintf("g.program = $%d", len(args)+1))
		args = append(args, filter.Program)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":   "e.created_at",
		"student_name": "s.full_name",
		"group_name":   "g.name",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "e.created_at"
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

	query := fmt.Sprintf(`SELECT e.id, e.student_id, e.group_id, e.status, e.created_at, e.completed_at, e.cancelled_at, e.transferred_from_group_id,
        s.full_name AS student_name, s.cpf AS student_cpf, g.name AS group_name, g.program
        %s ORDER BY %s %s LIMIT %d OFFSET %d`, base+clause, orderBy, order, size, offset)

	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) %s", base+clause)
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// FindByID returns an enrollment by its ID.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// FindDetailByID returns an enrollment with contextual info.
func (r *EnrollmentRepository) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.status, e.created_at, e.completed_at, e.cancelled_at, e.transferred_from_group_id,
        s.full_name AS student_name, s.cpf AS student_cpf, g.name AS group_name, g.program
        FROM enrollments e
        JOIN students s ON s.id = e.student_id
        JOIN groups g ON g.id = e.group_id
        WHERE e.id = $1`
	var detail models.EnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListByStudentAndProgram returns the student's enrollments whose group
// belongs to the given program, newest first. Used by the validator for the
// program-conflict resolution.
func (r *EnrollmentRepository) ListByStudentAndProgram(ctx context.Context, studentID string, program models.Program) ([]models.Enrollment, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.status, e.created_at, e.completed_at, e.cancelled_at, e.transferred_from_group_id
        FROM enrollments e
        JOIN groups g ON g.id = e.group_id
        WHERE e.student_id = $1 AND g.program = $2
        ORDER BY e.created_at DESC`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, studentID, program); err != nil {
		return nil, fmt.Errorf("list program enrollments: %w", err)
	}
	return enrollments, nil
}

// ListActiveByGroup returns the active enrollments for a group, used by the
// roster export.
func (r *EnrollmentRepository) ListActiveByGroup(ctx context.Context, groupID string) ([]models.EnrollmentDetail, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.status, e.created_at, e.completed_at, e.cancelled_at, e.transferred_from_group_id,
        s.full_name AS student_name, s.cpf AS student_cpf, g.name AS group_name, g.program
        FROM enrollments e
        JOIN students s ON s.id = e.student_id
        JOIN groups g ON g.id = e.group_id
        WHERE e.group_id = $1 AND e.status = $2
        ORDER BY s.full_name ASC`
	var enrollments []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &enrollments, query, groupID, models.EnrollmentStatusActive); err != nil {
		return nil, fmt.Errorf("list group roster: %w", err)
	}
	return enrollments, nil
}

// Enroll registers the student into the group inside a single transaction.
// The group row is locked and its state re-checked before the seat counter is
// incremented, so two concurrent calls can never both consume the last seat.
// A stale row for the same (student, group) pair is reactivated instead of
// inserting a duplicate.
func (r *EnrollmentRepository) Enroll(ctx context.Context, studentID, groupID string) (*models.Enrollment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enroll: %w", err)
	}

	group, err := lockGroup(ctx, tx, groupID)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}
	if !group.IsActive || group.IsArchived {
		tx.Rollback() //nolint:errcheck
		return nil, appErrors.Clone(appErrors.ErrGroupInactive, "")
	}
	if group.EnrolledCount >= group.Capacity {
		tx.Rollback() //nolint:errcheck
		return nil, appErrors.Clone(appErrors.ErrGroupFull, "")
	}

	siblings, err := programEnrollmentsTx(ctx, tx, studentID, group.Program)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}

	var pair *models.Enrollment
	for i := range siblings {
		e := &siblings[i]
		switch e.Status {
		case models.EnrollmentStatusCompleted:
			tx.Rollback() //nolint:errcheck
			return nil, appErrors.Clone(appErrors.ErrAlreadyCompleted, "")
		case models.EnrollmentStatusActive:
			tx.Rollback() //nolint:errcheck
			return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
		}
		if e.GroupID == groupID {
			pair = e
		}
	}

	now := time.Now().UTC()
	var enrollment *models.Enrollment
	if pair != nil {
		const reactivate = `UPDATE enrollments SET status = $2, cancelled_at = NULL, completed_at = NULL WHERE id = $1`
		if _, err := tx.ExecContext(ctx, reactivate, pair.ID, models.EnrollmentStatusActive); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("reactivate enrollment: %w", err)
		}
		pair.Status = models.EnrollmentStatusActive
		pair.CancelledAt = nil
		pair.CompletedAt = nil
		enrollment = pair
	} else {
		enrollment = &models.Enrollment{
			ID:        uuid.NewString(),
			StudentID: studentID,
			GroupID:   groupID,
			Status:    models.EnrollmentStatusActive,
			CreatedAt: now,
		}
		const insert = `INSERT INTO enrollments (id, student_id, group_id, status, created_at)
        VALUES (:id, :student_id, :group_id, :status, :created_at)`
		if _, err := tx.NamedExecContext(ctx, insert, enrollment); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("insert enrollment: %w", err)
		}
	}

	if err := bumpSeats(ctx, tx, groupID, +1); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enroll: %w", err)
	}
	return enrollment, nil
}

// Transfer moves an active enrollment to another group atomically. The source
// seat is always released; a destination seat is consumed only when the
// student does not already hold an active enrollment there. Group rows are
// locked in ID order to keep concurrent opposing transfers deadlock free.
func (r *EnrollmentRepository) Transfer(ctx context.Context, enrollmentID, newGroupID string) (*models.TransferResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transfer: %w", err)
	}

	source, err := lockEnrollment(ctx, tx, enrollmentID)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}
	if source.Status != models.EnrollmentStatusActive {
		tx.Rollback() //nolint:errcheck
		return nil, appErrors.Clone(appErrors.ErrEnrollmentNotActive, "")
	}
	if source.GroupID == newGroupID {
		tx.Rollback() //nolint:errcheck
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment already belongs to the target group")
	}

	var destGroup *models.Group
	for _, id := range lockOrder(source.GroupID, newGroupID) {
		g, err := lockGroup(ctx, tx, id)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, err
		}
		if id == newGroupID {
			destGroup = g
		}
	}
	if !destGroup.IsActive || destGroup.IsArchived {
		tx.Rollback() //nolint:errcheck
		return nil, appErrors.Clone(appErrors.ErrGroupInactive, "target group is not accepting enrollments")
	}

	siblings, err := programEnrollmentsTx(ctx, tx, source.StudentID, destGroup.Program)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}

	var pair *models.Enrollment
	for i := range siblings {
		e := &siblings[i]
		if e.Status == models.EnrollmentStatusCompleted {
			tx.Rollback() //nolint:errcheck
			return nil, appErrors.Clone(appErrors.ErrAlreadyCompleted, "")
		}
		if e.GroupID == newGroupID {
			pair = e
			continue
		}
		if e.Status == models.EnrollmentStatusActive && e.ID != source.ID {
			tx.Rollback() //nolint:errcheck
			return nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "student already active in another group of this program")
		}
	}

	now := time.Now().UTC()
	sourceGroupID := source.GroupID
	consumesSeat := true

	var dest *models.Enrollment
	switch {
	case pair != nil && pair.Status == models.EnrollmentStatusActive:
		// Student is somehow already active in the destination: reuse that
		// row and do not consume a second seat there.
		dest = pair
		consumesSeat = false
	case pair != nil:
		const reactivate = `UPDATE enrollments SET status = $2, cancelled_at = NULL, completed_at = NULL, transferred_from_group_id = $3 WHERE id = $1`
		if _, err := tx.ExecContext(ctx, reactivate, pair.ID, models.EnrollmentStatusActive, sourceGroupID); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("reactivate destination enrollment: %w", err)
		}
		pair.Status = models.EnrollmentStatusActive
		pair.CancelledAt = nil
		pair.CompletedAt = nil
		pair.TransferredFromGroupID = &sourceGroupID
		dest = pair
	default:
		dest = &models.Enrollment{
			ID:                     uuid.NewString(),
			StudentID:              source.StudentID,
			GroupID:                newGroupID,
			Status:                 models.EnrollmentStatusActive,
			CreatedAt:              now,
			TransferredFromGroupID: &sourceGroupID,
		}
		const insert = `INSERT INTO enrollments (id, student_id, group_id, status, created_at, transferred_from_group_id)
        VALUES (:id, :student_id, :group_id, :status, :created_at, :transferred_from_group_id)`
		if _, err := tx.NamedExecContext(ctx, insert, dest); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, fmt.Errorf("insert destination enrollment: %w", err)
		}
	}

	if consumesSeat {
		if destGroup.EnrolledCount >= destGroup.Capacity {
			tx.Rollback() //nolint:errcheck
			return nil, appErrors.Clone(appErrors.ErrGroupFull, "target group has no remaining seats")
		}
		if err := bumpSeats(ctx, tx, newGroupID, +1); err != nil {
			tx.Rollback() //nolint:errcheck
			return nil, err
		}
	}

	const retire = `UPDATE enrollments SET status = $2, transferred_from_group_id = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, retire, source.ID, models.EnrollmentStatusTransferred, sourceGroupID); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("retire source enrollment: %w", err)
	}
	source.Status = models.EnrollmentStatusTransferred
	source.TransferredFromGroupID = &sourceGroupID

	if err := bumpSeats(ctx, tx, sourceGroupID, -1); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transfer: %w", err)
	}
	return &models.TransferResult{OldEnrollment: source, NewEnrollment: dest}, nil
}

// Complete marks an active enrollment finished and releases its seat.
func (r *EnrollmentRepository) Complete(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return r.finish(ctx, enrollmentID, models.EnrollmentStatusCompleted)
}

// Cancel withdraws an active enrollment and releases its seat.
func (r *EnrollmentRepository) Cancel(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	return r.finish(ctx, enrollmentID, models.EnrollmentStatusCancelled)
}

func (r *EnrollmentRepository) finish(ctx context.Context, enrollmentID string, status models.EnrollmentStatus) (*models.Enrollment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", strings.ToLower(string(status)), err)
	}

	enrollment, err := lockEnrollment(ctx, tx, enrollmentID)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		tx.Rollback() //nolint:errcheck
		return nil, appErrors.Clone(appErrors.ErrEnrollmentNotActive, "")
	}

	if _, err := lockGroup(ctx, tx, enrollment.GroupID); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}

	now := time.Now().UTC()
	var query string
	if status == models.EnrollmentStatusCompleted {
		query = `UPDATE enrollments SET status = $2, completed_at = $3 WHERE id = $1`
		enrollment.CompletedAt = &now
	} else {
		query = `UPDATE enrollments SET status = $2, cancelled_at = $3 WHERE id = $1`
		enrollment.CancelledAt = &now
	}
	if _, err := tx.ExecContext(ctx, query, enrollment.ID, status, now); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, fmt.Errorf("update enrollment status: %w", err)
	}
	enrollment.Status = status

	if err := bumpSeats(ctx, tx, enrollment.GroupID, -1); err != nil {
		tx.Rollback() //nolint:errcheck
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enrollment status: %w", err)
	}
	return enrollment, nil
}

func lockEnrollment(ctx context.Context, tx *sqlx.Tx, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`SELECT %s FROM enrollments WHERE id = $1 FOR UPDATE`, enrollmentColumns)
	var enrollment models.Enrollment
	if err := tx.GetContext(ctx, &enrollment, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrEnrollmentNotFound, "")
		}
		return nil, fmt.Errorf("lock enrollment: %w", err)
	}
	return &enrollment, nil
}

func lockGroup(ctx context.Context, tx *sqlx.Tx, id string) (*models.Group, error) {
	const query = `SELECT id, name, program, capacity, enrolled_count, is_active, is_archived, is_women_only, city, delivery_mode, time_slot, start_date, created_at, updated_at
        FROM groups WHERE id = $1 FOR UPDATE`
	var group models.Group
	if err := tx.GetContext(ctx, &group, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrGroupNotFound, "")
		}
		return nil, fmt.Errorf("lock group: %w", err)
	}
	return &group, nil
}

func programEnrollmentsTx(ctx context.Context, tx *sqlx.Tx, studentID string, program models.Program) ([]models.Enrollment, error) {
	const query = `SELECT e.id, e.student_id, e.group_id, e.status, e.created_at, e.completed_at, e.cancelled_at, e.transferred_from_group_id
        FROM enrollments e
        JOIN groups g ON g.id = e.group_id
        WHERE e.student_id = $1 AND g.program = $2`
	var enrollments []models.Enrollment
	if err := tx.SelectContext(ctx, &enrollments, query, studentID, program); err != nil {
		return nil, fmt.Errorf("load program enrollments: %w", err)
	}
	return enrollments, nil
}

func bumpSeats(ctx context.Context, tx *sqlx.Tx, groupID string, delta int) error {
	const query = `UPDATE groups SET enrolled_count = enrolled_count + $2, updated_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, groupID, delta, time.Now().UTC()); err != nil {
		return fmt.Errorf("update seat counter: %w", err)
	}
	return nil
}

func lockOrder(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}
