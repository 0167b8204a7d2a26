package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pg-repense/repense-api/internal/models"
)

// AttendanceRepository persists group session dates and presence marks.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// CreateSession records one dated meeting for a group.
func (r *AttendanceRepository) CreateSession(ctx context.Context, session *models.AttendanceSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO attendance_sessions (id, group_id, topic, held_at, created_at)
        VALUES (:id, :group_id, :topic, :held_at, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create attendance session: %w", err)
	}
	return nil
}

// FindSessionByID returns a session by its ID.
func (r *AttendanceRepository) FindSessionByID(ctx context.Context, id string) (*models.AttendanceSession, error) {
	const query = `SELECT id, group_id, topic, held_at, created_at FROM attendance_sessions WHERE id = $1`
	var session models.AttendanceSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessionsByGroup returns a group's sessions ordered by date.
func (r *AttendanceRepository) ListSessionsByGroup(ctx context.Context, groupID string) ([]models.AttendanceSession, error) {
	const query = `SELECT id, group_id, topic, held_at, created_at FROM attendance_sessions WHERE group_id = $1 ORDER BY held_at ASC`
	var sessions []models.AttendanceSession
	if err := r.db.SelectContext(ctx, &sessions, query, groupID); err != nil {
		return nil, fmt.Errorf("list attendance sessions: %w", err)
	}
	return sessions, nil
}

// UpsertRecords writes presence marks for a session in one transaction.
func (r *AttendanceRepository) UpsertRecords(ctx context.Context, records []models.AttendanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attendance upsert: %w", err)
	}
	for i := range records {
		if records[i].ID == "" {
			records[i].ID = uuid.NewString()
		}
		if records[i].CreatedAt.IsZero() {
			records[i].CreatedAt = time.Now().UTC()
		}
		const query = `INSERT INTO attendance_records (id, session_id, enrollment_id, present, note, created_at)
                VALUES (:id, :session_id, :enrollment_id, :present, :note, :created_at)
                ON CONFLICT (session_id, enrollment_id)
                DO UPDATE SET present = EXCLUDED.present, note = EXCLUDED.note`
		if _, err := tx.NamedExecContext(ctx, query, records[i]); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("upsert attendance record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit attendance records: %w", err)
	}
	return nil
}

// SummaryByGroup aggregates presence per enrollment across a group's
// sessions.
func (r *AttendanceRepository) SummaryByGroup(ctx context.Context, groupID string) ([]models.AttendanceSummary, error) {
	const query = `SELECT e.id AS enrollment_id, st.full_name AS student_name,
        COUNT(ar.id) AS sessions,
        COUNT(ar.id) FILTER (WHERE ar.present) AS attended
        FROM enrollments e
        JOIN students st ON st.id = e.student_id
        LEFT JOIN attendance_records ar ON ar.enrollment_id = e.id
        WHERE e.group_id = $1
        GROUP BY e.id, st.full_name
        ORDER BY st.full_name ASC`
	var summaries []models.AttendanceSummary
	if err := r.db.SelectContext(ctx, &summaries, query, groupID); err != nil {
		return nil, fmt.Errorf("attendance summary: %w", err)
	}
	return summaries, nil
}
