package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
)

func newEnrollmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
	}
	return sqlxDB, mock, cleanup
}

var mockGroupColumns = []string{
	"id", "name", "program", "capacity", "enrolled_count", "is_active",
	"is_archived", "is_women_only", "city", "delivery_mode", "time_slot",
	"start_date", "created_at", "updated_at",
}

func groupRow(id string, capacity, enrolled int, active bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(mockGroupColumns).
		AddRow(id, "Turma Centro", models.ProgramEvangelho, capacity, enrolled, active,
			false, false, "Curitiba", models.DeliveryPresencial, "Qua 20h", now, now, now)
}

var mockEnrollmentColumns = []string{
	"id", "student_id", "group_id", "status", "created_at", "completed_at",
	"cancelled_at", "transferred_from_group_id",
}

func enrollmentRow(id, studentID, groupID string, status models.EnrollmentStatus) *sqlmock.Rows {
	return sqlmock.NewRows(mockEnrollmentColumns).
		AddRow(id, studentID, groupID, status, time.Now(), nil, nil, nil)
}

func TestEnrollmentRepositoryEnrollConsumesSeat(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-1").
		WillReturnRows(groupRow("grp-1", 12, 5, true))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.student_id = $1 AND g.program = $2")).
		WithArgs("stu-1", models.ProgramEvangelho).
		WillReturnRows(sqlmock.NewRows(mockEnrollmentColumns))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WithArgs(sqlmock.AnyArg(), "stu-1", "grp-1", models.EnrollmentStatusActive, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET enrolled_count = enrolled_count + $2")).
		WithArgs("grp-1", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment, err := repo.Enroll(context.Background(), "stu-1", "grp-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Equal(t, "grp-1", enrollment.GroupID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollFullGroupRollsBack(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-1").
		WillReturnRows(groupRow("grp-1", 12, 12, true))
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "grp-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "GROUP_FULL"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollReactivatesCancelledRow(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	cancelled := time.Now().Add(-24 * time.Hour)
	history := sqlmock.NewRows(mockEnrollmentColumns).
		AddRow("enr-old", "stu-1", "grp-1", models.EnrollmentStatusCancelled,
			time.Now().Add(-48*time.Hour), nil, cancelled, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-1").
		WillReturnRows(groupRow("grp-1", 12, 5, true))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.student_id = $1 AND g.program = $2")).
		WithArgs("stu-1", models.ProgramEvangelho).
		WillReturnRows(history)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, cancelled_at = NULL, completed_at = NULL WHERE id = $1")).
		WithArgs("enr-old", models.EnrollmentStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET enrolled_count = enrolled_count + $2")).
		WithArgs("grp-1", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment, err := repo.Enroll(context.Background(), "stu-1", "grp-1")
	require.NoError(t, err)
	assert.Equal(t, "enr-old", enrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Nil(t, enrollment.CancelledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollCompletedProgramRefused(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	done := time.Now().Add(-30 * 24 * time.Hour)
	history := sqlmock.NewRows(mockEnrollmentColumns).
		AddRow("enr-done", "stu-1", "grp-other", models.EnrollmentStatusCompleted,
			time.Now().Add(-60*24*time.Hour), done, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-1").
		WillReturnRows(groupRow("grp-1", 12, 5, true))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.student_id = $1 AND g.program = $2")).
		WithArgs("stu-1", models.ProgramEvangelho).
		WillReturnRows(history)
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "grp-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "ALREADY_COMPLETED"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryEnrollGroupNotFound(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.Enroll(context.Background(), "stu-1", "grp-missing")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "GROUP_NOT_FOUND"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryTransferMovesSeat(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-a", models.EnrollmentStatusActive))
	// Group rows are locked in ID order: grp-a before grp-b.
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-a").
		WillReturnRows(groupRow("grp-a", 12, 8, true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-b").
		WillReturnRows(groupRow("grp-b", 10, 4, true))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.student_id = $1 AND g.program = $2")).
		WithArgs("stu-1", models.ProgramEvangelho).
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-a", models.EnrollmentStatusActive))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WithArgs(sqlmock.AnyArg(), "stu-1", "grp-b", models.EnrollmentStatusActive, sqlmock.AnyArg(), "grp-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET enrolled_count = enrolled_count + $2")).
		WithArgs("grp-b", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, transferred_from_group_id = $3 WHERE id = $1")).
		WithArgs("enr-1", models.EnrollmentStatusTransferred, "grp-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET enrolled_count = enrolled_count + $2")).
		WithArgs("grp-a", -1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Transfer(context.Background(), "enr-1", "grp-b")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusTransferred, result.OldEnrollment.Status)
	assert.Equal(t, "grp-b", result.NewEnrollment.GroupID)
	require.NotNil(t, result.NewEnrollment.TransferredFromGroupID)
	assert.Equal(t, "grp-a", *result.NewEnrollment.TransferredFromGroupID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryTransferReusesActiveDestinationRow(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	// Student already holds an active row in the destination. The destination
	// is completely full: the transfer must still succeed because that row is
	// reused and no second seat is consumed there, while the source seat is
	// released as usual.
	history := sqlmock.NewRows(mockEnrollmentColumns).
		AddRow("enr-1", "stu-1", "grp-a", models.EnrollmentStatusActive, time.Now(), nil, nil, nil).
		AddRow("enr-2", "stu-1", "grp-b", models.EnrollmentStatusActive, time.Now(), nil, nil, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-a", models.EnrollmentStatusActive))
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-a").
		WillReturnRows(groupRow("grp-a", 12, 8, true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-b").
		WillReturnRows(groupRow("grp-b", 10, 10, true))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.student_id = $1 AND g.program = $2")).
		WithArgs("stu-1", models.ProgramEvangelho).
		WillReturnRows(history)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, transferred_from_group_id = $3 WHERE id = $1")).
		WithArgs("enr-1", models.EnrollmentStatusTransferred, "grp-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET enrolled_count = enrolled_count + $2")).
		WithArgs("grp-a", -1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := repo.Transfer(context.Background(), "enr-1", "grp-b")
	require.NoError(t, err)
	assert.Equal(t, "enr-2", result.NewEnrollment.ID)
	assert.Equal(t, models.EnrollmentStatusActive, result.NewEnrollment.Status)
	assert.Equal(t, models.EnrollmentStatusTransferred, result.OldEnrollment.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryTransferFullDestinationRollsBack(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-a", models.EnrollmentStatusActive))
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-a").
		WillReturnRows(groupRow("grp-a", 12, 8, true))
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-b").
		WillReturnRows(groupRow("grp-b", 10, 10, true))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.student_id = $1 AND g.program = $2")).
		WithArgs("stu-1", models.ProgramEvangelho).
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-a", models.EnrollmentStatusActive))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WithArgs(sqlmock.AnyArg(), "stu-1", "grp-b", models.EnrollmentStatusActive, sqlmock.AnyArg(), "grp-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := repo.Transfer(context.Background(), "enr-1", "grp-b")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "GROUP_FULL"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryTransferRejectsSameGroup(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-a", models.EnrollmentStatusActive))
	mock.ExpectRollback()

	_, err := repo.Transfer(context.Background(), "enr-1", "grp-a")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "CONFLICT"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCompleteReleasesSeat(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-1", models.EnrollmentStatusActive))
	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE id = $1 FOR UPDATE")).
		WithArgs("grp-1").
		WillReturnRows(groupRow("grp-1", 12, 6, true))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments SET status = $2, completed_at = $3 WHERE id = $1")).
		WithArgs("enr-1", models.EnrollmentStatusCompleted, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET enrolled_count = enrolled_count + $2")).
		WithArgs("grp-1", -1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment, err := repo.Complete(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)
	assert.NotNil(t, enrollment.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCancelRequiresActive(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1 FOR UPDATE")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentRow("enr-1", "stu-1", "grp-1", models.EnrollmentStatusCancelled))
	mock.ExpectRollback()

	_, err := repo.Cancel(context.Background(), "enr-1")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "ENROLLMENT_NOT_ACTIVE"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListByStudentAndProgram(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows(mockEnrollmentColumns).
		AddRow("enr-2", "stu-1", "grp-2", models.EnrollmentStatusActive, time.Now(), nil, nil, nil).
		AddRow("enr-1", "stu-1", "grp-1", models.EnrollmentStatusCancelled, time.Now().Add(-time.Hour), nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE e.student_id = $1 AND g.program = $2")).
		WithArgs("stu-1", models.ProgramIgreja).
		WillReturnRows(rows)

	enrollments, err := repo.ListByStudentAndProgram(context.Background(), "stu-1", models.ProgramIgreja)
	require.NoError(t, err)
	require.Len(t, enrollments, 2)
	assert.Equal(t, "enr-2", enrollments[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
