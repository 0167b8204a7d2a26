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
)

func newGroupRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return sqlxDB, mock, func() { _ = sqlxDB.Close() }
}

func TestGroupRepositoryListFiltersByProgramAndCity(t *testing.T) {
	db, mock, cleanup := newGroupRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM groups WHERE is_archived = false AND program = $1 AND LOWER(city) = LOWER($2)")).
		WithArgs(models.ProgramEvangelho, "Curitiba").
		WillReturnRows(groupRow("grp-1", 12, 5, true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM groups WHERE is_archived = false")).
		WithArgs(models.ProgramEvangelho, "Curitiba").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	groups, total, err := repo.List(context.Background(), models.GroupFilter{
		Program: models.ProgramEvangelho,
		City:    "Curitiba",
	})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "grp-1", groups[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryListAvailableExcludesWomenOnly(t *testing.T) {
	db, mock, cleanup := newGroupRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows(append(mockGroupColumns, "seats_remaining")).
		AddRow("grp-1", "Turma Centro", models.ProgramEvangelho, 12, 5, true,
			false, false, "Curitiba", models.DeliveryPresencial, "Qua 20h", now, now, now, 7)
	mock.ExpectQuery(regexp.QuoteMeta("AND g.is_women_only = false")).
		WithArgs("stu-1", models.EnrollmentStatusActive, models.EnrollmentStatusCompleted).
		WillReturnRows(rows)

	groups, err := repo.ListAvailableForStudent(context.Background(), "stu-1", true)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 7, groups[0].SeatsRemaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryExistsByName(t *testing.T) {
	db, mock, cleanup := newGroupRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM groups WHERE LOWER(name) = LOWER($1)")).
		WithArgs("Turma Centro").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	exists, err := repo.ExistsByName(context.Background(), "Turma Centro", "")
	require.NoError(t, err)
	assert.True(t, exists)

	mock.ExpectQuery(regexp.QuoteMeta("AND id <> $2")).
		WithArgs("Turma Nova", "grp-1").
		WillReturnError(sql.ErrNoRows)

	exists, err = repo.ExistsByName(context.Background(), "Turma Nova", "grp-1")
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryCreateAssignsID(t *testing.T) {
	db, mock, cleanup := newGroupRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO groups")).
		WithArgs(sqlmock.AnyArg(), "Turma Centro", models.ProgramEvangelho, 12, 0, true,
			false, false, "Curitiba", models.DeliveryPresencial, "Qua 20h",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	group := &models.Group{
		Name:         "Turma Centro",
		Program:      models.ProgramEvangelho,
		Capacity:     12,
		IsActive:     true,
		City:         "Curitiba",
		DeliveryMode: models.DeliveryPresencial,
		TimeSlot:     "Qua 20h",
		StartDate:    time.Now(),
	}
	require.NoError(t, repo.Create(context.Background(), group))
	assert.NotEmpty(t, group.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGroupRepositoryArchive(t *testing.T) {
	db, mock, cleanup := newGroupRepoMock(t)
	defer cleanup()
	repo := NewGroupRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE groups SET is_archived = true, is_active = false")).
		WithArgs("grp-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Archive(context.Background(), "grp-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
