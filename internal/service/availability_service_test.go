package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
)

type stubAvailabilityGroups struct {
	groups          []models.AvailableGroup
	lastExcludeFlag bool
	calls           int
}

func (s *stubAvailabilityGroups) ListAvailableForStudent(ctx context.Context, studentID string, excludeWomenOnly bool) ([]models.AvailableGroup, error) {
	s.calls++
	s.lastExcludeFlag = excludeWomenOnly
	return s.groups, nil
}

type stubAvailabilityStudents struct {
	student *models.StudentDetail
}

func (s *stubAvailabilityStudents) FindByID(ctx context.Context, id string) (*models.StudentDetail, error) {
	if s.student == nil {
		return nil, sql.ErrNoRows
	}
	return s.student, nil
}

type memoryCache struct {
	values      map[string][]models.AvailabilitySection
	invalidated int
}

func (c *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	if sections, ok := c.values[key]; ok {
		*dest.(*[]models.AvailabilitySection) = sections
		return nil
	}
	return appErrors.ErrCacheMiss
}

func (c *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.values == nil {
		c.values = make(map[string][]models.AvailabilitySection)
	}
	c.values[key] = value.([]models.AvailabilitySection)
	return nil
}

func (c *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	c.invalidated++
	c.values = nil
	return nil
}

type countingCacheRecorder struct {
	hits   int
	misses int
}

func (r *countingCacheRecorder) RecordCacheOperation(hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func availableGroup(id string, program models.Program, city string, seats int) models.AvailableGroup {
	g := models.AvailableGroup{SeatsRemaining: seats}
	g.ID = id
	g.Program = program
	g.City = city
	return g
}

func femaleStudent() *models.StudentDetail {
	s := &models.StudentDetail{}
	s.ID = "stu-1"
	gender := models.GenderFeminino
	s.Gender = &gender
	return s
}

func TestGetAvailableGroupsGroupsByProgramAndCity(t *testing.T) {
	groups := &stubAvailabilityGroups{groups: []models.AvailableGroup{
		availableGroup("g1", models.ProgramDiscipulado, "Olinda", 3),
		availableGroup("g2", models.ProgramDiscipulado, "Recife", 1),
		availableGroup("g3", models.ProgramDiscipulado, "Recife", 4),
		availableGroup("g4", models.ProgramIgreja, "Recife", 2),
	}}
	svc := NewAvailabilityService(groups, &stubAvailabilityStudents{student: femaleStudent()}, nil, nil, time.Minute, nil)

	sections, err := svc.GetAvailableGroups(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Len(t, sections, 3)
	assert.Equal(t, models.ProgramDiscipulado, sections[0].Program)
	assert.Equal(t, "Olinda", sections[0].City)
	assert.Len(t, sections[1].Groups, 2)
	assert.Equal(t, "Recife", sections[2].City)
	assert.Equal(t, models.ProgramIgreja, sections[2].Program)
	assert.False(t, groups.lastExcludeFlag, "women see women-only groups")
}

func TestGetAvailableGroupsHidesWomenOnlyForMen(t *testing.T) {
	groups := &stubAvailabilityGroups{}
	student := &models.StudentDetail{}
	student.ID = "stu-2"
	gender := models.GenderMasculino
	student.Gender = &gender
	svc := NewAvailabilityService(groups, &stubAvailabilityStudents{student: student}, nil, nil, time.Minute, nil)

	_, err := svc.GetAvailableGroups(context.Background(), "stu-2")
	require.NoError(t, err)
	assert.True(t, groups.lastExcludeFlag)
}

func TestGetAvailableGroupsUnknownStudent(t *testing.T) {
	svc := NewAvailabilityService(&stubAvailabilityGroups{}, &stubAvailabilityStudents{}, nil, nil, time.Minute, nil)

	_, err := svc.GetAvailableGroups(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "STUDENT_NOT_FOUND"))
}

func TestGetAvailableGroupsUsesCache(t *testing.T) {
	groups := &stubAvailabilityGroups{groups: []models.AvailableGroup{
		availableGroup("g1", models.ProgramEvangelho, "Recife", 2),
	}}
	cache := &memoryCache{}
	svc := NewAvailabilityService(groups, &stubAvailabilityStudents{student: femaleStudent()}, cache, nil, time.Minute, nil)
	ctx := context.Background()

	_, err := svc.GetAvailableGroups(ctx, "stu-1")
	require.NoError(t, err)
	_, err = svc.GetAvailableGroups(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 1, groups.calls, "second read should be served from cache")

	svc.InvalidateAvailability(ctx)
	assert.Equal(t, 1, cache.invalidated)

	_, err = svc.GetAvailableGroups(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 2, groups.calls)
}

func TestGetAvailableGroupsCountsCacheHitsAndMisses(t *testing.T) {
	groups := &stubAvailabilityGroups{groups: []models.AvailableGroup{
		availableGroup("g1", models.ProgramEvangelho, "Recife", 2),
	}}
	recorder := &countingCacheRecorder{}
	svc := NewAvailabilityService(groups, &stubAvailabilityStudents{student: femaleStudent()}, &memoryCache{}, recorder, time.Minute, nil)
	ctx := context.Background()

	_, err := svc.GetAvailableGroups(ctx, "stu-1")
	require.NoError(t, err)
	_, err = svc.GetAvailableGroups(ctx, "stu-1")
	require.NoError(t, err)

	assert.Equal(t, 1, recorder.misses)
	assert.Equal(t, 1, recorder.hits)
}
