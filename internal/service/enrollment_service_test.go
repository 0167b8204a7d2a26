package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pg-repense/repense-api/internal/models"
	appErrors "github.com/pg-repense/repense-api/pkg/errors"
)

// fakeStore emulates the repository's transactional semantics in memory: the
// mutex plays the role of the row locks, so the capacity invariant holds under
// concurrent callers the same way it does against Postgres.
type fakeStore struct {
	mu          sync.Mutex
	groups      map[string]*models.Group
	students    map[string]*models.StudentDetail
	enrollments map[string]*models.Enrollment
	seq         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groups:      make(map[string]*models.Group),
		students:    make(map[string]*models.StudentDetail),
		enrollments: make(map[string]*models.Enrollment),
	}
}

func (f *fakeStore) addGroup(id string, program models.Program, capacity int, opts ...func(*models.Group)) {
	g := &models.Group{
		ID: id, Name: id, Program: program, Capacity: capacity,
		IsActive: true, City: "Recife", DeliveryMode: models.DeliveryPresencial,
		TimeSlot: "19:00", StartDate: time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	f.groups[id] = g
}

func (f *fakeStore) addStudent(id, gender string) {
	s := &models.StudentDetail{}
	s.ID = id
	s.FullName = "Student " + id
	s.CPF = fmt.Sprintf("%011d", len(f.students)+1)
	s.Active = true
	if gender != "" {
		g := gender
		s.Gender = &g
	}
	f.students[id] = s
}

func (f *fakeStore) nextID() string {
	f.seq++
	return fmt.Sprintf("enr-%d", f.seq)
}

func (f *fakeStore) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	return nil, 0, nil
}

func (f *fakeStore) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.enrollments[id]; ok {
		copied := *e
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeStore) FindDetailByID(ctx context.Context, id string) (*models.EnrollmentDetail, error) {
	e, err := f.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.EnrollmentDetail{Enrollment: *e}, nil
}

func (f *fakeStore) ListByStudentAndProgram(ctx context.Context, studentID string, program models.Program) ([]models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programRowsLocked(studentID, program, ""), nil
}

func (f *fakeStore) programRowsLocked(studentID string, program models.Program, excludeID string) []models.Enrollment {
	var rows []models.Enrollment
	for _, e := range f.enrollments {
		if e.StudentID != studentID || e.ID == excludeID {
			continue
		}
		if g, ok := f.groups[e.GroupID]; ok && g.Program == program {
			rows = append(rows, *e)
		}
	}
	return rows
}

func (f *fakeStore) Enroll(ctx context.Context, studentID, groupID string) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	group, ok := f.groups[groupID]
	if !ok {
		return nil, appErrors.ErrGroupNotFound
	}
	if !group.IsActive || group.IsArchived {
		return nil, appErrors.ErrGroupInactive
	}
	if group.EnrolledCount >= group.Capacity {
		return nil, appErrors.ErrGroupFull
	}

	var pair *models.Enrollment
	for _, row := range f.programRowsLocked(studentID, group.Program, "") {
		switch row.Status {
		case models.EnrollmentStatusCompleted:
			return nil, appErrors.ErrAlreadyCompleted
		case models.EnrollmentStatusActive:
			return nil, appErrors.ErrAlreadyEnrolled
		}
		if row.GroupID == groupID {
			stored := f.enrollments[row.ID]
			pair = stored
		}
	}

	var result *models.Enrollment
	if pair != nil {
		pair.Status = models.EnrollmentStatusActive
		pair.CancelledAt = nil
		pair.CompletedAt = nil
		result = pair
	} else {
		result = &models.Enrollment{
			ID: f.nextID(), StudentID: studentID, GroupID: groupID,
			Status: models.EnrollmentStatusActive, CreatedAt: time.Now(),
		}
		f.enrollments[result.ID] = result
	}
	group.EnrolledCount++
	copied := *result
	return &copied, nil
}

func (f *fakeStore) Transfer(ctx context.Context, enrollmentID, newGroupID string) (*models.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	source, ok := f.enrollments[enrollmentID]
	if !ok {
		return nil, appErrors.ErrEnrollmentNotFound
	}
	if source.Status != models.EnrollmentStatusActive {
		return nil, appErrors.ErrEnrollmentNotActive
	}
	if source.GroupID == newGroupID {
		return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment already in this group")
	}
	dest, ok := f.groups[newGroupID]
	if !ok {
		return nil, appErrors.ErrGroupNotFound
	}
	if !dest.IsActive || dest.IsArchived {
		return nil, appErrors.ErrGroupInactive
	}

	var pair *models.Enrollment
	for _, row := range f.programRowsLocked(source.StudentID, dest.Program, source.ID) {
		if row.Status == models.EnrollmentStatusCompleted {
			return nil, appErrors.ErrAlreadyCompleted
		}
		if row.GroupID == newGroupID {
			pair = f.enrollments[row.ID]
			continue
		}
		if row.Status == models.EnrollmentStatusActive {
			return nil, appErrors.ErrAlreadyEnrolled
		}
	}

	consumesSeat := true
	var target *models.Enrollment
	switch {
	case pair != nil && pair.Status == models.EnrollmentStatusActive:
		target = pair
		consumesSeat = false
	case pair != nil:
		pair.Status = models.EnrollmentStatusActive
		pair.CancelledAt = nil
		pair.CompletedAt = nil
		from := source.GroupID
		pair.TransferredFromGroupID = &from
		target = pair
	default:
		from := source.GroupID
		target = &models.Enrollment{
			ID: f.nextID(), StudentID: source.StudentID, GroupID: newGroupID,
			Status: models.EnrollmentStatusActive, CreatedAt: time.Now(),
			TransferredFromGroupID: &from,
		}
		f.enrollments[target.ID] = target
	}
	if consumesSeat {
		if dest.EnrolledCount >= dest.Capacity {
			return nil, appErrors.ErrGroupFull
		}
		dest.EnrolledCount++
	}

	sourceGroup := f.groups[source.GroupID]
	from := source.GroupID
	source.Status = models.EnrollmentStatusTransferred
	source.TransferredFromGroupID = &from
	sourceGroup.EnrolledCount--

	oldCopy := *source
	newCopy := *target
	return &models.TransferResult{OldEnrollment: &oldCopy, NewEnrollment: &newCopy}, nil
}

func (f *fakeStore) finish(id string, status models.EnrollmentStatus) (*models.Enrollment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.enrollments[id]
	if !ok {
		return nil, appErrors.ErrEnrollmentNotFound
	}
	if e.Status != models.EnrollmentStatusActive {
		return nil, appErrors.ErrEnrollmentNotActive
	}
	now := time.Now()
	e.Status = status
	if status == models.EnrollmentStatusCompleted {
		e.CompletedAt = &now
	} else {
		e.CancelledAt = &now
	}
	f.groups[e.GroupID].EnrolledCount--
	copied := *e
	return &copied, nil
}

func (f *fakeStore) Complete(ctx context.Context, id string) (*models.Enrollment, error) {
	return f.finish(id, models.EnrollmentStatusCompleted)
}

func (f *fakeStore) Cancel(ctx context.Context, id string) (*models.Enrollment, error) {
	return f.finish(id, models.EnrollmentStatusCancelled)
}

type fakeStudentReader struct{ store *fakeStore }

func (r *fakeStudentReader) FindByID(ctx context.Context, id string) (*models.StudentDetail, error) {
	if s, ok := r.store.students[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

type fakeGroupReader struct{ store *fakeStore }

func (r *fakeGroupReader) FindByID(ctx context.Context, id string) (*models.Group, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if g, ok := r.store.groups[id]; ok {
		copied := *g
		return &copied, nil
	}
	return nil, sql.ErrNoRows
}

type fakeSeatSink struct {
	mu    sync.Mutex
	freed []string
}

func (s *fakeSeatSink) SeatFreed(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freed = append(s.freed, groupID)
}

func newTestService(store *fakeStore) (*EnrollmentService, *fakeSeatSink) {
	sink := &fakeSeatSink{}
	svc := NewEnrollmentService(store, &fakeStudentReader{store: store}, &fakeGroupReader{store: store}, nil, sink, nil, nil, nil)
	return svc, sink
}

func TestValidateOrderedChecks(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderMasculino)
	store.addGroup("grp-1", models.ProgramEvangelho, 2)
	store.addGroup("grp-inactive", models.ProgramIgreja, 2, func(g *models.Group) { g.IsActive = false })
	store.addGroup("grp-full", models.ProgramIgreja, 1, func(g *models.Group) { g.EnrolledCount = 1 })
	store.addGroup("grp-women", models.ProgramDiscipulado, 5, func(g *models.Group) { g.IsWomenOnly = true })
	svc, _ := newTestService(store)
	ctx := context.Background()

	cases := []struct {
		name      string
		studentID string
		groupID   string
		wantCode  string
	}{
		{"unknown student", "ghost", "grp-1", "STUDENT_NOT_FOUND"},
		{"unknown group", "stu-1", "ghost", "GROUP_NOT_FOUND"},
		{"inactive group", "stu-1", "grp-inactive", "GROUP_INACTIVE"},
		{"full group", "stu-1", "grp-full", "GROUP_FULL"},
		{"women only", "stu-1", "grp-women", "WOMEN_ONLY_GROUP"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := svc.Validate(ctx, tc.studentID, tc.groupID, models.EnrollOptions{})
			require.NoError(t, err)
			assert.False(t, result.CanEnroll)
			assert.Equal(t, tc.wantCode, result.Code)
		})
	}

	result, err := svc.Validate(ctx, "stu-1", "grp-1", models.EnrollOptions{})
	require.NoError(t, err)
	assert.True(t, result.CanEnroll)
}

func TestValidateCapacityCheckedBeforeGenderRestriction(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderMasculino)
	store.addGroup("grp-1", models.ProgramEvangelho, 1, func(g *models.Group) {
		g.IsWomenOnly = true
		g.EnrolledCount = 1
	})
	svc, _ := newTestService(store)

	result, err := svc.Validate(context.Background(), "stu-1", "grp-1", models.EnrollOptions{})
	require.NoError(t, err)
	assert.Equal(t, "GROUP_FULL", result.Code)
}

func TestValidateProgramConflicts(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addGroup("grp-a", models.ProgramEvangelho, 5)
	store.addGroup("grp-b", models.ProgramEvangelho, 5)
	svc, _ := newTestService(store)
	ctx := context.Background()

	first, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-a"})
	require.NoError(t, err)

	// Active enrollment in the same program blocks even a different group.
	result, err := svc.Validate(ctx, "stu-1", "grp-b", models.EnrollOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ALREADY_ENROLLED", result.Code)
	require.NotNil(t, result.PreviousEnrollment)

	_, err = svc.Complete(ctx, first.ID)
	require.NoError(t, err)

	result, err = svc.Validate(ctx, "stu-1", "grp-b", models.EnrollOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ALREADY_COMPLETED", result.Code)

	// Completion is terminal: confirmation does not unlock it.
	result, err = svc.Validate(ctx, "stu-1", "grp-b", models.EnrollOptions{ConfirmReEnrollment: true})
	require.NoError(t, err)
	assert.Equal(t, "ALREADY_COMPLETED", result.Code)
}

func TestValidatePreviouslyCancelledSoftBlock(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addGroup("grp-a", models.ProgramIgreja, 5)
	svc, _ := newTestService(store)
	ctx := context.Background()

	enrollment, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-a"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, enrollment.ID)
	require.NoError(t, err)

	result, err := svc.Validate(ctx, "stu-1", "grp-a", models.EnrollOptions{})
	require.NoError(t, err)
	assert.False(t, result.CanEnroll)
	assert.Equal(t, "PREVIOUSLY_CANCELLED", result.Code)
	assert.True(t, result.RequiresConfirmation)
	require.NotNil(t, result.PreviousEnrollment)

	result, err = svc.Validate(ctx, "stu-1", "grp-a", models.EnrollOptions{ConfirmReEnrollment: true})
	require.NoError(t, err)
	assert.True(t, result.CanEnroll)

	result, err = svc.Validate(ctx, "stu-1", "grp-a", models.EnrollOptions{SkipCancelledCheck: true})
	require.NoError(t, err)
	assert.True(t, result.CanEnroll)
}

func TestEnrollReusesCancelledRow(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addGroup("grp-a", models.ProgramIgreja, 5)
	svc, _ := newTestService(store)
	ctx := context.Background()

	first, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-a"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, first.ID)
	require.NoError(t, err)

	second, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-a", ConfirmReEnrollment: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "returning student must reactivate the old row, not insert a duplicate")
	assert.Equal(t, models.EnrollmentStatusActive, second.Status)
	assert.Nil(t, second.CancelledAt)
	assert.Equal(t, 1, store.groups["grp-a"].EnrolledCount)
}

func TestEnrollGroupFullThenCancelFreesSeat(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addStudent("stu-2", models.GenderFeminino)
	store.addGroup("grp-a", models.ProgramEvangelho, 1)
	svc, sink := newTestService(store)
	ctx := context.Background()

	first, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-a"})
	require.NoError(t, err)

	_, err = svc.Enroll(ctx, EnrollRequest{StudentID: "stu-2", GroupID: "grp-a"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "GROUP_FULL"))

	_, err = svc.Cancel(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"grp-a"}, sink.freed)

	_, err = svc.Enroll(ctx, EnrollRequest{StudentID: "stu-2", GroupID: "grp-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, store.groups["grp-a"].EnrolledCount)
}

func TestTransferMovesSeatAtomically(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addGroup("grp-src", models.ProgramEvangelho, 5)
	store.addGroup("grp-dst", models.ProgramIgreja, 5)
	svc, sink := newTestService(store)
	ctx := context.Background()

	enrollment, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-src"})
	require.NoError(t, err)

	result, err := svc.Transfer(ctx, enrollment.ID, TransferRequest{NewGroupID: "grp-dst"})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusTransferred, result.OldEnrollment.Status)
	assert.Equal(t, models.EnrollmentStatusActive, result.NewEnrollment.Status)
	require.NotNil(t, result.NewEnrollment.TransferredFromGroupID)
	assert.Equal(t, "grp-src", *result.NewEnrollment.TransferredFromGroupID)
	assert.Equal(t, 0, store.groups["grp-src"].EnrolledCount)
	assert.Equal(t, 1, store.groups["grp-dst"].EnrolledCount)
	assert.Equal(t, []string{"grp-src"}, sink.freed)
}

func TestTransferIntoCompletedProgramIsRefused(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addGroup("grp-src", models.ProgramEvangelho, 5)
	store.addGroup("grp-done", models.ProgramIgreja, 5)
	store.addGroup("grp-dst", models.ProgramIgreja, 5)
	svc, _ := newTestService(store)
	ctx := context.Background()

	done, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-done"})
	require.NoError(t, err)
	_, err = svc.Complete(ctx, done.ID)
	require.NoError(t, err)

	src, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-src"})
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, src.ID, TransferRequest{NewGroupID: "grp-dst"})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "ALREADY_COMPLETED"))

	// Nothing moved: the source enrollment is still active and counters hold.
	assert.Equal(t, 1, store.groups["grp-src"].EnrolledCount)
	assert.Equal(t, 0, store.groups["grp-dst"].EnrolledCount)
	current, err := store.FindByID(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, current.Status)
}

func TestCompleteAndCancelRequireActive(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addGroup("grp-a", models.ProgramEvangelho, 5)
	svc, _ := newTestService(store)
	ctx := context.Background()

	enrollment, err := svc.Enroll(ctx, EnrollRequest{StudentID: "stu-1", GroupID: "grp-a"})
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, enrollment.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, enrollment.ID)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "ENROLLMENT_NOT_ACTIVE"))
	assert.Equal(t, 0, store.groups["grp-a"].EnrolledCount, "double cancel must not decrement twice")

	_, err = svc.Complete(ctx, enrollment.ID)
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "ENROLLMENT_NOT_ACTIVE"))

	_, err = svc.Complete(ctx, "missing")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, "ENROLLMENT_NOT_FOUND"))
}

func TestConcurrentEnrollSingleSeat(t *testing.T) {
	store := newFakeStore()
	store.addStudent("stu-1", models.GenderFeminino)
	store.addStudent("stu-2", models.GenderFeminino)
	store.addGroup("grp-a", models.ProgramEvangelho, 1)
	svc, _ := newTestService(store)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, studentID := range []string{"stu-1", "stu-2"} {
		wg.Add(1)
		go func(idx int, id string) {
			defer wg.Done()
			_, errs[idx] = svc.Enroll(context.Background(), EnrollRequest{StudentID: id, GroupID: "grp-a"})
		}(i, studentID)
	}
	wg.Wait()

	successes, fulls := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case appErrors.HasCode(err, "GROUP_FULL"):
			fulls++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, fulls)
	assert.Equal(t, 1, store.groups["grp-a"].EnrolledCount)
}

func TestEnrollValidatesPayload(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(store)

	_, err := svc.Enroll(context.Background(), EnrollRequest{})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation.Code))
}
