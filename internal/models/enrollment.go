package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. ACTIVE is the only state that may be
// completed, cancelled or transferred out; COMPLETED is terminal; CANCELLED
// may be reactivated back to ACTIVE.
const (
	EnrollmentStatusActive      EnrollmentStatus = "ACTIVE"
	EnrollmentStatusCompleted   EnrollmentStatus = "COMPLETED"
	EnrollmentStatusCancelled   EnrollmentStatus = "CANCELLED"
	EnrollmentStatusTransferred EnrollmentStatus = "TRANSFERRED"
)

// Enrollment links a student to a group. At most one row exists per
// (student, group) pair; returning students reuse their old row instead of
// inserting a duplicate. TransferredFromGroupID is informational provenance
// only.
type Enrollment struct {
	ID                     string           `db:"id" json:"id"`
	StudentID              string           `db:"student_id" json:"student_id"`
	GroupID                string           `db:"group_id" json:"group_id"`
	Status                 EnrollmentStatus `db:"status" json:"status"`
	CreatedAt              time.Time        `db:"created_at" json:"created_at"`
	CompletedAt            *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt            *time.Time       `db:"cancelled_at" json:"cancelled_at,omitempty"`
	TransferredFromGroupID *string          `db:"transferred_from_group_id" json:"transferred_from_group_id,omitempty"`
}

// EnrollmentDetail enriches Enrollment with student and group info.
type EnrollmentDetail struct {
	Enrollment
	StudentName string  `db:"student_name" json:"student_name"`
	StudentCPF  string  `db:"student_cpf" json:"student_cpf"`
	GroupName   string  `db:"group_name" json:"group_name"`
	Program     Program `db:"program" json:"program"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	GroupID   string
	Program   Program
	Status    EnrollmentStatus
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// EnrollOptions tunes the validator's handling of previously cancelled
// enrollments in the same program.
type EnrollOptions struct {
	SkipCancelledCheck  bool
	ConfirmReEnrollment bool
}

// ValidationResult is the outcome of a read-only can-enroll query. When Code
// is PREVIOUSLY_CANCELLED, RequiresConfirmation is set and the caller may
// retry with explicit confirmation.
type ValidationResult struct {
	CanEnroll            bool        `json:"can_enroll"`
	Code                 string      `json:"code,omitempty"`
	Message              string      `json:"message,omitempty"`
	RequiresConfirmation bool        `json:"requires_confirmation,omitempty"`
	PreviousEnrollment   *Enrollment `json:"previous_enrollment,omitempty"`
}

// TransferResult carries the before/after pair so the HTTP layer can audit
// old and new values.
type TransferResult struct {
	OldEnrollment *Enrollment `json:"old_enrollment"`
	NewEnrollment *Enrollment `json:"new_enrollment"`
}
