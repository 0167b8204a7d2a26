package models

import "time"

// Gender values recognised for gender-restricted groups.
const (
	GenderFeminino  = "FEMININO"
	GenderMasculino = "MASCULINO"
)

// Student represents a registered participant. CPF is the natural key; phone
// is unique and email optional-unique. Students are never hard-deleted, only
// deactivated.
type Student struct {
	ID              string     `db:"id" json:"id"`
	FullName        string     `db:"full_name" json:"full_name"`
	CPF             string     `db:"cpf" json:"cpf"`
	Phone           string     `db:"phone" json:"phone"`
	Email           *string    `db:"email" json:"email,omitempty"`
	Gender          *string    `db:"gender" json:"gender,omitempty"`
	Active          bool       `db:"active" json:"active"`
	PriorityList    bool       `db:"priority_list" json:"priority_list"`
	PriorityGroupID *string    `db:"priority_group_id" json:"priority_group_id,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search       string
	GroupID      string
	Active       *bool
	PriorityOnly bool
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

// StudentDetail enriches Student with the current active enrollment, if any.
type StudentDetail struct {
	Student
	CurrentGroupID   *string    `db:"current_group_id" json:"current_group_id,omitempty"`
	CurrentGroupName *string    `db:"current_group_name" json:"current_group_name,omitempty"`
	CurrentProgram   *Program   `db:"current_program" json:"current_program,omitempty"`
	EnrolledAt       *time.Time `db:"enrolled_at" json:"enrolled_at,omitempty"`
}
