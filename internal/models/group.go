package models

import "time"

// Program identifies one of the fixed course categories. A student may hold at
// most one active enrollment per program at a time, and completion of a
// program is permanent.
type Program string

// The three program tracks offered by PG Repense.
const (
	ProgramEvangelho   Program = "EVANGELHO"
	ProgramIgreja      Program = "IGREJA"
	ProgramDiscipulado Program = "DISCIPULADO"
)

// Programs lists every valid program in display order.
var Programs = []Program{ProgramEvangelho, ProgramIgreja, ProgramDiscipulado}

// Valid reports whether p is a known program.
func (p Program) Valid() bool {
	switch p {
	case ProgramEvangelho, ProgramIgreja, ProgramDiscipulado:
		return true
	}
	return false
}

// DeliveryMode describes how group sessions are held.
type DeliveryMode string

// Supported delivery modes.
const (
	DeliveryPresencial DeliveryMode = "PRESENCIAL"
	DeliveryOnline     DeliveryMode = "ONLINE"
)

// Group represents one cohort offering within a program. EnrolledCount is the
// denormalized seat counter; it is maintained exclusively by the enrollment
// mutators inside their transactions and is the source of truth for remaining
// seats.
type Group struct {
	ID            string       `db:"id" json:"id"`
	Name          string       `db:"name" json:"name"`
	Program       Program      `db:"program" json:"program"`
	Capacity      int          `db:"capacity" json:"capacity"`
	EnrolledCount int          `db:"enrolled_count" json:"enrolled_count"`
	IsActive      bool         `db:"is_active" json:"is_active"`
	IsArchived    bool         `db:"is_archived" json:"is_archived"`
	IsWomenOnly   bool         `db:"is_women_only" json:"is_women_only"`
	City          string       `db:"city" json:"city"`
	DeliveryMode  DeliveryMode `db:"delivery_mode" json:"delivery_mode"`
	TimeSlot      string       `db:"time_slot" json:"time_slot"`
	StartDate     time.Time    `db:"start_date" json:"start_date"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at" json:"updated_at"`
}

// SeatsRemaining computes the free seats from the denormalized counter.
func (g *Group) SeatsRemaining() int {
	remaining := g.Capacity - g.EnrolledCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GroupFilter defines filter criteria for listing groups.
type GroupFilter struct {
	Program   Program
	City      string
	Active    *bool
	Search    string
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

// AvailableGroup is a group annotated with its computed free seats, as served
// by the availability projection.
type AvailableGroup struct {
	Group
	SeatsRemaining int `db:"seats_remaining" json:"seats_remaining"`
}

// AvailabilitySection groups available offerings by program and city for
// stable UI rendering.
type AvailabilitySection struct {
	Program Program          `json:"program"`
	City    string           `json:"city"`
	Groups  []AvailableGroup `json:"groups"`
}
