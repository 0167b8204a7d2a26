package models

import "time"

// AttendanceSession is one dated meeting of a group.
type AttendanceSession struct {
	ID        string    `db:"id" json:"id"`
	GroupID   string    `db:"group_id" json:"group_id"`
	Topic     string    `db:"topic" json:"topic"`
	HeldAt    time.Time `db:"held_at" json:"held_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// AttendanceRecord marks one enrollee's presence at a session.
type AttendanceRecord struct {
	ID           string    `db:"id" json:"id"`
	SessionID    string    `db:"session_id" json:"session_id"`
	EnrollmentID string    `db:"enrollment_id" json:"enrollment_id"`
	Present      bool      `db:"present" json:"present"`
	Note         string    `db:"note" json:"note"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// AttendanceSummary aggregates presence for one enrollment across a group's
// sessions.
type AttendanceSummary struct {
	EnrollmentID string `db:"enrollment_id" json:"enrollment_id"`
	StudentName  string `db:"student_name" json:"student_name"`
	Sessions     int    `db:"sessions" json:"sessions"`
	Attended     int    `db:"attended" json:"attended"`
}
