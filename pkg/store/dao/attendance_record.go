package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// AttendanceRecordDao maps directly to the 'attendance_records' table
// in PostgreSQL. At most one row exists per (employee_id, date),
// enforced by a unique index.
type AttendanceRecordDao struct {
	bun.BaseModel `bun:"table:attendance_records"`

	ID             int64      `json:"id" bun:",pk,autoincrement"`
	EmployeeID     string     `json:"employee_id" bun:"employee_id,notnull"`
	Date           string     `json:"date" bun:"date,notnull"`
	CheckIn        *time.Time `json:"check_in,omitempty" bun:"check_in"`
	CheckOut       *time.Time `json:"check_out,omitempty" bun:"check_out"`
	TotalHours     string     `json:"total_hours" bun:"total_hours,notnull,default:'0'"`
	Status         string     `json:"status" bun:"status,notnull"`
	DayStatus      string     `json:"day_status" bun:"day_status,notnull"`
	IsLate         bool       `json:"is_late" bun:"is_late"`
	LateMinutes    int        `json:"late_minutes" bun:"late_minutes"`
	Heuristic      bool       `json:"heuristic" bun:"heuristic"`
	SourceTerminal string     `json:"source_terminal" bun:"source_terminal"`
	AppliedKeys    []string   `json:"applied_keys" bun:"applied_keys,array"`
	CreatedAt      time.Time  `json:"created_at" bun:"created_at,nullzero,default:current_timestamp"`
	UpdatedAt      time.Time  `json:"updated_at" bun:"updated_at,nullzero,default:current_timestamp"`
}
