// Package attendance holds the canonical punch and attendance record
// domain model plus the reconciliation rules that fold a day's punches
// per employee into one record.
package attendance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is a punch's explicit direction tag, when the device
// provides one
type Direction string

const (
	DirectionIn      Direction = "in"
	DirectionOut     Direction = "out"
	DirectionUnknown Direction = ""
)

// PunchEvent is a single normalized scan, immutable once read.
// EmployeeID is filled in after identity resolution.
type PunchEvent struct {
	TerminalID  string
	LocalUserID string
	EmployeeID  string
	Timestamp   time.Time
	Seq         int64
	Direction   Direction
}

// Key returns the dedup key for a punch: terminal, local user and
// timestamp. Two reads of the same scan always produce the same key.
func (p PunchEvent) Key() string {
	return fmt.Sprintf("%s|%s|%s", p.TerminalID, p.LocalUserID, p.Timestamp.UTC().Format(time.RFC3339))
}

// Status classifies whether the employee showed up at all
type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// DayStatus classifies a day's attendance completeness
type DayStatus string

const (
	DayStatusComplete   DayStatus = "complete_day"
	DayStatusHalf       DayStatus = "half_day"
	DayStatusAbsent     DayStatus = "absent"
	DayStatusIncomplete DayStatus = "incomplete"
)

// Record is the authoritative per-employee-per-day attendance record.
// At most one exists per (employee, date); writes are idempotent
// upserts keyed by that pair.
type Record struct {
	EmployeeID string
	// Date is the calendar day in the work rules timezone, formatted
	// 2006-01-02.
	Date        string
	CheckIn     *time.Time
	CheckOut    *time.Time
	TotalHours  decimal.Decimal
	Status      Status
	DayStatus   DayStatus
	IsLate      bool
	LateMinutes int
	// Heuristic marks records paired by the first/last-punch fallback
	// rather than explicit direction tags.
	Heuristic      bool
	SourceTerminal string
	// AppliedKeys lists the punch keys already folded into this record.
	// Re-applying a punch whose key is present is a no-op.
	AppliedKeys []string
}

// HasKey reports whether the punch key is already applied
func (r *Record) HasKey(key string) bool {
	for _, k := range r.AppliedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.CheckIn != nil {
		t := *r.CheckIn
		out.CheckIn = &t
	}
	if r.CheckOut != nil {
		t := *r.CheckOut
		out.CheckOut = &t
	}
	out.AppliedKeys = append([]string(nil), r.AppliedKeys...)
	return &out
}
