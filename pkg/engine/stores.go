package engine

import (
	"context"
	"time"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
)

// RecordStore persists attendance records. UpsertRecord must be an
// atomic upsert keyed by (employee, date).
type RecordStore interface {
	// GetRecord returns nil when no record exists for the key
	GetRecord(ctx context.Context, employeeID, date string) (*attendance.Record, error)
	UpsertRecord(ctx context.Context, record *attendance.Record) error
}

// HeldReason classifies why a punch is parked instead of reconciled
type HeldReason string

const (
	// HeldUnmapped marks punches waiting for an employee mapping
	HeldUnmapped HeldReason = "unmapped"
	// HeldClockSkew marks punches with implausible timestamps, routed
	// for manual review
	HeldClockSkew HeldReason = "clock_skew"
)

// HeldPunch is a punch preserved for later resolution
type HeldPunch struct {
	ID     int64
	Reason HeldReason
	Punch  attendance.PunchEvent
	HeldAt time.Time
}

// HeldStore is the pending-punch queue. Punches are never silently
// discarded; they sit here until resolvable or manually reviewed.
type HeldStore interface {
	HoldPunch(ctx context.Context, reason HeldReason, punch attendance.PunchEvent) error
	ListHeld(ctx context.Context, reason HeldReason, limit int) ([]HeldPunch, error)
	DeleteHeld(ctx context.Context, ids []int64) error
	CountHeld(ctx context.Context, reason HeldReason) (int, error)
}

// RecordSink receives every upserted attendance record. Reporting,
// salary and notification collaborators subscribe through this.
type RecordSink interface {
	RecordUpserted(record *attendance.Record)
}
