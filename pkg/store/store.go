// Package store is the PostgreSQL persistence layer: attendance
// records, terminal cursors, employee mappings and the held-punch
// queue, all behind the interfaces the engine consumes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/engine"
	"github.com/pulsehr/attendance-engine/pkg/identity"
	"github.com/pulsehr/attendance-engine/pkg/store/dao"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the engine's
// persistence collaborators
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

func (s *pgStore) GetRecord(ctx context.Context, employeeID, date string) (*attendance.Record, error) {
	row := new(dao.AttendanceRecordDao)
	err := s.db.NewSelect().
		Model(row).
		Where("employee_id = ?", employeeID).
		Where("date = ?", date).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get attendance record: %w", err)
	}
	return toRecord(row)
}

func (s *pgStore) UpsertRecord(ctx context.Context, record *attendance.Record) error {
	row := toRecordDao(record)
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (employee_id, date) DO UPDATE").
		Set("check_in = EXCLUDED.check_in").
		Set("check_out = EXCLUDED.check_out").
		Set("total_hours = EXCLUDED.total_hours").
		Set("status = EXCLUDED.status").
		Set("day_status = EXCLUDED.day_status").
		Set("is_late = EXCLUDED.is_late").
		Set("late_minutes = EXCLUDED.late_minutes").
		Set("heuristic = EXCLUDED.heuristic").
		Set("source_terminal = EXCLUDED.source_terminal").
		Set("applied_keys = EXCLUDED.applied_keys").
		Set("updated_at = NOW()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert attendance record: %w", err)
	}
	return nil
}

// ListRecords returns records filtered by employee and/or date, newest
// date first. Both filters are optional.
func (s *pgStore) ListRecords(ctx context.Context, employeeID, date string, limit int) ([]*attendance.Record, error) {
	var rows []dao.AttendanceRecordDao
	query := s.db.NewSelect().Model(&rows).Order("date DESC", "employee_id ASC")
	if employeeID != "" {
		query = query.Where("employee_id = ?", employeeID)
	}
	if date != "" {
		query = query.Where("date = ?", date)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list attendance records: %w", err)
	}

	records := make([]*attendance.Record, 0, len(rows))
	for i := range rows {
		record, err := toRecord(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *pgStore) LoadCursor(ctx context.Context, terminalID string) (terminal.Cursor, error) {
	row := new(dao.TerminalCursorDao)
	err := s.db.NewSelect().
		Model(row).
		Where("terminal_id = ?", terminalID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return terminal.Cursor{}, nil
		}
		return terminal.Cursor{}, fmt.Errorf("failed to load cursor: %w", err)
	}
	return terminal.Cursor{Timestamp: row.LastPunchAt, Seq: row.LastSeq}, nil
}

func (s *pgStore) SaveCursor(ctx context.Context, terminalID string, cursor terminal.Cursor) error {
	row := &dao.TerminalCursorDao{
		TerminalID:  terminalID,
		LastPunchAt: cursor.Timestamp,
		LastSeq:     cursor.Seq,
	}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (terminal_id) DO UPDATE").
		Set("last_punch_at = EXCLUDED.last_punch_at").
		Set("last_seq = EXCLUDED.last_seq").
		Set("updated_at = NOW()").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (s *pgStore) GetMapping(ctx context.Context, terminalID, localUserID string) (*identity.Mapping, error) {
	row := new(dao.EmployeeMappingDao)
	err := s.db.NewSelect().
		Model(row).
		Where("terminal_id = ?", terminalID).
		Where("local_user_id = ?", localUserID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return toMapping(row), nil
}

func (s *pgStore) CreateMapping(ctx context.Context, mapping *identity.Mapping) (*identity.Mapping, error) {
	row := &dao.EmployeeMappingDao{
		TerminalID:  mapping.TerminalID,
		LocalUserID: mapping.LocalUserID,
		EmployeeID:  mapping.EmployeeID,
		State:       string(mapping.State),
		DisplayName: mapping.DisplayName,
		CreatedAt:   mapping.CreatedAt,
	}

	// DO NOTHING plus re-read keeps the call an atomic get-or-create:
	// a lost insert race resolves to the winner's row.
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (terminal_id, local_user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create mapping: %w", err)
	}

	created, err := s.GetMapping(ctx, mapping.TerminalID, mapping.LocalUserID)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, fmt.Errorf("mapping vanished after insert for terminal %s local id %s", mapping.TerminalID, mapping.LocalUserID)
	}
	return created, nil
}

func (s *pgStore) HoldPunch(ctx context.Context, reason engine.HeldReason, punch attendance.PunchEvent) error {
	row := &dao.HeldPunchDao{
		Reason:      string(reason),
		TerminalID:  punch.TerminalID,
		LocalUserID: punch.LocalUserID,
		PunchAt:     punch.Timestamp,
		Seq:         punch.Seq,
		Direction:   string(punch.Direction),
	}
	_, err := s.db.NewInsert().
		Model(row).
		On("CONFLICT (terminal_id, local_user_id, punch_at) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to hold punch: %w", err)
	}
	return nil
}

func (s *pgStore) ListHeld(ctx context.Context, reason engine.HeldReason, limit int) ([]engine.HeldPunch, error) {
	var rows []dao.HeldPunchDao
	query := s.db.NewSelect().
		Model(&rows).
		Where("reason = ?", string(reason)).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("failed to list held punches: %w", err)
	}

	held := make([]engine.HeldPunch, 0, len(rows))
	for i := range rows {
		held = append(held, toHeldPunch(&rows[i]))
	}
	return held, nil
}

func (s *pgStore) DeleteHeld(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*dao.HeldPunchDao)(nil)).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete held punches: %w", err)
	}
	return nil
}

func (s *pgStore) CountHeld(ctx context.Context, reason engine.HeldReason) (int, error) {
	count, err := s.db.NewSelect().
		Model((*dao.HeldPunchDao)(nil)).
		Where("reason = ?", string(reason)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count held punches: %w", err)
	}
	return count, nil
}

func toRecord(row *dao.AttendanceRecordDao) (*attendance.Record, error) {
	hours, err := decimal.NewFromString(row.TotalHours)
	if err != nil {
		return nil, fmt.Errorf("invalid total_hours %q for employee %s on %s: %w", row.TotalHours, row.EmployeeID, row.Date, err)
	}
	return &attendance.Record{
		EmployeeID:     row.EmployeeID,
		Date:           row.Date,
		CheckIn:        cloneTime(row.CheckIn),
		CheckOut:       cloneTime(row.CheckOut),
		TotalHours:     hours,
		Status:         attendance.Status(row.Status),
		DayStatus:      attendance.DayStatus(row.DayStatus),
		IsLate:         row.IsLate,
		LateMinutes:    row.LateMinutes,
		Heuristic:      row.Heuristic,
		SourceTerminal: row.SourceTerminal,
		AppliedKeys:    append([]string(nil), row.AppliedKeys...),
	}, nil
}

func toRecordDao(record *attendance.Record) *dao.AttendanceRecordDao {
	return &dao.AttendanceRecordDao{
		EmployeeID:     record.EmployeeID,
		Date:           record.Date,
		CheckIn:        cloneTime(record.CheckIn),
		CheckOut:       cloneTime(record.CheckOut),
		TotalHours:     record.TotalHours.String(),
		Status:         string(record.Status),
		DayStatus:      string(record.DayStatus),
		IsLate:         record.IsLate,
		LateMinutes:    record.LateMinutes,
		Heuristic:      record.Heuristic,
		SourceTerminal: record.SourceTerminal,
		AppliedKeys:    append([]string(nil), record.AppliedKeys...),
	}
}

func toMapping(row *dao.EmployeeMappingDao) *identity.Mapping {
	return &identity.Mapping{
		EmployeeID:  row.EmployeeID,
		TerminalID:  row.TerminalID,
		LocalUserID: row.LocalUserID,
		State:       identity.State(row.State),
		DisplayName: row.DisplayName,
		CreatedAt:   row.CreatedAt,
	}
}

func toHeldPunch(row *dao.HeldPunchDao) engine.HeldPunch {
	return engine.HeldPunch{
		ID:     row.ID,
		Reason: engine.HeldReason(row.Reason),
		Punch: attendance.PunchEvent{
			TerminalID:  row.TerminalID,
			LocalUserID: row.LocalUserID,
			Timestamp:   row.PunchAt,
			Seq:         row.Seq,
			Direction:   attendance.Direction(row.Direction),
		},
		HeldAt: row.HeldAt,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
