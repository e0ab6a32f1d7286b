package engine

import (
	"context"
	"sync"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/identity"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

// MockRecordStore is an in-memory RecordStore with optional overrides
type MockRecordStore struct {
	GetRecordFunc    func(ctx context.Context, employeeID, date string) (*attendance.Record, error)
	UpsertRecordFunc func(ctx context.Context, record *attendance.Record) error

	mu      sync.Mutex
	records map[string]*attendance.Record
	Upserts int
}

func NewMockRecordStore() *MockRecordStore {
	return &MockRecordStore{records: make(map[string]*attendance.Record)}
}

func (m *MockRecordStore) GetRecord(ctx context.Context, employeeID, date string) (*attendance.Record, error) {
	if m.GetRecordFunc != nil {
		return m.GetRecordFunc(ctx, employeeID, date)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[employeeID+"|"+date].Clone(), nil
}

func (m *MockRecordStore) UpsertRecord(ctx context.Context, record *attendance.Record) error {
	if m.UpsertRecordFunc != nil {
		return m.UpsertRecordFunc(ctx, record)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.EmployeeID+"|"+record.Date] = record.Clone()
	m.Upserts++
	return nil
}

func (m *MockRecordStore) Record(employeeID, date string) *attendance.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[employeeID+"|"+date].Clone()
}

// MockHeldStore is an in-memory HeldStore
type MockHeldStore struct {
	HoldPunchFunc func(ctx context.Context, reason HeldReason, punch attendance.PunchEvent) error

	mu     sync.Mutex
	nextID int64
	held   []HeldPunch
}

func NewMockHeldStore() *MockHeldStore {
	return &MockHeldStore{}
}

func (m *MockHeldStore) HoldPunch(ctx context.Context, reason HeldReason, punch attendance.PunchEvent) error {
	if m.HoldPunchFunc != nil {
		return m.HoldPunchFunc(ctx, reason, punch)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.held {
		if h.Punch.Key() == punch.Key() {
			return nil
		}
	}
	m.nextID++
	m.held = append(m.held, HeldPunch{ID: m.nextID, Reason: reason, Punch: punch})
	return nil
}

func (m *MockHeldStore) ListHeld(ctx context.Context, reason HeldReason, limit int) ([]HeldPunch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HeldPunch
	for _, h := range m.held {
		if h.Reason == reason {
			out = append(out, h)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockHeldStore) DeleteHeld(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.held[:0]
	for _, h := range m.held {
		if !drop[h.ID] {
			kept = append(kept, h)
		}
	}
	m.held = kept
	return nil
}

func (m *MockHeldStore) CountHeld(ctx context.Context, reason HeldReason) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, h := range m.held {
		if h.Reason == reason {
			count++
		}
	}
	return count, nil
}

// MockCursorStore is an in-memory cursor store
type MockCursorStore struct {
	SaveCursorFunc func(ctx context.Context, terminalID string, cursor terminal.Cursor) error

	mu      sync.Mutex
	cursors map[string]terminal.Cursor
	Saves   int
}

func NewMockCursorStore() *MockCursorStore {
	return &MockCursorStore{cursors: make(map[string]terminal.Cursor)}
}

func (m *MockCursorStore) LoadCursor(ctx context.Context, terminalID string) (terminal.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[terminalID], nil
}

func (m *MockCursorStore) SaveCursor(ctx context.Context, terminalID string, cursor terminal.Cursor) error {
	if m.SaveCursorFunc != nil {
		return m.SaveCursorFunc(ctx, terminalID, cursor)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[terminalID] = cursor
	m.Saves++
	return nil
}

func (m *MockCursorStore) Cursor(terminalID string) terminal.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[terminalID]
}

// MockIdentityStore is an in-memory identity.Store
type MockIdentityStore struct {
	GetMappingFunc func(ctx context.Context, terminalID, localUserID string) (*identity.Mapping, error)

	mu       sync.Mutex
	mappings map[string]*identity.Mapping
}

func NewMockIdentityStore() *MockIdentityStore {
	return &MockIdentityStore{mappings: make(map[string]*identity.Mapping)}
}

func (m *MockIdentityStore) Put(mapping *identity.Mapping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[mapping.TerminalID+"|"+mapping.LocalUserID] = mapping
}

func (m *MockIdentityStore) GetMapping(ctx context.Context, terminalID, localUserID string) (*identity.Mapping, error) {
	if m.GetMappingFunc != nil {
		return m.GetMappingFunc(ctx, terminalID, localUserID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappings[terminalID+"|"+localUserID], nil
}

func (m *MockIdentityStore) CreateMapping(ctx context.Context, mapping *identity.Mapping) (*identity.Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mapping.TerminalID + "|" + mapping.LocalUserID
	if existing, ok := m.mappings[key]; ok {
		return existing, nil
	}
	m.mappings[key] = mapping
	return mapping, nil
}

// MockSession replays a canned fetch result
type MockSession struct {
	FetchSinceFunc func(ctx context.Context, cursor terminal.Cursor) (*terminal.FetchResult, error)
	ListUsersFunc  func(ctx context.Context) ([]terminal.User, error)
	Closed         bool
}

func (m *MockSession) FetchSince(ctx context.Context, cursor terminal.Cursor) (*terminal.FetchResult, error) {
	if m.FetchSinceFunc != nil {
		return m.FetchSinceFunc(ctx, cursor)
	}
	return &terminal.FetchResult{}, nil
}

func (m *MockSession) ListUsers(ctx context.Context) ([]terminal.User, error) {
	if m.ListUsersFunc != nil {
		return m.ListUsersFunc(ctx)
	}
	return nil, nil
}

func (m *MockSession) Close() error {
	m.Closed = true
	return nil
}

// MockDialer hands out sessions per address
type MockDialer struct {
	DialFunc func(ctx context.Context, address string) (terminal.Session, error)
}

func (m *MockDialer) Dial(ctx context.Context, address string) (terminal.Session, error) {
	if m.DialFunc != nil {
		return m.DialFunc(ctx, address)
	}
	return &MockSession{}, nil
}

// MockSink records upserted records
type MockSink struct {
	mu      sync.Mutex
	Records []*attendance.Record
}

func (m *MockSink) RecordUpserted(record *attendance.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, record)
}
