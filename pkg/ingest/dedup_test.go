package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

type memCursorStore struct {
	mu       sync.Mutex
	cursors  map[string]terminal.Cursor
	saves    int
	saveErr  error
	saveGate func() // runs before the first save, then disarms
}

func newMemCursorStore() *memCursorStore {
	return &memCursorStore{cursors: make(map[string]terminal.Cursor)}
}

func (s *memCursorStore) LoadCursor(ctx context.Context, terminalID string) (terminal.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[terminalID], nil
}

func (s *memCursorStore) SaveCursor(ctx context.Context, terminalID string, cursor terminal.Cursor) error {
	s.mu.Lock()
	gate := s.saveGate
	s.saveGate = nil
	s.mu.Unlock()
	if gate != nil {
		gate()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.cursors[terminalID] = cursor
	s.saves++
	return nil
}

func punch(ts time.Time, seq int64) attendance.PunchEvent {
	return attendance.PunchEvent{
		TerminalID:  "term-1",
		LocalUserID: "42",
		Timestamp:   ts,
		Seq:         seq,
	}
}

func TestDedupGuard_WatermarkRejectsOldPunches(t *testing.T) {
	store := newMemCursorStore()
	base := time.Now().UTC().Truncate(time.Second)
	store.cursors["term-1"] = terminal.Cursor{Timestamp: base, Seq: 3}

	guard := NewDedupGuard(store, 24*time.Hour, 100, zap.NewNop())
	_, err := guard.Watermark(context.Background(), "term-1")
	require.NoError(t, err)

	assert.False(t, guard.IsNew("term-1", punch(base.Add(-time.Minute), 1)), "older than watermark")
	assert.False(t, guard.IsNew("term-1", punch(base, 3)), "equal to watermark")
	assert.True(t, guard.IsNew("term-1", punch(base, 4)), "same timestamp, later seq")
	assert.True(t, guard.IsNew("term-1", punch(base.Add(time.Minute), 1)))
}

func TestDedupGuard_RecentCacheCatchesResends(t *testing.T) {
	guard := NewDedupGuard(newMemCursorStore(), 24*time.Hour, 100, zap.NewNop())
	_, err := guard.Watermark(context.Background(), "term-1")
	require.NoError(t, err)

	p := punch(time.Now().UTC(), 1)
	require.True(t, guard.IsNew("term-1", p))

	guard.MarkApplied("term-1", p)
	assert.False(t, guard.IsNew("term-1", p), "applied punch must not be new")
}

func TestDedupGuard_CommitIsMonotonic(t *testing.T) {
	store := newMemCursorStore()
	guard := NewDedupGuard(store, 24*time.Hour, 100, zap.NewNop())
	ctx := context.Background()
	_, err := guard.Watermark(ctx, "term-1")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	high := terminal.Cursor{Timestamp: base, Seq: 5}
	require.NoError(t, guard.Commit(ctx, "term-1", high))
	assert.Equal(t, 1, store.saves)

	// Committing an older cursor is a silent no-op, never a regression
	low := terminal.Cursor{Timestamp: base.Add(-time.Hour), Seq: 1}
	require.NoError(t, guard.Commit(ctx, "term-1", low))
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, high, store.cursors["term-1"])
}

// A push and a poll can commit for the same terminal at once. The
// smaller watermark must never be persisted after the larger one.
func TestDedupGuard_RacingCommitsKeepLargestWatermark(t *testing.T) {
	store := newMemCursorStore()
	guard := NewDedupGuard(store, 24*time.Hour, 100, zap.NewNop())
	ctx := context.Background()
	_, err := guard.Watermark(ctx, "term-1")
	require.NoError(t, err)

	base := time.Now().UTC().Truncate(time.Second)
	high := terminal.Cursor{Timestamp: base, Seq: 5}
	low := terminal.Cursor{Timestamp: base.Add(-time.Hour), Seq: 1}

	entered := make(chan struct{})
	release := make(chan struct{})
	store.mu.Lock()
	store.saveGate = func() {
		close(entered)
		<-release
	}
	store.mu.Unlock()

	highDone := make(chan error, 1)
	go func() { highDone <- guard.Commit(ctx, "term-1", high) }()
	<-entered

	// The competing smaller commit arrives while the larger save is
	// still in flight
	lowDone := make(chan error, 1)
	go func() { lowDone <- guard.Commit(ctx, "term-1", low) }()

	close(release)
	require.NoError(t, <-highDone)
	require.NoError(t, <-lowDone)

	assert.Equal(t, 1, store.saves, "the stale commit must not reach the store")
	assert.Equal(t, high, store.cursors["term-1"])
}

func TestDedupGuard_CommitFailureLeavesWatermark(t *testing.T) {
	store := newMemCursorStore()
	store.saveErr = fmt.Errorf("connection reset")
	guard := NewDedupGuard(store, 24*time.Hour, 100, zap.NewNop())
	ctx := context.Background()
	_, err := guard.Watermark(ctx, "term-1")
	require.NoError(t, err)

	p := punch(time.Now().UTC(), 1)
	err = guard.Commit(ctx, "term-1", terminal.Cursor{Timestamp: p.Timestamp, Seq: p.Seq})
	require.Error(t, err)

	// Uncommitted: the punch still counts as new on re-read paths that
	// only consult the watermark
	watermark, err := guard.Watermark(ctx, "term-1")
	require.NoError(t, err)
	assert.True(t, watermark.IsZero())
}

func TestDedupGuard_CacheEvictsDownToMaxKeys(t *testing.T) {
	guard := NewDedupGuard(newMemCursorStore(), 24*time.Hour, 5, zap.NewNop())
	_, err := guard.Watermark(context.Background(), "term-1")
	require.NoError(t, err)

	base := time.Now().UTC()
	for i := 0; i < 10; i++ {
		p := attendance.PunchEvent{
			TerminalID:  "term-1",
			LocalUserID: fmt.Sprintf("u%d", i),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Seq:         int64(i),
		}
		guard.MarkApplied("term-1", p)
	}

	guard.mu.Lock()
	size := len(guard.recent["term-1"])
	guard.mu.Unlock()
	assert.LessOrEqual(t, size, 5)

	// The newest keys survive eviction
	newest := attendance.PunchEvent{
		TerminalID:  "term-1",
		LocalUserID: "u9",
		Timestamp:   base.Add(9 * time.Minute),
		Seq:         9,
	}
	assert.False(t, guard.IsNew("term-1", newest))
}
