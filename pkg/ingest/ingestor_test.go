package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/config"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

type stubSession struct {
	result *terminal.FetchResult
	err    error
	closed bool
}

func (s *stubSession) FetchSince(ctx context.Context, cursor terminal.Cursor) (*terminal.FetchResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubSession) ListUsers(ctx context.Context) ([]terminal.User, error) { return nil, nil }

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

type stubDialer struct {
	session *stubSession
	err     error
	address string
}

func (d *stubDialer) Dial(ctx context.Context, address string) (terminal.Session, error) {
	d.address = address
	if d.err != nil {
		return nil, d.err
	}
	return d.session, nil
}

func ingestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		DedupWindow:   24 * time.Hour,
		DedupMaxKeys:  1000,
		MaxFutureSkew: 24 * time.Hour,
		MaxPastSkew:   168 * time.Hour,
	}
}

func TestPull_NormalizesSortsAndSetsWatermark(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	session := &stubSession{result: &terminal.FetchResult{
		Punches: []terminal.RawPunch{
			// Out of order on purpose
			{LocalUserID: "2", Timestamp: now.Add(-time.Hour), Seq: 7, Direction: "out"},
			{LocalUserID: "1", Timestamp: now.Add(-2 * time.Hour), Seq: 5, Direction: "in"},
		},
		Malformed: 1,
	}}
	dialer := &stubDialer{session: session}

	guard := NewDedupGuard(newMemCursorStore(), 24*time.Hour, 100, zap.NewNop())
	ingestor := NewIngestor(dialer, guard, ingestionConfig(), zap.NewNop())

	result, err := ingestor.Pull(context.Background(), config.TerminalConfig{ID: "term-1", Address: "10.0.0.5", Port: 4370})
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5:4370", dialer.address)
	assert.True(t, session.closed, "session must be closed")
	assert.Equal(t, 1, result.Malformed)

	require.Len(t, result.Punches, 2)
	assert.Equal(t, "1", result.Punches[0].LocalUserID)
	assert.Equal(t, attendance.DirectionIn, result.Punches[0].Direction)
	assert.Equal(t, "2", result.Punches[1].LocalUserID)
	assert.Equal(t, "term-1", result.Punches[0].TerminalID)

	assert.True(t, result.Watermark.Timestamp.Equal(now.Add(-time.Hour)))
	assert.Equal(t, int64(7), result.Watermark.Seq)
}

func TestPull_CountsDuplicates(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	raw := terminal.RawPunch{LocalUserID: "1", Timestamp: now.Add(-time.Hour), Seq: 1, Direction: "in"}
	session := &stubSession{result: &terminal.FetchResult{Punches: []terminal.RawPunch{raw}}}
	dialer := &stubDialer{session: session}

	guard := NewDedupGuard(newMemCursorStore(), 24*time.Hour, 100, zap.NewNop())
	ingestor := NewIngestor(dialer, guard, ingestionConfig(), zap.NewNop())
	cfg := config.TerminalConfig{ID: "term-1", Address: "10.0.0.5", Port: 4370}

	result, err := ingestor.Pull(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, result.Punches, 1)
	guard.MarkApplied("term-1", result.Punches[0])

	again, err := ingestor.Pull(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, again.Punches)
	assert.Equal(t, 1, again.Duplicates)
}

func TestPull_SplitsSkewedPunches(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	session := &stubSession{result: &terminal.FetchResult{
		Punches: []terminal.RawPunch{
			{LocalUserID: "1", Timestamp: now.Add(-time.Hour), Seq: 1, Direction: "in"},
			{LocalUserID: "1", Timestamp: now.Add(72 * time.Hour), Seq: 2, Direction: "out"},
			{LocalUserID: "1", Timestamp: now.Add(-400 * time.Hour), Seq: 3},
		},
	}}
	dialer := &stubDialer{session: session}

	guard := NewDedupGuard(newMemCursorStore(), 24*time.Hour, 100, zap.NewNop())
	ingestor := NewIngestor(dialer, guard, ingestionConfig(), zap.NewNop())

	result, err := ingestor.Pull(context.Background(), config.TerminalConfig{ID: "term-1", Address: "10.0.0.5", Port: 4370})
	require.NoError(t, err)

	assert.Len(t, result.Punches, 1)
	assert.Len(t, result.Skewed, 2)
	// Skewed punches still advance the watermark so they are not
	// re-fetched forever
	assert.True(t, result.Watermark.Timestamp.Equal(now.Add(72*time.Hour)))
}

func TestPull_DialFailurePropagates(t *testing.T) {
	dialer := &stubDialer{err: terminal.ErrUnreachable}
	guard := NewDedupGuard(newMemCursorStore(), 24*time.Hour, 100, zap.NewNop())
	ingestor := NewIngestor(dialer, guard, ingestionConfig(), zap.NewNop())

	_, err := ingestor.Pull(context.Background(), config.TerminalConfig{ID: "term-1", Address: "10.0.0.5", Port: 4370})
	assert.ErrorIs(t, err, terminal.ErrUnreachable)
}

func TestNormalize(t *testing.T) {
	ts := time.Date(2024, 3, 11, 9, 0, 0, 0, time.FixedZone("IST", 19800))
	event := Normalize("term-1", terminal.RawPunch{LocalUserID: "42", Timestamp: ts, Seq: 3, Direction: "in"})

	assert.Equal(t, "term-1", event.TerminalID)
	assert.Equal(t, time.UTC, event.Timestamp.Location())
	assert.Equal(t, attendance.DirectionIn, event.Direction)

	unknown := Normalize("term-1", terminal.RawPunch{LocalUserID: "42", Timestamp: ts, Seq: 4, Direction: ""})
	assert.Equal(t, attendance.DirectionUnknown, unknown.Direction)
}
