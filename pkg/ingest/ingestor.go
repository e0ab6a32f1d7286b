package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/config"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

// PullResult is one terminal's worth of new punches, already
// deduplicated and sorted ascending by timestamp
type PullResult struct {
	// Punches are the surviving events, time-ordered per terminal as
	// the pairing algorithm requires
	Punches []attendance.PunchEvent
	// Skewed are events with implausible timestamps, routed for manual
	// review rather than dropped or blindly accepted
	Skewed []attendance.PunchEvent
	// Duplicates counts events rejected by the dedup guard
	Duplicates int
	// Malformed counts device records that could not be parsed
	Malformed int
	// Watermark is the highest cursor observed across applied and
	// skewed punches; committed by the caller after durable writes
	Watermark terminal.Cursor
}

// Ingestor fetches raw punches from a terminal since the committed
// cursor and normalizes them into canonical punch events
type Ingestor struct {
	dialer        terminal.Dialer
	guard         *DedupGuard
	maxFutureSkew time.Duration
	maxPastSkew   time.Duration
	logger        *zap.Logger
}

// NewIngestor creates an ingestor
func NewIngestor(dialer terminal.Dialer, guard *DedupGuard, cfg config.IngestionConfig, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		dialer:        dialer,
		guard:         guard,
		maxFutureSkew: cfg.MaxFutureSkew,
		maxPastSkew:   cfg.MaxPastSkew,
		logger:        logger,
	}
}

// Guard exposes the dedup guard shared with the push ingestion path
func (i *Ingestor) Guard() *DedupGuard {
	return i.guard
}

// Pull opens a session to the terminal, fetches punches strictly newer
// than the committed cursor, and returns the deduplicated, time-ordered
// batch. The session is closed on every exit path. No retries here;
// retry policy belongs to the scheduler.
func (i *Ingestor) Pull(ctx context.Context, t config.TerminalConfig) (*PullResult, error) {
	cursor, err := i.guard.Watermark(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	address := fmt.Sprintf("%s:%d", t.Address, t.Port)
	session, err := i.dialer.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	fetched, err := session.FetchSince(ctx, cursor)
	if err != nil {
		return nil, err
	}

	result := &PullResult{Malformed: fetched.Malformed, Watermark: cursor}
	if fetched.Malformed > 0 {
		i.logger.Warn("Skipped malformed punch records",
			zap.String("terminal_id", t.ID),
			zap.Int("count", fetched.Malformed))
	}

	now := time.Now()
	for _, raw := range fetched.Punches {
		event := Normalize(t.ID, raw)
		if !i.guard.IsNew(t.ID, event) {
			result.Duplicates++
			continue
		}

		at := terminal.Cursor{Timestamp: event.Timestamp, Seq: event.Seq}
		if i.Skewed(now, event.Timestamp) {
			result.Skewed = append(result.Skewed, event)
			if result.Watermark.Before(at) {
				result.Watermark = at
			}
			continue
		}

		result.Punches = append(result.Punches, event)
		if result.Watermark.Before(at) {
			result.Watermark = at
		}
	}

	// Devices can return out-of-order batches; pairing requires
	// ascending timestamps
	sort.Slice(result.Punches, func(a, b int) bool {
		pa, pb := result.Punches[a], result.Punches[b]
		if pa.Timestamp.Equal(pb.Timestamp) {
			return pa.Seq < pb.Seq
		}
		return pa.Timestamp.Before(pb.Timestamp)
	})

	return result, nil
}

// Skewed reports whether a punch timestamp is implausibly far in the
// past or future
func (i *Ingestor) Skewed(now, ts time.Time) bool {
	if ts.After(now.Add(i.maxFutureSkew)) {
		return true
	}
	if ts.Before(now.Add(-i.maxPastSkew)) {
		return true
	}
	return false
}

// Normalize converts a raw device punch into the canonical event shape
func Normalize(terminalID string, raw terminal.RawPunch) attendance.PunchEvent {
	direction := attendance.DirectionUnknown
	switch raw.Direction {
	case "in":
		direction = attendance.DirectionIn
	case "out":
		direction = attendance.DirectionOut
	}
	return attendance.PunchEvent{
		TerminalID:  terminalID,
		LocalUserID: raw.LocalUserID,
		Timestamp:   raw.Timestamp.UTC(),
		Seq:         raw.Seq,
		Direction:   direction,
	}
}
