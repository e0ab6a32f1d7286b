package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

// ErrUnknownTerminal rejects pushes for terminals not in the fleet
var ErrUnknownTerminal = fmt.Errorf("unknown terminal")

// PushOutcome reports per-record accept/reject counts for one push
// batch
type PushOutcome struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Held       int `json:"held"`
}

// IngestPush runs a pushed punch batch through the same dedup and
// reconciliation pipeline as the poll path, synchronously. The
// terminal's cursor advances only after the writes are durable.
func (e *Engine) IngestPush(ctx context.Context, terminalID string, punches []attendance.PunchEvent) (*PushOutcome, error) {
	if _, ok := e.Terminal(terminalID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTerminal, terminalID)
	}

	guard := e.ingestor.Guard()
	watermark, err := guard.Watermark(ctx, terminalID)
	if err != nil {
		return nil, err
	}

	sort.Slice(punches, func(a, b int) bool {
		return punches[a].Timestamp.Before(punches[b].Timestamp)
	})

	outcome := &PushOutcome{}
	now := time.Now()
	var fresh []attendance.PunchEvent
	for _, punch := range punches {
		if !guard.IsNew(terminalID, punch) {
			outcome.Duplicates++
			continue
		}

		at := terminal.Cursor{Timestamp: punch.Timestamp, Seq: punch.Seq}
		if e.ingestor.Skewed(now, punch.Timestamp) {
			if err := e.held.HoldPunch(ctx, HeldClockSkew, punch); err != nil {
				return nil, fmt.Errorf("failed to hold skewed punch: %w", err)
			}
			guard.MarkApplied(terminalID, punch)
			outcome.Held++
			if watermark.Before(at) {
				watermark = at
			}
			continue
		}

		fresh = append(fresh, punch)
		if watermark.Before(at) {
			watermark = at
		}
	}

	applied, held, err := e.applyPunches(ctx, fresh, "push")
	if err != nil {
		return nil, err
	}
	outcome.Accepted = applied
	outcome.Held += held

	if err := guard.Commit(ctx, terminalID, watermark); err != nil {
		return nil, err
	}
	return outcome, nil
}
