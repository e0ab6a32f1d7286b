// Package ingest pulls raw punches from terminals and guards the
// pipeline against double-application.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

// CursorStore persists per-terminal watermarks. SaveCursor must be an
// atomic single-row upsert.
type CursorStore interface {
	LoadCursor(ctx context.Context, terminalID string) (terminal.Cursor, error)
	SaveCursor(ctx context.Context, terminalID string, cursor terminal.Cursor) error
}

// DedupGuard guarantees a punch is applied at most once: a persisted
// per-terminal high-watermark plus a bounded cache of recently applied
// punch keys. The cache absorbs clock-skew duplicates from terminals
// re-sending already-acked data around the watermark; it is rebuilt
// empty on restart, which is safe because record writes are idempotent
// upserts.
type DedupGuard struct {
	store   CursorStore
	window  time.Duration
	maxKeys int
	logger  *zap.Logger

	mu         sync.Mutex
	watermarks map[string]terminal.Cursor
	loaded     map[string]bool
	recent     map[string]map[string]time.Time
}

// NewDedupGuard creates a guard. window bounds how far back recently
// seen keys are remembered; maxKeys caps the cache per terminal.
func NewDedupGuard(store CursorStore, window time.Duration, maxKeys int, logger *zap.Logger) *DedupGuard {
	return &DedupGuard{
		store:      store,
		window:     window,
		maxKeys:    maxKeys,
		logger:     logger,
		watermarks: make(map[string]terminal.Cursor),
		loaded:     make(map[string]bool),
		recent:     make(map[string]map[string]time.Time),
	}
}

// Watermark returns the terminal's committed cursor, loading it from
// the store on first use after start
func (g *DedupGuard) Watermark(ctx context.Context, terminalID string) (terminal.Cursor, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.loaded[terminalID] {
		cursor, err := g.store.LoadCursor(ctx, terminalID)
		if err != nil {
			return terminal.Cursor{}, fmt.Errorf("failed to load cursor for %s: %w", terminalID, err)
		}
		g.watermarks[terminalID] = cursor
		g.loaded[terminalID] = true
	}
	return g.watermarks[terminalID], nil
}

// IsNew reports whether the punch has not been applied before: it is
// strictly newer than the committed watermark and absent from the
// recent-keys cache
func (g *DedupGuard) IsNew(terminalID string, punch attendance.PunchEvent) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	watermark := g.watermarks[terminalID]
	at := terminal.Cursor{Timestamp: punch.Timestamp, Seq: punch.Seq}
	if !watermark.Before(at) {
		return false
	}
	if _, seen := g.recent[terminalID][punch.Key()]; seen {
		return false
	}
	return true
}

// MarkApplied records a punch key in the recent cache. Called after the
// punch has been handed to reconciliation.
func (g *DedupGuard) MarkApplied(terminalID string, punch attendance.PunchEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	keys := g.recent[terminalID]
	if keys == nil {
		keys = make(map[string]time.Time)
		g.recent[terminalID] = keys
	}
	keys[punch.Key()] = punch.Timestamp
	g.prune(terminalID)
}

// Commit durably advances the terminal's watermark. Called only after
// the corresponding record writes succeeded, never before; on crash the
// uncommitted tail is re-read and re-applied as a no-op. The lock stays
// held across the save so racing commits for one terminal cannot
// persist a smaller cursor after a larger one.
func (g *DedupGuard) Commit(ctx context.Context, terminalID string, watermark terminal.Cursor) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Watermarks are monotonically non-decreasing per terminal
	if !g.watermarks[terminalID].Before(watermark) {
		return nil
	}
	if err := g.store.SaveCursor(ctx, terminalID, watermark); err != nil {
		return fmt.Errorf("failed to save cursor for %s: %w", terminalID, err)
	}
	g.watermarks[terminalID] = watermark
	return nil
}

// prune drops cache entries older than the window, then evicts oldest
// entries down to maxKeys. Caller holds the lock.
func (g *DedupGuard) prune(terminalID string) {
	keys := g.recent[terminalID]
	cutoff := time.Now().Add(-g.window)
	for k, ts := range keys {
		if ts.Before(cutoff) {
			delete(keys, k)
		}
	}
	for len(keys) > g.maxKeys {
		var oldestKey string
		var oldest time.Time
		for k, ts := range keys {
			if oldestKey == "" || ts.Before(oldest) {
				oldestKey, oldest = k, ts
			}
		}
		delete(keys, oldestKey)
	}
}
