// Package engine drives the recurring poll cycle across the terminal
// fleet and owns the reconciliation pipeline shared with the push
// ingestion entry point.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pulsehr/attendance-engine/internal/metrics"
	"github.com/pulsehr/attendance-engine/pkg/attendance"
	"github.com/pulsehr/attendance-engine/pkg/config"
	"github.com/pulsehr/attendance-engine/pkg/identity"
	"github.com/pulsehr/attendance-engine/pkg/ingest"
	"github.com/pulsehr/attendance-engine/pkg/terminal"
)

// TerminalState is one terminal's position in the connection state
// machine
type TerminalState string

const (
	StateDisconnected TerminalState = "disconnected"
	StateConnected    TerminalState = "connected"
	StateBackoff      TerminalState = "backoff"
	StateDegraded     TerminalState = "degraded"
)

func (s TerminalState) gaugeValue() float64 {
	switch s {
	case StateConnected:
		return 1
	case StateBackoff:
		return 2
	case StateDegraded:
		return 3
	default:
		return 0
	}
}

// TerminalStatus is a snapshot of one terminal's health
type TerminalStatus struct {
	ID                  string        `json:"id"`
	Location            string        `json:"location"`
	State               TerminalState `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	NextAttempt         *time.Time    `json:"next_attempt,omitempty"`
}

// terminalRuntime is the mutable per-terminal scheduler state. Guarded
// by Engine.mu.
type terminalRuntime struct {
	cfg         config.TerminalConfig
	state       TerminalState
	failures    int
	backoff     time.Duration
	nextAttempt time.Time
	lastError   string
	lastSuccess time.Time
}

// Engine orchestrates polling, identity resolution and reconciliation
type Engine struct {
	cfg        *config.Config
	ingestor   *ingest.Ingestor
	mapper     *identity.Mapper
	reconciler *attendance.Reconciler
	records    RecordStore
	held       HeldStore
	sink       RecordSink
	logger     *zap.Logger

	mu        sync.RWMutex
	terminals map[string]*terminalRuntime
	order     []string
	ready     bool

	// recordMu serializes the read-modify-write per (employee, date) so
	// concurrent terminal tasks touching the same day merge instead of
	// overwriting each other
	recordMu sync.Map

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates the polling engine. All collaborators are injected;
// the engine holds no global state and is unit-testable without a real
// network or database.
func NewEngine(
	cfg *config.Config,
	ingestor *ingest.Ingestor,
	mapper *identity.Mapper,
	reconciler *attendance.Reconciler,
	records RecordStore,
	held HeldStore,
	sink RecordSink,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		cfg:        cfg,
		ingestor:   ingestor,
		mapper:     mapper,
		reconciler: reconciler,
		records:    records,
		held:       held,
		sink:       sink,
		logger:     logger,
		terminals:  make(map[string]*terminalRuntime),
		stopCh:     make(chan struct{}),
	}
	for _, t := range cfg.Terminals {
		e.terminals[t.ID] = &terminalRuntime{cfg: t, state: StateDisconnected}
		e.order = append(e.order, t.ID)
	}
	return e
}

// Start launches the poll loop and the held-punch replay loop
func (e *Engine) Start(ctx context.Context) error {
	if len(e.terminals) == 0 {
		return fmt.Errorf("no terminals configured")
	}

	e.logger.Info("Starting attendance engine",
		zap.Int("terminals", len(e.terminals)),
		zap.Duration("interval", e.cfg.Polling.Interval))

	e.wg.Add(1)
	go e.run(ctx)

	e.wg.Add(1)
	go e.replayHeld(ctx)

	return nil
}

// Stop shuts the engine down, giving in-flight terminal fetches a drain
// deadline. Uncommitted cursors are simply retried on next start.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Attendance engine stopped")
	case <-time.After(e.cfg.Shutdown.DrainTimeout):
		e.logger.Warn("Drain deadline exceeded, abandoning in-flight fetches")
	}
}

// IsReady reports whether at least one full poll cycle has completed
func (e *Engine) IsReady() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ready
}

// Statuses returns a health snapshot of every terminal, in
// configuration order
func (e *Engine) Statuses() []TerminalStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]TerminalStatus, 0, len(e.order))
	for _, id := range e.order {
		rt := e.terminals[id]
		status := TerminalStatus{
			ID:                  id,
			Location:            rt.cfg.Location,
			State:               rt.state,
			ConsecutiveFailures: rt.failures,
			LastError:           rt.lastError,
		}
		if !rt.lastSuccess.IsZero() {
			t := rt.lastSuccess
			status.LastSuccess = &t
		}
		if !rt.nextAttempt.IsZero() {
			t := rt.nextAttempt
			status.NextAttempt = &t
		}
		out = append(out, status)
	}
	return out
}

// Terminal returns the configuration for a terminal id
func (e *Engine) Terminal(id string) (config.TerminalConfig, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.terminals[id]
	if !ok {
		return config.TerminalConfig{}, false
	}
	return rt.cfg, true
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Polling.Interval)
	defer ticker.Stop()

	e.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle fans out one task per due terminal. Parallelism is bounded
// by the fleet size, which is small, fixed and configuration-driven.
func (e *Engine) runCycle(ctx context.Context) {
	start := time.Now()

	var wg sync.WaitGroup
	for _, id := range e.order {
		e.mu.RLock()
		rt := e.terminals[id]
		due := rt.nextAttempt.IsZero() || !start.Before(rt.nextAttempt)
		e.mu.RUnlock()
		if !due {
			continue
		}

		wg.Add(1)
		go func(rt *terminalRuntime) {
			defer wg.Done()
			e.pollTerminal(ctx, rt)
		}(rt)
	}
	wg.Wait()

	metrics.CycleDuration.Observe(time.Since(start).Seconds())

	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()
}

// pollTerminal runs the full pull-resolve-reconcile-commit pipeline for
// one terminal. Failures here are isolated: they never block or fail
// the cycle for other terminals.
func (e *Engine) pollTerminal(ctx context.Context, rt *terminalRuntime) {
	timeout := e.cfg.Polling.ConnectTimeout + e.cfg.Polling.FetchTimeout
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.ingestor.Pull(pollCtx, rt.cfg)
	if err != nil {
		e.recordFailure(rt, err)
		return
	}

	terminalID := rt.cfg.ID
	if result.Malformed > 0 {
		metrics.PunchesMalformed.WithLabelValues(terminalID).Add(float64(result.Malformed))
	}
	if result.Duplicates > 0 {
		metrics.PunchesDeduplicated.WithLabelValues(terminalID).Add(float64(result.Duplicates))
	}

	for _, punch := range result.Skewed {
		if err := e.held.HoldPunch(pollCtx, HeldClockSkew, punch); err != nil {
			e.recordFailure(rt, fmt.Errorf("failed to hold skewed punch: %w", err))
			return
		}
		e.ingestor.Guard().MarkApplied(terminalID, punch)
		metrics.PunchesHeld.WithLabelValues(terminalID, string(HeldClockSkew)).Inc()
		e.logger.Warn("Punch timestamp implausible, held for review",
			zap.String("terminal_id", terminalID),
			zap.String("local_user_id", punch.LocalUserID),
			zap.Time("timestamp", punch.Timestamp))
	}

	if _, _, err := e.applyPunches(pollCtx, result.Punches, "poll"); err != nil {
		// Cursor commit withheld; the uncommitted tail is re-read next
		// cycle and re-applied idempotently
		e.recordFailure(rt, err)
		return
	}

	if err := e.ingestor.Guard().Commit(pollCtx, terminalID, result.Watermark); err != nil {
		e.recordFailure(rt, err)
		return
	}
	if !result.Watermark.IsZero() {
		metrics.LastCommittedPunch.WithLabelValues(terminalID).Set(float64(result.Watermark.Timestamp.Unix()))
	}

	e.recordSuccess(rt, len(result.Punches))
}

// applyPunches resolves identities and folds punches into attendance
// records. Returns the number of punches reconciled and the number
// durably held; on a persistence error the caller must not commit the
// cursor, so the uncommitted tail is re-read and retried.
func (e *Engine) applyPunches(ctx context.Context, punches []attendance.PunchEvent, source string) (int, int, error) {
	groups, order, held, err := e.resolveAndGroup(ctx, punches, source)
	if err != nil {
		return 0, held, err
	}

	applied := 0
	for _, key := range order {
		group := groups[key]
		if err := e.reconcileGroup(ctx, key, group); err != nil {
			return applied, held, err
		}
		// Only punches whose record write is durable enter the recent
		// cache; anything dropped before this point stays eligible for
		// a retry
		for _, p := range group.punches {
			e.ingestor.Guard().MarkApplied(p.TerminalID, p)
		}
		applied += len(group.punches)
	}
	return applied, held, nil
}

// reconcileGroup runs the read-modify-write for one (employee, day)
// bucket under a per-key lock
func (e *Engine) reconcileGroup(ctx context.Context, key string, group *punchGroup) error {
	lock, _ := e.recordMu.LoadOrStore(key, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	existing, err := e.records.GetRecord(ctx, group.employeeID, group.date)
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	record, changed := e.reconciler.Reconcile(existing, group.employeeID, group.date, group.punches)
	if !changed {
		return nil
	}
	if err := e.records.UpsertRecord(ctx, record); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	metrics.RecordsUpserted.WithLabelValues(string(record.DayStatus)).Inc()
	e.sink.RecordUpserted(record)
	return nil
}

type punchGroup struct {
	employeeID string
	date       string
	punches    []attendance.PunchEvent
}

// resolveAndGroup maps punches to employees and buckets them per
// (employee, day). Unmapped punches are durably held, never dropped; a
// store failure during resolution or holding aborts the whole batch so
// the cursor commit is withheld and the punches are re-read later.
func (e *Engine) resolveAndGroup(ctx context.Context, punches []attendance.PunchEvent, source string) (map[string]*punchGroup, []string, int, error) {
	groups := make(map[string]*punchGroup)
	var order []string
	held := 0

	for _, punch := range punches {
		if punch.LocalUserID == "" {
			e.logger.Warn("Punch missing local user id, skipped",
				zap.String("terminal_id", punch.TerminalID),
				zap.Time("timestamp", punch.Timestamp))
			metrics.PunchesMalformed.WithLabelValues(punch.TerminalID).Inc()
			continue
		}

		mapping, err := e.mapper.Resolve(ctx, punch.TerminalID, punch.LocalUserID)
		if err != nil {
			if !errors.Is(err, identity.ErrUnmappedIdentity) {
				return nil, nil, held, fmt.Errorf("failed to resolve identity for terminal %s local id %s: %w",
					punch.TerminalID, punch.LocalUserID, err)
			}
			if holdErr := e.held.HoldPunch(ctx, HeldUnmapped, punch); holdErr != nil {
				return nil, nil, held, fmt.Errorf("failed to hold unmapped punch: %w", holdErr)
			}
			e.ingestor.Guard().MarkApplied(punch.TerminalID, punch)
			held++
			metrics.PunchesHeld.WithLabelValues(punch.TerminalID, string(HeldUnmapped)).Inc()
			continue
		}

		punch.EmployeeID = mapping.EmployeeID
		date := e.reconciler.Rules().DateOf(punch.Timestamp)
		key := mapping.EmployeeID + "|" + date
		group := groups[key]
		if group == nil {
			group = &punchGroup{employeeID: mapping.EmployeeID, date: date}
			groups[key] = group
			order = append(order, key)
		}
		group.punches = append(group.punches, punch)
		metrics.PunchesIngested.WithLabelValues(punch.TerminalID, source).Inc()
	}
	return groups, order, held, nil
}

// recordSuccess resets the terminal to Connected
func (e *Engine) recordSuccess(rt *terminalRuntime, punches int) {
	e.mu.Lock()
	rt.state = StateConnected
	rt.failures = 0
	rt.backoff = 0
	rt.nextAttempt = time.Time{}
	rt.lastError = ""
	rt.lastSuccess = time.Now()
	e.mu.Unlock()

	metrics.TerminalHealth.WithLabelValues(rt.cfg.ID).Set(StateConnected.gaugeValue())
	if punches > 0 {
		e.logger.Info("Terminal poll complete",
			zap.String("terminal_id", rt.cfg.ID),
			zap.Int("punches", punches))
	}
}

// recordFailure advances the terminal state machine:
// Connected -> Backoff (exponential, capped) -> Degraded after N
// consecutive failures. Degraded terminals are still retried, at
// reduced frequency.
func (e *Engine) recordFailure(rt *terminalRuntime, err error) {
	e.mu.Lock()
	rt.failures++
	if rt.backoff == 0 {
		rt.backoff = e.cfg.Polling.BackoffInitial
	} else {
		rt.backoff *= 2
	}
	if rt.backoff > e.cfg.Polling.BackoffMax {
		rt.backoff = e.cfg.Polling.BackoffMax
	}

	if rt.failures >= e.cfg.Polling.DegradedThreshold {
		rt.state = StateDegraded
		wait := rt.backoff
		if e.cfg.Polling.DegradedInterval > wait {
			wait = e.cfg.Polling.DegradedInterval
		}
		rt.nextAttempt = time.Now().Add(wait)
	} else {
		rt.state = StateBackoff
		rt.nextAttempt = time.Now().Add(rt.backoff)
	}
	rt.lastError = err.Error()
	state := rt.state
	failures := rt.failures
	e.mu.Unlock()

	metrics.TerminalFailures.WithLabelValues(rt.cfg.ID, errorType(err)).Inc()
	metrics.TerminalHealth.WithLabelValues(rt.cfg.ID).Set(state.gaugeValue())

	if state == StateDegraded {
		e.logger.Error("Terminal degraded",
			zap.String("terminal_id", rt.cfg.ID),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
	} else {
		e.logger.Warn("Terminal poll failed",
			zap.String("terminal_id", rt.cfg.ID),
			zap.Int("consecutive_failures", failures),
			zap.Error(err))
	}
}

func errorType(err error) string {
	switch {
	case errors.Is(err, terminal.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, terminal.ErrProtocol):
		return "protocol"
	default:
		return "persistence"
	}
}

// replayHeld periodically re-resolves punches held for an unmapped
// identity, picking up mappings created or confirmed since they were
// parked
func (e *Engine) replayHeld(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Polling.HeldReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.runHeldReplay(ctx); err != nil {
				e.logger.Error("Held punch replay failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) runHeldReplay(ctx context.Context) error {
	heldPunches, err := e.held.ListHeld(ctx, HeldUnmapped, 500)
	if err != nil {
		return fmt.Errorf("failed to list held punches: %w", err)
	}

	var resolvable []attendance.PunchEvent
	var resolvedIDs []int64
	for _, h := range heldPunches {
		if _, err := e.mapper.Resolve(ctx, h.Punch.TerminalID, h.Punch.LocalUserID); err != nil {
			continue
		}
		resolvable = append(resolvable, h.Punch)
		resolvedIDs = append(resolvedIDs, h.ID)
	}

	if len(resolvable) > 0 {
		if _, _, err := e.applyPunches(ctx, resolvable, "replay"); err != nil {
			return err
		}
		if err := e.held.DeleteHeld(ctx, resolvedIDs); err != nil {
			return fmt.Errorf("failed to delete replayed punches: %w", err)
		}
		e.logger.Info("Replayed held punches", zap.Int("count", len(resolvable)))
	}

	pending, err := e.held.CountHeld(ctx, HeldUnmapped)
	if err != nil {
		return fmt.Errorf("failed to count held punches: %w", err)
	}
	metrics.PendingMappings.Set(float64(pending))
	return nil
}
