// Package identity maps terminal-local user ids to system employee
// identities.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnmappedIdentity indicates no employee mapping exists for a
// terminal-local user id and auto-provisioning is disabled. The punch
// must be held, never dropped.
var ErrUnmappedIdentity = errors.New("unmapped terminal identity")

// State tracks a mapping's lifecycle. Unmapped local ids transition to
// Provisioned or Mapped exactly once; once Mapped they stay Mapped.
type State string

const (
	// StateProvisioned marks an identity auto-created on first sighting
	StateProvisioned State = "provisioned"
	// StateMapped marks an identity confirmed against a real employee
	StateMapped State = "mapped"
)

// Mapping binds one (terminal, local user id) pair to an employee
type Mapping struct {
	EmployeeID  string
	TerminalID  string
	LocalUserID string
	State       State
	DisplayName string
	CreatedAt   time.Time
}

// Store persists mappings. CreateMapping must be an atomic
// get-or-create: when two resolvers race, both receive the same winner.
type Store interface {
	GetMapping(ctx context.Context, terminalID, localUserID string) (*Mapping, error)
	CreateMapping(ctx context.Context, mapping *Mapping) (*Mapping, error)
}

// Mapper resolves terminal-local user ids to employee identities, with
// a small read-through cache. Mappings never change employee id once
// created, so cached entries never go stale in a harmful way.
type Mapper struct {
	store         Store
	autoProvision bool
	logger        *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Mapping
	names map[string]string
}

// NewMapper creates a mapper
func NewMapper(store Store, autoProvision bool, logger *zap.Logger) *Mapper {
	return &Mapper{
		store:         store,
		autoProvision: autoProvision,
		logger:        logger,
		cache:         make(map[string]*Mapping),
		names:         make(map[string]string),
	}
}

// PrimeNames records display names from a terminal's enrollment table,
// used as hints when provisioning new identities
func (m *Mapper) PrimeNames(terminalID string, users map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for localID, name := range users {
		if name != "" {
			m.names[cacheKey(terminalID, localID)] = name
		}
	}
}

// Resolve returns the employee identity for a terminal-local user id.
// Unmapped ids are provisioned when auto-provisioning is enabled,
// otherwise ErrUnmappedIdentity is returned and the caller must hold
// the punch for later re-resolution.
func (m *Mapper) Resolve(ctx context.Context, terminalID, localUserID string) (*Mapping, error) {
	key := cacheKey(terminalID, localUserID)

	m.mu.RLock()
	cached := m.cache[key]
	m.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	mapping, err := m.store.GetMapping(ctx, terminalID, localUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up mapping: %w", err)
	}
	if mapping == nil {
		if !m.autoProvision {
			return nil, fmt.Errorf("%w: terminal %s local id %s", ErrUnmappedIdentity, terminalID, localUserID)
		}
		mapping, err = m.provision(ctx, terminalID, localUserID)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.cache[key] = mapping
	m.mu.Unlock()
	return mapping, nil
}

func (m *Mapper) provision(ctx context.Context, terminalID, localUserID string) (*Mapping, error) {
	m.mu.RLock()
	name := m.names[cacheKey(terminalID, localUserID)]
	m.mu.RUnlock()

	candidate := &Mapping{
		EmployeeID:  uuid.NewString(),
		TerminalID:  terminalID,
		LocalUserID: localUserID,
		State:       StateProvisioned,
		DisplayName: name,
		CreatedAt:   time.Now().UTC(),
	}

	// CreateMapping returns the existing row on conflict, so a lost
	// race still resolves to a single employee id.
	mapping, err := m.store.CreateMapping(ctx, candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to provision identity: %w", err)
	}
	if mapping.EmployeeID == candidate.EmployeeID {
		m.logger.Info("Provisioned employee identity",
			zap.String("terminal_id", terminalID),
			zap.String("local_user_id", localUserID),
			zap.String("employee_id", mapping.EmployeeID))
	}
	return mapping, nil
}

func cacheKey(terminalID, localUserID string) string {
	return terminalID + "|" + localUserID
}
