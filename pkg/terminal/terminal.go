// Package terminal abstracts physical biometric attendance devices.
package terminal

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnreachable indicates the terminal did not respond within the
	// connect timeout. Retry policy belongs to the caller.
	ErrUnreachable = errors.New("terminal unreachable")
	// ErrProtocol indicates the terminal sent a malformed response
	ErrProtocol = errors.New("terminal protocol error")
)

// Cursor marks the position up to which a terminal's punch stream has
// been durably processed: timestamp of the last applied punch plus its
// device sequence number, to disambiguate punches sharing a timestamp.
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

// Before reports whether c is strictly before other
func (c Cursor) Before(other Cursor) bool {
	if c.Timestamp.Equal(other.Timestamp) {
		return c.Seq < other.Seq
	}
	return c.Timestamp.Before(other.Timestamp)
}

// IsZero reports whether the cursor is unset
func (c Cursor) IsZero() bool {
	return c.Timestamp.IsZero() && c.Seq == 0
}

// RawPunch is a single scan as reported by a device, before identity
// resolution. Direction is the device's own tag: "in", "out" or ""
// when the device does not distinguish.
type RawPunch struct {
	LocalUserID string
	Timestamp   time.Time
	Seq         int64
	Direction   string
}

// User is a terminal-local enrollment entry
type User struct {
	LocalUserID string
	Name        string
}

// FetchResult carries the punches read from a device. Malformed counts
// records the device sent that could not be parsed; they are skipped,
// never fatal to the batch.
type FetchResult struct {
	Punches   []RawPunch
	Malformed int
}

// Session is one live connection to a terminal. Close is safe on every
// exit path, including after a failed fetch.
type Session interface {
	// FetchSince returns punches strictly newer than the cursor
	FetchSince(ctx context.Context, cursor Cursor) (*FetchResult, error)
	// ListUsers returns the device's local enrollment table
	ListUsers(ctx context.Context) ([]User, error)
	Close() error
}

// Dialer opens a session to the terminal at the given address. It fails
// with ErrUnreachable when the device does not answer within the
// configured connect timeout.
type Dialer interface {
	Dial(ctx context.Context, address string) (Session, error)
}
