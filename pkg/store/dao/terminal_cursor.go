package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// TerminalCursorDao maps directly to the 'terminal_cursors' table:
// one row per terminal holding the committed processing watermark.
type TerminalCursorDao struct {
	bun.BaseModel `bun:"table:terminal_cursors"`

	TerminalID  string    `json:"terminal_id" bun:"terminal_id,pk"`
	LastPunchAt time.Time `json:"last_punch_at" bun:"last_punch_at,notnull"`
	LastSeq     int64     `json:"last_seq" bun:"last_seq,notnull,default:0"`
	UpdatedAt   time.Time `json:"updated_at" bun:"updated_at,nullzero,default:current_timestamp"`
}
