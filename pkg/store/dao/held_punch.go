package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// HeldPunchDao maps directly to the 'held_punches' table: the
// pending-resolution queue for unmapped-identity and clock-skew
// punches. (terminal_id, local_user_id, punch_at) is unique so a
// re-read never enqueues the same punch twice.
type HeldPunchDao struct {
	bun.BaseModel `bun:"table:held_punches"`

	ID          int64     `json:"id" bun:",pk,autoincrement"`
	Reason      string    `json:"reason" bun:"reason,notnull"`
	TerminalID  string    `json:"terminal_id" bun:"terminal_id,notnull"`
	LocalUserID string    `json:"local_user_id" bun:"local_user_id,notnull"`
	PunchAt     time.Time `json:"punch_at" bun:"punch_at,notnull"`
	Seq         int64     `json:"seq" bun:"seq,notnull,default:0"`
	Direction   string    `json:"direction" bun:"direction"`
	HeldAt      time.Time `json:"held_at" bun:"held_at,nullzero,default:current_timestamp"`
}
