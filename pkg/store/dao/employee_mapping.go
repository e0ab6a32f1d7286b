package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// EmployeeMappingDao maps directly to the 'employee_mappings' table,
// binding a (terminal_id, local_user_id) pair to one employee. The
// pair is unique.
type EmployeeMappingDao struct {
	bun.BaseModel `bun:"table:employee_mappings"`

	ID          int64     `json:"id" bun:",pk,autoincrement"`
	TerminalID  string    `json:"terminal_id" bun:"terminal_id,notnull"`
	LocalUserID string    `json:"local_user_id" bun:"local_user_id,notnull"`
	EmployeeID  string    `json:"employee_id" bun:"employee_id,notnull"`
	State       string    `json:"state" bun:"state,notnull"`
	DisplayName string    `json:"display_name" bun:"display_name"`
	CreatedAt   time.Time `json:"created_at" bun:"created_at,nullzero,default:current_timestamp"`
}
