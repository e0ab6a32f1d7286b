package enginedb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	mghelper "github.com/pulsehr/attendance-engine/pkg/pgutil/migrations"
	"github.com/pulsehr/attendance-engine/pkg/store/dao"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating terminal_cursors table...")
		return mghelper.CreateSchema(ctx, db, &dao.TerminalCursorDao{})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping terminal_cursors table...")
		return mghelper.DropTables(ctx, db, &dao.TerminalCursorDao{})
	})
}
