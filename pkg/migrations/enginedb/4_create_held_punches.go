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
		log.Println("creating held_punches table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.HeldPunchDao{}); err != nil {
			return err
		}
		// Re-reading an uncommitted tail must not enqueue duplicates
		if err := mghelper.CreateCompositeUniqueIndex(ctx, db, "held_punches", "terminal_id", "local_user_id", "punch_at"); err != nil {
			return err
		}
		return mghelper.CreateIndexes(ctx, db, "held_punches", "reason")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping held_punches table...")
		return mghelper.DropTables(ctx, db, &dao.HeldPunchDao{})
	})
}
