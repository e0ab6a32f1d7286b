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
		log.Println("creating attendance_records table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.AttendanceRecordDao{}); err != nil {
			return err
		}
		// Upserts key on (employee_id, date)
		if err := mghelper.CreateCompositeUniqueIndex(ctx, db, "attendance_records", "employee_id", "date"); err != nil {
			return err
		}
		return mghelper.CreateIndexes(ctx, db, "attendance_records", "date")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping attendance_records table...")
		return mghelper.DropTables(ctx, db, &dao.AttendanceRecordDao{})
	})
}
