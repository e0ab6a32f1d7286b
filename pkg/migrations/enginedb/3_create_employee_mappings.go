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
		log.Println("creating employee_mappings table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.EmployeeMappingDao{}); err != nil {
			return err
		}
		// Get-or-create races resolve on this constraint
		if err := mghelper.CreateCompositeUniqueIndex(ctx, db, "employee_mappings", "terminal_id", "local_user_id"); err != nil {
			return err
		}
		return mghelper.CreateIndexes(ctx, db, "employee_mappings", "employee_id")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping employee_mappings table...")
		return mghelper.DropTables(ctx, db, &dao.EmployeeMappingDao{})
	})
}
