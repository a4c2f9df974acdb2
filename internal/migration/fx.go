package migration

import (
	"github.com/clinichq/attrio/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		// The migrator speaks postgres; sqlite-backed tests build their
		// schema with their own DDL.
		if !db.IsPostgres(conn) {
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
