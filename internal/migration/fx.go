package migration

import (
	"github.com/smallbiznis/atelier/internal/config"
	"github.com/smallbiznis/atelier/internal/seed"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else if err := seed.AutoMigrate(conn); err != nil {
			return err
		}

		return seed.EnsureReferenceData(conn)
	}),
)
