// Package migration applies the schema. Postgres goes through versioned
// SQL migrations; other dialects (sqlite in tests, mysql) fall back to
// AutoMigrate from the gorm models.
package migration

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	"gorm.io/gorm"

	actiondomain "github.com/smallbiznis/recoup/internal/action/domain"
	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	"github.com/smallbiznis/recoup/internal/config"
	entdomain "github.com/smallbiznis/recoup/internal/entitlement/domain"
	recondomain "github.com/smallbiznis/recoup/internal/recon/domain"
	usagedomain "github.com/smallbiznis/recoup/internal/usagestore/domain"
)

//go:embed sql/*.sql
var migrations embed.FS

// Run brings the schema up to date.
func Run(cfg config.Config, conn *gorm.DB, log *zap.Logger) error {
	log = log.Named("migration")

	if cfg.DBType == "postgres" {
		if err := runVersioned(conn); err != nil {
			return fmt.Errorf("postgres migration: %w", err)
		}
		log.Info("versioned migrations applied")
		return nil
	}

	if err := autoMigrate(conn); err != nil {
		return fmt.Errorf("auto migration: %w", err)
	}
	log.Info("schema auto-migrated", zap.String("dialect", cfg.DBType))
	return nil
}

func runVersioned(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations, "sql")
	if err != nil {
		return err
	}
	driver, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func autoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&usagedomain.UsageFact{},
		&usagedomain.ReportedFact{},
		&entdomain.Entitlement{},
		&recondomain.ReconRun{},
		&recondomain.ReconResult{},
		&actiondomain.Action{},
		&auditdomain.AuditLog{},
	)
}
