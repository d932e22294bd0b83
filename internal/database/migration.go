package database

import (
	"database/sql"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/sirupsen/logrus"
)

// MigrationManager 数据库迁移管理器，负责向量文档表的版本化变更
type MigrationManager struct {
	migrate *migrate.Migrate
	logger  *logrus.Logger
}

// NewMigrationManager 创建迁移管理器，migrationPath指向*.sql迁移目录
func NewMigrationManager(db *sql.DB, migrationPath string, logger *logrus.Logger) (*MigrationManager, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationPath),
		"postgres",
		driver,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &MigrationManager{migrate: m, logger: logger}, nil
}

// Up 执行全部待执行迁移
func (mm *MigrationManager) Up() error {
	err := mm.migrate.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err == migrate.ErrNoChange {
		mm.logger.Info("No migrations to apply")
	} else {
		mm.logger.Info("Database migrations completed")
	}
	return nil
}

// Down 回滚最近一次迁移
func (mm *MigrationManager) Down() error {
	if err := mm.migrate.Steps(-1); err != nil {
		return fmt.Errorf("failed to rollback migration: %w", err)
	}
	mm.logger.Info("Migration rollback completed")
	return nil
}

// Version 当前迁移版本与脏标记。全新库返回版本0。
func (mm *MigrationManager) Version() (uint, bool, error) {
	version, dirty, err := mm.migrate.Version()
	if err != nil {
		if err == migrate.ErrNilVersion {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Force 强制设置版本，用于修复脏状态
func (mm *MigrationManager) Force(version uint) error {
	mm.logger.Warnf("Force setting migration version to %d", version)
	if err := mm.migrate.Force(int(version)); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}

// Close 关闭迁移器持有的资源
func (mm *MigrationManager) Close() error {
	sourceErr, dbErr := mm.migrate.Close()
	if sourceErr != nil || dbErr != nil {
		return fmt.Errorf("errors closing migrator: source=%v, db=%v", sourceErr, dbErr)
	}
	return nil
}
