package database

import (
	"database/sql"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// MigrationFactory 按配置路径构造迁移管理器
type MigrationFactory struct {
	migrationPath string
	logger        *logrus.Logger
}

// NewMigrationFactory 创建迁移工厂，路径为空时使用./migrations
func NewMigrationFactory(migrationPath string, logger *logrus.Logger) *MigrationFactory {
	if migrationPath == "" {
		migrationPath = "./migrations"
	}
	if abs, err := filepath.Abs(migrationPath); err == nil {
		migrationPath = abs
	}
	return &MigrationFactory{migrationPath: migrationPath, logger: logger}
}

// Manager 基于给定连接创建迁移管理器
func (f *MigrationFactory) Manager(db *sql.DB) (*MigrationManager, error) {
	return NewMigrationManager(db, f.migrationPath, f.logger)
}

// Path 迁移文件目录的绝对路径
func (f *MigrationFactory) Path() string {
	return f.migrationPath
}
