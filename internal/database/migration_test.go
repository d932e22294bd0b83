package database

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"
)

func TestMigrationFactory_PathResolution(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	factory := NewMigrationFactory("./migrations", logger)
	require.NotNil(t, factory)
	assert.True(t, filepath.IsAbs(factory.Path()))
	assert.True(t, strings.HasSuffix(factory.Path(), "migrations"))

	// 空路径回退到默认目录
	fallback := NewMigrationFactory("", logger)
	assert.True(t, strings.HasSuffix(fallback.Path(), "migrations"))
}

// 完整迁移回路需要真实数据库，仅在显式提供TEST_DB_URL时运行
func TestMigrationManager_RoundTrip(t *testing.T) {
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		t.Skip("Skipping migration test: TEST_DB_URL not set")
	}

	db, err := sql.Open("postgres", dbURL)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Ping())

	tempDir, err := os.MkdirTemp("", "migration_test_*")
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	upContent := `CREATE TABLE IF NOT EXISTS migration_probe (
    id SERIAL PRIMARY KEY,
    name VARCHAR(100)
);`
	downContent := `DROP TABLE IF EXISTS migration_probe;`

	require.NoError(t, os.WriteFile(
		filepath.Join(tempDir, "000001_migration_probe.up.sql"), []byte(upContent), 0644))
	require.NoError(t, os.WriteFile(
		filepath.Join(tempDir, "000001_migration_probe.down.sql"), []byte(downContent), 0644))

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	manager, err := NewMigrationManager(db, tempDir, logger)
	require.NoError(t, err)
	defer manager.Close()

	initialVersion, dirty, err := manager.Version()
	require.NoError(t, err)
	assert.False(t, dirty)

	require.NoError(t, manager.Up())

	version, dirty, err := manager.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Greater(t, version, initialVersion)

	var exists bool
	err = db.QueryRow("SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'migration_probe')").Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, manager.Down())

	version, dirty, err = manager.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, initialVersion, version)
}
