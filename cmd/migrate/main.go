package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/database"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	var action = flag.String("action", "up", "Migration action: up, down, version, force")
	var version = flag.Int("version", 0, "Target version for force action")
	flag.Parse()

	// 初始化配置
	if err := config.LoadConfig(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := config.AppConfig

	// 连接数据库
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// 测试连接
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// 创建日志器
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	// 创建迁移管理器
	factory := database.NewMigrationFactory(cfg.Database.MigrationsPath, logger)
	manager, err := factory.Manager(db)
	if err != nil {
		log.Fatalf("Failed to create migration manager: %v", err)
	}
	defer manager.Close()

	// 执行迁移操作
	switch *action {
	case "up":
		fmt.Println("Running migrations up...")
		if err := manager.Up(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		fmt.Println("Migrations completed successfully")

	case "down":
		fmt.Println("Rolling back last migration...")
		if err := manager.Down(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		fmt.Println("Rollback completed successfully")

	case "version":
		current, dirty, err := manager.Version()
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current version: %d", current)
		if dirty {
			fmt.Printf(" (dirty - manual intervention required)")
		}
		fmt.Println()

	case "force":
		if *version <= 0 {
			log.Fatal("Version must be specified for force action")
		}
		fmt.Printf("Forcing version %d...\n", *version)
		if err := manager.Force(uint(*version)); err != nil {
			log.Fatalf("Force to version %d failed: %v", *version, err)
		}
		fmt.Printf("Version forced to %d\n", *version)

	default:
		fmt.Printf("Unknown action: %s\n", *action)
		fmt.Println("Available actions: up, down, version, force")
		os.Exit(1)
	}
}
