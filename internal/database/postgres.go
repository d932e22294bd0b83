package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// DocumentStore 关系库句柄，聚合连接、健康检查与连接池指标。
// database后端的向量文档表落在这里。
type DocumentStore struct {
	db      *gorm.DB
	sqlDB   *sql.DB
	checker *HealthChecker
	metrics *PoolMetrics
}

// NewDocumentStore 建立PostgreSQL连接并应用连接池配置
func NewDocumentStore(cfg *config.Config, logger *logrus.Logger) (*DocumentStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	maxOpen, maxIdle, maxLifetime, maxIdleTime := resolvePoolLimits(cfg.Database)
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)
	sqlDB.SetConnMaxIdleTime(maxIdleTime)

	// 向量集合与文档表，database后端读写
	if err := db.AutoMigrate(&retrieval.VectorCollection{}, &retrieval.VectorDocument{}); err != nil {
		logger.Warnf("Vector table migration warning: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"max_open": maxOpen,
		"max_idle": maxIdle,
	}).Info("Document store connected")

	return &DocumentStore{
		db:      db,
		sqlDB:   sqlDB,
		checker: NewHealthChecker(sqlDB, logger),
		metrics: NewPoolMetrics(sqlDB, logger),
	}, nil
}

// resolvePoolLimits 补齐未配置的连接池参数
func resolvePoolLimits(cfg config.DatabaseConfig) (int, int, time.Duration, time.Duration) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 100
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	maxLifetime := cfg.ConnMaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = time.Hour
	}
	maxIdleTime := cfg.ConnMaxIdleTime
	if maxIdleTime <= 0 {
		maxIdleTime = 30 * time.Minute
	}
	return maxOpen, maxIdle, maxLifetime, maxIdleTime
}

// DB 底层gorm句柄
func (s *DocumentStore) DB() *gorm.DB {
	return s.db
}

// StartMonitoring 启动健康检查与连接池指标采集，ctx取消后停止
func (s *DocumentStore) StartMonitoring(ctx context.Context) {
	go s.checker.Start(ctx)
	s.metrics.Start(ctx)
}

// Healthy 最近一次健康检查结果
func (s *DocumentStore) Healthy() bool {
	return s.checker.IsHealthy()
}

// Status 健康状态快照
func (s *DocumentStore) Status() HealthStatus {
	return s.checker.Status()
}

// Ping 即时连通性探测
func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.checker.Check(ctx)
}

// Close 停掉健康检查并关闭连接池
func (s *DocumentStore) Close() error {
	s.checker.Stop()
	return s.sqlDB.Close()
}
