package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthChecker 周期性探测关系库连通性
type HealthChecker struct {
	db       *sql.DB
	logger   *logrus.Logger
	interval time.Duration

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	lastError error

	stopOnce sync.Once
	stopChan chan struct{}
}

// HealthStatus 最近一次探测的结果快照
type HealthStatus struct {
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// NewHealthChecker 创建健康检查器，默认30秒探测一次
func NewHealthChecker(db *sql.DB, logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		db:       db,
		logger:   logger,
		interval: 30 * time.Second,
		stopChan: make(chan struct{}),
	}
}

// SetInterval 调整探测周期，需在Start之前调用
func (hc *HealthChecker) SetInterval(interval time.Duration) {
	if interval > 0 {
		hc.interval = interval
	}
}

// Start 阻塞运行周期探测，ctx取消或Stop后返回
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.logger.Info("Starting document store health checker")
	_ = hc.Check(ctx)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hc.logger.Info("Document store health checker stopped")
			return
		case <-hc.stopChan:
			hc.logger.Info("Document store health checker stopped")
			return
		case <-ticker.C:
			_ = hc.Check(ctx)
		}
	}
}

// Stop 停止周期探测，可重复调用
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}

// Check 单次探测并更新状态
func (hc *HealthChecker) Check(ctx context.Context) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := hc.db.PingContext(ctx)
	elapsed := time.Since(start)

	hc.mu.Lock()
	wasHealthy := hc.healthy
	hc.lastCheck = time.Now()
	hc.lastError = err
	hc.healthy = err == nil
	hc.mu.Unlock()

	if err != nil {
		hc.logger.WithFields(logrus.Fields{
			"error":         err.Error(),
			"response_time": elapsed,
		}).Warn("Document store health check failed")
		return err
	}
	if !wasHealthy {
		hc.logger.WithField("response_time", elapsed).Info("Document store connection restored")
	}
	return nil
}

// IsHealthy 当前健康状态
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Status 健康状态快照
func (hc *HealthChecker) Status() HealthStatus {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	st := HealthStatus{Healthy: hc.healthy, LastCheck: hc.lastCheck}
	if hc.lastError != nil {
		st.LastError = hc.lastError.Error()
	}
	return st
}
