package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// 连接池指标在包级注册一次，避免重复构造收集器时撞注册表
var poolConnectionsGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "document_store_connections",
		Help: "Connection pool state of the document store",
	},
	[]string{"state"},
)

// PoolMetrics 周期性采集sql.DB连接池统计
type PoolMetrics struct {
	db       *sql.DB
	logger   *logrus.Logger
	interval time.Duration
}

// NewPoolMetrics 创建连接池指标采集器，默认15秒采集一次
func NewPoolMetrics(db *sql.DB, logger *logrus.Logger) *PoolMetrics {
	return &PoolMetrics{db: db, logger: logger, interval: 15 * time.Second}
}

// Start 后台采集，ctx取消后停止
func (pm *PoolMetrics) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(pm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.collect()
			}
		}
	}()
}

func (pm *PoolMetrics) collect() {
	stats := pm.db.Stats()
	poolConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
	poolConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	poolConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
	poolConnectionsGauge.WithLabelValues("wait_count").Set(float64(stats.WaitCount))

	pm.logger.WithFields(logrus.Fields{
		"open":   stats.OpenConnections,
		"idle":   stats.Idle,
		"in_use": stats.InUse,
	}).Debug("Document store pool stats collected")
}

// Stats 当前连接池统计
func (pm *PoolMetrics) Stats() sql.DBStats {
	return pm.db.Stats()
}
