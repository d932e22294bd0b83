package services

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer 运维端点HTTP服务。暴露Prometheus指标、
// 健康检查与运行统计，供监控系统与Consul健康探测使用。
type MetricsServer struct {
	server     *http.Server
	health     *HealthService
	prometheus *PrometheusService
	cache      *CacheService
}

// NewMetricsServer 创建运维端点服务
func NewMetricsServer(cfg *config.Config, health *HealthService, prom *PrometheusService, cache *CacheService) *MetricsServer {
	s := &MetricsServer{
		health:     health,
		prometheus: prom,
		cache:      cache,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)

	port := "9091"
	if cfg != nil && cfg.Prometheus.Port != "" {
		port = cfg.Prometheus.Port
	}
	s.server = &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler 返回端点复用器，便于测试
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Addr 返回监听地址
func (s *MetricsServer) Addr() string {
	return s.server.Addr
}

// Start 启动HTTP服务，监听失败只记录日志不中断主流程
func (s *MetricsServer) Start() {
	go func() {
		logger.Info("运维端点服务启动", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("运维端点服务异常退出", zap.Error(err))
		}
	}()
}

// Shutdown 优雅关闭HTTP服务
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth 健康检查端点。整体unhealthy时返回503，
// 供负载均衡与Consul判定实例可用性。
func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, components := s.health.OverallStatus(ctx)
	w.Header().Set("Content-Type", "application/json")
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
}

// handleStats 运行统计端点，汇总缓存命中率与Prometheus侧指标
func (s *MetricsServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"timestamp": time.Now().Format(time.RFC3339),
	}

	if s.cache.Enabled() {
		hits, misses, hitRate := s.cache.GetCacheStats()
		stats["cache"] = map[string]interface{}{
			"hits":     hits,
			"misses":   misses,
			"hit_rate": hitRate,
		}
	}

	if s.prometheus != nil {
		if m, err := s.prometheus.GetSearchMetrics(); err == nil {
			stats["search"] = m
		}
		if m, err := s.prometheus.GetStoreMetrics(); err == nil {
			stats["store"] = m
		}
		if m, err := s.prometheus.GetIngestMetrics(); err == nil {
			stats["ingest"] = m
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}
