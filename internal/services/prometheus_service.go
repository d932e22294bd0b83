package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coursehub/retrieval-go/internal/config"
	"go.uber.org/zap"
)

// PrometheusService Prometheus 指标查询服务
type PrometheusService struct {
	httpClient *http.Client
	baseURL    string
	enabled    bool
	logger     *zap.Logger
}

// NewPrometheusService 创建 Prometheus 查询服务
func NewPrometheusService() *PrometheusService {
	cfg := config.AppConfig.Prometheus
	return &PrometheusService{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    cfg.BaseURL,
		enabled:    cfg.Enabled,
		logger:     zap.L(),
	}
}

// GetSearchMetrics 获取检索请求指标
func (s *PrometheusService) GetSearchMetrics() (map[string]interface{}, error) {
	if !s.enabled {
		return s.getMockMetrics("search"), nil
	}

	query := `rate(retrieval_search_requests_total[5m])`
	return s.queryPrometheus(query)
}

// GetStoreMetrics 获取向量存储连接指标
func (s *PrometheusService) GetStoreMetrics() (map[string]interface{}, error) {
	if !s.enabled {
		return s.getMockMetrics("store"), nil
	}

	query := `vector_store_connection_state`
	return s.queryPrometheus(query)
}

// GetIngestMetrics 获取文档摄取指标
func (s *PrometheusService) GetIngestMetrics() (map[string]interface{}, error) {
	if !s.enabled {
		return s.getMockMetrics("ingest"), nil
	}

	query := `rate(retrieval_ingested_documents_total[5m])`
	return s.queryPrometheus(query)
}

// GetCacheMetrics 获取缓存命中指标
func (s *PrometheusService) GetCacheMetrics() (map[string]interface{}, error) {
	if !s.enabled {
		return s.getMockMetrics("cache"), nil
	}

	query := `rate(retrieval_cache_lookups_total[5m])`
	return s.queryPrometheus(query)
}

// queryPrometheus 查询 Prometheus 指标
func (s *PrometheusService) queryPrometheus(query string) (map[string]interface{}, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("Prometheus base URL not configured")
	}

	reqURL := fmt.Sprintf("%s/api/v1/query?query=%s", s.baseURL, url.QueryEscape(query))
	resp, err := s.httpClient.Get(reqURL)
	if err != nil {
		s.logger.Warn("Failed to query Prometheus", zap.Error(err))
		return s.getMockMetrics("prometheus"), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("Prometheus query failed", zap.Int("status", resp.StatusCode))
		return s.getMockMetrics("prometheus"), nil
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		s.logger.Warn("Failed to decode Prometheus response", zap.Error(err))
		return s.getMockMetrics("prometheus"), nil
	}

	return result, nil
}

// getMockMetrics 获取模拟指标（当 Prometheus 不可用时）
func (s *PrometheusService) getMockMetrics(component string) map[string]interface{} {
	now := time.Now()

	switch component {
	case "search":
		return map[string]interface{}{
			"requests_per_sec": 3.2,
			"avg_latency_ms":   85.4,
			"error_rate":       0.01,
			"timestamp":        now,
		}
	case "store":
		return map[string]interface{}{
			"connection_state": "connected",
			"reconnects":       2,
			"timestamp":        now,
		}
	case "ingest":
		return map[string]interface{}{
			"documents_per_sec": 12.7,
			"failed_documents":  0,
			"timestamp":         now,
		}
	case "cache":
		return map[string]interface{}{
			"hit_rate":  0.74,
			"lookups":   1843,
			"timestamp": now,
		}
	default:
		return map[string]interface{}{
			"status":    "mock_data",
			"message":   fmt.Sprintf("Mock metrics for %s", component),
			"timestamp": now,
		}
	}
}

// Query 执行自定义查询
func (s *PrometheusService) Query(query string) (map[string]interface{}, error) {
	if !s.enabled {
		return map[string]interface{}{
			"status": "disabled",
			"query":  query,
		}, nil
	}
	return s.queryPrometheus(query)
}

// QueryRange 执行范围查询
func (s *PrometheusService) QueryRange(query, start, end, step string) (map[string]interface{}, error) {
	if !s.enabled {
		return map[string]interface{}{
			"status": "disabled",
			"query":  query,
			"range":  fmt.Sprintf("%s to %s", start, end),
		}, nil
	}

	reqURL := fmt.Sprintf("%s/api/v1/query_range?query=%s&start=%s&end=%s&step=%s",
		s.baseURL, url.QueryEscape(query), start, end, step)

	resp, err := s.httpClient.Get(reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return result, nil
}
