package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/metrics"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetricsServerForTest(t *testing.T, health *HealthService) *MetricsServer {
	t.Helper()
	cfg := &config.Config{}
	return NewMetricsServer(cfg, health, nil, NewCacheService(cfg))
}

func TestMetricsServer_MetricsEndpoint(t *testing.T) {
	client := retrieval.NewStoreClient(retrieval.NewMemoryBackend())
	srv := newMetricsServerForTest(t, NewHealthService(client, &stubEmbedder{}, nil))

	// 先制造一次可观测的计数
	metrics.Default().RecordCacheLookup("miss")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "retrieval_cache_lookups_total")
}

func TestMetricsServer_HealthEndpoint(t *testing.T) {
	client := retrieval.NewStoreClient(retrieval.NewMemoryBackend())
	srv := newMetricsServerForTest(t, NewHealthService(client, &stubEmbedder{}, nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	assert.NotEmpty(t, body["components"])
}

func TestMetricsServer_HealthEndpointUnavailable(t *testing.T) {
	// 向量存储客户端缺失时健康检查返回503
	srv := newMetricsServerForTest(t, NewHealthService(nil, nil, nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsServer_StatsEndpoint(t *testing.T) {
	client := retrieval.NewStoreClient(retrieval.NewMemoryBackend())
	srv := newMetricsServerForTest(t, NewHealthService(client, &stubEmbedder{}, nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["timestamp"])
}

func TestMetricsServer_ShutdownWithoutStart(t *testing.T) {
	client := retrieval.NewStoreClient(retrieval.NewMemoryBackend())
	srv := newMetricsServerForTest(t, NewHealthService(client, &stubEmbedder{}, nil))
	assert.NoError(t, srv.Shutdown(context.Background()))
}
