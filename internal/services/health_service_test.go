package services

import (
	"context"
	"testing"

	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthService_DegradedWithoutOptionalDeps(t *testing.T) {
	client := retrieval.NewStoreClient(retrieval.NewMemoryBackend())
	svc := NewHealthService(client, &stubEmbedder{}, nil)

	status, components := svc.OverallStatus(context.Background())

	// 内存后端可连，向量存储健康；Redis/Kafka/文档库未配置只降级
	assert.Equal(t, "degraded", status)

	vs, ok := components["vector_store"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "healthy", vs["status"])
	assert.Equal(t, "memory", vs["backend"])
	assert.Equal(t, "connected", vs["state"])

	emb, ok := components["embedding"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "healthy", emb["status"])

	rd, ok := components["redis"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "degraded", rd["status"])
}

func TestHealthService_UnhealthyWithoutClient(t *testing.T) {
	svc := NewHealthService(nil, nil, nil)

	status, components := svc.OverallStatus(context.Background())
	assert.Equal(t, "unhealthy", status)

	vs, ok := components["vector_store"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "unhealthy", vs["status"])
}
