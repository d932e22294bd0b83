package services

import (
	"context"
	"time"

	"github.com/coursehub/retrieval-go/internal/database"
	"github.com/coursehub/retrieval-go/internal/kafka"
	"github.com/coursehub/retrieval-go/internal/retrieval"
)

// HealthService 健康检查服务，汇总各依赖组件的运行状态
type HealthService struct {
	client   *retrieval.StoreClient
	embedder retrieval.Embedder
	store    *database.DocumentStore
}

// NewHealthService 创建健康检查服务
func NewHealthService(client *retrieval.StoreClient, embedder retrieval.Embedder, store *database.DocumentStore) *HealthService {
	return &HealthService{client: client, embedder: embedder, store: store}
}

// GetComponentHealth 获取各组件健康状态
func (s *HealthService) GetComponentHealth(ctx context.Context) map[string]interface{} {
	components := make(map[string]interface{})

	// 检查向量存储
	s.checkVectorStore(ctx, components)

	// 检查向量化服务
	s.checkEmbedding(components)

	// 检查 Redis
	s.checkRedis(ctx, components)

	// 检查文档持久化存储
	s.checkDocumentStore(ctx, components)

	// 检查 Kafka
	s.checkKafka(components)

	return components
}

// OverallStatus 聚合整体状态。向量存储不可用时整体判为unhealthy，
// 其余组件异常只会降级为degraded。
func (s *HealthService) OverallStatus(ctx context.Context) (string, map[string]interface{}) {
	components := s.GetComponentHealth(ctx)
	status := "healthy"
	for key, v := range components {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		switch entry["status"] {
		case "unhealthy":
			if key == "vector_store" {
				return "unhealthy", components
			}
			status = "degraded"
		case "degraded":
			if status == "healthy" {
				status = "degraded"
			}
		}
	}
	return status, components
}

// checkVectorStore 检查向量存储健康状态
func (s *HealthService) checkVectorStore(ctx context.Context, components map[string]interface{}) {
	if s.client == nil {
		components["vector_store"] = map[string]interface{}{
			"status":      "unhealthy",
			"name":        "VectorStore",
			"description": "向量数据库",
			"message":     "Vector store client not initialized",
		}
		return
	}

	start := time.Now()
	err := s.client.EnsureConnection(ctx, false)
	latency := time.Since(start)
	state := s.client.State()

	entry := map[string]interface{}{
		"name":        "VectorStore",
		"description": "向量数据库",
		"backend":     s.client.Backend(),
		"state":       state.String(),
		"latency":     latency.String(),
	}
	switch {
	case err != nil:
		entry["status"] = "unhealthy"
		entry["message"] = err.Error()
	case state == retrieval.StateDegraded:
		entry["status"] = "degraded"
	default:
		entry["status"] = "healthy"
	}
	components["vector_store"] = entry
}

// checkEmbedding 检查向量化服务健康状态
func (s *HealthService) checkEmbedding(components map[string]interface{}) {
	if s.embedder != nil && s.embedder.Ready() {
		components["embedding"] = map[string]interface{}{
			"status":      "healthy",
			"name":        "Embedding",
			"description": "文本向量化服务",
		}
	} else {
		components["embedding"] = map[string]interface{}{
			"status":      "degraded",
			"name":        "Embedding",
			"description": "文本向量化服务",
			"message":     "Embedding provider not configured or not ready",
		}
	}
}

// checkRedis 检查 Redis 健康状态
func (s *HealthService) checkRedis(ctx context.Context, components map[string]interface{}) {
	if database.RedisClient != nil {
		start := time.Now()
		err := database.RedisClient.Ping(ctx).Err()
		latency := time.Since(start)
		if err != nil {
			components["redis"] = map[string]interface{}{
				"status":      "unhealthy",
				"name":        "Redis",
				"description": "结果缓存与摄取状态",
				"latency":     latency.String(),
				"message":     err.Error(),
			}
		} else {
			components["redis"] = map[string]interface{}{
				"status":      "healthy",
				"name":        "Redis",
				"description": "结果缓存与摄取状态",
				"latency":     latency.String(),
			}
		}
	} else {
		components["redis"] = map[string]interface{}{
			"status":      "degraded",
			"name":        "Redis",
			"description": "结果缓存与摄取状态",
			"message":     "Redis not configured",
		}
	}
}

// checkDocumentStore 检查文档持久化存储健康状态
func (s *HealthService) checkDocumentStore(ctx context.Context, components map[string]interface{}) {
	if s.store == nil {
		components["postgres"] = map[string]interface{}{
			"status":      "degraded",
			"name":        "PostgreSQL",
			"description": "文档持久化存储",
			"message":     "Document store not configured",
		}
		return
	}

	start := time.Now()
	err := s.store.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		components["postgres"] = map[string]interface{}{
			"status":      "unhealthy",
			"name":        "PostgreSQL",
			"description": "文档持久化存储",
			"latency":     latency.String(),
			"message":     err.Error(),
		}
	} else {
		components["postgres"] = map[string]interface{}{
			"status":      "healthy",
			"name":        "PostgreSQL",
			"description": "文档持久化存储",
			"latency":     latency.String(),
		}
	}
}

// checkKafka 检查 Kafka 健康状态
func (s *HealthService) checkKafka(components map[string]interface{}) {
	producer := kafka.GetProducer()
	if producer != nil && producer.GetProducerInstance() != nil {
		components["kafka"] = map[string]interface{}{
			"status":      "healthy",
			"name":        "Kafka",
			"description": "摄取事件队列",
		}
	} else {
		components["kafka"] = map[string]interface{}{
			"status":      "degraded",
			"name":        "Kafka",
			"description": "摄取事件队列",
			"message":     "Kafka producer not configured",
		}
	}
}
