package di

import (
	"fmt"
	"os"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/consul"
	"github.com/coursehub/retrieval-go/internal/database"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/coursehub/retrieval-go/internal/services"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"go.uber.org/zap"
)

// RegisterProviders 注册所有依赖提供者
func RegisterProviders(container *dig.Container) error {
	// 配置
	if err := container.Provide(func() (*config.Config, error) {
		if config.AppConfig == nil {
			return nil, fmt.Errorf("config not loaded")
		}
		return config.AppConfig, nil
	}); err != nil {
		return err
	}

	// 日志
	if err := container.Provide(func() *zap.Logger {
		return logger.GetLogger()
	}); err != nil {
		return err
	}

	// database包与迁移工具使用logrus
	if err := container.Provide(func() *logrus.Logger {
		return &logrus.Logger{
			Out:       os.Stdout,
			Formatter: &logrus.JSONFormatter{},
			Level:     logrus.InfoLevel,
		}
	}); err != nil {
		return err
	}

	// Consul客户端（未启用时退化为禁用实例）
	if err := container.Provide(func(cfg *config.Config, log *zap.Logger) (*consul.Client, error) {
		return consul.NewClient(cfg.Consul.Address, cfg.Consul.Enabled, log)
	}); err != nil {
		return err
	}

	// 文档持久化存储。向量后端选database时必须可用，
	// 其余场景连接失败只降级不阻塞启动
	if err := container.Provide(newDocumentStore); err != nil {
		return err
	}

	// 向量后端与存储客户端
	if err := container.Provide(newVectorBackend); err != nil {
		return err
	}

	if err := container.Provide(func(backend retrieval.VectorBackend) *retrieval.StoreClient {
		return retrieval.NewStoreClient(backend)
	}); err != nil {
		return err
	}

	// 向量化
	if err := container.Provide(newEmbedder); err != nil {
		return err
	}

	// 检索组件
	if err := container.Provide(func(cfg *config.Config) *retrieval.Chunker {
		return retrieval.NewChunker(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(client *retrieval.StoreClient, embedder retrieval.Embedder, cfg *config.Config) *retrieval.Expander {
		return retrieval.NewExpander(
			client,
			embedder,
			cfg.Retrieval.Collections.Entity,
			cfg.Retrieval.Collections.Content,
			cfg.Retrieval.MaxExpansionTerms,
			cfg.Retrieval.ExploreLimit,
		)
	}); err != nil {
		return err
	}

	if err := container.Provide(func(client *retrieval.StoreClient, embedder retrieval.Embedder, cfg *config.Config) *retrieval.Matcher {
		return retrieval.NewMatcher(
			client,
			embedder,
			cfg.Retrieval.Collections.Integrity,
			cfg.Retrieval.Integrity.RecallDepth,
		)
	}); err != nil {
		return err
	}

	// 服务
	if err := container.Provide(services.NewCacheService); err != nil {
		return err
	}

	if err := container.Provide(services.NewSearchService); err != nil {
		return err
	}

	if err := container.Provide(services.NewIngestService); err != nil {
		return err
	}

	if err := container.Provide(services.NewIntegrityService); err != nil {
		return err
	}

	if err := container.Provide(services.NewHealthService); err != nil {
		return err
	}

	if err := container.Provide(func() *services.PrometheusService {
		return services.NewPrometheusService()
	}); err != nil {
		return err
	}

	if err := container.Provide(services.NewMetricsServer); err != nil {
		return err
	}

	return nil
}

func newDocumentStore(cfg *config.Config, log *logrus.Logger) (*database.DocumentStore, error) {
	store, err := database.NewDocumentStore(cfg, log)
	if err != nil {
		if cfg.Retrieval.VectorStore.Provider == "database" {
			return nil, fmt.Errorf("vector store provider 'database' requires postgres: %w", err)
		}
		logger.Warn("文档存储初始化失败，降级为仅向量检索", zap.Error(err))
		return nil, nil
	}
	return store, nil
}

func newVectorBackend(cfg *config.Config, store *database.DocumentStore) (retrieval.VectorBackend, error) {
	vs := cfg.Retrieval.VectorStore
	switch vs.Provider {
	case "milvus":
		return retrieval.NewMilvusBackend(retrieval.MilvusOptions{
			Address:    vs.Milvus.Address,
			Username:   vs.Milvus.Username,
			Password:   vs.Milvus.Password,
			Database:   vs.Milvus.Database,
			UseTLS:     vs.Milvus.TLS,
			VectorSize: vs.Milvus.VectorSize,
			Distance:   vs.Milvus.Distance,
		}), nil
	case "qdrant":
		return retrieval.NewQdrantBackend(retrieval.QdrantOptions{
			Host:       vs.Qdrant.Host,
			Port:       vs.Qdrant.Port,
			APIKey:     vs.Qdrant.APIKey,
			UseTLS:     vs.Qdrant.UseTLS,
			VectorSize: vs.Qdrant.VectorSize,
			Distance:   vs.Qdrant.Distance,
		}), nil
	case "database":
		if store == nil {
			return nil, fmt.Errorf("vector store provider 'database' requires postgres")
		}
		return retrieval.NewDatabaseBackend(store.DB()), nil
	case "memory", "":
		return retrieval.NewMemoryBackend(), nil
	default:
		logger.Warn("未知的向量后端，回退到内存实现", zap.String("provider", vs.Provider))
		return retrieval.NewMemoryBackend(), nil
	}
}

// newEmbedder 构造向量化客户端。未显式配置端点且Consul可用时，
// 尝试从服务目录发现embedding服务的地址
func newEmbedder(cfg *config.Config, consulClient *consul.Client) retrieval.Embedder {
	emb := cfg.Retrieval.Embedding
	baseURL := emb.BaseURL
	if baseURL == "" && consulClient.IsEnabled() {
		if addr, err := consulClient.GetServiceAddress("embedding-service"); err == nil {
			baseURL = "http://" + addr + "/v1"
			logger.Info("从Consul发现embedding服务", zap.String("base_url", baseURL))
		}
	}
	return retrieval.NewEmbedder(emb.Provider, emb.APIKey, baseURL, emb.Model)
}
