package bootstrap

import (
	"context"
	"log"
	"time"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/consul"
	"github.com/coursehub/retrieval-go/internal/database"
	"github.com/coursehub/retrieval-go/internal/di"
	"github.com/coursehub/retrieval-go/internal/kafka"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/coursehub/retrieval-go/internal/services"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	cleanupTasks    []func() error
	consulClient    *consul.Client
	serviceRegistry *consul.ServiceRegistry
	metricsServer   *services.MetricsServer
	storeClient     *retrieval.StoreClient
	ctx             context.Context
	cancel          context.CancelFunc
}

// GetConsulClient returns the Consul client instance
func (a *App) GetConsulClient() *consul.Client {
	return a.consulClient
}

// GetStoreClient returns the vector store client instance
func (a *App) GetStoreClient() *retrieval.StoreClient {
	return a.storeClient
}

// Global app instance
var globalApp *App

// GetApp returns the global app instance
func GetApp() *App {
	return globalApp
}

// SetGlobalApp sets the global app instance
func SetGlobalApp(app *App) {
	globalApp = app
}

// Init bootstraps configuration, logger, connections and the background
// workers of the retrieval service.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize structured logger.
	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	// Load dynamic configuration.
	if err := config.LoadConfig(); err != nil {
		return nil, err
	}

	// Reapply the log level when the config file changes on disk.
	config.WatchConfig(func(e fsnotify.Event) {
		logger.SetLevel(config.AppConfig.Server.LogLevel)
		logger.Info("Configuration file reloaded", zap.String("file", e.Name))
	})

	app := &App{}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	// Initialize Consul client (optional) and merge KV config before any
	// component consumes it.
	if config.AppConfig.Consul.Enabled {
		consulClient, err := consul.NewClient(
			config.AppConfig.Consul.Address,
			config.AppConfig.Consul.Enabled,
			logger.Logger,
		)
		if err != nil {
			logger.Warn("Failed to initialize Consul client, using fallback config", zap.Error(err))
		} else {
			app.consulClient = consulClient

			if consulClient.IsEnabled() {
				consulConfig, err := consul.LoadConfigFromConsul(
					consulClient,
					config.AppConfig.Consul.ConfigPrefix,
					logger.Logger,
				)
				if err == nil {
					// Merge Consul config with existing config (Consul takes precedence)
					config.AppConfig = mergeConfig(config.AppConfig, consulConfig)
					logger.SetLevel(config.AppConfig.Server.LogLevel)
					logger.Info("Configuration loaded from Consul")

					// Watch for config changes
					go func() {
						if err := consul.WatchConfig(
							consulClient,
							config.AppConfig.Consul.ConfigPrefix,
							func(newCfg *config.Config) error {
								logger.Info("Configuration updated from Consul, reloading...")
								config.AppConfig = mergeConfig(config.AppConfig, newCfg)
								logger.SetLevel(config.AppConfig.Server.LogLevel)
								return nil
							},
							logger.Logger,
						); err != nil {
							logger.Error("Failed to watch Consul config", zap.Error(err))
						}
					}()
				} else {
					logger.Warn("Failed to load config from Consul, using environment variables", zap.Error(err))
				}
			}
		}
	}

	// Build the dependency graph.
	container := di.InitContainer()
	if err := di.RegisterProviders(container); err != nil {
		return nil, err
	}

	// Initialize Redis (optional). Failure shouldn't block the app.
	if err := di.Invoke(func(log *logrus.Logger) {
		if _, err := database.InitRedis(config.AppConfig, log); err != nil {
			logger.Warn("Failed to initialize Redis", zap.Error(err))
		} else {
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				return database.CloseRedis()
			})
		}
	}); err != nil {
		return nil, err
	}

	// Start document store monitoring when postgres is reachable.
	if err := di.Invoke(func(store *database.DocumentStore) {
		if store == nil {
			return
		}
		store.StartMonitoring(app.ctx)
		app.cleanupTasks = append(app.cleanupTasks, func() error {
			return store.Close()
		})
	}); err != nil {
		return nil, err
	}

	// Warm up the vector store connection. A failed warm-up degrades the
	// worker instead of blocking startup, operations self-heal later.
	if err := di.Invoke(func(client *retrieval.StoreClient) {
		app.storeClient = client
		ctx, cancel := context.WithTimeout(app.ctx, 30*time.Second)
		defer cancel()
		if err := client.EnsureConnection(ctx, false); err != nil {
			logger.Warn("Vector store warm-up failed, starting degraded", zap.Error(err))
		} else {
			logger.Info("Vector store connected", zap.String("backend", client.Backend()))
		}
		app.cleanupTasks = append(app.cleanupTasks, func() error {
			return client.Close()
		})
	}); err != nil {
		return nil, err
	}

	// Initialize Kafka (optional). Failure shouldn't block the app.
	if config.AppConfig.Kafka.Enabled {
		if err := kafka.InitProducer(config.AppConfig.Kafka.Brokers, config.AppConfig.Kafka.Topic); err != nil {
			logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
		} else {
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				producer := kafka.GetProducer()
				if producer != nil {
					return producer.Close()
				}
				return nil
			})
		}

		// 消费业务主题与重试主题，重试消息解包后走同一处理器
		topics := []string{
			config.AppConfig.Kafka.Topic,
			kafka.RetryTopic(config.AppConfig.Kafka.Topic),
		}
		if err := kafka.InitConsumer(config.AppConfig.Kafka.Brokers, config.AppConfig.Kafka.GroupID, topics); err != nil {
			logger.Warn("Failed to initialize Kafka consumer", zap.Error(err))
		} else {
			if err := di.Invoke(func(ingest *services.IngestService) {
				kafka.GetConsumer().RegisterHandler(
					config.AppConfig.Kafka.Topic,
					services.NewIngestEventHandler(ingest),
				)
			}); err != nil {
				return nil, err
			}
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				return kafka.GetConsumer().Close()
			})
		}
	}

	// Start the metrics and health endpoint.
	if err := di.Invoke(func(server *services.MetricsServer) {
		server.Start()
		app.metricsServer = server
		app.cleanupTasks = append(app.cleanupTasks, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(ctx)
		})
	}); err != nil {
		return nil, err
	}

	// Register service with Consul
	if config.AppConfig.Consul.Enabled {
		if app.consulClient == nil || !app.consulClient.IsEnabled() {
			logger.Warn("Consul client not available, skipping service registration")
		} else {
			serviceRegistry := consul.NewServiceRegistry(
				app.consulClient,
				config.AppConfig.Consul.ServiceID,
				config.AppConfig.Consul.ServiceName,
				logger.Logger,
			)
			if err := serviceRegistry.Register(config.AppConfig); err != nil {
				logger.Warn("Failed to register service with Consul", zap.Error(err))
			} else {
				app.serviceRegistry = serviceRegistry
				app.cleanupTasks = append(app.cleanupTasks, func() error {
					return serviceRegistry.Deregister()
				})
			}
		}
	}

	// Stop background monitors first on shutdown.
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		app.cancel()
		return nil
	})

	return app, nil
}

// mergeConfig merges Consul config into the base config
func mergeConfig(base, consul *config.Config) *config.Config {
	result := *base

	// Merge only non-empty values from Consul
	if consul.Server.Env != "" {
		result.Server.Env = consul.Server.Env
	}
	if consul.Server.LogLevel != "" {
		result.Server.LogLevel = consul.Server.LogLevel
	}
	if consul.Database.URL != "" {
		result.Database.URL = consul.Database.URL
	}
	if consul.Redis.Host != "" {
		result.Redis.Host = consul.Redis.Host
	}
	if consul.Redis.Port != "" {
		result.Redis.Port = consul.Redis.Port
	}
	if consul.Redis.DB != 0 {
		result.Redis.DB = consul.Redis.DB
	}
	if consul.Prometheus.Port != "" {
		result.Prometheus.Port = consul.Prometheus.Port
	}
	if consul.Prometheus.BaseURL != "" {
		result.Prometheus.BaseURL = consul.Prometheus.BaseURL
	}
	// 只在Consul明确开启时覆盖，避免空配置压掉环境变量的true
	if consul.Prometheus.Enabled {
		result.Prometheus.Enabled = true
	}
	if len(consul.Kafka.Brokers) > 0 {
		result.Kafka.Brokers = consul.Kafka.Brokers
	}
	if consul.Kafka.Topic != "" {
		result.Kafka.Topic = consul.Kafka.Topic
	}
	if consul.Kafka.GroupID != "" {
		result.Kafka.GroupID = consul.Kafka.GroupID
	}
	if consul.Kafka.Enabled {
		result.Kafka.Enabled = true
	}
	if consul.Retrieval.VectorStore.Provider != "" {
		result.Retrieval.VectorStore.Provider = consul.Retrieval.VectorStore.Provider
	}
	if consul.Retrieval.VectorStore.Milvus.Address != "" {
		result.Retrieval.VectorStore.Milvus.Address = consul.Retrieval.VectorStore.Milvus.Address
	}
	if consul.Retrieval.VectorStore.Qdrant.Host != "" {
		result.Retrieval.VectorStore.Qdrant.Host = consul.Retrieval.VectorStore.Qdrant.Host
	}
	if consul.Retrieval.VectorStore.Qdrant.Port != 0 {
		result.Retrieval.VectorStore.Qdrant.Port = consul.Retrieval.VectorStore.Qdrant.Port
	}
	if consul.Retrieval.Embedding.Provider != "" {
		result.Retrieval.Embedding.Provider = consul.Retrieval.Embedding.Provider
	}
	if consul.Retrieval.Embedding.BaseURL != "" {
		result.Retrieval.Embedding.BaseURL = consul.Retrieval.Embedding.BaseURL
	}
	if consul.Retrieval.Embedding.Model != "" {
		result.Retrieval.Embedding.Model = consul.Retrieval.Embedding.Model
	}
	if consul.Retrieval.Integrity.Threshold > 0 {
		result.Retrieval.Integrity.Threshold = consul.Retrieval.Integrity.Threshold
	}

	return &result
}

// Shutdown flushes/logs and closes resources gracefully.
func (a *App) Shutdown() {
	// Execute cleanup tasks in reverse order (best effort).
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			log.Printf("Cleanup error: %v\n", err)
		}
	}

	// Flush logger buffers.
	logger.Sync()
}
