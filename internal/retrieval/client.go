package retrieval

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/metrics"
	"go.uber.org/zap"
)

const (
	connectMaxAttempts    = 3
	collectionMaxAttempts = 3
	searchMaxAttempts     = 7
	baseRetryDelay        = 500 * time.Millisecond
	defaultSearchLimit    = 10
)

// StoreClient 向量存储的弹性客户端，负责连接维护与集合生命周期。
// 连接句柄进程内单例，并发读安全；集合创建竞态通过捕获重复创建
// 错误后回读解决，不靠互斥锁。
type StoreClient struct {
	backend VectorBackend
	state   atomic.Int32
	connMu  sync.Mutex
}

// NewStoreClient 创建客户端。不立即建连，首次操作时按需连接
func NewStoreClient(backend VectorBackend) *StoreClient {
	c := &StoreClient{backend: backend}
	c.state.Store(int32(StateDisconnected))
	return c
}

// State 返回当前连接状态
func (c *StoreClient) State() ConnState {
	return ConnState(c.state.Load())
}

// Backend 返回底层后端名称
func (c *StoreClient) Backend() string {
	return c.backend.Name()
}

func (c *StoreClient) setState(next ConnState) {
	prev := ConnState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	metrics.Default().RecordStoreState(int(next))
	logger.Info("向量存储连接状态变更",
		zap.String("backend", c.backend.Name()),
		zap.String("from", prev.String()),
		zap.String("to", next.String()))
}

// EnsureConnection 通过心跳确认连接可用；forceReconnect为true时跳过
// 现有连接直接重建。心跳失败后最多尝试3次（0.5s/1s退避翻倍），每次
// 尝试前重新建连；预算耗尽返回可重试的ConnectionError。
func (c *StoreClient) EnsureConnection(ctx context.Context, forceReconnect bool) error {
	if !forceReconnect && c.State() == StateConnected {
		if err := c.backend.Heartbeat(ctx); err == nil {
			return nil
		}
		c.setState(StateDegraded)
		logger.Warn("向量存储心跳失败，准备重连", zap.String("backend", c.backend.Name()))
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// 等锁期间其他调用可能已完成重连
	if !forceReconnect && c.State() == StateConnected {
		if err := c.backend.Heartbeat(ctx); err == nil {
			return nil
		}
	}

	attempt := 0
	err := retryWithBackoff(ctx, RetryPolicy{
		MaxAttempts: connectMaxAttempts,
		BaseDelay:   baseRetryDelay,
	}, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.Default().RecordRetry("connect")
		}
		c.setState(StateConnecting)
		if err := c.backend.Connect(ctx); err != nil {
			return err
		}
		return c.backend.Heartbeat(ctx)
	})
	if err != nil {
		c.setState(StateDisconnected)
		metrics.Default().RecordReconnect(false)
		logger.Error("向量存储连接失败",
			zap.String("backend", c.backend.Name()),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return errors.NewConnectionError(errors.ErrCodeConnectionFailed,
			fmt.Sprintf("vector store unreachable after %d attempts", attempt)).WithCause(err)
	}

	c.setState(StateConnected)
	metrics.Default().RecordReconnect(true)
	return nil
}

// GetOrCreateCollection 获取集合，不存在则带默认元数据创建。与并发
// 创建者撞车时（already exists）回退为读取而非报错；传输层错误最多
// 重试3次，逻辑错误不重试。
func (c *StoreClient) GetOrCreateCollection(ctx context.Context, name string, metadata map[string]string) (*CollectionInfo, error) {
	if name == "" {
		return nil, errors.NewCollectionError(errors.ErrCodeInvalidInput, "collection name is empty")
	}
	if err := c.EnsureConnection(ctx, false); err != nil {
		return nil, err
	}

	var info *CollectionInfo
	code := errors.ErrCodeCollectionGetFailed
	attempt := 0
	err := retryWithBackoff(ctx, RetryPolicy{
		MaxAttempts: collectionMaxAttempts,
		BaseDelay:   baseRetryDelay,
		IsRetryable: isTransportError,
	}, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.Default().RecordRetry("get_or_create_collection")
		}
		got, err := c.backend.GetCollection(ctx, name)
		if err == nil {
			info = got
			return nil
		}
		if !isNotFound(err) {
			code = errors.ErrCodeCollectionGetFailed
			return err
		}

		merged := defaultCollectionMetadata(name)
		for k, v := range metadata {
			merged[k] = v
		}
		if cerr := c.backend.CreateCollection(ctx, name, merged); cerr != nil {
			if isAlreadyExists(cerr) {
				// 并发创建竞态，回退为读取
				got, gerr := c.backend.GetCollection(ctx, name)
				if gerr != nil {
					code = errors.ErrCodeCollectionGetFailed
					return gerr
				}
				info = got
				return nil
			}
			code = errors.ErrCodeCollectionCreateFailed
			return cerr
		}
		logger.Info("创建向量集合", zap.String("collection", name), zap.String("backend", c.backend.Name()))
		info = &CollectionInfo{Name: name, Metadata: merged}
		return nil
	})
	if err != nil {
		return nil, errors.NewCollectionError(code,
			fmt.Sprintf("get or create collection %s failed", name)).WithCause(err)
	}
	return info, nil
}

// AddDocuments 批量写入文档。重复id的行为由后端决定，更新场景由
// 调用方先删后写。
func (c *StoreClient) AddDocuments(ctx context.Context, collection string, docs []Document) error {
	if len(docs) == 0 {
		return errors.NewStorageError(errors.ErrCodeStorageEmptyBatch, "document batch is empty")
	}
	dim := len(docs[0].Embedding)
	for _, doc := range docs {
		if doc.ID == "" {
			return errors.NewStorageError(errors.ErrCodeInvalidInput, "document id is empty")
		}
		if len(doc.Embedding) == 0 {
			return errors.NewStorageError(errors.ErrCodeStorageDimensionMismatch,
				fmt.Sprintf("document %s has no embedding", doc.ID))
		}
		if len(doc.Embedding) != dim {
			return errors.NewStorageError(errors.ErrCodeStorageDimensionMismatch,
				fmt.Sprintf("document %s embedding dimension %d differs from batch dimension %d",
					doc.ID, len(doc.Embedding), dim))
		}
	}

	if err := c.EnsureConnection(ctx, false); err != nil {
		metrics.Default().RecordIngest(collection, len(docs), err)
		return err
	}
	if err := c.backend.Insert(ctx, collection, docs); err != nil {
		metrics.Default().RecordIngest(collection, len(docs), err)
		return errors.NewStorageError(errors.ErrCodeStorageAddFailed,
			fmt.Sprintf("add %d documents to %s failed", len(docs), collection)).WithCause(err)
	}
	metrics.Default().RecordIngest(collection, len(docs), nil)
	logger.Debug("写入向量文档", zap.String("collection", collection), zap.Int("count", len(docs)))
	return nil
}

// Search 向量检索，返回ids/documents/metadatas/distances平行数组。
// 搜索是流量最大也最怕故障的路径：最多尝试7次，退避逐次翻倍，失败
// 后的每次尝试都强制重建连接。集合不存在不属于传输故障，立即返回。
func (c *StoreClient) Search(ctx context.Context, collection string, embedding []float32, nResults, offset int, where *Filter) (*QueryResult, error) {
	if len(embedding) == 0 {
		return nil, errors.NewSearchError(errors.ErrCodeInvalidInput, "query embedding is empty")
	}
	if nResults <= 0 {
		nResults = defaultSearchLimit
	}
	if err := where.Validate(); err != nil {
		return nil, errors.NewSearchError(errors.ErrCodeInvalidInput, "invalid search filter").WithCause(err)
	}

	start := time.Now()
	var result *QueryResult
	attempt := 0
	err := retryWithBackoff(ctx, RetryPolicy{
		MaxAttempts: searchMaxAttempts,
		BaseDelay:   baseRetryDelay,
		IsRetryable: func(err error) bool { return !isNotFound(err) },
	}, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.Default().RecordRetry("search")
			c.setState(StateDegraded)
		}
		if err := c.EnsureConnection(ctx, attempt > 1); err != nil {
			return err
		}
		res, err := c.backend.Query(ctx, collection, embedding, nResults, offset, where)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	metrics.Default().RecordSearch(collection, time.Since(start), err)
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NewSearchError(errors.ErrCodeCollectionNotFound,
				fmt.Sprintf("collection %s not found", collection)).WithCause(err)
		}
		logger.Error("向量检索失败",
			zap.String("collection", collection),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return nil, errors.NewSearchError(errors.ErrCodeSearchFailed,
			fmt.Sprintf("search in %s failed after %d attempts", collection, attempt)).WithCause(err)
	}
	return result, nil
}

// GetDocuments 按id取回文档，缺失的id跳过不报错
func (c *StoreClient) GetDocuments(ctx context.Context, collection string, ids []string) (*QueryResult, error) {
	if len(ids) == 0 {
		return &QueryResult{}, nil
	}
	if err := c.EnsureConnection(ctx, false); err != nil {
		return nil, err
	}
	res, err := c.backend.Fetch(ctx, collection, ids)
	if err != nil {
		return nil, errors.NewSearchError(errors.ErrCodeSearchGetFailed,
			fmt.Sprintf("get documents from %s failed", collection)).WithCause(err)
	}
	return res, nil
}

// DeleteDocuments 按id列表或元数据谓词删除，两者至少提供其一。
// 清除父实体全部分块时传谓词，由同一父id级联到所有文档。
func (c *StoreClient) DeleteDocuments(ctx context.Context, collection string, ids []string, where *Filter) error {
	if len(ids) == 0 && where == nil {
		return errors.NewDeleteError(errors.ErrCodeDeleteNoSelector, "delete requires ids or a metadata filter")
	}
	if err := where.Validate(); err != nil {
		return errors.NewDeleteError(errors.ErrCodeInvalidInput, "invalid delete filter").WithCause(err)
	}
	if err := c.EnsureConnection(ctx, false); err != nil {
		return err
	}
	if err := c.backend.Delete(ctx, collection, ids, where); err != nil {
		if isNotFound(err) {
			return errors.NewDeleteError(errors.ErrCodeCollectionNotFound,
				fmt.Sprintf("collection %s not found", collection)).WithCause(err)
		}
		return errors.NewDeleteError(errors.ErrCodeDeleteFailed,
			fmt.Sprintf("delete from %s failed", collection)).WithCause(err)
	}
	logger.Debug("删除向量文档",
		zap.String("collection", collection),
		zap.Int("ids", len(ids)),
		zap.Bool("filtered", where != nil))
	return nil
}

// ListCollections 列出全部集合
func (c *StoreClient) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	if err := c.EnsureConnection(ctx, false); err != nil {
		return nil, err
	}
	infos, err := c.backend.ListCollections(ctx)
	if err != nil {
		return nil, errors.NewCollectionError(errors.ErrCodeCollectionGetFailed,
			"list collections failed").WithCause(err)
	}
	return infos, nil
}

// GetCollectionStats 返回集合的文档数等统计信息
func (c *StoreClient) GetCollectionStats(ctx context.Context, name string) (*CollectionStats, error) {
	if err := c.EnsureConnection(ctx, false); err != nil {
		return nil, err
	}
	stats, err := c.backend.CollectionStats(ctx, name)
	if err != nil {
		if isNotFound(err) {
			return nil, errors.NewCollectionError(errors.ErrCodeCollectionNotFound,
				fmt.Sprintf("collection %s not found", name)).WithCause(err)
		}
		return nil, errors.NewCollectionError(errors.ErrCodeCollectionGetFailed,
			fmt.Sprintf("stats for collection %s failed", name)).WithCause(err)
	}
	return stats, nil
}

// Close 关闭底层连接
func (c *StoreClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.setState(StateDisconnected)
	return c.backend.Close()
}

func defaultCollectionMetadata(name string) map[string]string {
	return map[string]string{
		"description": fmt.Sprintf("%s retrieval collection", name),
		"version":     "1",
		"created_at":  time.Now().UTC().Format(time.RFC3339),
	}
}
