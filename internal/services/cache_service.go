package services

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/database"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/metrics"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CacheService Redis检索结果缓存，同时承载摄取状态键。
// Redis未配置或不可用时所有写入静默降级，读取按未命中处理，
// 检索主路径不依赖缓存可用性。
type CacheService struct {
	client   *redis.Client
	enabled  bool
	ttl      time.Duration
	hitStats *CacheHitStats
}

// CacheHitStats 缓存命中率统计
type CacheHitStats struct {
	hits   int64
	misses int64
	mu     sync.RWMutex
}

// NewCacheService 创建缓存服务。RedisClient未初始化时返回禁用实例。
func NewCacheService(cfg *config.Config) *CacheService {
	svc := &CacheService{hitStats: &CacheHitStats{}}
	if database.RedisClient == nil {
		return svc
	}

	ttl := 5 * time.Minute
	if cfg != nil && cfg.Redis.TTL > 0 {
		ttl = time.Duration(cfg.Redis.TTL) * time.Second
	}
	svc.client = database.RedisClient
	svc.enabled = true
	svc.ttl = ttl
	return svc
}

// Enabled 缓存是否可用
func (c *CacheService) Enabled() bool {
	return c != nil && c.enabled && c.client != nil
}

// SearchCacheKey 由检索请求的规范化表示生成缓存键。
// 作用域id先排序，同一组课程不同传入顺序命中同一键。
func SearchCacheKey(collection, query string, limit int, minScore float64, scopeIDs []string, expanded bool) string {
	scope := append([]string(nil), scopeIDs...)
	sort.Strings(scope)
	canonical := fmt.Sprintf("%s|%s|%d|%.6f|%s|%t",
		collection, retrieval.NormalizeQuery(query), limit, minScore, strings.Join(scope, ","), expanded)
	return fmt.Sprintf("retrieval:search:%x", sha1.Sum([]byte(canonical)))
}

// GetSearchResults 查询缓存的检索结果
func (c *CacheService) GetSearchResults(ctx context.Context, key string) ([]retrieval.SearchResult, bool) {
	if !c.Enabled() {
		metrics.Default().RecordCacheLookup("bypass")
		return nil, false
	}

	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("读取检索缓存失败", zap.String("key", key), zap.Error(err))
		}
		c.recordMiss()
		metrics.Default().RecordCacheLookup("miss")
		return nil, false
	}

	var results []retrieval.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		logger.Warn("检索缓存内容损坏，按未命中处理", zap.String("key", key), zap.Error(err))
		c.recordMiss()
		metrics.Default().RecordCacheLookup("miss")
		return nil, false
	}

	c.recordHit()
	metrics.Default().RecordCacheLookup("hit")
	return results, true
}

// StoreSearchResults 写入检索结果缓存，失败只记日志不向上返回
func (c *CacheService) StoreSearchResults(ctx context.Context, key string, results []retrieval.SearchResult) {
	if !c.Enabled() {
		return
	}

	data, err := json.Marshal(results)
	if err != nil {
		logger.Warn("序列化检索结果失败", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Warn("缓存检索结果失败", zap.String("key", key), zap.Error(err))
	}
}

// ingestStatusKey 生成摄取状态键
func (c *CacheService) ingestStatusKey(collection, parentID string) string {
	return fmt.Sprintf("retrieval:ingest:status:%s:%s", collection, parentID)
}

// SetIngestStatus 记录父实体的摄取状态（processing/completed/failed）
func (c *CacheService) SetIngestStatus(ctx context.Context, collection, parentID, status string, extra map[string]interface{}) {
	if !c.Enabled() {
		return
	}

	key := c.ingestStatusKey(collection, parentID)
	data := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().Format(time.RFC3339),
	}
	for k, v := range extra {
		data[k] = v
	}

	if err := c.client.HSet(ctx, key, data).Err(); err != nil {
		logger.Warn("更新摄取状态失败", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.Expire(ctx, key, time.Hour).Err(); err != nil {
		logger.Warn("设置摄取状态过期时间失败", zap.String("key", key), zap.Error(err))
	}
}

// GetIngestStatus 查询父实体的摄取状态
func (c *CacheService) GetIngestStatus(ctx context.Context, collection, parentID string) (map[string]string, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("cache service not enabled")
	}

	data, err := c.client.HGetAll(ctx, c.ingestStatusKey(collection, parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get ingest status: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("ingest status not found")
	}
	return data, nil
}

// ClearIngestStatus 删除父实体的摄取状态键
func (c *CacheService) ClearIngestStatus(ctx context.Context, collection, parentID string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Del(ctx, c.ingestStatusKey(collection, parentID)).Err(); err != nil {
		logger.Warn("删除摄取状态失败", zap.String("parent", parentID), zap.Error(err))
	}
}

// recordHit 记录缓存命中
func (c *CacheService) recordHit() {
	if c.hitStats != nil {
		c.hitStats.mu.Lock()
		c.hitStats.hits++
		c.hitStats.mu.Unlock()
	}
}

// recordMiss 记录缓存未命中
func (c *CacheService) recordMiss() {
	if c.hitStats != nil {
		c.hitStats.mu.Lock()
		c.hitStats.misses++
		c.hitStats.mu.Unlock()
	}
}

// GetCacheStats 获取缓存统计信息
func (c *CacheService) GetCacheStats() (hits, misses int64, hitRate float64) {
	if c.hitStats == nil {
		return 0, 0, 0
	}
	c.hitStats.mu.RLock()
	defer c.hitStats.mu.RUnlock()

	hits = c.hitStats.hits
	misses = c.hitStats.misses
	total := hits + misses
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}
	return
}
