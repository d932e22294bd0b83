package retrieval

import "context"

// VectorBackend 向量存储后端抽象。实现只负责单次调用，
// 不做任何重试；心跳、退避、降级等弹性语义全部由StoreClient承担。
// 距离统一约定为余弦距离（0为完全一致，越大越不相似）。
type VectorBackend interface {
	// Name 后端标识（milvus/qdrant/database/memory）
	Name() string

	// Connect 建立或重建底层连接
	Connect(ctx context.Context) error

	// Close 释放底层连接
	Close() error

	// Heartbeat 轻量存活探测
	Heartbeat(ctx context.Context) error

	// GetCollection 按名称获取集合，不存在时返回not found类错误
	GetCollection(ctx context.Context, name string) (*CollectionInfo, error)

	// CreateCollection 创建集合，已存在时返回already exists类错误
	CreateCollection(ctx context.Context, name string, metadata map[string]string) error

	// ListCollections 列出全部集合
	ListCollections(ctx context.Context) ([]CollectionInfo, error)

	// CollectionStats 集合统计信息
	CollectionStats(ctx context.Context, name string) (*CollectionStats, error)

	// Insert 写入文档，要求每条文档的Embedding已填充
	Insert(ctx context.Context, collection string, docs []Document) error

	// Query 向量检索，返回按距离升序排列的平行数组
	Query(ctx context.Context, collection string, embedding []float32, limit, offset int, where *Filter) (*QueryResult, error)

	// Fetch 按ID直接取回文档，不评分，缺失的ID静默跳过
	Fetch(ctx context.Context, collection string, ids []string) (*QueryResult, error)

	// Delete 按ID列表与/或元数据过滤器删除文档
	Delete(ctx context.Context, collection string, ids []string, where *Filter) error
}
