package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// memoryBackend 进程内向量后端，用于测试和无外部依赖的本地运行。
// 暴力遍历计算余弦距离。
type memoryBackend struct {
	mu          sync.RWMutex
	connected   bool
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	metadata map[string]string
	docs     map[string]Document
}

// NewMemoryBackend 创建内存后端
func NewMemoryBackend() VectorBackend {
	return &memoryBackend{
		collections: make(map[string]*memoryCollection),
	}
}

func (b *memoryBackend) Name() string {
	return "memory"
}

func (b *memoryBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *memoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *memoryBackend) Heartbeat(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.connected {
		return fmt.Errorf("memory backend not connected")
	}
	return nil
}

func (b *memoryBackend) GetCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	coll, ok := b.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	return &CollectionInfo{Name: name, Metadata: copyMetadata(coll.metadata)}, nil
}

func (b *memoryBackend) CreateCollection(ctx context.Context, name string, metadata map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[name]; ok {
		return fmt.Errorf("collection %s already exists", name)
	}
	b.collections[name] = &memoryCollection{
		metadata: copyMetadata(metadata),
		docs:     make(map[string]Document),
	}
	return nil
}

func (b *memoryBackend) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos := make([]CollectionInfo, 0, len(b.collections))
	for name, coll := range b.collections {
		infos = append(infos, CollectionInfo{Name: name, Metadata: copyMetadata(coll.metadata)})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (b *memoryBackend) CollectionStats(ctx context.Context, name string) (*CollectionStats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	coll, ok := b.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	return &CollectionStats{
		Name:          name,
		DocumentCount: int64(len(coll.docs)),
		Metadata:      copyMetadata(coll.metadata),
	}, nil
}

func (b *memoryBackend) Insert(ctx context.Context, collection string, docs []Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	coll, ok := b.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}
	for _, doc := range docs {
		stored := Document{
			ID:        doc.ID,
			Text:      doc.Text,
			Metadata:  copyMetadata(doc.Metadata),
			Embedding: append([]float32(nil), doc.Embedding...),
		}
		coll.docs[doc.ID] = stored
	}
	return nil
}

func (b *memoryBackend) Query(ctx context.Context, collection string, embedding []float32, limit, offset int, where *Filter) (*QueryResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	coll, ok := b.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", collection)
	}

	type scored struct {
		doc      Document
		distance float32
	}
	candidates := make([]scored, 0, len(coll.docs))
	queryNorm := vectorNorm(embedding)
	for _, doc := range coll.docs {
		if !where.Matches(doc.Metadata) {
			continue
		}
		sim := cosineSimilarity(embedding, doc.Embedding, queryNorm)
		candidates = append(candidates, scored{doc: doc, distance: float32(1 - sim)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		return candidates[i].doc.ID < candidates[j].doc.ID
	})

	if offset > len(candidates) {
		offset = len(candidates)
	}
	candidates = candidates[offset:]
	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}

	result := &QueryResult{}
	for _, c := range candidates {
		result.IDs = append(result.IDs, c.doc.ID)
		result.Documents = append(result.Documents, c.doc.Text)
		result.Metadatas = append(result.Metadatas, copyMetadata(c.doc.Metadata))
		result.Distances = append(result.Distances, c.distance)
	}
	return result, nil
}

func (b *memoryBackend) Fetch(ctx context.Context, collection string, ids []string) (*QueryResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	coll, ok := b.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s not found", collection)
	}
	result := &QueryResult{}
	for _, id := range ids {
		doc, ok := coll.docs[id]
		if !ok {
			continue
		}
		result.IDs = append(result.IDs, doc.ID)
		result.Documents = append(result.Documents, doc.Text)
		result.Metadatas = append(result.Metadatas, copyMetadata(doc.Metadata))
	}
	return result, nil
}

func (b *memoryBackend) Delete(ctx context.Context, collection string, ids []string, where *Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	coll, ok := b.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s not found", collection)
	}

	if len(ids) > 0 {
		for _, id := range ids {
			doc, ok := coll.docs[id]
			if !ok {
				continue
			}
			if where != nil && !where.Matches(doc.Metadata) {
				continue
			}
			delete(coll.docs, id)
		}
		return nil
	}

	if where != nil {
		for id, doc := range coll.docs {
			if where.Matches(doc.Metadata) {
				delete(coll.docs, id)
			}
		}
	}
	return nil
}

func copyMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
