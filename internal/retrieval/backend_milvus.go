package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/coursehub/retrieval-go/internal/logger"
)

// MilvusOptions Milvus后端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Database   string
	UseTLS     bool
	VectorSize int
	Distance   string
}

type milvusBackend struct {
	mu     sync.RWMutex
	opts   MilvusOptions
	metric entity.MetricType
	client client.Client
	loaded map[string]bool
}

// NewMilvusBackend 创建Milvus后端，连接在Connect时建立
func NewMilvusBackend(opts MilvusOptions) VectorBackend {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 1536
	}
	return &milvusBackend{
		opts:   opts,
		metric: parseMilvusMetric(opts.Distance),
		loaded: make(map[string]bool),
	}
}

func parseMilvusMetric(value string) entity.MetricType {
	switch strings.ToUpper(value) {
	case "DOT", "IP", "INNER_PRODUCT":
		return entity.IP
	case "L2", "EUCLIDEAN":
		return entity.L2
	default:
		return entity.COSINE
	}
}

func (b *milvusBackend) Name() string {
	return "milvus"
}

func (b *milvusBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		b.client.Close()
		b.client = nil
	}

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       b.opts.Address,
		DBName:        b.opts.Database,
		Username:      b.opts.Username,
		Password:      b.opts.Password,
		EnableTLSAuth: b.opts.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create milvus client: %w", err)
	}

	b.client = milvusClient
	b.loaded = make(map[string]bool)
	return nil
}

func (b *milvusBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *milvusBackend) getClient() (client.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, fmt.Errorf("milvus client not connected")
	}
	return b.client, nil
}

func (b *milvusBackend) Heartbeat(ctx context.Context) error {
	c, err := b.getClient()
	if err != nil {
		return err
	}
	// Milvus SDK v2 没有显式ping，用ListCollections做存活探测
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = c.ListCollections(probeCtx)
	return err
}

func (b *milvusBackend) GetCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	c, err := b.getClient()
	if err != nil {
		return nil, err
	}
	coll, err := c.DescribeCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	info := &CollectionInfo{Name: name}
	if coll.Schema != nil {
		info.Metadata = parseCollectionDescription(coll.Schema.Description)
	}
	return info, nil
}

func (b *milvusBackend) CreateCollection(ctx context.Context, name string, metadata map[string]string) error {
	c, err := b.getClient()
	if err != nil {
		return err
	}

	// 集合元数据序列化进Description，DescribeCollection时还原
	descJSON, _ := json.Marshal(metadata)

	schema := &entity.Schema{
		CollectionName: name,
		Description:    string(descJSON),
		Fields: []*entity.Field{
			{
				Name:       "doc_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     "content",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "65535",
				},
			},
			{
				Name:     "metadata",
				DataType: entity.FieldTypeJSON,
			},
			{
				Name:     "vector",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", b.opts.VectorSize),
				},
			},
		},
	}

	if err := c.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return err
	}

	// 创建索引，HNSW失败时退到IVF_FLAT
	index, indexErr := entity.NewIndexHNSW(b.metric, 8, 64)
	if indexErr != nil {
		index, indexErr = entity.NewIndexIvfFlat(b.metric, 128)
	}
	if indexErr != nil {
		return fmt.Errorf("failed to build index for collection %s: %w", name, indexErr)
	}
	if err := c.CreateIndex(ctx, name, "vector", index, false); err != nil {
		// 索引创建失败不阻塞集合使用，检索时再尝试加载
		logger.Warn("milvus索引创建失败", zap.String("collection", name), zap.Error(err))
		return nil
	}

	if err := c.LoadCollection(ctx, name, false); err != nil {
		logger.Warn("milvus集合加载失败", zap.String("collection", name), zap.Error(err))
		return nil
	}

	b.mu.Lock()
	b.loaded[name] = true
	b.mu.Unlock()
	return nil
}

// ensureLoaded 检索前确认集合已加载进内存
func (b *milvusBackend) ensureLoaded(ctx context.Context, name string) error {
	b.mu.RLock()
	done := b.loaded[name]
	c := b.client
	b.mu.RUnlock()
	if done {
		return nil
	}
	if c == nil {
		return fmt.Errorf("milvus client not connected")
	}
	if err := c.LoadCollection(ctx, name, false); err != nil {
		return err
	}
	b.mu.Lock()
	b.loaded[name] = true
	b.mu.Unlock()
	return nil
}

func (b *milvusBackend) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	c, err := b.getClient()
	if err != nil {
		return nil, err
	}
	colls, err := c.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]CollectionInfo, 0, len(colls))
	for _, coll := range colls {
		infos = append(infos, CollectionInfo{Name: coll.Name})
	}
	return infos, nil
}

func (b *milvusBackend) CollectionStats(ctx context.Context, name string) (*CollectionStats, error) {
	c, err := b.getClient()
	if err != nil {
		return nil, err
	}
	stats, err := c.GetCollectionStatistics(ctx, name)
	if err != nil {
		return nil, err
	}
	var count int64
	if raw, ok := stats["row_count"]; ok {
		count, _ = strconv.ParseInt(raw, 10, 64)
	}
	result := &CollectionStats{Name: name, DocumentCount: count}
	if coll, err := c.DescribeCollection(ctx, name); err == nil && coll.Schema != nil {
		result.Metadata = parseCollectionDescription(coll.Schema.Description)
	}
	return result, nil
}

func (b *milvusBackend) Insert(ctx context.Context, collection string, docs []Document) error {
	c, err := b.getClient()
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(docs))
	contents := make([]string, 0, len(docs))
	metadatas := make([][]byte, 0, len(docs))
	vectors := make([][]float32, 0, len(docs))
	for _, doc := range docs {
		metaJSON, _ := json.Marshal(doc.Metadata)
		ids = append(ids, doc.ID)
		contents = append(contents, doc.Text)
		metadatas = append(metadatas, metaJSON)
		vectors = append(vectors, padVector(doc.Embedding, b.opts.VectorSize))
	}

	idColumn := entity.NewColumnVarChar("doc_id", ids)
	contentColumn := entity.NewColumnVarChar("content", contents)
	metadataColumn := entity.NewColumnJSONBytes("metadata", metadatas)
	vectorColumn := entity.NewColumnFloatVector("vector", b.opts.VectorSize, vectors)

	if _, err := c.Insert(ctx, collection, "", idColumn, contentColumn, metadataColumn, vectorColumn); err != nil {
		return err
	}

	if err := c.Flush(ctx, collection, false); err != nil {
		logger.Warn("milvus flush失败", zap.String("collection", collection), zap.Error(err))
	}
	return nil
}

func (b *milvusBackend) Query(ctx context.Context, collection string, embedding []float32, limit, offset int, where *Filter) (*QueryResult, error) {
	c, err := b.getClient()
	if err != nil {
		return nil, err
	}
	if err := b.ensureLoaded(ctx, collection); err != nil {
		return nil, err
	}

	sp, _ := entity.NewIndexHNSWSearchParam(64)
	queryVector := entity.FloatVector(padVector(embedding, b.opts.VectorSize))
	expr := compileMilvusFilter(where)

	searchResults, err := c.Search(
		ctx,
		collection,
		[]string{},
		expr,
		[]string{"content", "metadata"},
		[]entity.Vector{queryVector},
		"vector",
		b.metric,
		limit,
		sp,
		client.WithOffset(int64(offset)),
	)
	if err != nil {
		return nil, err
	}
	if len(searchResults) == 0 {
		return &QueryResult{}, nil
	}
	sr := searchResults[0]
	if sr.Err != nil {
		return nil, sr.Err
	}

	result := &QueryResult{}
	var ids []string
	if idCol, ok := sr.IDs.(*entity.ColumnVarChar); ok {
		ids = idCol.Data()
	}
	var contents []string
	var metaBlobs [][]byte
	for _, field := range sr.Fields {
		switch field.Name() {
		case "content":
			if col, ok := field.(*entity.ColumnVarChar); ok {
				contents = col.Data()
			}
		case "metadata":
			if col, ok := field.(*entity.ColumnJSONBytes); ok {
				metaBlobs = col.Data()
			}
		}
	}

	for i := 0; i < sr.ResultCount; i++ {
		id := ""
		if i < len(ids) {
			id = ids[i]
		}
		content := ""
		if i < len(contents) {
			content = contents[i]
		}
		meta := map[string]string{}
		if i < len(metaBlobs) {
			meta = decodeMetadataJSON(metaBlobs[i])
		}
		var distance float32
		if i < len(sr.Scores) {
			distance = distanceFromScore(b.metric, sr.Scores[i])
		}
		result.IDs = append(result.IDs, id)
		result.Documents = append(result.Documents, content)
		result.Metadatas = append(result.Metadatas, meta)
		result.Distances = append(result.Distances, distance)
	}
	return result, nil
}

func (b *milvusBackend) Fetch(ctx context.Context, collection string, ids []string) (*QueryResult, error) {
	c, err := b.getClient()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return &QueryResult{}, nil
	}
	if err := b.ensureLoaded(ctx, collection); err != nil {
		return nil, err
	}

	expr := fmt.Sprintf("doc_id in [%s]", quoteMilvusStrings(ids))
	rs, err := c.Query(ctx, collection, []string{}, expr, []string{"doc_id", "content", "metadata"})
	if err != nil {
		return nil, err
	}

	var fetchedIDs, contents []string
	var metaBlobs [][]byte
	for _, col := range rs {
		switch col.Name() {
		case "doc_id":
			if v, ok := col.(*entity.ColumnVarChar); ok {
				fetchedIDs = v.Data()
			}
		case "content":
			if v, ok := col.(*entity.ColumnVarChar); ok {
				contents = v.Data()
			}
		case "metadata":
			if v, ok := col.(*entity.ColumnJSONBytes); ok {
				metaBlobs = v.Data()
			}
		}
	}

	result := &QueryResult{}
	for i := range fetchedIDs {
		result.IDs = append(result.IDs, fetchedIDs[i])
		if i < len(contents) {
			result.Documents = append(result.Documents, contents[i])
		} else {
			result.Documents = append(result.Documents, "")
		}
		if i < len(metaBlobs) {
			result.Metadatas = append(result.Metadatas, decodeMetadataJSON(metaBlobs[i]))
		} else {
			result.Metadatas = append(result.Metadatas, map[string]string{})
		}
	}
	return result, nil
}

func (b *milvusBackend) Delete(ctx context.Context, collection string, ids []string, where *Filter) error {
	c, err := b.getClient()
	if err != nil {
		return err
	}

	var clauses []string
	if len(ids) > 0 {
		clauses = append(clauses, fmt.Sprintf("doc_id in [%s]", quoteMilvusStrings(ids)))
	}
	if where != nil {
		clauses = append(clauses, compileMilvusFilter(where))
	}
	if len(clauses) == 0 {
		return fmt.Errorf("delete requires ids or filter")
	}
	expr := strings.Join(clauses, " and ")

	if err := c.Delete(ctx, collection, "", expr); err != nil {
		return err
	}
	if err := c.Flush(ctx, collection, false); err != nil {
		logger.Warn("milvus删除后flush失败", zap.String("collection", collection), zap.Error(err))
	}
	return nil
}

// compileMilvusFilter 将过滤器编译为Milvus布尔表达式，
// 元数据存放在JSON字段中，按 metadata["key"] 寻址
func compileMilvusFilter(f *Filter) string {
	if f == nil {
		return ""
	}
	switch f.Op {
	case OpEquals:
		return fmt.Sprintf(`metadata["%s"] == "%s"`, f.Key, escapeMilvusString(f.Value))
	case OpIn:
		return fmt.Sprintf(`metadata["%s"] in [%s]`, f.Key, quoteMilvusStrings(f.Values))
	case OpAnd:
		return joinMilvusClauses(f.Children, " and ")
	case OpOr:
		return joinMilvusClauses(f.Children, " or ")
	default:
		return ""
	}
}

func joinMilvusClauses(children []*Filter, sep string) string {
	parts := make([]string, 0, len(children))
	for _, child := range children {
		if clause := compileMilvusFilter(child); clause != "" {
			parts = append(parts, clause)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func quoteMilvusStrings(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		quoted = append(quoted, fmt.Sprintf(`"%s"`, escapeMilvusString(v)))
	}
	return strings.Join(quoted, ", ")
}

func escapeMilvusString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// distanceFromScore 统一距离口径：COSINE/IP返回的是相似度（越大越近），
// 换算为余弦距离；L2本身就是距离
func distanceFromScore(metric entity.MetricType, score float32) float32 {
	switch metric {
	case entity.COSINE, entity.IP:
		return 1 - score
	default:
		return score
	}
}

func decodeMetadataJSON(blob []byte) map[string]string {
	meta := map[string]string{}
	if len(blob) == 0 {
		return meta
	}
	if err := json.Unmarshal(blob, &meta); err != nil {
		// 容忍非字符串值的历史数据
		var loose map[string]interface{}
		if err := json.Unmarshal(blob, &loose); err == nil {
			for k, v := range loose {
				meta[k] = fmt.Sprintf("%v", v)
			}
		}
	}
	return meta
}

func parseCollectionDescription(description string) map[string]string {
	meta := map[string]string{}
	if description == "" {
		return meta
	}
	if err := json.Unmarshal([]byte(description), &meta); err != nil {
		meta["description"] = description
	}
	return meta
}

// padVector 将向量对齐到集合维度，超长截断，不足补零
func padVector(vec []float32, size int) []float32 {
	if len(vec) == size {
		return vec
	}
	out := make([]float32, size)
	copy(out, vec)
	return out
}
