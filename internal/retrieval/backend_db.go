package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VectorCollection 集合登记表
type VectorCollection struct {
	Name      string `gorm:"primaryKey;size:255"`
	Metadata  string `gorm:"type:jsonb"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (VectorCollection) TableName() string {
	return "vector_collections"
}

// VectorDocument 退化向量文档表，embedding以JSON文本存储
type VectorDocument struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Collection string `gorm:"size:255;uniqueIndex:idx_vector_doc,priority:1"`
	DocID      string `gorm:"column:doc_id;size:512;uniqueIndex:idx_vector_doc,priority:2"`
	Content    string `gorm:"type:text"`
	Metadata   string `gorm:"type:jsonb"`
	Embedding  string `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (VectorDocument) TableName() string {
	return "vector_documents"
}

// dbBackend 基于PostgreSQL的退化向量后端，候选行取回后在Go侧算余弦
type dbBackend struct {
	db *gorm.DB
}

func NewDatabaseBackend(db *gorm.DB) VectorBackend {
	return &dbBackend{db: db}
}

func (b *dbBackend) Name() string {
	return "database"
}

func (b *dbBackend) Connect(ctx context.Context) error {
	if b.db == nil {
		return fmt.Errorf("database handle is nil")
	}
	return nil
}

func (b *dbBackend) Close() error {
	return nil
}

func (b *dbBackend) Heartbeat(ctx context.Context) error {
	if b.db == nil {
		return fmt.Errorf("database handle is nil")
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(probeCtx)
}

func (b *dbBackend) GetCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	var rec VectorCollection
	err := b.db.WithContext(ctx).Where("name = ?", name).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("collection %s not found", name)
		}
		return nil, err
	}
	return &CollectionInfo{Name: rec.Name, Metadata: decodeMetadataJSON([]byte(rec.Metadata))}, nil
}

func (b *dbBackend) CreateCollection(ctx context.Context, name string, metadata map[string]string) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	rec := VectorCollection{Name: name, Metadata: string(metaJSON)}
	if err := b.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// 唯一键冲突的错误文本里带duplicate，上层按already-exists处理
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

func (b *dbBackend) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	var recs []VectorCollection
	if err := b.db.WithContext(ctx).Order("name").Find(&recs).Error; err != nil {
		return nil, err
	}
	infos := make([]CollectionInfo, 0, len(recs))
	for _, rec := range recs {
		infos = append(infos, CollectionInfo{Name: rec.Name, Metadata: decodeMetadataJSON([]byte(rec.Metadata))})
	}
	return infos, nil
}

func (b *dbBackend) CollectionStats(ctx context.Context, name string) (*CollectionStats, error) {
	info, err := b.GetCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	var count int64
	err = b.db.WithContext(ctx).Model(&VectorDocument{}).
		Where("collection = ?", name).
		Count(&count).Error
	if err != nil {
		return nil, err
	}
	return &CollectionStats{Name: name, DocumentCount: count, Metadata: info.Metadata}, nil
}

func (b *dbBackend) Insert(ctx context.Context, collection string, docs []Document) error {
	rows := make([]VectorDocument, 0, len(docs))
	for _, doc := range docs {
		embeddingJSON, err := json.Marshal(doc.Embedding)
		if err != nil {
			return err
		}
		metaJSON, err := json.Marshal(doc.Metadata)
		if err != nil {
			return err
		}
		rows = append(rows, VectorDocument{
			Collection: collection,
			DocID:      doc.ID,
			Content:    doc.Text,
			Metadata:   string(metaJSON),
			Embedding:  string(embeddingJSON),
		})
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "metadata", "embedding", "updated_at"}),
	}).Create(&rows).Error
}

func (b *dbBackend) Query(ctx context.Context, collection string, embedding []float32, limit, offset int, where *Filter) (*QueryResult, error) {
	queryNorm := vectorNorm(embedding)
	if queryNorm == 0 {
		return nil, fmt.Errorf("query embedding norm is zero")
	}

	candidateLimit := (limit + offset) * 20
	if candidateLimit <= 0 {
		candidateLimit = 200
	}

	tx := b.db.WithContext(ctx).Model(&VectorDocument{}).
		Where("collection = ?", collection).
		Where("embedding <> ''")
	if clauseSQL, args := compileSQLFilter(where); clauseSQL != "" {
		tx = tx.Where(clauseSQL, args...)
	}

	var rows []VectorDocument
	if err := tx.Limit(candidateLimit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	type scoredRow struct {
		row      VectorDocument
		distance float32
	}
	scored := make([]scoredRow, 0, len(rows))
	for _, row := range rows {
		var vec []float32
		if err := json.Unmarshal([]byte(row.Embedding), &vec); err != nil {
			continue
		}
		sim := cosineSimilarity(embedding, vec, queryNorm)
		scored = append(scored, scoredRow{row: row, distance: float32(1 - sim)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].distance != scored[j].distance {
			return scored[i].distance < scored[j].distance
		}
		return scored[i].row.DocID < scored[j].row.DocID
	})

	if offset >= len(scored) {
		return &QueryResult{}, nil
	}
	scored = scored[offset:]
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	result := &QueryResult{}
	for _, item := range scored {
		result.IDs = append(result.IDs, item.row.DocID)
		result.Documents = append(result.Documents, item.row.Content)
		result.Metadatas = append(result.Metadatas, decodeMetadataJSON([]byte(item.row.Metadata)))
		result.Distances = append(result.Distances, item.distance)
	}
	return result, nil
}

func (b *dbBackend) Fetch(ctx context.Context, collection string, ids []string) (*QueryResult, error) {
	if len(ids) == 0 {
		return &QueryResult{}, nil
	}
	var rows []VectorDocument
	err := b.db.WithContext(ctx).
		Where("collection = ? AND doc_id IN ?", collection, ids).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	byID := make(map[string]VectorDocument, len(rows))
	for _, row := range rows {
		byID[row.DocID] = row
	}

	result := &QueryResult{}
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			continue
		}
		result.IDs = append(result.IDs, row.DocID)
		result.Documents = append(result.Documents, row.Content)
		result.Metadatas = append(result.Metadatas, decodeMetadataJSON([]byte(row.Metadata)))
	}
	return result, nil
}

func (b *dbBackend) Delete(ctx context.Context, collection string, ids []string, where *Filter) error {
	if len(ids) == 0 && where == nil {
		return fmt.Errorf("delete requires ids or filter")
	}
	tx := b.db.WithContext(ctx).Where("collection = ?", collection)
	if len(ids) > 0 {
		tx = tx.Where("doc_id IN ?", ids)
	}
	if clauseSQL, args := compileSQLFilter(where); clauseSQL != "" {
		tx = tx.Where(clauseSQL, args...)
	}
	return tx.Delete(&VectorDocument{}).Error
}

// compileSQLFilter 将过滤器编译为metadata->>键的SQL片段
func compileSQLFilter(f *Filter) (string, []interface{}) {
	if f == nil {
		return "", nil
	}
	switch f.Op {
	case OpEquals:
		return fmt.Sprintf("metadata->>'%s' = ?", escapeSQLKey(f.Key)), []interface{}{f.Value}
	case OpIn:
		if len(f.Values) == 0 {
			return "1 = 0", nil
		}
		return fmt.Sprintf("metadata->>'%s' IN ?", escapeSQLKey(f.Key)), []interface{}{f.Values}
	case OpAnd:
		return joinSQLClauses(f.Children, " AND ")
	case OpOr:
		return joinSQLClauses(f.Children, " OR ")
	default:
		return "", nil
	}
}

func joinSQLClauses(children []*Filter, sep string) (string, []interface{}) {
	parts := make([]string, 0, len(children))
	var args []interface{}
	for _, child := range children {
		clauseSQL, childArgs := compileSQLFilter(child)
		if clauseSQL == "" {
			continue
		}
		parts = append(parts, clauseSQL)
		args = append(args, childArgs...)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return "(" + strings.Join(parts, sep) + ")", args
}

func escapeSQLKey(key string) string {
	return strings.ReplaceAll(key, "'", "''")
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func cosineSimilarity(a, b []float32, normA float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) != len(b) {
		// 尝试对齐长度
		minLen := len(a)
		if len(b) < minLen {
			minLen = len(b)
		}
		a = a[:minLen]
		b = b[:minLen]
	}

	var dot float64
	var normB float64
	for i := range a {
		dot += float64(a[i] * b[i])
		normB += float64(b[i] * b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (normA * math.Sqrt(normB))
}
