package services

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// 摄取记录类别，对应四个向量集合
const (
	KindEntity    = "entity"
	KindContent   = "content"
	KindFAQ       = "faq"
	KindIntegrity = "integrity"
)

// IngestRecord 摄取记录。ParentID是课程代码或作业id，ChildID标识
// 同一父实体下的单个来源（某节课的讲义、某条FAQ）。entity类记录
// 描述课程概要，不要求ChildID。
type IngestRecord struct {
	ParentID string            `json:"parent_id" validate:"required"`
	ChildID  string            `json:"child_id" validate:"required_unless=Kind entity"`
	Kind     string            `json:"kind" validate:"required,oneof=entity content faq integrity"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IngestSummary 单条记录的摄取结果
type IngestSummary struct {
	Collection string `json:"collection"`
	ParentID   string `json:"parent_id"`
	ChildID    string `json:"child_id,omitempty"`
	Documents  int    `json:"documents"`
}

// IngestService 摄取服务。分块、向量化、写入走统一管线，更新语义
// 是整来源先删后插，从不原地修补；中途崩溃留下的半成品由下一次
// reindex整体覆盖。
type IngestService struct {
	client      *retrieval.StoreClient
	chunker     *retrieval.Chunker
	embedder    retrieval.Embedder
	cache       *CacheService
	collections config.CollectionsConfig
	maxParallel int
	validate    *validator.Validate
}

// NewIngestService 创建摄取服务
func NewIngestService(client *retrieval.StoreClient, chunker *retrieval.Chunker, embedder retrieval.Embedder, cache *CacheService, cfg *config.Config) *IngestService {
	svc := &IngestService{
		client:      client,
		chunker:     chunker,
		embedder:    embedder,
		cache:       cache,
		maxParallel: 4,
		validate:    validator.New(),
	}
	if cfg != nil {
		svc.collections = cfg.Retrieval.Collections
		if cfg.Retrieval.MaxParallel > 0 {
			svc.maxParallel = cfg.Retrieval.MaxParallel
		}
	}
	if svc.collections.Entity == "" {
		svc.collections.Entity = "courses"
	}
	if svc.collections.Content == "" {
		svc.collections.Content = "course_content"
	}
	if svc.collections.FAQ == "" {
		svc.collections.FAQ = "course_faq"
	}
	if svc.collections.Integrity == "" {
		svc.collections.Integrity = "assignment_bank"
	}
	return svc
}

// IndexRecord 摄取一条记录：确保集合存在，删除同来源旧文档，
// 分块向量化后批量写入。重复摄取等价于重建该来源。
func (s *IngestService) IndexRecord(ctx context.Context, rec IngestRecord) (*IngestSummary, error) {
	if err := s.validate.Struct(&rec); err != nil {
		return nil, errors.NewValidationError("invalid ingest record").WithCause(err)
	}
	collection, err := s.collectionFor(rec.Kind)
	if err != nil {
		return nil, err
	}

	if _, err := s.client.GetOrCreateCollection(ctx, collection, nil); err != nil {
		return nil, err
	}

	s.cache.SetIngestStatus(ctx, collection, rec.ParentID, "processing",
		map[string]interface{}{"child_id": rec.ChildID})

	summary, err := s.reindex(ctx, collection, rec)
	if err != nil {
		s.cache.SetIngestStatus(ctx, collection, rec.ParentID, "failed",
			map[string]interface{}{"child_id": rec.ChildID, "error": err.Error()})
		return nil, err
	}

	s.cache.SetIngestStatus(ctx, collection, rec.ParentID, "completed",
		map[string]interface{}{"child_id": rec.ChildID, "documents": summary.Documents})
	return summary, nil
}

// RemoveDocuments 删除一个(parent, child)来源下的全部文档。
// childID为空时退化为按父实体级联删除。
func (s *IngestService) RemoveDocuments(ctx context.Context, kind, parentID, childID string) error {
	if childID == "" {
		return s.RemoveParent(ctx, kind, parentID)
	}
	collection, err := s.collectionFor(kind)
	if err != nil {
		return err
	}
	if parentID == "" {
		return errors.NewValidationError("parent id is required")
	}

	where := retrieval.And(
		retrieval.Equals(parentKeyFor(kind), parentID),
		retrieval.Equals(retrieval.MetaSourceID, childID),
	)
	if err := s.client.DeleteDocuments(ctx, collection, nil, where); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeCollectionNotFound {
			return nil
		}
		return err
	}
	logger.Info("删除来源文档",
		zap.String("collection", collection),
		zap.String("parent", parentID),
		zap.String("child", childID))
	return nil
}

// RemoveParent 删除父实体在该集合内的全部文档并清除摄取状态。
// 集合不存在视为已清空。
func (s *IngestService) RemoveParent(ctx context.Context, kind, parentID string) error {
	collection, err := s.collectionFor(kind)
	if err != nil {
		return err
	}
	if parentID == "" {
		return errors.NewValidationError("parent id is required")
	}

	where := retrieval.Equals(parentKeyFor(kind), parentID)
	if err := s.client.DeleteDocuments(ctx, collection, nil, where); err != nil {
		if errors.CodeOf(err) != errors.ErrCodeCollectionNotFound {
			return err
		}
	}
	s.cache.ClearIngestStatus(ctx, collection, parentID)
	logger.Info("级联删除父实体文档",
		zap.String("collection", collection), zap.String("parent", parentID))
	return nil
}

// RemoveCourse 删除一门课程在实体、内容、FAQ集合中的全部文档
func (s *IngestService) RemoveCourse(ctx context.Context, courseCode string) error {
	if courseCode == "" {
		return errors.NewValidationError("course code is required")
	}
	for _, kind := range []string{KindEntity, KindContent, KindFAQ} {
		if err := s.RemoveParent(ctx, kind, courseCode); err != nil {
			return err
		}
	}
	return nil
}

// IngestStatus 查询父实体最近一次摄取的状态
func (s *IngestService) IngestStatus(ctx context.Context, kind, parentID string) (map[string]string, error) {
	collection, err := s.collectionFor(kind)
	if err != nil {
		return nil, err
	}
	return s.cache.GetIngestStatus(ctx, collection, parentID)
}

func (s *IngestService) reindex(ctx context.Context, collection string, rec IngestRecord) (*IngestSummary, error) {
	if rec.Kind == KindEntity {
		return s.reindexEntity(ctx, collection, rec)
	}

	where := retrieval.And(
		retrieval.Equals(parentKeyFor(rec.Kind), rec.ParentID),
		retrieval.Equals(retrieval.MetaSourceID, rec.ChildID),
	)
	if err := s.client.DeleteDocuments(ctx, collection, nil, where); err != nil {
		return nil, err
	}

	summary := &IngestSummary{Collection: collection, ParentID: rec.ParentID, ChildID: rec.ChildID}
	chunks := s.chunker.Split(rec.Text)
	if len(chunks) == 0 {
		logger.Info("摄取文本为空，仅清除旧文档",
			zap.String("collection", collection),
			zap.String("parent", rec.ParentID),
			zap.String("child", rec.ChildID))
		return summary, nil
	}

	docs, err := s.embedChunks(ctx, rec, chunks)
	if err != nil {
		return nil, err
	}
	if err := s.client.AddDocuments(ctx, collection, docs); err != nil {
		return nil, err
	}

	summary.Documents = len(docs)
	logger.Info("摄取完成",
		zap.String("collection", collection),
		zap.String("parent", rec.ParentID),
		zap.String("child", rec.ChildID),
		zap.Int("documents", len(docs)))
	return summary, nil
}

// reindexEntity 课程概要整篇向量化不分块，文档id就是课程代码，
// 供查询扩展按id直取。缩写、同义词映射以JSON字符串原样存入元数据。
func (s *IngestService) reindexEntity(ctx context.Context, collection string, rec IngestRecord) (*IngestSummary, error) {
	summary := &IngestSummary{Collection: collection, ParentID: rec.ParentID, ChildID: rec.ChildID}

	if err := s.client.DeleteDocuments(ctx, collection, []string{rec.ParentID}, nil); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rec.Text) == "" {
		return summary, nil
	}

	if s.embedder == nil || !s.embedder.Ready() {
		return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingUnavailable,
			"embedding provider not ready")
	}
	vec, err := s.embedder.Embed(ctx, rec.Text)
	if err != nil {
		return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingFailed,
			"embed course overview failed").WithCause(err)
	}

	meta := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[retrieval.MetaCourseCode] = rec.ParentID
	meta[retrieval.MetaContentType] = KindEntity

	doc := retrieval.Document{
		ID:        rec.ParentID,
		Text:      rec.Text,
		Metadata:  meta,
		Embedding: vec,
	}
	if err := s.client.AddDocuments(ctx, collection, []retrieval.Document{doc}); err != nil {
		return nil, err
	}

	summary.Documents = 1
	logger.Info("课程概要已更新", zap.String("course", rec.ParentID))
	return summary, nil
}

// embedChunks 并发向量化分块，并发度受maxParallel约束。任一分块
// 失败视为配置问题整体失败且不重试，已入池的任务照常跑完，不做取消。
func (s *IngestService) embedChunks(ctx context.Context, rec IngestRecord, chunks []retrieval.Chunk) ([]retrieval.Document, error) {
	if s.embedder == nil || !s.embedder.Ready() {
		return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingUnavailable,
			"embedding provider not ready")
	}

	docs := make([]retrieval.Document, len(chunks))
	errs := make([]error, len(chunks))
	sem := make(chan struct{}, s.maxParallel)
	var wg sync.WaitGroup

	total := len(chunks)
	for i, chunk := range chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, chunk retrieval.Chunk) {
			defer wg.Done()
			defer func() { <-sem }()

			vec, err := s.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				errs[i] = errors.NewEmbeddingError(errors.ErrCodeEmbeddingFailed,
					"embed chunk failed").WithCause(err)
				return
			}
			docs[i] = s.buildDocument(rec, chunk, total, vec)
		}(i, chunk)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// buildDocument 为单个分块生成文档，调用方元数据先拷贝，固定键
// 后写入保证父实体、来源标识不被覆盖
func (s *IngestService) buildDocument(rec IngestRecord, chunk retrieval.Chunk, total int, vec []float32) retrieval.Document {
	meta := make(map[string]string, len(rec.Metadata)+5)
	for k, v := range rec.Metadata {
		meta[k] = v
	}
	meta[parentKeyFor(rec.Kind)] = rec.ParentID
	meta[retrieval.MetaSourceID] = rec.ChildID
	meta[retrieval.MetaContentType] = rec.Kind
	meta[retrieval.MetaChunkIndex] = strconv.Itoa(chunk.Index)
	meta[retrieval.MetaTotalChunks] = strconv.Itoa(total)

	return retrieval.Document{
		ID:        retrieval.DocumentID(rec.ParentID, rec.ChildID, chunk.Index),
		Text:      chunk.Text,
		Metadata:  meta,
		Embedding: vec,
	}
}

func (s *IngestService) collectionFor(kind string) (string, error) {
	switch kind {
	case KindEntity:
		return s.collections.Entity, nil
	case KindContent:
		return s.collections.Content, nil
	case KindFAQ:
		return s.collections.FAQ, nil
	case KindIntegrity:
		return s.collections.Integrity, nil
	}
	return "", errors.NewValidationError("unknown ingest kind: " + kind)
}

// parentKeyFor 返回该类记录的父实体元数据键
func parentKeyFor(kind string) string {
	if kind == KindIntegrity {
		return retrieval.MetaAssignmentID
	}
	return retrieval.MetaCourseCode
}
