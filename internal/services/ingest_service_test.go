package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constEmbedder 对任意文本返回同一向量；文本包含failOn子串时报错
type constEmbedder struct {
	vec    []float32
	failOn string
}

func (e *constEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.failOn != "" && strings.Contains(text, e.failOn) {
		return nil, fmt.Errorf("embedding backend rejected text")
	}
	return e.vec, nil
}

func (e *constEmbedder) Dimensions() int { return 3 }
func (e *constEmbedder) Ready() bool     { return true }

func newIngestServiceForTest(t *testing.T, emb retrieval.Embedder) (*IngestService, *retrieval.StoreClient) {
	t.Helper()
	client := retrieval.NewStoreClient(retrieval.NewMemoryBackend())
	cfg := &config.Config{}
	chunker := retrieval.NewChunker(1000, 200)
	svc := NewIngestService(client, chunker, emb, NewCacheService(cfg), cfg)
	return svc, client
}

func TestIngestService_IndexRecordChunksAndStores(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	// 2600字符无分隔文本按 1000/重叠200 正好切成3块
	summary, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101",
		ChildID:  "lec01",
		Kind:     KindContent,
		Text:     strings.Repeat("a", 2600),
		Metadata: map[string]string{"week": "3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Documents)
	assert.Equal(t, "course_content", summary.Collection)

	ids := []string{
		retrieval.DocumentID("CS101", "lec01", 0),
		retrieval.DocumentID("CS101", "lec01", 1),
		retrieval.DocumentID("CS101", "lec01", 2),
	}
	fetched, err := client.GetDocuments(ctx, "course_content", ids)
	require.NoError(t, err)
	require.Equal(t, 3, fetched.Len())

	meta := fetched.Metadatas[0]
	assert.Equal(t, "CS101", meta[retrieval.MetaCourseCode])
	assert.Equal(t, "lec01", meta[retrieval.MetaSourceID])
	assert.Equal(t, KindContent, meta[retrieval.MetaContentType])
	assert.Equal(t, "0", meta[retrieval.MetaChunkIndex])
	assert.Equal(t, "3", meta[retrieval.MetaTotalChunks])
	// 调用方元数据原样透传
	assert.Equal(t, "3", meta["week"])
}

func TestIngestService_ReindexReplacesOldChunks(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	_, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", ChildID: "lec01", Kind: KindContent,
		Text: strings.Repeat("a", 2600),
	})
	require.NoError(t, err)

	// 重新摄取同一来源的短文本，旧分块整体被替换
	summary, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", ChildID: "lec01", Kind: KindContent,
		Text: "A much shorter revision.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Documents)

	fetched, err := client.GetDocuments(ctx, "course_content", []string{
		retrieval.DocumentID("CS101", "lec01", 0),
		retrieval.DocumentID("CS101", "lec01", 1),
		retrieval.DocumentID("CS101", "lec01", 2),
	})
	require.NoError(t, err)
	require.Equal(t, 1, fetched.Len())
	assert.Equal(t, "A much shorter revision.", fetched.Documents[0])
}

func TestIngestService_EmptyTextOnlyClears(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	_, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", ChildID: "lec01", Kind: KindContent,
		Text: "Lecture notes to be withdrawn.",
	})
	require.NoError(t, err)

	// 空文本等价于删除该来源
	summary, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", ChildID: "lec01", Kind: KindContent,
		Text: "   ",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Documents)

	fetched, err := client.GetDocuments(ctx, "course_content", []string{
		retrieval.DocumentID("CS101", "lec01", 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, fetched.Len())
}

func TestIngestService_EntityUpsertKeepsSingleDocument(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	// entity记录不要求ChildID，文档id就是课程代码
	_, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", Kind: KindEntity,
		Text:     "Machine learning fundamentals.",
		Metadata: map[string]string{retrieval.MetaAcronyms: `{"ML":"machine learning"}`},
	})
	require.NoError(t, err)

	summary, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", Kind: KindEntity,
		Text: "Machine learning fundamentals, updated for fall.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Documents)

	fetched, err := client.GetDocuments(ctx, "courses", []string{"CS101"})
	require.NoError(t, err)
	require.Equal(t, 1, fetched.Len())
	assert.Equal(t, "Machine learning fundamentals, updated for fall.", fetched.Documents[0])
	assert.Equal(t, KindEntity, fetched.Metadatas[0][retrieval.MetaContentType])
	assert.Equal(t, "CS101", fetched.Metadatas[0][retrieval.MetaCourseCode])
}

func TestIngestService_RemoveChildKeepsSiblings(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	for _, child := range []string{"lec01", "lec02"} {
		_, err := svc.IndexRecord(ctx, IngestRecord{
			ParentID: "CS101", ChildID: child, Kind: KindContent,
			Text: "Notes for " + child + ".",
		})
		require.NoError(t, err)
	}

	require.NoError(t, svc.RemoveDocuments(ctx, KindContent, "CS101", "lec01"))

	fetched, err := client.GetDocuments(ctx, "course_content", []string{
		retrieval.DocumentID("CS101", "lec01", 0),
		retrieval.DocumentID("CS101", "lec02", 0),
	})
	require.NoError(t, err)
	require.Equal(t, 1, fetched.Len())
	assert.Equal(t, retrieval.DocumentID("CS101", "lec02", 0), fetched.IDs[0])
}

func TestIngestService_RemoveCourseCascades(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	_, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", Kind: KindEntity, Text: "Overview."})
	require.NoError(t, err)
	_, err = svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", ChildID: "lec01", Kind: KindContent, Text: "Notes."})
	require.NoError(t, err)
	_, err = svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", ChildID: "faq01", Kind: KindFAQ, Text: "Q and A."})
	require.NoError(t, err)

	require.NoError(t, svc.RemoveCourse(ctx, "CS101"))

	for _, probe := range []struct{ collection, id string }{
		{"courses", "CS101"},
		{"course_content", retrieval.DocumentID("CS101", "lec01", 0)},
		{"course_faq", retrieval.DocumentID("CS101", "faq01", 0)},
	} {
		fetched, err := client.GetDocuments(ctx, probe.collection, []string{probe.id})
		require.NoError(t, err)
		assert.Equal(t, 0, fetched.Len(), probe.collection)
	}
}

func TestIngestService_RemoveCourseToleratesMissingCollections(t *testing.T) {
	// 任何集合都没创建过，级联删除也不报错
	svc, _ := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	assert.NoError(t, svc.RemoveCourse(context.Background(), "GHOST"))
}

func TestIngestService_ValidationErrors(t *testing.T) {
	svc, _ := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	cases := []struct {
		name string
		rec  IngestRecord
	}{
		{"缺少父实体", IngestRecord{ChildID: "lec01", Kind: KindContent, Text: "x"}},
		{"非法类型", IngestRecord{ParentID: "CS101", ChildID: "lec01", Kind: "bogus", Text: "x"}},
		{"内容记录缺少来源", IngestRecord{ParentID: "CS101", Kind: KindContent, Text: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.IndexRecord(ctx, tc.rec)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))
		})
	}

	// entity记录允许省略ChildID
	_, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", Kind: KindEntity, Text: "Overview."})
	assert.NoError(t, err)
}

func TestIngestService_EmbedFailureAborts(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{
		vec: []float32{1, 0, 0}, failOn: "poison",
	})
	ctx := context.Background()

	_, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "CS101", ChildID: "lec01", Kind: KindContent,
		Text: "This chunk contains poison and cannot be embedded.",
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbeddingFailed, errors.CodeOf(err))

	// 向量化失败时不写入任何文档
	stats, err := client.GetCollectionStats(ctx, "course_content")
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.DocumentCount)
}

func TestIngestService_IntegrityRecordsGroupByAssignment(t *testing.T) {
	svc, client := newIngestServiceForTest(t, &constEmbedder{vec: []float32{1, 0, 0}})
	ctx := context.Background()

	_, err := svc.IndexRecord(ctx, IngestRecord{
		ParentID: "A1", ChildID: "ref", Kind: KindIntegrity,
		Text:     "Reference solution for assignment one.",
		Metadata: map[string]string{retrieval.MetaCourseCode: "CS101"},
	})
	require.NoError(t, err)

	fetched, err := client.GetDocuments(ctx, "assignment_bank", []string{
		retrieval.DocumentID("A1", "ref", 0),
	})
	require.NoError(t, err)
	require.Equal(t, 1, fetched.Len())

	// 查重记录的父实体键是assignment_id，课程代码仅作范围过滤元数据
	assert.Equal(t, "A1", fetched.Metadatas[0][retrieval.MetaAssignmentID])
	assert.Equal(t, "CS101", fetched.Metadatas[0][retrieval.MetaCourseCode])
}
