package retrieval

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBackend 包装内存后端，按计数注入心跳和查询失败
type scriptedBackend struct {
	VectorBackend
	heartbeatFailures int
	queryFailures     int
	heartbeatCalls    int
	queryCalls        int
	connectCalls      int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{VectorBackend: NewMemoryBackend()}
}

func (s *scriptedBackend) Connect(ctx context.Context) error {
	s.connectCalls++
	return s.VectorBackend.Connect(ctx)
}

func (s *scriptedBackend) Heartbeat(ctx context.Context) error {
	s.heartbeatCalls++
	if s.heartbeatCalls <= s.heartbeatFailures {
		return fmt.Errorf("connection refused")
	}
	return s.VectorBackend.Heartbeat(ctx)
}

func (s *scriptedBackend) Query(ctx context.Context, collection string, embedding []float32, limit, offset int, where *Filter) (*QueryResult, error) {
	s.queryCalls++
	if s.queryCalls <= s.queryFailures {
		return nil, fmt.Errorf("connection reset by peer")
	}
	return s.VectorBackend.Query(ctx, collection, embedding, limit, offset, where)
}

// 心跳连续失败2次后恢复：第3次尝试成功连上，不报错
func TestStoreClient_ConnectsOnThirdAttempt(t *testing.T) {
	backend := newScriptedBackend()
	backend.heartbeatFailures = 2
	client := NewStoreClient(backend)

	err := client.EnsureConnection(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, 3, backend.connectCalls)
}

func TestStoreClient_ConnectionBudgetExhausted(t *testing.T) {
	backend := newScriptedBackend()
	backend.heartbeatFailures = 99
	client := NewStoreClient(backend)

	err := client.EnsureConnection(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.IsConnectionError(err))
	assert.True(t, errors.IsRetryable(err))
	assert.Equal(t, errors.ErrCodeConnectionFailed, errors.CodeOf(err))
	assert.Equal(t, StateDisconnected, client.State())
	assert.Equal(t, 3, backend.connectCalls)
}

func TestStoreClient_HealthyConnectionSkipsReconnect(t *testing.T) {
	backend := newScriptedBackend()
	client := NewStoreClient(backend)
	ctx := context.Background()

	require.NoError(t, client.EnsureConnection(ctx, false))
	connects := backend.connectCalls
	require.NoError(t, client.EnsureConnection(ctx, false))
	assert.Equal(t, connects, backend.connectCalls)
}

// racingBackend 模拟并发创建竞态：首次get未找到，create撞车，再get成功
type racingBackend struct {
	VectorBackend
	getCalls    int
	createCalls int
}

func (b *racingBackend) GetCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	b.getCalls++
	if b.getCalls == 1 {
		return nil, fmt.Errorf("collection %s not found", name)
	}
	return b.VectorBackend.GetCollection(ctx, name)
}

func (b *racingBackend) CreateCollection(ctx context.Context, name string, metadata map[string]string) error {
	b.createCalls++
	return fmt.Errorf("collection %s already exists", name)
}

func TestStoreClient_GetOrCreateCollectionRaceFallback(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryBackend()
	require.NoError(t, inner.Connect(ctx))
	require.NoError(t, inner.CreateCollection(ctx, "course_content", map[string]string{"description": "cc"}))

	backend := &racingBackend{VectorBackend: inner}
	client := NewStoreClient(backend)

	info, err := client.GetOrCreateCollection(ctx, "course_content", nil)
	require.NoError(t, err)
	assert.Equal(t, "course_content", info.Name)
	// 撞上already exists后回退为读取，而不是报错或重试创建
	assert.Equal(t, 1, backend.createCalls)
	assert.Equal(t, 2, backend.getCalls)
}

func TestStoreClient_GetOrCreateCollectionCreatesWithMetadata(t *testing.T) {
	client := NewStoreClient(NewMemoryBackend())
	ctx := context.Background()

	info, err := client.GetOrCreateCollection(ctx, "courses", map[string]string{"description": "course entities"})
	require.NoError(t, err)
	assert.Equal(t, "courses", info.Name)
	// 调用方元数据覆盖默认描述，默认字段补齐
	assert.Equal(t, "course entities", info.Metadata["description"])
	assert.Equal(t, "1", info.Metadata["version"])
	assert.NotEmpty(t, info.Metadata["created_at"])

	// 第二次调用拿到同一集合
	again, err := client.GetOrCreateCollection(ctx, "courses", nil)
	require.NoError(t, err)
	assert.Equal(t, "course entities", again.Metadata["description"])
}

func TestStoreClient_SearchRetriesWithForcedReconnect(t *testing.T) {
	backend := newScriptedBackend()
	client := NewStoreClient(backend)
	ctx := context.Background()

	_, err := client.GetOrCreateCollection(ctx, "course_content", nil)
	require.NoError(t, err)
	require.NoError(t, client.AddDocuments(ctx, "course_content", []Document{
		{
			ID:        DocumentID("CS101", "lec01", 0),
			Text:      "variables store data",
			Metadata:  map[string]string{MetaCourseCode: "CS101"},
			Embedding: []float32{1, 0},
		},
	}))

	backend.queryFailures = 2
	connectsBefore := backend.connectCalls

	res, err := client.Search(ctx, "course_content", []float32{1, 0}, 5, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	assert.Equal(t, "CS101_lec01_0", res.IDs[0])
	assert.Equal(t, 3, backend.queryCalls)
	// 失败后的重试强制重建连接
	assert.Greater(t, backend.connectCalls, connectsBefore)
	assert.Equal(t, StateConnected, client.State())
}

func TestStoreClient_SearchMissingCollectionNotRetried(t *testing.T) {
	backend := newScriptedBackend()
	client := NewStoreClient(backend)

	start := time.Now()
	_, err := client.Search(context.Background(), "missing", []float32{1, 0}, 5, 0, nil)
	require.Error(t, err)
	assert.True(t, errors.IsSearchError(err))
	assert.Equal(t, errors.ErrCodeCollectionNotFound, errors.CodeOf(err))
	// 逻辑错误不重试，不应消耗完整的7次退避预算
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, backend.queryCalls)
}

func TestStoreClient_AddDocumentsValidation(t *testing.T) {
	client := NewStoreClient(NewMemoryBackend())
	ctx := context.Background()

	err := client.AddDocuments(ctx, "c", nil)
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err))
	assert.Equal(t, errors.ErrCodeStorageEmptyBatch, errors.CodeOf(err))

	err = client.AddDocuments(ctx, "c", []Document{
		{ID: "a_1_0", Embedding: []float32{1, 0}},
		{ID: "a_1_1", Embedding: []float32{1, 0, 0.5}},
	})
	assert.Equal(t, errors.ErrCodeStorageDimensionMismatch, errors.CodeOf(err))

	err = client.AddDocuments(ctx, "c", []Document{{ID: "", Embedding: []float32{1}}})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
}

func TestStoreClient_DeleteRequiresSelector(t *testing.T) {
	client := NewStoreClient(NewMemoryBackend())
	err := client.DeleteDocuments(context.Background(), "c", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsDeleteError(err))
	assert.Equal(t, errors.ErrCodeDeleteNoSelector, errors.CodeOf(err))
}

func TestStoreClient_RoundTrip(t *testing.T) {
	client := NewStoreClient(NewMemoryBackend())
	ctx := context.Background()

	_, err := client.GetOrCreateCollection(ctx, "course_content", map[string]string{"description": "course material"})
	require.NoError(t, err)

	docs := []Document{
		{
			ID:        DocumentID("CS101", "lec01", 0),
			Text:      "Variables store data values in programming.",
			Metadata:  map[string]string{MetaCourseCode: "CS101", MetaChunkIndex: "0", MetaTotalChunks: "1"},
			Embedding: []float32{1, 0, 0},
		},
		{
			ID:        DocumentID("CS101", "lec02", 0),
			Text:      "Loops repeat statements until a condition fails.",
			Metadata:  map[string]string{MetaCourseCode: "CS101", MetaChunkIndex: "0", MetaTotalChunks: "1"},
			Embedding: []float32{0, 1, 0},
		},
		{
			ID:        DocumentID("MA202", "lec01", 0),
			Text:      "Derivatives measure instantaneous change.",
			Metadata:  map[string]string{MetaCourseCode: "MA202", MetaChunkIndex: "0", MetaTotalChunks: "1"},
			Embedding: []float32{0, 0, 1},
		},
	}
	require.NoError(t, client.AddDocuments(ctx, "course_content", docs))

	stats, err := client.GetCollectionStats(ctx, "course_content")
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.DocumentCount)

	// 带范围过滤的检索，距离升序返回
	res, err := client.Search(ctx, "course_content", []float32{1, 0, 0}, 10, 0, Equals(MetaCourseCode, "CS101"))
	require.NoError(t, err)
	require.Equal(t, 2, res.Len())
	assert.Equal(t, "CS101_lec01_0", res.IDs[0])
	assert.Less(t, res.Distances[0], res.Distances[1])

	// 按父实体谓词级联删除
	require.NoError(t, client.DeleteDocuments(ctx, "course_content", nil, Equals(MetaCourseCode, "CS101")))
	stats, err = client.GetCollectionStats(ctx, "course_content")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.DocumentCount)

	colls, err := client.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, colls, 1)
	assert.Equal(t, "course_content", colls[0].Name)

	fetched, err := client.GetDocuments(ctx, "course_content", []string{"MA202_lec01_0", "missing_id_9"})
	require.NoError(t, err)
	require.Equal(t, 1, fetched.Len())
	assert.Equal(t, "Derivatives measure instantaneous change.", fetched.Documents[0])

	stats2, err := client.GetCollectionStats(ctx, "never_created")
	assert.Nil(t, stats2)
	assert.Equal(t, errors.ErrCodeCollectionNotFound, errors.CodeOf(err))
}
