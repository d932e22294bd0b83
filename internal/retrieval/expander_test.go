package retrieval

import (
	"context"
	"testing"

	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQuery(t *testing.T) {
	assert.Equal(t, "machine learning basics", NormalizeQuery("  Machine-Learning_Basics  "))
	assert.Equal(t, "what is ml", NormalizeQuery("WHAT   is\tML"))
	assert.Equal(t, "", NormalizeQuery("---"))
	assert.Equal(t, "", NormalizeQuery("   "))
}

// 预置实体集合和内容集合：CS101带缩写与同义词映射，CS102对同一缩写
// 给出冲突的扩写，内容集合的文档块携带自己的缩写映射
func newExpanderFixture(t *testing.T) *StoreClient {
	t.Helper()
	client := NewStoreClient(NewMemoryBackend())
	ctx := context.Background()

	_, err := client.GetOrCreateCollection(ctx, "courses", nil)
	require.NoError(t, err)
	_, err = client.GetOrCreateCollection(ctx, "course_content", nil)
	require.NoError(t, err)

	require.NoError(t, client.AddDocuments(ctx, "courses", []Document{
		{
			ID:   "CS101",
			Text: "Introduction to Machine Learning",
			Metadata: map[string]string{
				MetaCourseCode: "CS101",
				MetaAcronyms:   `{"ML":"Machine Learning","NN":"neural network"}`,
				MetaSynonyms:   `{"homework":["assignment","problem set"]}`,
			},
			Embedding: []float32{1, 0},
		},
		{
			ID:   "CS102",
			Text: "Statistical Inference",
			Metadata: map[string]string{
				MetaCourseCode: "CS102",
				MetaAcronyms:   `{"ml":"maximum likelihood"}`,
			},
			Embedding: []float32{0, 1},
		},
	}))

	require.NoError(t, client.AddDocuments(ctx, "course_content", []Document{
		{
			ID:   DocumentID("CS201", "lec03", 0),
			Text: "Dynamic programming splits a problem into overlapping subproblems.",
			Metadata: map[string]string{
				MetaCourseCode: "CS201",
				MetaAcronyms:   `{"DP":"dynamic programming"}`,
			},
			Embedding: []float32{1, 0},
		},
	}))
	return client
}

func TestExpander_ScopedAcronymExpansion(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, nil, "courses", "course_content", 0, 0)

	terms, err := exp.Expand(context.Background(), "What is ML", nil, []string{"CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"machine learning"}, terms)
}

func TestExpander_SymmetricReverseLookup(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, nil, "courses", "course_content", 0, 0)

	// 查询里出现扩写短语时反向补缩写
	terms, err := exp.Expand(context.Background(), "machine learning in practice", nil, []string{"CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ml"}, terms)
}

func TestExpander_NeverReintroducesQueryTerms(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, nil, "courses", "course_content", 0, 0)

	// 缩写和扩写都已在查询里，两个方向都不应再产出
	terms, err := exp.Expand(context.Background(), "NN versus neural network", nil, []string{"CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Empty(t, terms)
}

func TestExpander_SynonymBothDirections(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, nil, "courses", "course_content", 0, 0)
	ctx := context.Background()

	terms, err := exp.Expand(ctx, "homework due on friday", nil, []string{"CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"assignment", "problem set"}, terms)

	// 反向只补词条本身，不引入其它别名
	terms, err = exp.Expand(ctx, "problem set grading", nil, []string{"CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"homework"}, terms)
}

func TestExpander_FirstWriterWinsAcrossParents(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, nil, "courses", "course_content", 0, 0)
	ctx := context.Background()

	terms, err := exp.Expand(ctx, "intro to ml", nil, []string{"CS101", "CS102"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"machine learning"}, terms)

	// 父实体顺序决定同键归属
	terms, err = exp.Expand(ctx, "intro to ml", nil, []string{"CS102", "CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"maximum likelihood"}, terms)
}

func TestExpander_ExploratorySearchFallback(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, nil, "courses", "course_content", 0, 0)

	// 无范围时用调用方已有的查询向量做有界探索
	terms, err := exp.Expand(context.Background(), "dp practice problems", []float32{1, 0}, nil, ExpansionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"dynamic programming"}, terms)
}

func TestExpander_ExplorationRequiresEmbedder(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, &NoopEmbedder{}, "courses", "course_content", 0, 0)

	_, err := exp.Expand(context.Background(), "dp practice problems", nil, nil, ExpansionOptions{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeEmbeddingUnavailable, errors.CodeOf(err))
}

func TestExpander_DegradesWhenMetadataUnavailable(t *testing.T) {
	client := newExpanderFixture(t)
	exp := NewExpander(client, nil, "missing_entities", "missing_content", 0, 0)
	ctx := context.Background()

	// 实体集合不存在：降级为不扩展而不是报错
	terms, err := exp.Expand(ctx, "what is ml", nil, []string{"CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Nil(t, terms)

	// 探索检索失败同样降级
	terms, err = exp.Expand(ctx, "what is ml", []float32{1, 0}, nil, ExpansionOptions{})
	require.NoError(t, err)
	assert.Nil(t, terms)
}

func TestExpander_EmptyQueryNoWork(t *testing.T) {
	exp := NewExpander(nil, nil, "courses", "course_content", 0, 0)

	terms, err := exp.Expand(context.Background(), "   ", nil, []string{"CS101"}, ExpansionOptions{})
	require.NoError(t, err)
	assert.Nil(t, terms)
}

func TestExpander_MaxTermsCap(t *testing.T) {
	client := NewStoreClient(NewMemoryBackend())
	ctx := context.Background()
	_, err := client.GetOrCreateCollection(ctx, "courses", nil)
	require.NoError(t, err)
	require.NoError(t, client.AddDocuments(ctx, "courses", []Document{
		{
			ID:   "CS103",
			Text: "Assessment Design",
			Metadata: map[string]string{
				MetaSynonyms: `{"exam":["midterm","final","quiz","assessment","test paper"]}`,
			},
			Embedding: []float32{1},
		},
	}))

	exp := NewExpander(client, nil, "courses", "course_content", 0, 0)
	terms, err := exp.Expand(ctx, "exam prep", nil, []string{"CS103"}, ExpansionOptions{MaxTerms: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"midterm", "final", "quiz"}, terms)
}

func TestDecodeAcronyms(t *testing.T) {
	assert.Equal(t, map[string]string{"ml": "machine learning"},
		decodeAcronyms(`{"ML":"Machine Learning"}`))
	// 非字符串值按字面量转换
	assert.Equal(t, map[string]string{"v2": "2024"}, decodeAcronyms(`{"v2":2024}`))
	assert.Nil(t, decodeAcronyms("not json"))
	assert.Nil(t, decodeAcronyms(""))
}

func TestDecodeSynonyms(t *testing.T) {
	assert.Equal(t, map[string][]string{"hw": {"homework"}}, decodeSynonyms(`{"hw":"homework"}`))
	assert.Equal(t, map[string][]string{"exam": {"midterm", "final"}},
		decodeSynonyms(`{"exam":["midterm","final"]}`))
	assert.Nil(t, decodeSynonyms("[1,2]"))
	assert.Nil(t, decodeSynonyms(""))
}
