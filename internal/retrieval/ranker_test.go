package retrieval

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoringPolicy_ExponentialTail(t *testing.T) {
	p := PolicyExponentialTail

	// d<=1走线性段
	assert.InDelta(t, 1.0, p.Score(0), 1e-9)
	assert.InDelta(t, 0.7, p.Score(0.3), 1e-9)
	assert.InDelta(t, 0.0, p.Score(1.0), 1e-9)
	// d>1走指数尾部
	assert.InDelta(t, math.Exp(-1.5), p.Score(1.5), 1e-9)
	assert.InDelta(t, math.Exp(-3), p.Score(3), 1e-9)
	// 负距离视为0
	assert.InDelta(t, 1.0, p.Score(-0.2), 1e-9)

	// 两段各自对距离单调不增
	for d := 0.0; d < 1.0; d += 0.05 {
		assert.GreaterOrEqual(t, p.Score(d), p.Score(d+0.05))
	}
	for d := 1.01; d < 5.0; d += 0.25 {
		assert.Greater(t, p.Score(d), p.Score(d+0.25))
	}
}

func TestScoringPolicy_LinearClamp(t *testing.T) {
	p := PolicyLinearClamp

	assert.InDelta(t, 1.0, p.Score(0), 1e-9)
	assert.InDelta(t, 0.8, p.Score(0.2), 1e-9)
	// 距离超过1截断为0分
	assert.InDelta(t, 0.0, p.Score(1.0), 1e-9)
	assert.InDelta(t, 0.0, p.Score(1.7), 1e-9)
	assert.InDelta(t, 0.0, p.Score(25), 1e-9)
}

func TestRanker_MergeKeepsMaxScore(t *testing.T) {
	r := NewRanker(PolicyExponentialTail)

	setA := &QueryResult{
		IDs:       []string{"CS101_lec01_0"},
		Documents: []string{"variables store data"},
		Metadatas: []map[string]string{{MetaCourseCode: "CS101"}},
		Distances: []float32{0.4},
	}
	setB := &QueryResult{
		IDs:       []string{"CS101_lec01_0"},
		Documents: []string{"variables store data"},
		Metadatas: []map[string]string{{MetaCourseCode: "CS101"}},
		Distances: []float32{0.2},
	}

	results := r.Rank([]*QueryResult{setA, setB}, 10)
	require.Len(t, results, 1)
	assert.Equal(t, "CS101_lec01_0", results[0].ID)
	assert.InDelta(t, 0.8, results[0].Score, 1e-6)
}

func TestRanker_SortDescendingAndTruncate(t *testing.T) {
	r := NewRanker(PolicyExponentialTail)

	set := &QueryResult{
		IDs:       []string{"a", "b", "c", "d"},
		Documents: []string{"1", "2", "3", "4"},
		Metadatas: []map[string]string{{}, {}, {}, {}},
		Distances: []float32{0.5, 0.1, 0.9, 0.3},
	}

	results := r.Rank([]*QueryResult{set}, 3)
	require.Len(t, results, 3)
	assert.Equal(t, "b", results[0].ID)
	assert.Equal(t, "d", results[1].ID)
	assert.Equal(t, "a", results[2].ID)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestRanker_DropsDegenerateMatches(t *testing.T) {
	r := NewRanker(PolicyExponentialTail)

	// e^(-13)≈2.3e-6低于绝对下限1e-5
	set := &QueryResult{
		IDs:       []string{"near", "far"},
		Documents: []string{"close match", "degenerate"},
		Metadatas: []map[string]string{{}, {}},
		Distances: []float32{0.2, 13},
	}

	results := r.Rank([]*QueryResult{set}, 10)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].ID)
}

func TestRanker_EmptyAndNilSets(t *testing.T) {
	r := NewRanker(PolicyExponentialTail)
	assert.Empty(t, r.Rank(nil, 10))
	assert.Empty(t, r.Rank([]*QueryResult{nil, {}}, 10))
}

func TestGroupByParent(t *testing.T) {
	results := []SearchResult{
		{ID: "CS101_lec01_0", Score: 0.9, Metadata: map[string]string{MetaCourseCode: "CS101"}},
		{ID: "MA202_lec03_1", Score: 0.8, Metadata: map[string]string{MetaCourseCode: "MA202"}},
		{ID: "CS101_faq_0", Score: 0.6, Metadata: map[string]string{MetaCourseCode: "CS101"}},
		{ID: "orphan_0", Score: 0.5, Metadata: map[string]string{}},
	}

	groups := GroupByParent(results, MetaCourseCode)
	require.Len(t, groups, 3)

	// 组按最高子分数排序
	assert.Equal(t, "CS101", groups[0].ParentID)
	assert.InDelta(t, 0.9, groups[0].TopScore, 1e-9)
	require.Len(t, groups[0].Results, 2)
	assert.Equal(t, "CS101_lec01_0", groups[0].Results[0].ID)

	assert.Equal(t, "MA202", groups[1].ParentID)
	assert.Equal(t, "", groups[2].ParentID)
}
