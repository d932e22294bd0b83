package retrieval

import (
	"math"
	"sort"
)

// scoreFloor 绝对下限，只为丢弃退化命中。有意义的过滤由调用方的
// minScore和limit约定完成。
const scoreFloor = 1e-5

// ScoringPolicy 距离转相关度策略。内容检索和FAQ/查重对远距命中的
// 口径不同，两种口径都保留为显式策略，由调用方指定。
type ScoringPolicy int

const (
	// PolicyExponentialTail d≤1取1-d；d>1走指数尾部e^(-d)。
	// 稀疏集合里远距命中不至于全部被丢掉，同时仍被重罚。
	PolicyExponentialTail ScoringPolicy = iota
	// PolicyLinearClamp 距离截断到1后线性映射：1-min(d,1)
	PolicyLinearClamp
)

// Score 将原始距离转换为[0,1]内的相关度，对距离单调不增
func (p ScoringPolicy) Score(distance float64) float64 {
	if distance < 0 {
		distance = 0
	}
	switch p {
	case PolicyLinearClamp:
		if distance > 1 {
			distance = 1
		}
		return 1 - distance
	default:
		if distance <= 1 {
			return 1 - distance
		}
		return math.Exp(-distance)
	}
}

// Ranker 把多路原始命中（原查询+扩展词、或多集合）合并成一份
// 去重的降序结果
type Ranker struct {
	policy ScoringPolicy
}

// NewRanker 创建排序器
func NewRanker(policy ScoringPolicy) *Ranker {
	return &Ranker{policy: policy}
}

// Policy 返回当前打分策略
func (r *Ranker) Policy() ScoringPolicy {
	return r.policy
}

// Rank 合并多个结果集：按文档id去重，同id保留最高分；低于绝对
// 下限的退化命中丢弃；按分数降序排列并截断到limit。limit<=0不截断。
func (r *Ranker) Rank(sets []*QueryResult, limit int) []SearchResult {
	merged := map[string]SearchResult{}
	for _, set := range sets {
		for i := 0; i < set.Len(); i++ {
			if i >= len(set.Distances) {
				break
			}
			id := set.IDs[i]
			if id == "" {
				continue
			}
			score := r.policy.Score(float64(set.Distances[i]))
			if score < scoreFloor {
				continue
			}
			existing, ok := merged[id]
			if ok && existing.Score >= score {
				continue
			}
			result := SearchResult{ID: id, Score: score}
			if i < len(set.Documents) {
				result.Content = set.Documents[i]
			}
			if i < len(set.Metadatas) {
				result.Metadata = set.Metadatas[i]
			}
			merged[id] = result
		}
	}

	results := make([]SearchResult, 0, len(merged))
	for _, res := range merged {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// GroupByParent 将排好序的结果按父实体聚合。组的排名取决于组内
// 最高子分数，组内保持传入顺序。缺失父实体键的结果归入空id组。
func GroupByParent(results []SearchResult, parentKey string) []ParentGroup {
	if parentKey == "" {
		parentKey = MetaCourseCode
	}

	groups := map[string]*ParentGroup{}
	var order []string
	for _, res := range results {
		parent := ""
		if res.Metadata != nil {
			parent = res.Metadata[parentKey]
		}
		g, ok := groups[parent]
		if !ok {
			g = &ParentGroup{ParentID: parent}
			groups[parent] = g
			order = append(order, parent)
		}
		g.Results = append(g.Results, res)
		if res.Score > g.TopScore {
			g.TopScore = res.Score
		}
	}

	out := make([]ParentGroup, 0, len(order))
	for _, parent := range order {
		out = append(out, *groups[parent])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TopScore != out[j].TopScore {
			return out[i].TopScore > out[j].TopScore
		}
		return out[i].ParentID < out[j].ParentID
	})
	return out
}
