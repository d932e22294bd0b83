package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/metrics"
	"go.uber.org/zap"
)

const (
	// defaultIntegrityThreshold 判定疑似违规的默认相似度阈值
	defaultIntegrityThreshold = 0.8
	// integrityRecallFloor 聚合前丢弃低于该相似度的召回
	integrityRecallFloor = 0.7
	// defaultRecallDepth 比对时召回的候选条数
	defaultRecallDepth = 20
	// excerptLimit 摘录最大长度（按rune计）
	excerptLimit = 200
)

// MatchSegment 单次命中：匹配到的参考条目摘录及其相似度
type MatchSegment struct {
	ReferenceID string            `json:"reference_id"`
	Excerpt     string            `json:"excerpt"`
	Similarity  float64           `json:"similarity"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// AssignmentMatch 按参考父实体聚合的匹配：组内最高相似度与命中明细
type AssignmentMatch struct {
	ParentID          string         `json:"parent_id"`
	HighestSimilarity float64        `json:"highest_similarity"`
	Segments          []MatchSegment `json:"segments"`
}

// HighestMatch 全部比较中的单一最高命中，随比较推进单调不降
type HighestMatch struct {
	ReferenceID string  `json:"reference_id"`
	ParentID    string  `json:"parent_id"`
	Excerpt     string  `json:"excerpt"`
	Similarity  float64 `json:"similarity"`
}

// IntegrityReport 查重结论。TotalMatches为命中的父实体数，
// Matches按组内最高相似度降序。
type IntegrityReport struct {
	TotalMatches       int               `json:"total_matches"`
	Matches            []AssignmentMatch `json:"matches"`
	HighestMatch       *HighestMatch     `json:"highest_match,omitempty"`
	PotentialViolation bool              `json:"potential_violation"`
	Threshold          float64           `json:"threshold"`
}

// Matcher 提交内容与参考库的相似度比对器。提交作为整体向量化，
// 不做分块，走线性截断打分。
type Matcher struct {
	client      *StoreClient
	embedder    Embedder
	collection  string
	scopeKey    string
	parentKey   string
	recallDepth int
	policy      ScoringPolicy
}

// NewMatcher 创建查重比对器。scope按课程过滤，分组按作业聚合
func NewMatcher(client *StoreClient, embedder Embedder, collection string, recallDepth int) *Matcher {
	if recallDepth <= 0 {
		recallDepth = defaultRecallDepth
	}
	return &Matcher{
		client:      client,
		embedder:    embedder,
		collection:  collection,
		scopeKey:    MetaCourseCode,
		parentKey:   MetaAssignmentID,
		recallDepth: recallDepth,
		policy:      PolicyLinearClamp,
	}
}

// Match 将提交文本作为整体与参考集合比对。空白提交直接返回无违规
// 结论；低于召回下限(0.7)的命中在聚合前丢弃；threshold<=0时使用
// 默认阈值0.8。
func (m *Matcher) Match(ctx context.Context, submission string, scopeIDs []string, threshold float64) (*IntegrityReport, error) {
	if threshold <= 0 {
		threshold = defaultIntegrityThreshold
	}
	report := &IntegrityReport{Matches: []AssignmentMatch{}, Threshold: threshold}

	if strings.TrimSpace(submission) == "" {
		metrics.Default().RecordIntegrityCheck("empty")
		return report, nil
	}

	if m.embedder == nil || !m.embedder.Ready() {
		return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingUnavailable,
			"embedding provider not ready")
	}
	// 整体向量化，不分块
	embedding, err := m.embedder.Embed(ctx, submission)
	if err != nil {
		return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingFailed,
			"embed submission failed").WithCause(err)
	}

	var where *Filter
	if len(scopeIDs) > 0 {
		where = In(m.scopeKey, scopeIDs...)
	}
	res, err := m.client.Search(ctx, m.collection, embedding, m.recallDepth, 0, where)
	if err != nil {
		return nil, err
	}

	groups := map[string]*AssignmentMatch{}
	var order []string
	var highest *HighestMatch
	for i := 0; i < res.Len(); i++ {
		if i >= len(res.Distances) {
			break
		}
		similarity := m.policy.Score(float64(res.Distances[i]))
		if similarity < integrityRecallFloor {
			continue
		}

		var meta map[string]string
		if i < len(res.Metadatas) {
			meta = res.Metadatas[i]
		}
		parent := ""
		if meta != nil {
			parent = meta[m.parentKey]
		}
		excerpt := ""
		if i < len(res.Documents) {
			excerpt = excerptOf(res.Documents[i])
		}

		segment := MatchSegment{
			ReferenceID: res.IDs[i],
			Excerpt:     excerpt,
			Similarity:  similarity,
			Metadata:    meta,
		}
		g, ok := groups[parent]
		if !ok {
			g = &AssignmentMatch{ParentID: parent}
			groups[parent] = g
			order = append(order, parent)
		}
		g.Segments = append(g.Segments, segment)
		if similarity > g.HighestSimilarity {
			g.HighestSimilarity = similarity
		}
		if highest == nil || similarity > highest.Similarity {
			highest = &HighestMatch{
				ReferenceID: segment.ReferenceID,
				ParentID:    parent,
				Excerpt:     excerpt,
				Similarity:  similarity,
			}
		}
	}

	for _, parent := range order {
		report.Matches = append(report.Matches, *groups[parent])
	}
	sort.SliceStable(report.Matches, func(i, j int) bool {
		if report.Matches[i].HighestSimilarity != report.Matches[j].HighestSimilarity {
			return report.Matches[i].HighestSimilarity > report.Matches[j].HighestSimilarity
		}
		return report.Matches[i].ParentID < report.Matches[j].ParentID
	})
	report.TotalMatches = len(report.Matches)
	report.HighestMatch = highest
	report.PotentialViolation = highest != nil && highest.Similarity >= threshold

	verdict := "clear"
	if report.PotentialViolation {
		verdict = "violation"
	}
	metrics.Default().RecordIntegrityCheck(verdict)
	logger.Debug("查重比对完成",
		zap.Int("matches", report.TotalMatches),
		zap.Bool("violation", report.PotentialViolation))
	return report, nil
}

// excerptOf 截取摘录，超长按rune截断
func excerptOf(content string) string {
	runes := []rune(content)
	if len(runes) <= excerptLimit {
		return content
	}
	return string(runes[:excerptLimit]) + "..."
}
