package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/metrics"
	"go.uber.org/zap"
)

// ExpansionOptions 查询扩展调优参数，零值使用构造时的默认配置
type ExpansionOptions struct {
	MaxTerms     int
	ExploreLimit int
}

// Expander 查询扩展器。扩展词来自已索引实体元数据里的缩写、同义词
// 映射，动态收集而非静态词典。序列化的JSON只在这里解码，存储边界上
// 始终是扁平字符串元数据。
type Expander struct {
	client            *StoreClient
	embedder          Embedder
	entityCollection  string
	contentCollection string
	maxTerms          int
	exploreLimit      int
}

// NewExpander 创建查询扩展器
func NewExpander(client *StoreClient, embedder Embedder, entityCollection, contentCollection string, maxTerms, exploreLimit int) *Expander {
	if maxTerms <= 0 {
		maxTerms = 8
	}
	if exploreLimit <= 0 {
		exploreLimit = 5
	}
	return &Expander{
		client:            client,
		embedder:          embedder,
		entityCollection:  entityCollection,
		contentCollection: contentCollection,
		maxTerms:          maxTerms,
		exploreLimit:      exploreLimit,
	}
}

// NormalizeQuery 归一化查询：小写、连字符和下划线转空格、压缩空白
func NormalizeQuery(query string) string {
	q := strings.ToLower(query)
	q = strings.ReplaceAll(q, "-", " ")
	q = strings.ReplaceAll(q, "_", " ")
	return strings.Join(strings.Fields(q), " ")
}

// Expand 为查询生成扩展词。scopeIDs非空时按父实体id从实体集合直接
// 取元数据；为空时对内容集合做一次有界探索检索，从命中结果收集。
// queryEmbedding可为nil，探索检索需要时才调用向量化。元数据获取
// 失败降级为不扩展，不影响主检索路径。
func (e *Expander) Expand(ctx context.Context, query string, queryEmbedding []float32, scopeIDs []string, opts ExpansionOptions) ([]string, error) {
	normalized := NormalizeQuery(query)
	if normalized == "" {
		return nil, nil
	}

	metas, err := e.gatherMetadata(ctx, normalized, queryEmbedding, scopeIDs, opts)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, nil
	}

	acronyms := map[string]string{}
	synonyms := map[string][]string{}
	for _, meta := range metas {
		if meta == nil {
			continue
		}
		mergeAcronyms(acronyms, decodeAcronyms(meta[MetaAcronyms]))
		mergeSynonyms(synonyms, decodeSynonyms(meta[MetaSynonyms]))
	}
	if len(acronyms) == 0 && len(synonyms) == 0 {
		return nil, nil
	}

	terms := buildExpansionTerms(normalized, acronyms, synonyms)

	maxTerms := opts.MaxTerms
	if maxTerms <= 0 {
		maxTerms = e.maxTerms
	}
	if len(terms) > maxTerms {
		terms = terms[:maxTerms]
	}

	metrics.Default().RecordExpansionTerms(len(terms))
	logger.Debug("查询扩展完成",
		zap.String("query", normalized),
		zap.Int("parents", len(metas)),
		zap.Int("terms", len(terms)))
	return terms, nil
}

// gatherMetadata 收集候选实体元数据
func (e *Expander) gatherMetadata(ctx context.Context, query string, queryEmbedding []float32, scopeIDs []string, opts ExpansionOptions) ([]map[string]string, error) {
	if len(scopeIDs) > 0 {
		res, err := e.client.GetDocuments(ctx, e.entityCollection, scopeIDs)
		if err != nil {
			logger.Warn("按父实体获取扩展元数据失败", zap.Error(err))
			return nil, nil
		}
		return res.Metadatas, nil
	}

	if queryEmbedding == nil {
		if e.embedder == nil || !e.embedder.Ready() {
			return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingUnavailable,
				"embedding provider not ready")
		}
		emb, err := e.embedder.Embed(ctx, query)
		if err != nil {
			return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingFailed,
				"embed query for exploration failed").WithCause(err)
		}
		queryEmbedding = emb
	}

	limit := opts.ExploreLimit
	if limit <= 0 {
		limit = e.exploreLimit
	}
	res, err := e.client.Search(ctx, e.contentCollection, queryEmbedding, limit, 0, nil)
	if err != nil {
		logger.Warn("探索检索失败，跳过查询扩展", zap.Error(err))
		return nil, nil
	}
	return res.Metadatas, nil
}

// buildExpansionTerms 对照缩写表和同义词表做双向短语匹配。查询含键
// 则加入扩写或同义词，查询含扩写或别名则反向加入键；键和值都可以是
// 多词短语。已出现在原查询里的词一律丢弃。
func buildExpansionTerms(normalizedQuery string, acronyms map[string]string, synonyms map[string][]string) []string {
	padded := " " + normalizedQuery + " "
	contains := func(phrase string) bool {
		return strings.Contains(padded, " "+phrase+" ")
	}

	var terms []string
	seen := map[string]bool{}
	add := func(term string) {
		term = NormalizeQuery(term)
		if term == "" || seen[term] || contains(term) {
			return
		}
		seen[term] = true
		terms = append(terms, term)
	}

	// 键排序保证输出确定性
	acronymKeys := make([]string, 0, len(acronyms))
	for k := range acronyms {
		acronymKeys = append(acronymKeys, k)
	}
	sort.Strings(acronymKeys)
	for _, key := range acronymKeys {
		expansion := acronyms[key]
		if contains(key) {
			add(expansion)
		}
		if contains(expansion) {
			add(key)
		}
	}

	synonymKeys := make([]string, 0, len(synonyms))
	for k := range synonyms {
		synonymKeys = append(synonymKeys, k)
	}
	sort.Strings(synonymKeys)
	for _, key := range synonymKeys {
		alternates := synonyms[key]
		if contains(key) {
			for _, alt := range alternates {
				add(alt)
			}
			continue
		}
		for _, alt := range alternates {
			if contains(alt) {
				add(key)
				break
			}
		}
	}
	return terms
}

// decodeAcronyms 解析缩写映射JSON，键值都归一化；非法输入返回nil
func decodeAcronyms(raw string) map[string]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	strict := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &strict); err == nil {
		out := make(map[string]string, len(strict))
		for k, v := range strict {
			nk, nv := NormalizeQuery(k), NormalizeQuery(v)
			if nk != "" && nv != "" {
				out[nk] = nv
			}
		}
		return out
	}

	// 宽松回退：值不是纯字符串时按字面量转
	loose := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return nil
	}
	out := make(map[string]string, len(loose))
	for k, v := range loose {
		nk, nv := NormalizeQuery(k), NormalizeQuery(fmt.Sprintf("%v", v))
		if nk != "" && nv != "" {
			out[nk] = nv
		}
	}
	return out
}

// decodeSynonyms 解析同义词映射JSON，值接受字符串或字符串数组
func decodeSynonyms(raw string) map[string][]string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	loose := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return nil
	}
	out := make(map[string][]string, len(loose))
	for k, v := range loose {
		nk := NormalizeQuery(k)
		if nk == "" {
			continue
		}
		switch val := v.(type) {
		case string:
			if nv := NormalizeQuery(val); nv != "" {
				out[nk] = []string{nv}
			}
		case []interface{}:
			var alternates []string
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					s = fmt.Sprintf("%v", item)
				}
				if ns := NormalizeQuery(s); ns != "" {
					alternates = append(alternates, ns)
				}
			}
			if len(alternates) > 0 {
				out[nk] = alternates
			}
		}
	}
	return out
}

// mergeAcronyms 合并缩写映射，同键先写入者保留
func mergeAcronyms(dst, src map[string]string) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

// mergeSynonyms 合并同义词映射，同键先写入者保留
func mergeSynonyms(dst, src map[string][]string) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

