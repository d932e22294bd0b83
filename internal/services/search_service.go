package services

import (
	"context"
	"strings"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/errors"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"go.uber.org/zap"
)

// maxProbeTerms 每次检索额外向量化并查询的扩展词上限。
// 扩展词只负责扩大召回，超出部分对结果贡献有限，不值得更多API调用。
const maxProbeTerms = 3

// SearchService 检索服务。内容检索走指数尾部打分并带查询扩展，
// FAQ检索走线性截断打分且不扩展。
type SearchService struct {
	client        *retrieval.StoreClient
	embedder      retrieval.Embedder
	expander      *retrieval.Expander
	cache         *CacheService
	collections   config.CollectionsConfig
	limit         int
	contentRanker *retrieval.Ranker
	faqRanker     *retrieval.Ranker
}

// SearchRequest 检索请求
type SearchRequest struct {
	Query     string   `json:"query"`
	CourseIDs []string `json:"course_ids,omitempty"`
	Limit     int      `json:"limit,omitempty"`
	MinScore  float64  `json:"min_score,omitempty"`
	NoExpand  bool     `json:"no_expand,omitempty"`
}

// SearchResponse 检索结果
type SearchResponse struct {
	Query     string                   `json:"query"`
	Terms     []string                 `json:"terms,omitempty"`
	Results   []retrieval.SearchResult `json:"results"`
	FromCache bool                     `json:"from_cache"`
}

// CourseGroup 按课程聚合的检索结果，附带课程概要
type CourseGroup struct {
	CourseID string                   `json:"course_id"`
	Title    string                   `json:"title,omitempty"`
	Overview string                   `json:"overview,omitempty"`
	TopScore float64                  `json:"top_score"`
	Results  []retrieval.SearchResult `json:"results"`
}

// GroupedSearchResponse 分组检索结果
type GroupedSearchResponse struct {
	Query     string        `json:"query"`
	Terms     []string      `json:"terms,omitempty"`
	Groups    []CourseGroup `json:"groups"`
	FromCache bool          `json:"from_cache"`
}

// NewSearchService 创建检索服务
func NewSearchService(client *retrieval.StoreClient, embedder retrieval.Embedder, expander *retrieval.Expander, cache *CacheService, cfg *config.Config) *SearchService {
	svc := &SearchService{
		client:        client,
		embedder:      embedder,
		expander:      expander,
		cache:         cache,
		limit:         10,
		contentRanker: retrieval.NewRanker(retrieval.PolicyExponentialTail),
		faqRanker:     retrieval.NewRanker(retrieval.PolicyLinearClamp),
	}
	if cfg != nil {
		svc.collections = cfg.Retrieval.Collections
		if cfg.Retrieval.SearchLimit > 0 {
			svc.limit = cfg.Retrieval.SearchLimit
		}
	}
	if svc.collections.Content == "" {
		svc.collections.Content = "course_content"
	}
	if svc.collections.FAQ == "" {
		svc.collections.FAQ = "course_faq"
	}
	if svc.collections.Entity == "" {
		svc.collections.Entity = "courses"
	}
	return svc
}

// Search 在课程内容集合中检索
func (s *SearchService) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	return s.searchCollection(ctx, req, s.collections.Content, s.contentRanker, !req.NoExpand)
}

// SearchFAQ 在FAQ集合中检索。问答对都很短，远距命中没有长尾价值，
// 线性截断打分，且不做查询扩展。
func (s *SearchService) SearchFAQ(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	return s.searchCollection(ctx, req, s.collections.FAQ, s.faqRanker, false)
}

// SearchGrouped 内容检索后按课程聚合，并为每组附上课程概要文档
func (s *SearchService) SearchGrouped(ctx context.Context, req SearchRequest) (*GroupedSearchResponse, error) {
	resp, err := s.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	groups := retrieval.GroupByParent(resp.Results, retrieval.MetaCourseCode)
	parents := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.ParentID != "" {
			parents = append(parents, g.ParentID)
		}
	}

	overviews := map[string]courseOverview{}
	if len(parents) > 0 {
		fetched, err := s.client.GetDocuments(ctx, s.collections.Entity, parents)
		if err != nil {
			logger.Warn("课程概要获取失败，分组结果不带简介", zap.Error(err))
		} else {
			for i := range fetched.IDs {
				ov := courseOverview{}
				if i < len(fetched.Documents) {
					ov.text = fetched.Documents[i]
				}
				if i < len(fetched.Metadatas) && fetched.Metadatas[i] != nil {
					ov.title = fetched.Metadatas[i][retrieval.MetaTitle]
				}
				overviews[fetched.IDs[i]] = ov
			}
		}
	}

	out := make([]CourseGroup, 0, len(groups))
	for _, g := range groups {
		cg := CourseGroup{
			CourseID: g.ParentID,
			TopScore: g.TopScore,
			Results:  g.Results,
		}
		if ov, ok := overviews[g.ParentID]; ok {
			cg.Title = ov.title
			cg.Overview = ov.text
		}
		out = append(out, cg)
	}

	return &GroupedSearchResponse{
		Query:     resp.Query,
		Terms:     resp.Terms,
		Groups:    out,
		FromCache: resp.FromCache,
	}, nil
}

type courseOverview struct {
	title string
	text  string
}

// searchCollection 单集合检索主流程：缓存查询、向量化、查询扩展、
// 原查询+扩展词多路检索、合并排序、回填缓存。扩展路径上的失败只
// 收窄召回，不影响主查询的可用性。
func (s *SearchService) searchCollection(ctx context.Context, req SearchRequest, collection string, ranker *retrieval.Ranker, expand bool) (*SearchResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.NewValidationError("query is required")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.limit
	}

	cacheKey := SearchCacheKey(collection, query, limit, req.MinScore, req.CourseIDs, expand)
	if cached, ok := s.cache.GetSearchResults(ctx, cacheKey); ok {
		logger.Debug("检索结果命中缓存",
			zap.String("collection", collection), zap.String("query", query))
		return &SearchResponse{Query: query, Results: cached, FromCache: true}, nil
	}

	if s.embedder == nil || !s.embedder.Ready() {
		return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingUnavailable,
			"embedding provider not ready")
	}
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, errors.NewEmbeddingError(errors.ErrCodeEmbeddingFailed,
			"embed query failed").WithCause(err)
	}

	where := scopeFilter(req.CourseIDs)

	var terms []string
	if expand && s.expander != nil {
		terms, err = s.expander.Expand(ctx, query, embedding, req.CourseIDs, retrieval.ExpansionOptions{})
		if err != nil {
			logger.Warn("查询扩展失败，按无扩展继续",
				zap.String("query", query), zap.Error(err))
			terms = nil
		}
	}

	sets := make([]*retrieval.QueryResult, 0, 1+maxProbeTerms)
	primary, err := s.client.Search(ctx, collection, embedding, limit, 0, where)
	if err != nil {
		return nil, err
	}
	sets = append(sets, primary)

	for i, term := range terms {
		if i >= maxProbeTerms {
			break
		}
		probeVec, err := s.embedder.Embed(ctx, term)
		if err != nil {
			logger.Warn("扩展词向量化失败，跳过该路探测",
				zap.String("term", term), zap.Error(err))
			continue
		}
		probe, err := s.client.Search(ctx, collection, probeVec, limit, 0, where)
		if err != nil {
			logger.Warn("扩展词检索失败，跳过该路探测",
				zap.String("term", term), zap.Error(err))
			continue
		}
		sets = append(sets, probe)
	}

	ranked := ranker.Rank(sets, 0)
	if req.MinScore > 0 {
		kept := make([]retrieval.SearchResult, 0, len(ranked))
		for _, r := range ranked {
			if r.Score >= req.MinScore {
				kept = append(kept, r)
			}
		}
		ranked = kept
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	s.cache.StoreSearchResults(ctx, cacheKey, ranked)

	logger.Info("检索完成",
		zap.String("collection", collection),
		zap.String("query", query),
		zap.Int("expansion_terms", len(terms)),
		zap.Int("results", len(ranked)))
	return &SearchResponse{Query: query, Terms: terms, Results: ranked}, nil
}

// scopeFilter 把课程作用域编译为元数据过滤条件
func scopeFilter(courseIDs []string) *retrieval.Filter {
	switch len(courseIDs) {
	case 0:
		return nil
	case 1:
		return retrieval.Equals(retrieval.MetaCourseCode, courseIDs[0])
	default:
		return retrieval.In(retrieval.MetaCourseCode, courseIDs...)
	}
}
