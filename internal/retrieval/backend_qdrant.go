package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QdrantOptions Qdrant后端配置
type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	VectorSize int
	Distance   string
}

type qdrantBackend struct {
	mu       sync.RWMutex
	client   *http.Client
	endpoint string
	apiKey   string
	size     int
	distance string
}

// NewQdrantBackend 创建Qdrant后端（REST接口）
func NewQdrantBackend(opts QdrantOptions) VectorBackend {
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	if opts.Port == 0 {
		opts.Port = 6333
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 1536
	}
	scheme := "http"
	if opts.UseTLS {
		scheme = "https"
	}
	return &qdrantBackend{
		endpoint: fmt.Sprintf("%s://%s:%d", scheme, opts.Host, opts.Port),
		apiKey:   opts.APIKey,
		size:     opts.VectorSize,
		distance: formatQdrantDistance(opts.Distance),
	}
}

func formatQdrantDistance(value string) string {
	switch strings.ToLower(value) {
	case "dot", "dotproduct", "ip":
		return "Dot"
	case "euclid", "l2", "euclidean":
		return "Euclid"
	default:
		return "Cosine"
	}
}

func (b *qdrantBackend) Name() string {
	return "qdrant"
}

func (b *qdrantBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.CloseIdleConnections()
	}
	b.client = &http.Client{Timeout: 10 * time.Second}
	return nil
}

func (b *qdrantBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.CloseIdleConnections()
		b.client = nil
	}
	return nil
}

func (b *qdrantBackend) Heartbeat(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := b.doRequest(probeCtx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant healthz returned %s", resp.Status)
	}
	return nil
}

func (b *qdrantBackend) GetCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	resp, err := b.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("collection %s not found", name)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeQdrantError("get collection", resp)
	}
	io.Copy(io.Discard, resp.Body)
	// Qdrant集合不携带自定义元数据，返回空映射
	return &CollectionInfo{Name: name, Metadata: map[string]string{}}, nil
}

func (b *qdrantBackend) CreateCollection(ctx context.Context, name string, metadata map[string]string) error {
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     b.size,
			"distance": b.distance,
		},
	}
	resp, err := b.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s", name), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeQdrantError("create collection", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *qdrantBackend) ListCollections(ctx context.Context) ([]CollectionInfo, error) {
	resp, err := b.doRequest(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeQdrantError("list collections", resp)
	}

	var listResp struct {
		Result struct {
			Collections []struct {
				Name string `json:"name"`
			} `json:"collections"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, err
	}
	infos := make([]CollectionInfo, 0, len(listResp.Result.Collections))
	for _, coll := range listResp.Result.Collections {
		infos = append(infos, CollectionInfo{Name: coll.Name})
	}
	return infos, nil
}

func (b *qdrantBackend) CollectionStats(ctx context.Context, name string) (*CollectionStats, error) {
	resp, err := b.doRequest(ctx, http.MethodGet, fmt.Sprintf("/collections/%s", name), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("collection %s not found", name)
	}
	if resp.StatusCode >= 300 {
		return nil, decodeQdrantError("collection stats", resp)
	}

	var infoResp struct {
		Result struct {
			PointsCount int64 `json:"points_count"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&infoResp); err != nil {
		return nil, err
	}
	return &CollectionStats{
		Name:          name,
		DocumentCount: infoResp.Result.PointsCount,
		Metadata:      map[string]string{},
	}, nil
}

func (b *qdrantBackend) Insert(ctx context.Context, collection string, docs []Document) error {
	points := make([]map[string]interface{}, 0, len(docs))
	for _, doc := range docs {
		payload := map[string]interface{}{
			"doc_id":  doc.ID,
			"content": doc.Text,
		}
		for k, v := range doc.Metadata {
			payload[k] = v
		}
		points = append(points, map[string]interface{}{
			"id":      qdrantPointID(doc.ID),
			"vector":  padVector(doc.Embedding, b.size),
			"payload": payload,
		})
	}

	body := map[string]interface{}{"points": points}
	resp, err := b.doRequest(ctx, http.MethodPut, fmt.Sprintf("/collections/%s/points?wait=true", collection), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeQdrantError("upsert points", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *qdrantBackend) Query(ctx context.Context, collection string, embedding []float32, limit, offset int, where *Filter) (*QueryResult, error) {
	body := map[string]interface{}{
		"vector":       padVector(embedding, b.size),
		"limit":        limit,
		"offset":       offset,
		"with_payload": true,
		"with_vectors": false,
	}
	if cond := compileQdrantFilter(where); cond != nil {
		body["filter"] = wrapQdrantCondition(cond)
	}

	resp, err := b.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/search", collection), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeQdrantError("search points", resp)
	}

	var searchResp struct {
		Result []struct {
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, err
	}

	result := &QueryResult{}
	for _, item := range searchResp.Result {
		id, content, meta := splitQdrantPayload(item.Payload)
		result.IDs = append(result.IDs, id)
		result.Documents = append(result.Documents, content)
		result.Metadatas = append(result.Metadatas, meta)
		result.Distances = append(result.Distances, b.distanceFromScore(item.Score))
	}
	return result, nil
}

func (b *qdrantBackend) Fetch(ctx context.Context, collection string, ids []string) (*QueryResult, error) {
	if len(ids) == 0 {
		return &QueryResult{}, nil
	}
	pointIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrantPointID(id))
	}
	body := map[string]interface{}{
		"ids":          pointIDs,
		"with_payload": true,
		"with_vector":  false,
	}

	resp, err := b.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points", collection), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, decodeQdrantError("retrieve points", resp)
	}

	var fetchResp struct {
		Result []struct {
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fetchResp); err != nil {
		return nil, err
	}

	result := &QueryResult{}
	for _, item := range fetchResp.Result {
		id, content, meta := splitQdrantPayload(item.Payload)
		result.IDs = append(result.IDs, id)
		result.Documents = append(result.Documents, content)
		result.Metadatas = append(result.Metadatas, meta)
	}
	return result, nil
}

func (b *qdrantBackend) Delete(ctx context.Context, collection string, ids []string, where *Filter) error {
	var conditions []map[string]interface{}
	if len(ids) > 0 {
		conditions = append(conditions, map[string]interface{}{
			"key":   "doc_id",
			"match": map[string]interface{}{"any": ids},
		})
	}
	if cond := compileQdrantFilter(where); cond != nil {
		conditions = append(conditions, cond)
	}
	if len(conditions) == 0 {
		return fmt.Errorf("delete requires ids or filter")
	}

	body := map[string]interface{}{
		"filter": map[string]interface{}{"must": conditions},
	}
	resp, err := b.doRequest(ctx, http.MethodPost, fmt.Sprintf("/collections/%s/points/delete?wait=true", collection), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeQdrantError("delete points", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *qdrantBackend) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	b.mu.RLock()
	httpClient := b.client
	b.mu.RUnlock()
	if httpClient == nil {
		return nil, fmt.Errorf("qdrant client not connected")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.endpoint+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("api-key", b.apiKey)
	}

	return httpClient.Do(req)
}

// distanceFromScore Cosine/Dot下score为相似度，换算为距离；Euclid本身是距离
func (b *qdrantBackend) distanceFromScore(score float64) float32 {
	if b.distance == "Euclid" {
		return float32(score)
	}
	return float32(1 - score)
}

// qdrantPointID 点ID只接受u64或UUID，从文档ID确定性推导UUID
func qdrantPointID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(docID)).String()
}

func splitQdrantPayload(payload map[string]interface{}) (string, string, map[string]string) {
	id := ""
	if v, ok := payload["doc_id"].(string); ok {
		id = v
	}
	content := ""
	if v, ok := payload["content"].(string); ok {
		content = v
	}
	meta := map[string]string{}
	for k, v := range payload {
		if k == "doc_id" || k == "content" {
			continue
		}
		if s, ok := v.(string); ok {
			meta[k] = s
		} else {
			meta[k] = fmt.Sprintf("%v", v)
		}
	}
	return id, content, meta
}

// compileQdrantFilter 将过滤器编译为Qdrant条件对象
func compileQdrantFilter(f *Filter) map[string]interface{} {
	if f == nil {
		return nil
	}
	switch f.Op {
	case OpEquals:
		return map[string]interface{}{
			"key":   f.Key,
			"match": map[string]interface{}{"value": f.Value},
		}
	case OpIn:
		return map[string]interface{}{
			"key":   f.Key,
			"match": map[string]interface{}{"any": f.Values},
		}
	case OpAnd:
		return map[string]interface{}{"must": compileQdrantChildren(f.Children)}
	case OpOr:
		return map[string]interface{}{"should": compileQdrantChildren(f.Children)}
	default:
		return nil
	}
}

func compileQdrantChildren(children []*Filter) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(children))
	for _, child := range children {
		if cond := compileQdrantFilter(child); cond != nil {
			out = append(out, cond)
		}
	}
	return out
}

// wrapQdrantCondition 顶层必须是Filter对象，字段条件包一层must
func wrapQdrantCondition(cond map[string]interface{}) map[string]interface{} {
	if _, ok := cond["key"]; ok {
		return map[string]interface{}{"must": []map[string]interface{}{cond}}
	}
	return cond
}

func decodeQdrantError(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("qdrant %s failed: %s %s", op, resp.Status, string(raw))
}
