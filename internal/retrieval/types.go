package retrieval

import (
	"fmt"
)

// 元数据固定键名。后端仅支持扁平的字符串键值对，
// 结构化内容（缩写/同义词表）以JSON字符串形式存放。
const (
	MetaCourseCode   = "course_code"
	MetaAssignmentID = "assignment_id"
	MetaSourceID     = "source_id"
	MetaContentType  = "content_type"
	MetaTitle        = "title"
	MetaChunkIndex   = "chunk_index"
	MetaTotalChunks  = "total_chunks"
	MetaAcronyms     = "acronyms"
	MetaSynonyms     = "synonyms"
)

// Document 向量集合中的最小可寻址单元
type Document struct {
	ID        string
	Text      string
	Metadata  map[string]string
	Embedding []float32
}

// DocumentID 按 {parentId}_{childId}_{chunkIndex} 规则生成文档ID
func DocumentID(parentID, childID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%s_%d", parentID, childID, chunkIndex)
}

// QueryResult 后端返回的平行数组结果，
// 下标i的 IDs/Documents/Metadatas/Distances 描述同一条命中
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]string
	Distances []float32
}

// Len 命中条数
func (r *QueryResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.IDs)
}

// SearchResult 排序后的单条检索结果，Score ∈ [0,1]
type SearchResult struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
	Score    float64           `json:"score"`
}

// ParentGroup 按父实体聚合的检索结果，组间按TopScore降序
type ParentGroup struct {
	ParentID string         `json:"parent_id"`
	TopScore float64        `json:"top_score"`
	Results  []SearchResult `json:"results"`
}

// CollectionInfo 集合概要信息
type CollectionInfo struct {
	Name     string
	Metadata map[string]string
}

// CollectionStats 集合统计信息
type CollectionStats struct {
	Name          string
	DocumentCount int64
	Metadata      map[string]string
}
