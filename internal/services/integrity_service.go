package services

import (
	"context"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/logger"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"go.uber.org/zap"
)

// IntegrityCheckRequest 查重请求。CourseIDs限定参考库的检索范围，
// Threshold<=0时采用服务配置的默认阈值。
type IntegrityCheckRequest struct {
	SubmissionText string   `json:"submission_text"`
	CourseIDs      []string `json:"course_ids,omitempty"`
	Threshold      float64  `json:"threshold,omitempty"`
}

// IntegrityService 学术诚信查重服务，封装向量比对器并补全默认阈值
type IntegrityService struct {
	matcher   *retrieval.Matcher
	threshold float64
}

// NewIntegrityService 创建查重服务
func NewIntegrityService(matcher *retrieval.Matcher, cfg *config.Config) *IntegrityService {
	threshold := 0.0
	if cfg != nil {
		threshold = cfg.Retrieval.Integrity.Threshold
	}
	return &IntegrityService{matcher: matcher, threshold: threshold}
}

// Check 将提交文本与作业参考库比对并生成查重报告。
// 空白提交不算错误，返回无违规的空报告。
func (s *IntegrityService) Check(ctx context.Context, req IntegrityCheckRequest) (*retrieval.IntegrityReport, error) {
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = s.threshold
	}

	report, err := s.matcher.Match(ctx, req.SubmissionText, req.CourseIDs, threshold)
	if err != nil {
		logger.Error("查重比对失败",
			zap.Int("scope_courses", len(req.CourseIDs)),
			zap.Error(err))
		return nil, err
	}

	if report.PotentialViolation {
		logger.Warn("检测到疑似违规提交",
			zap.Float64("highest_similarity", report.HighestMatch.Similarity),
			zap.String("reference_parent", report.HighestMatch.ParentID),
			zap.Float64("threshold", report.Threshold))
	}
	return report, nil
}
