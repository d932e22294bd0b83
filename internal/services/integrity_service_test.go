package services

import (
	"context"
	"testing"

	"github.com/coursehub/retrieval-go/internal/config"
	"github.com/coursehub/retrieval-go/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 参考库：CS101下一份与提交相似度约0.85的参考答案
func newIntegrityServiceForTest(t *testing.T, threshold float64) *IntegrityService {
	t.Helper()
	client := retrieval.NewStoreClient(retrieval.NewMemoryBackend())
	ctx := context.Background()

	_, err := client.GetOrCreateCollection(ctx, "assignment_bank", nil)
	require.NoError(t, err)
	require.NoError(t, client.AddDocuments(ctx, "assignment_bank", []retrieval.Document{
		{
			ID:   retrieval.DocumentID("A1", "ref", 0),
			Text: "Reference essay on sorting algorithms.",
			Metadata: map[string]string{
				retrieval.MetaCourseCode:   "CS101",
				retrieval.MetaAssignmentID: "A1",
			},
			Embedding: []float32{0.85, 0.526783, 0},
		},
	}))

	emb := &stubEmbedder{vectors: map[string][]float32{
		"my submission": {1, 0, 0},
	}}
	matcher := retrieval.NewMatcher(client, emb, "assignment_bank", 0)

	cfg := &config.Config{}
	cfg.Retrieval.Integrity.Threshold = threshold
	return NewIntegrityService(matcher, cfg)
}

func TestIntegrityService_ConfigThresholdApplied(t *testing.T) {
	svc := newIntegrityServiceForTest(t, 0.9)

	report, err := svc.Check(context.Background(), IntegrityCheckRequest{
		SubmissionText: "my submission",
	})
	require.NoError(t, err)

	// 0.85相似度低于配置阈值0.9，不判违规但命中要完整呈现
	assert.Equal(t, 0.9, report.Threshold)
	assert.False(t, report.PotentialViolation)
	require.NotNil(t, report.HighestMatch)
	assert.InDelta(t, 0.85, report.HighestMatch.Similarity, 1e-3)
	assert.Equal(t, "A1", report.HighestMatch.ParentID)
}

func TestIntegrityService_RequestThresholdOverrides(t *testing.T) {
	svc := newIntegrityServiceForTest(t, 0.9)

	report, err := svc.Check(context.Background(), IntegrityCheckRequest{
		SubmissionText: "my submission",
		Threshold:      0.8,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.8, report.Threshold)
	assert.True(t, report.PotentialViolation)
}

func TestIntegrityService_FallsBackToMatcherDefault(t *testing.T) {
	// 配置与请求都没给阈值时由比对器用默认值0.8
	svc := newIntegrityServiceForTest(t, 0)

	report, err := svc.Check(context.Background(), IntegrityCheckRequest{
		SubmissionText: "my submission",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.8, report.Threshold)
	assert.True(t, report.PotentialViolation)
}

func TestIntegrityService_EmptySubmission(t *testing.T) {
	svc := newIntegrityServiceForTest(t, 0.9)

	report, err := svc.Check(context.Background(), IntegrityCheckRequest{
		SubmissionText: "   ",
	})
	require.NoError(t, err)
	assert.Zero(t, report.TotalMatches)
	assert.Nil(t, report.HighestMatch)
	assert.False(t, report.PotentialViolation)
	assert.Empty(t, report.Matches)
}
