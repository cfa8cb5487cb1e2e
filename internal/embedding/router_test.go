package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/models"
)

const testDims = 32

func testPolicy(t *testing.T) *TierPolicy {
	t.Helper()
	spec := ModelSpec{Name: "mock", Dimensions: testDims, CostPer1KTokens: 0.1}
	p, err := NewTierPolicy(map[models.Tier]ModelSpec{
		models.TierPublic:     spec,
		models.TierRestricted: spec,
		models.TierClosed:     spec,
	})
	require.NoError(t, err)
	return p
}

func testEmbeddingConfig() *config.EmbeddingConfig {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	e := cfg.Embedding
	e.Retry.InitialDelay = time.Millisecond
	e.Retry.MaxDelay = 2 * time.Millisecond
	return &e
}

func newTestRouter(t *testing.T, backend Embedder, mutate func(*config.EmbeddingConfig)) *Router {
	t.Helper()
	cfg := testEmbeddingConfig()
	if mutate != nil {
		mutate(cfg)
	}
	r, err := NewRouter(testPolicy(t), map[string]Embedder{"mock": backend}, cfg)
	require.NoError(t, err)
	return r
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("제%d조 보험금 지급 사유 %d", i+1, i)
	}
	return out
}

func TestRouter_partialBatchFailure(t *testing.T) {
	in := texts(20)
	faulty := &FaultyEmbedder{
		Inner:     NewMockEmbedder(testDims),
		Malformed: map[string]bool{in[3]: true, in[17]: true},
	}
	r := newTestRouter(t, faulty, nil)

	res, err := r.Embed(context.Background(), in, models.TierPublic)
	require.Error(t, err)
	var ee *EmbeddingError
	require.True(t, errors.As(err, &ee))
	require.NotNil(t, res)

	assert.Equal(t, 18, res.Succeeded())
	assert.Equal(t, []int{3, 17}, ee.FailedIndices())
	for _, f := range ee.Failures {
		assert.Equal(t, errs.KindQuality, f.Kind)
	}
	assert.Nil(t, res.Vectors[3])
	assert.Nil(t, res.Vectors[17])
	// One batch call plus one isolated retry per malformed text.
	assert.Equal(t, []int{20, 1, 1}, faulty.BatchSizes())
}

func TestRouter_dimensionsMatchPolicy(t *testing.T) {
	r := newTestRouter(t, NewMockEmbedder(testDims), nil)
	res, err := r.Embed(context.Background(), texts(7), models.TierClosed)
	require.NoError(t, err)
	assert.Equal(t, testDims, res.Model.Dimensions)
	for _, v := range res.Vectors {
		assert.Len(t, v, testDims)
	}
}

func TestRouter_retriesTransientFailure(t *testing.T) {
	faulty := &FaultyEmbedder{Inner: NewMockEmbedder(testDims), FailCalls: 2, Err: errors.New("429 too many requests")}
	r := newTestRouter(t, faulty, nil)

	res, err := r.Embed(context.Background(), texts(3), models.TierPublic)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded())
	assert.Equal(t, 3, faulty.Calls())
}

func TestRouter_exhaustedRetriesReportIndices(t *testing.T) {
	faulty := &FaultyEmbedder{Inner: NewMockEmbedder(testDims), FailCalls: 1000, Err: errors.New("connection refused")}
	r := newTestRouter(t, faulty, nil)

	res, err := r.Embed(context.Background(), texts(4), models.TierPublic)
	var ee *EmbeddingError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, []int{0, 1, 2, 3}, ee.FailedIndices())
	assert.Equal(t, errs.KindBackendUnavailable, ee.Failures[0].Kind)
	assert.Equal(t, 0, res.Succeeded())
	assert.Equal(t, 3, faulty.Calls(), "bounded by max attempts")
}

func TestRouter_batchesBySize(t *testing.T) {
	faulty := &FaultyEmbedder{Inner: NewMockEmbedder(testDims)}
	r := newTestRouter(t, faulty, func(c *config.EmbeddingConfig) {
		c.Batch.Initial = 4
		c.Batch.Min = 2
	})
	_, err := r.Embed(context.Background(), texts(10), models.TierPublic)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 4, 2}, faulty.BatchSizes())
}

func TestRouter_shrinksBatchOnFailures(t *testing.T) {
	in := texts(40)
	malformed := map[string]bool{}
	for _, s := range in {
		malformed[s] = true
	}
	faulty := &FaultyEmbedder{Inner: NewMockEmbedder(testDims), Malformed: malformed}
	r := newTestRouter(t, faulty, func(c *config.EmbeddingConfig) {
		c.Batch.Initial = 40
		c.Batch.Min = 10
	})
	_, err := r.Embed(context.Background(), in, models.TierPublic)
	require.Error(t, err)
	assert.Equal(t, 10, r.batches["mock"].Size())

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 10, stats[0].BatchSize)
	assert.Equal(t, int64(40), stats[0].QualityFailures)
}

func TestRouter_emptyTextIsValidationFailure(t *testing.T) {
	r := newTestRouter(t, NewMockEmbedder(testDims), nil)
	res, err := r.Embed(context.Background(), []string{"보험료", "  "}, models.TierPublic)
	var ee *EmbeddingError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, errs.KindValidation, ee.Failures[0].Kind)
	assert.Equal(t, 1, ee.Failures[0].Index)
	assert.NotNil(t, res.Vectors[0])
}

func TestRouter_unknownTier(t *testing.T) {
	r := newTestRouter(t, NewMockEmbedder(testDims), nil)
	_, err := r.Embed(context.Background(), texts(1), models.Tier("secret"))
	assert.True(t, errs.Is(err, errs.KindValidation))
}

func TestRouter_missingBackend(t *testing.T) {
	r, err := NewRouter(testPolicy(t), map[string]Embedder{}, testEmbeddingConfig())
	require.NoError(t, err)
	_, err = r.Embed(context.Background(), texts(1), models.TierPublic)
	assert.True(t, errs.Is(err, errs.KindBackendUnavailable))
}

func TestRouter_dimensionMismatch(t *testing.T) {
	_, err := NewRouter(testPolicy(t), map[string]Embedder{"mock": NewMockEmbedder(8)}, testEmbeddingConfig())
	assert.Error(t, err)
}

func TestRouter_canceledContext(t *testing.T) {
	r := newTestRouter(t, NewMockEmbedder(testDims), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Embed(ctx, texts(3), models.TierPublic)
	var ee *EmbeddingError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, errs.KindTimeout, ee.Failures[0].Kind)
}

func TestRouter_EmbedQueryCaches(t *testing.T) {
	faulty := &FaultyEmbedder{Inner: NewMockEmbedder(testDims)}
	r := newTestRouter(t, faulty, nil)

	v1, spec, err := r.EmbedQuery(context.Background(), "자동차보험 자차", models.TierPublic)
	require.NoError(t, err)
	assert.Equal(t, "mock", spec.Name)
	v2, _, err := r.EmbedQuery(context.Background(), "자동차보험 자차", models.TierPublic)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, faulty.Calls())
}

func TestRouter_EmbedQueryQualityFailure(t *testing.T) {
	faulty := &FaultyEmbedder{Inner: NewMockEmbedder(testDims), Malformed: map[string]bool{"bad": true}}
	r := newTestRouter(t, faulty, nil)
	_, _, err := r.EmbedQuery(context.Background(), "bad", models.TierPublic)
	assert.True(t, errs.Is(err, errs.KindQuality))
}

func TestRouter_usageStats(t *testing.T) {
	r := newTestRouter(t, NewMockEmbedder(testDims), nil)
	_, err := r.Embed(context.Background(), []string{"one two three", "four five"}, models.TierPublic)
	require.NoError(t, err)

	stats := r.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Calls)
	assert.Equal(t, int64(5), stats[0].Tokens)
	assert.InDelta(t, 0.0005, stats[0].Cost, 1e-9)
	assert.Equal(t, 1.0, stats[0].SuccessRate)
}

type recordingObserver struct {
	calls int
	sizes []int
}

func (o *recordingObserver) ObserveEmbeddingCall(string, int, int, float64, time.Duration, bool) {
	o.calls++
}

func (o *recordingObserver) ObserveBatchSize(_ string, size int) {
	o.sizes = append(o.sizes, size)
}

func TestRouter_observer(t *testing.T) {
	obs := &recordingObserver{}
	cfg := testEmbeddingConfig()
	r, err := NewRouter(testPolicy(t), map[string]Embedder{"mock": NewMockEmbedder(testDims)}, cfg, WithObserver(obs))
	require.NoError(t, err)
	_, err = r.Embed(context.Background(), texts(2), models.TierPublic)
	require.NoError(t, err)
	assert.Equal(t, 1, obs.calls)
}

func TestMockEmbedder_lexicalSimilarity(t *testing.T) {
	e := NewMockEmbedder(256)
	ctx := context.Background()
	q, _ := e.Embed(ctx, "자동차보험 자차 손해 보상")
	near, _ := e.Embed(ctx, "자동차보험 약관: 자차 손해는 보상한다")
	far, _ := e.Embed(ctx, "암보험 진단금 지급 기준")
	assert.Greater(t, dot(q, near), dot(q, far))
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i] * b[i])
	}
	return s
}
