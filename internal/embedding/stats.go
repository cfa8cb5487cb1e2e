package embedding

import (
	"sort"
	"sync"
	"time"
)

// ewmaAlpha weights the newest sample in the rolling latency and cost estimates.
const ewmaAlpha = 0.2

// Observer receives embedding usage as it happens, e.g. a metrics collector.
type Observer interface {
	ObserveEmbeddingCall(model string, items, tokens int, cost float64, latency time.Duration, success bool)
	ObserveBatchSize(model string, size int)
}

// ModelUsage is a snapshot of one model's usage.
type ModelUsage struct {
	Model           string  `json:"model"`
	Calls           int64   `json:"calls"`
	Successes       int64   `json:"successes"`
	Items           int64   `json:"items"`
	Tokens          int64   `json:"tokens"`
	Cost            float64 `json:"cost"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	AvgCostPerCall  float64 `json:"avg_cost_per_call"`
	SuccessRate     float64 `json:"success_rate"`
	BatchSize       int     `json:"batch_size"`
	QualityFailures int64   `json:"quality_failures"`
}

// UsageStats keeps rolling cost and latency estimates per model.
type UsageStats struct {
	mu     sync.Mutex
	models map[string]*ModelUsage
}

// NewUsageStats returns empty stats.
func NewUsageStats() *UsageStats {
	return &UsageStats{models: make(map[string]*ModelUsage)}
}

func (s *UsageStats) entry(model string) *ModelUsage {
	u, ok := s.models[model]
	if !ok {
		u = &ModelUsage{Model: model}
		s.models[model] = u
	}
	return u
}

func (s *UsageStats) recordCall(model string, items, tokens int, cost float64, latency time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.entry(model)
	u.Calls++
	u.Items += int64(items)
	u.Tokens += int64(tokens)
	u.Cost += cost
	if success {
		u.Successes++
	}
	ms := float64(latency) / float64(time.Millisecond)
	if u.Calls == 1 {
		u.AvgLatencyMs = ms
		u.AvgCostPerCall = cost
	} else {
		u.AvgLatencyMs = ewmaAlpha*ms + (1-ewmaAlpha)*u.AvgLatencyMs
		u.AvgCostPerCall = ewmaAlpha*cost + (1-ewmaAlpha)*u.AvgCostPerCall
	}
	u.SuccessRate = float64(u.Successes) / float64(u.Calls)
}

func (s *UsageStats) recordQualityFailure(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(model).QualityFailures++
}

func (s *UsageStats) setBatchSize(model string, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(model).BatchSize = size
}

// Snapshot returns a copy of all model usage sorted by model name.
func (s *UsageStats) Snapshot() []ModelUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ModelUsage, 0, len(s.models))
	for _, u := range s.models {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}
