// core/analysis/analysis_test.go

package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"PhotonDNS/core/model"
)

func results(latencies ...float64) []model.LatencyResult {
	out := make([]model.LatencyResult, 0, len(latencies))
	base := time.Now()
	for i, l := range latencies {
		r := model.LatencyResult{ServerID: "a", Timestamp: base.Add(time.Duration(i) * time.Second)}
		if l > 0 {
			r.Success = true
			r.AvgMs = l
			r.SuccessRate = 1
		}
		out = append(out, r)
	}
	return out
}

func TestMedianAndVariance(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		median float64
	}{
		{"奇数个", []float64{10, 20, 30}, 20},
		{"偶数个", []float64{10, 20, 30, 40}, 25},
		{"乱序", []float64{30, 10, 20}, 20},
		{"单个", []float64{7}, 7},
		{"空", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Median(tt.values); got != tt.median {
				t.Errorf("Median(%v) = %v, want %v", tt.values, got, tt.median)
			}
		})
	}

	if got := Variance([]float64{10, 10, 10}, 10); got != 0 {
		t.Errorf("Variance([10,10,10]) = %v, want 0", got)
	}
	// 总体方差而非样本方差
	if got := Variance([]float64{2, 4, 4, 4, 5, 5, 7, 9}, 5); got != 4 {
		t.Errorf("Variance() = %v, want 4", got)
	}
}

func TestAnalyzeBelowMinSamples(t *testing.T) {
	a := NewAnalyzer(DefaultAnalyzerConfig())

	m := a.Analyze(results(80, 90), 1.0)
	assert.Equal(t, 0.5, m.StabilityScore)
	assert.Equal(t, model.TrendUnknown, m.Trend)
	assert.Equal(t, 85.0, m.AvgLatency)
	assert.Equal(t, 2, m.SampleCount)
	assert.InDelta(t, 1.0*0.7+0.5*0.3, m.Reliability, 1e-9)

	m = a.Analyze(results(80, -1), 0.5)
	assert.Equal(t, 0.2, m.StabilityScore)
	assert.Equal(t, model.TrendUnknown, m.Trend)
}

func TestAnalyzeFullMetrics(t *testing.T) {
	a := NewAnalyzer(DefaultAnalyzerConfig())
	m := a.Analyze(results(40, 60, 40, 60), 1.0)

	assert.Equal(t, 50.0, m.AvgLatency)
	assert.Equal(t, 50.0, m.MedianLatency)
	assert.Equal(t, 100.0, m.Variance)
	assert.Equal(t, 10.0, m.StdDeviation)
	assert.InDelta(t, 0.8, m.StabilityScore, 1e-9)
	// 样本数小于趋势窗口
	assert.Equal(t, model.TrendUnknown, m.Trend)
	assert.InDelta(t, 0.7+0.8*0.3, m.Reliability, 1e-9)
	assert.InDelta(t, 0.8*0.5+0.8*0.2+m.Reliability*0.3, m.PerformanceScore, 1e-9)
}

func TestAnalyzeTrend(t *testing.T) {
	a := NewAnalyzer(DefaultAnalyzerConfig())
	tests := []struct {
		name    string
		samples []float64
		want    model.Trend
	}{
		{"变差", []float64{50, 50, 60, 60, 60}, model.TrendDegrading},
		{"改善", []float64{60, 60, 50, 50, 50}, model.TrendImproving},
		{"平稳", []float64{50, 50, 52, 51, 50}, model.TrendStable},
		{"只看最近窗口", []float64{500, 500, 50, 50, 52, 51, 50}, model.TrendStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.Analyze(results(tt.samples...), 1).Trend; got != tt.want {
				t.Errorf("Trend = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreHelpers(t *testing.T) {
	assert.Equal(t, 0.0, StabilityScore(0, 5))
	assert.Equal(t, 0.0, StabilityScore(10, 50))
	assert.Equal(t, 1.0, StabilityScore(10, 0))

	buckets := map[float64]float64{5: 1.0, 20: 1.0, 21: 0.8, 50: 0.8, 100: 0.6, 200: 0.4, 201: 0.2}
	for in, want := range buckets {
		if got := LatencyScore(in); got != want {
			t.Errorf("LatencyScore(%v) = %v, want %v", in, got, want)
		}
	}

	improving := model.PerformanceMetrics{AvgLatency: 10, StabilityScore: 1, Reliability: 1, Trend: model.TrendImproving}
	assert.Equal(t, 1.0, PerformanceScore(improving))
	degrading := improving
	degrading.Trend = model.TrendDegrading
	assert.InDelta(t, 0.9, PerformanceScore(degrading), 1e-9)
	assert.False(t, math.IsNaN(Clamp(math.NaN(), 0, 1)))
}

func TestLatencyHistoryRing(t *testing.T) {
	h := NewLatencyHistory(3)
	_, ok := h.Latest()
	assert.False(t, ok)

	for _, r := range results(10, 20, 30, 40) {
		h.Add(r)
	}
	assert.Equal(t, 3, h.Len())
	snap := h.Snapshot()
	assert.Equal(t, []float64{20, 30, 40}, ValidLatencies(snap))

	latest, ok := h.Latest()
	assert.True(t, ok)
	assert.Equal(t, 40.0, latest.AvgMs)

	h.Clear()
	assert.Equal(t, 0, h.Len())
}

func TestHistoryStoreAndSuccessRate(t *testing.T) {
	s := NewHistoryStore(5)
	s.Add(model.LatencyResult{ServerID: "a", Success: true, AvgMs: 10, SuccessRate: 1})
	s.Add(model.LatencyResult{ServerID: "a", Success: false})
	s.Add(model.LatencyResult{ServerID: "b", Success: true, AvgMs: 10, SuccessRate: 0.5})

	assert.Same(t, s.Get("a"), s.Get("a"))
	assert.Equal(t, 0.5, SuccessRate(s.Get("a").Snapshot()))
	assert.Equal(t, 0.5, SuccessRate(s.Get("b").Snapshot()))
	assert.Equal(t, 0.0, SuccessRate(nil))
}
