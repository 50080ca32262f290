// core/decision/decision_test.go

package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"PhotonDNS/core/model"
)

func metrics(avg, reliability, stability, score float64) model.PerformanceMetrics {
	return model.PerformanceMetrics{
		AvgLatency:       avg,
		Reliability:      reliability,
		StabilityScore:   stability,
		PerformanceScore: score,
	}
}

func TestRecommendRules(t *testing.T) {
	s := model.DefaultStrategy()
	tests := []struct {
		name      string
		current   model.PerformanceMetrics
		candidate model.PerformanceMetrics
		want      bool
	}{
		{"延迟改善60ms", metrics(100, 0.9, 0.9, 0.7), metrics(40, 0.9, 0.9, 0.7), true},
		{"改善5ms无其他条件", metrics(100, 0.9, 0.9, 0.7), metrics(95, 0.9, 0.9, 0.7), false},
		{"评分提升且改善过半阈值", metrics(100, 0.9, 0.9, 0.5), metrics(88, 0.9, 0.9, 0.65), true},
		{"评分提升但改善不足", metrics(100, 0.9, 0.9, 0.5), metrics(95, 0.9, 0.9, 0.65), false},
		{"当前不可靠", metrics(50, 0.4, 0.9, 0.5), metrics(60, 0.85, 0.9, 0.5), true},
		{"当前不稳定", metrics(50, 0.9, 0.2, 0.5), metrics(60, 0.9, 0.75, 0.5), true},
		{"候选更慢", metrics(50, 0.9, 0.9, 0.7), metrics(80, 0.9, 0.9, 0.6), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Recommend(tt.current, tt.candidate, s)
			assert.Equal(t, tt.want, rec.ShouldSwitch, rec.Reason)
			assert.NotEmpty(t, rec.Reason)
		})
	}
}

func TestRecommendConfidence(t *testing.T) {
	s := model.DefaultStrategy()

	rec := Recommend(metrics(100, 0.9, 0.9, 0.7), metrics(40, 0.9, 0.9, 0.7), s)
	// 仅延迟差为正: 60/100
	assert.InDelta(t, 0.6, rec.Confidence, 1e-9)
	assert.Equal(t, 60.0, rec.LatencyImprovementMs)

	rec = Recommend(metrics(300, 0.5, 0.5, 0.3), metrics(100, 0.9, 0.8, 0.6), s)
	want := (1.0 + 0.3 + 0.4*0.5 + 0.3*0.3) / 4
	assert.InDelta(t, want, rec.Confidence, 1e-9)

	rec = Recommend(metrics(40, 0.9, 0.9, 0.7), metrics(100, 0.5, 0.5, 0.3), s)
	assert.Equal(t, 0.0, rec.Confidence)
}

func TestGateConsecutiveConfirmation(t *testing.T) {
	s := model.DefaultStrategy()
	s.StabilityPeriodSec = 0
	g := NewGate()
	yes := model.SwitchRecommendation{ShouldSwitch: true, LatencyImprovementMs: 25}
	no := model.SwitchRecommendation{ShouldSwitch: false}

	v, n := g.Observe("b", yes, s)
	assert.Equal(t, VerdictPending, v)
	assert.Equal(t, 1, n)

	t.Run("否定结果清零", func(t *testing.T) {
		v, _ := g.Observe("b", no, s)
		assert.Equal(t, VerdictHold, v)
		assert.Equal(t, 0, g.Count("b"))
	})

	t.Run("领先者变化清零", func(t *testing.T) {
		g.Observe("b", yes, s)
		g.Observe("b", yes, s)
		v, n := g.Observe("c", yes, s)
		assert.Equal(t, VerdictPending, v)
		assert.Equal(t, 1, n)
		assert.Equal(t, 0, g.Count("b"))
	})

	t.Run("达到次数执行", func(t *testing.T) {
		g.Observe("c", yes, s)
		v, n := g.Observe("c", yes, s)
		assert.Equal(t, VerdictSwitch, v)
		assert.Equal(t, 3, n)
		g.RecordSwitch("a")
		assert.Equal(t, 0, g.Count("c"))
		assert.Equal(t, "a", g.PreviousID())
	})
}

func TestGateHighUrgencyNeedsFewerChecks(t *testing.T) {
	s := model.DefaultStrategy()
	s.StabilityPeriodSec = 0
	g := NewGate()
	high := model.SwitchRecommendation{ShouldSwitch: true, LatencyImprovementMs: 60}

	v, _ := g.Observe("b", high, s)
	assert.Equal(t, VerdictPending, v)
	v, n := g.Observe("b", high, s)
	assert.Equal(t, VerdictSwitch, v)
	assert.Equal(t, 2, n)

	assert.Equal(t, UrgencyHigh, ClassifyUrgency(high, s))
	assert.Equal(t, UrgencyMedium, ClassifyUrgency(model.SwitchRecommendation{LatencyImprovementMs: 49}, s))
}

func TestGateStabilityLockout(t *testing.T) {
	s := model.DefaultStrategy()
	s.StabilityPeriodSec = 60
	s.ConsecutiveChecksRequired = 1

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate()
	g.SetClock(func() time.Time { return now })
	yes := model.SwitchRecommendation{ShouldSwitch: true, LatencyImprovementMs: 30}

	v, _ := g.Observe("b", yes, s)
	assert.Equal(t, VerdictSwitch, v)
	g.RecordSwitch("a")

	now = now.Add(59 * time.Second)
	v, _ = g.Observe("c", yes, s)
	assert.Equal(t, VerdictLocked, v)
	assert.True(t, g.Locked(s))

	now = now.Add(2 * time.Second)
	v, _ = g.Observe("c", yes, s)
	assert.Equal(t, VerdictSwitch, v)
}

func TestApplyHysteresis(t *testing.T) {
	s := model.DefaultStrategy() // 阈值20ms，回切余量10ms
	rec := model.SwitchRecommendation{ShouldSwitch: true, LatencyImprovementMs: 25, Reason: "x"}

	got := ApplyHysteresis(rec, "a", "a", s)
	assert.False(t, got.ShouldSwitch)

	got = ApplyHysteresis(rec, "b", "a", s)
	assert.True(t, got.ShouldSwitch)

	rec.LatencyImprovementMs = 31
	got = ApplyHysteresis(rec, "a", "a", s)
	assert.True(t, got.ShouldSwitch)
}
