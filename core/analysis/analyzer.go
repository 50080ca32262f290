/*
PhotonDNS - DNS拦截转发与自适应切换引擎

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
// core/analysis/analyzer.go
// 将解析器的历史结果聚合为性能指标

package analysis

import (
	"math"

	"PhotonDNS/core/model"
)

// 默认分析参数
const (
	DefaultMinSamples  = 3
	DefaultTrendWindow = 5

	trendThreshold = 0.10
	trendModifier  = 0.10
)

// AnalyzerConfig 分析参数
type AnalyzerConfig struct {
	MinSamples  int
	TrendWindow int
}

// DefaultAnalyzerConfig 返回默认分析参数
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{MinSamples: DefaultMinSamples, TrendWindow: DefaultTrendWindow}
}

// Analyzer 性能分析器，无内部状态
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer 创建性能分析器
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = DefaultMinSamples
	}
	if cfg.TrendWindow <= 1 {
		cfg.TrendWindow = DefaultTrendWindow
	}
	return &Analyzer{cfg: cfg}
}

// AnalyzeHistory 分析历史环的当前快照
func (a *Analyzer) AnalyzeHistory(h *LatencyHistory) model.PerformanceMetrics {
	snapshot := h.Snapshot()
	return a.Analyze(snapshot, SuccessRate(snapshot))
}

// Analyze 由历史结果与成功率计算性能指标
// 参数:
//   - history: 从旧到新的探测结果
//   - successRate: 0..1 的成功率
//
// 返回:
//   - 性能指标；有效样本不足MinSamples时稳定性取默认值且趋势为Unknown
func (a *Analyzer) Analyze(history []model.LatencyResult, successRate float64) model.PerformanceMetrics {
	samples := ValidLatencies(history)
	successRate = Clamp(successRate, 0, 1)

	m := model.PerformanceMetrics{
		AvgLatency:    Mean(samples),
		MedianLatency: Median(samples),
		Trend:         model.TrendUnknown,
		SampleCount:   len(samples),
	}

	if len(samples) < a.cfg.MinSamples {
		if successRate > 0.8 {
			m.StabilityScore = 0.5
		} else {
			m.StabilityScore = 0.2
		}
	} else {
		m.Variance = Variance(samples, m.AvgLatency)
		m.StdDeviation = math.Sqrt(m.Variance)
		m.StabilityScore = StabilityScore(m.AvgLatency, m.StdDeviation)
		m.Trend = a.trend(samples)
	}

	m.Reliability = Clamp(successRate*0.7+m.StabilityScore*0.3, 0, 1)
	m.PerformanceScore = PerformanceScore(m)
	return m
}

// trend 比较最近TrendWindow个样本前后两半的均值
func (a *Analyzer) trend(samples []float64) model.Trend {
	w := a.cfg.TrendWindow
	if len(samples) < w {
		return model.TrendUnknown
	}
	recent := samples[len(samples)-w:]
	first := Mean(recent[:w/2])
	second := Mean(recent[w/2:])
	if first <= 0 {
		return model.TrendStable
	}

	change := (second - first) / first
	switch {
	case change > trendThreshold:
		return model.TrendDegrading
	case change < -trendThreshold:
		return model.TrendImproving
	}
	return model.TrendStable
}

// StabilityScore 基于变异系数的稳定性评分，均值为0时为0
func StabilityScore(mean, stdDeviation float64) float64 {
	if mean <= 0 {
		return 0
	}
	return Clamp(1-stdDeviation/mean, 0, 1)
}

// LatencyScore 延迟分档评分
func LatencyScore(avgMs float64) float64 {
	switch {
	case avgMs <= 0:
		return 0
	case avgMs <= 20:
		return 1.0
	case avgMs <= 50:
		return 0.8
	case avgMs <= 100:
		return 0.6
	case avgMs <= 200:
		return 0.4
	}
	return 0.2
}

// PerformanceScore 综合评分
func PerformanceScore(m model.PerformanceMetrics) float64 {
	score := LatencyScore(m.AvgLatency)*0.5 + m.StabilityScore*0.2 + m.Reliability*0.3
	switch m.Trend {
	case model.TrendImproving:
		score += trendModifier
	case model.TrendDegrading:
		score -= trendModifier
	}
	return Clamp(score, 0, 1)
}
