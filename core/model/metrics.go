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
// core/model/metrics.go

package model

import "time"

// LatencyResult 单个解析器一轮探测的结果
type LatencyResult struct {
	ServerID    string    `json:"serverId"`
	AvgMs       float64   `json:"avgMs"`
	MinMs       float64   `json:"minMs"`
	MaxMs       float64   `json:"maxMs"`
	MedianMs    float64   `json:"medianMs"`
	SuccessRate float64   `json:"successRate"`
	Variance    float64   `json:"variance"`
	Timestamp   time.Time `json:"timestamp"`
	Success     bool      `json:"success"`
	IsFallback  bool      `json:"isFallback"`
	Error       string    `json:"error,omitempty"`
}

// Trend 延迟趋势
type Trend int

const (
	TrendUnknown Trend = iota
	TrendImproving
	TrendStable
	TrendDegrading
)

// String 返回趋势名称
func (t Trend) String() string {
	switch t {
	case TrendImproving:
		return "Improving"
	case TrendStable:
		return "Stable"
	case TrendDegrading:
		return "Degrading"
	}
	return "Unknown"
}

// MarshalText 以名称序列化
func (t Trend) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText 按名称解析
func (t *Trend) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Improving":
		*t = TrendImproving
	case "Stable":
		*t = TrendStable
	case "Degrading":
		*t = TrendDegrading
	default:
		*t = TrendUnknown
	}
	return nil
}

// PerformanceMetrics 由历史结果推导出的性能指标，每轮重新计算
type PerformanceMetrics struct {
	AvgLatency       float64 `json:"avgLatency"`
	MedianLatency    float64 `json:"medianLatency"`
	StdDeviation     float64 `json:"stdDeviation"`
	Variance         float64 `json:"variance"`
	StabilityScore   float64 `json:"stabilityScore"`
	Trend            Trend   `json:"trend"`
	Reliability      float64 `json:"reliability"`
	PerformanceScore float64 `json:"performanceScore"`
	// SampleCount 参与计算的有效样本数
	SampleCount int `json:"sampleCount"`
}

// SwitchRecommendation 一次比较的切换建议
type SwitchRecommendation struct {
	ShouldSwitch           bool    `json:"shouldSwitch"`
	Confidence             float64 `json:"confidence"`
	Reason                 string  `json:"reason"`
	LatencyImprovementMs   float64 `json:"latencyImprovementMs"`
	PerformanceImprovement float64 `json:"performanceImprovement"`
}
