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
// core/decision/recommend.go
// 比较当前解析器与候选解析器的指标，给出切换建议

package decision

import (
	"fmt"
	"math"
	"strings"

	"PhotonDNS/core/model"
)

const (
	scoreDeltaThreshold = 0.1

	lowReliability      = 0.5
	highReliability     = 0.8
	lowStability        = 0.3
	highStability       = 0.7
	latencyNormalizerMs = 100.0
)

// Recommend 无状态比较
// 参数:
//   - current: 当前解析器指标
//   - candidate: 候选解析器指标
//   - strategy: 当前策略
//
// 返回:
//   - 切换建议，任一条件成立即建议切换
func Recommend(current, candidate model.PerformanceMetrics, strategy model.Strategy) model.SwitchRecommendation {
	improvement := current.AvgLatency - candidate.AvgLatency
	scoreDelta := candidate.PerformanceScore - current.PerformanceScore
	reliabilityDelta := candidate.Reliability - current.Reliability
	stabilityDelta := candidate.StabilityScore - current.StabilityScore
	threshold := float64(strategy.MinImprovementMs)

	var reasons []string
	if improvement >= threshold {
		reasons = append(reasons, fmt.Sprintf("延迟降低%.1fms", improvement))
	}
	if scoreDelta >= scoreDeltaThreshold && improvement >= threshold/2 {
		reasons = append(reasons, fmt.Sprintf("综合评分提升%.2f", scoreDelta))
	}
	if current.Reliability < lowReliability && candidate.Reliability > highReliability {
		reasons = append(reasons, fmt.Sprintf("可靠性%.2f→%.2f", current.Reliability, candidate.Reliability))
	}
	if current.StabilityScore < lowStability && candidate.StabilityScore > highStability {
		reasons = append(reasons, fmt.Sprintf("稳定性%.2f→%.2f", current.StabilityScore, candidate.StabilityScore))
	}

	rec := model.SwitchRecommendation{
		ShouldSwitch:           len(reasons) > 0,
		Confidence:             confidence(improvement, scoreDelta, reliabilityDelta, stabilityDelta),
		LatencyImprovementMs:   improvement,
		PerformanceImprovement: scoreDelta,
	}
	if rec.ShouldSwitch {
		rec.Reason = strings.Join(reasons, "; ")
	} else {
		rec.Reason = fmt.Sprintf("改善不足: 延迟%.1fms, 评分%.2f", improvement, scoreDelta)
	}
	return rec
}

// confidence 对为正的归一化差值取平均，无正值时为0
func confidence(improvement, scoreDelta, reliabilityDelta, stabilityDelta float64) float64 {
	var sum float64
	var n int
	add := func(v float64) {
		if v > 0 {
			sum += v
			n++
		}
	}
	add(math.Min(improvement/latencyNormalizerMs, 1))
	add(scoreDelta)
	add(reliabilityDelta * 0.5)
	add(stabilityDelta * 0.3)
	if n == 0 {
		return 0
	}
	return math.Min(sum/float64(n), 1)
}
