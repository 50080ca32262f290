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
// core/decision/gate.go

package decision

import (
	"sync"
	"time"

	"PhotonDNS/core/model"
)

// Verdict 门控判定结果
type Verdict int

const (
	// VerdictHold 不切换
	VerdictHold Verdict = iota
	// VerdictPending 建议切换但确认次数不足
	VerdictPending
	// VerdictLocked 处于稳定锁定期
	VerdictLocked
	// VerdictSwitch 执行切换
	VerdictSwitch
)

// String 返回判定名称
func (v Verdict) String() string {
	switch v {
	case VerdictPending:
		return "pending"
	case VerdictLocked:
		return "locked"
	case VerdictSwitch:
		return "switch"
	}
	return "hold"
}

// Urgency 改善幅度分级
type Urgency int

const (
	UrgencyMedium Urgency = iota
	UrgencyHigh
)

// Gate 切换门控：稳定锁定期与连续确认计数
// 计数只针对当前领先候选，领先者变化或出现否定结果即清零
type Gate struct {
	mu           sync.Mutex
	lastSwitchAt time.Time
	previousID   string
	leader       string
	counters     map[string]int
	now          func() time.Time
}

// NewGate 创建门控
func NewGate() *Gate {
	return &Gate{counters: make(map[string]int), now: time.Now}
}

// SetClock 替换时钟
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// Observe 记录一轮对领先候选的建议，返回判定与当前确认计数
func (g *Gate) Observe(candidateID string, rec model.SwitchRecommendation, strategy model.Strategy) (Verdict, int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.lockedLocked(strategy) {
		g.resetLocked()
		return VerdictLocked, 0
	}

	if !rec.ShouldSwitch {
		g.resetLocked()
		return VerdictHold, 0
	}

	if candidateID != g.leader {
		g.resetLocked()
		g.leader = candidateID
	}
	g.counters[candidateID]++
	count := g.counters[candidateID]

	if count >= RequiredChecks(rec, strategy) {
		return VerdictSwitch, count
	}
	return VerdictPending, count
}

// RecordSwitch 记录一次已执行的切换，清空计数并重启锁定期
func (g *Gate) RecordSwitch(fromID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
	g.previousID = fromID
	g.lastSwitchAt = g.now()
}

// Reset 清空计数
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

// PreviousID 最近一次切换前的解析器
func (g *Gate) PreviousID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.previousID
}

// LastSwitchAt 最近一次切换时间
func (g *Gate) LastSwitchAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSwitchAt
}

// Count 候选的当前确认计数
func (g *Gate) Count(candidateID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counters[candidateID]
}

// Locked 是否处于稳定锁定期
func (g *Gate) Locked(strategy model.Strategy) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lockedLocked(strategy)
}

func (g *Gate) lockedLocked(strategy model.Strategy) bool {
	if g.lastSwitchAt.IsZero() || strategy.StabilityPeriodSec <= 0 {
		return false
	}
	return g.now().Sub(g.lastSwitchAt) < time.Duration(strategy.StabilityPeriodSec)*time.Second
}

func (g *Gate) resetLocked() {
	g.leader = ""
	clear(g.counters)
}

// ClassifyUrgency 按改善幅度分级
func ClassifyUrgency(rec model.SwitchRecommendation, strategy model.Strategy) Urgency {
	if strategy.IsHighImprovement(rec.LatencyImprovementMs) {
		return UrgencyHigh
	}
	return UrgencyMedium
}

// RequiredChecks 该建议所需的连续确认次数
func RequiredChecks(rec model.SwitchRecommendation, strategy model.Strategy) int {
	if ClassifyUrgency(rec, strategy) == UrgencyHigh {
		return strategy.HighUrgencyChecksRequired()
	}
	if strategy.ConsecutiveChecksRequired < 1 {
		return 1
	}
	return strategy.ConsecutiveChecksRequired
}

// ApplyHysteresis 候选为最近被切走的解析器时，要求额外的改善幅度
func ApplyHysteresis(rec model.SwitchRecommendation, candidateID, previousID string, strategy model.Strategy) model.SwitchRecommendation {
	if !rec.ShouldSwitch || candidateID == "" || candidateID != previousID || strategy.HysteresisMarginMs <= 0 {
		return rec
	}
	need := float64(strategy.MinImprovementMs + strategy.HysteresisMarginMs)
	if rec.LatencyImprovementMs < need {
		rec.ShouldSwitch = false
		rec.Reason = "回切需要额外改善: " + rec.Reason
	}
	return rec
}
