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
// core/slownet/detector.go
// 慢网络检测：按轮分类网络状况，进入非正常状态后启动恢复轮询

package slownet

import (
	"context"
	"sync"
	"time"

	"PhotonDNS/core/analysis"
	"PhotonDNS/core/common"
	"PhotonDNS/core/events"
	"PhotonDNS/core/model"
)

// Thresholds 分级阈值
type Thresholds struct {
	SlowAvgMs     float64
	SlowMaxMs     float64
	VerySlowAvgMs float64
	VerySlowMaxMs float64
	CriticalAvgMs float64
	CriticalMaxMs float64

	// 连续全部失败的轮数阈值
	CriticalFailureCount int
	VerySlowFailureCount int
	SlowFailureCount     int
}

// Config 检测器参数
type Config struct {
	Thresholds
	RecoveryIntervalSlow   time.Duration
	RecoveryIntervalSevere time.Duration
	// RecoveryFactorSlow Slow状态恢复要求延迟低于SlowAvgMs乘以该系数
	RecoveryFactorSlow float64
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			SlowAvgMs:            500,
			SlowMaxMs:            1000,
			VerySlowAvgMs:        1000,
			VerySlowMaxMs:        2000,
			CriticalAvgMs:        2000,
			CriticalMaxMs:        4000,
			CriticalFailureCount: 1,
			VerySlowFailureCount: 2,
			SlowFailureCount:     3,
		},
		RecoveryIntervalSlow:   30 * time.Second,
		RecoveryIntervalSevere: 60 * time.Second,
		RecoveryFactorSlow:     0.8,
	}
}

// Controller 由引擎实现的保护措施
type Controller interface {
	// ApplyProtection 按等级应用保护性覆盖
	ApplyProtection(level model.ConditionLevel)
	// RestoreSettings 恢复进入慢网络模式前的设置
	RestoreSettings()
}

// RecoveryProbe 对已知可靠解析器的单次轻量探测，返回毫秒延迟
type RecoveryProbe func(ctx context.Context) (float64, error)

// Detector 慢网络检测器
type Detector struct {
	cfg        Config
	controller Controller
	probe      RecoveryProbe
	publisher  events.Publisher
	logger     *common.Logger
	now        func() time.Time

	mu              sync.Mutex
	condition       model.NetworkCondition
	allFailRounds   int
	slowCounters    map[string]int
	recoveryCancel  context.CancelFunc
	recoveryDone    chan struct{}
	recoveryRunning bool
	kick            chan struct{}
}

// NewDetector 创建检测器
func NewDetector(cfg Config, controller Controller, probe RecoveryProbe, publisher events.Publisher) *Detector {
	return &Detector{
		cfg:          cfg,
		controller:   controller,
		probe:        probe,
		publisher:    publisher,
		logger:       common.NewLogger().With("slownet"),
		now:          time.Now,
		condition:    model.NetworkCondition{Level: model.ConditionNormal},
		slowCounters: make(map[string]int),
		kick:         make(chan struct{}, 1),
	}
}

// SetClock 替换时钟
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Condition 当前网络状况
func (d *Detector) Condition() model.NetworkCondition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.condition
}

// SwitchingSuppressed Critical状态下禁止自动切换
func (d *Detector) SwitchingSuppressed() bool {
	return d.Condition().Level == model.ConditionCritical
}

// SlowCount 解析器连续慢结果计数
func (d *Detector) SlowCount(serverID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slowCounters[serverID]
}

// Classify 由一轮结果和连续全部失败轮数得出等级
func (d *Detector) Classify(results []model.LatencyResult, allFailRounds int) (model.ConditionLevel, float64) {
	t := d.cfg.Thresholds

	var avgs []float64
	var maxMs float64
	for _, r := range results {
		if !r.Success {
			continue
		}
		avgs = append(avgs, r.AvgMs)
		if r.MaxMs > maxMs {
			maxMs = r.MaxMs
		}
	}
	avg := analysis.Mean(avgs)

	if allFailRounds > 0 {
		switch {
		case t.CriticalFailureCount > 0 && allFailRounds >= t.CriticalFailureCount:
			return model.ConditionCritical, avg
		case t.VerySlowFailureCount > 0 && allFailRounds >= t.VerySlowFailureCount:
			return model.ConditionVerySlow, avg
		case t.SlowFailureCount > 0 && allFailRounds >= t.SlowFailureCount:
			return model.ConditionSlow, avg
		}
	}
	if len(avgs) == 0 {
		return model.ConditionNormal, avg
	}

	switch {
	case avg >= t.CriticalAvgMs || maxMs >= t.CriticalMaxMs:
		return model.ConditionCritical, avg
	case avg >= t.VerySlowAvgMs || maxMs >= t.VerySlowMaxMs:
		return model.ConditionVerySlow, avg
	case avg >= t.SlowAvgMs || maxMs >= t.SlowMaxMs || len(avgs)*2 < len(results):
		return model.ConditionSlow, avg
	}
	return model.ConditionNormal, avg
}

// ObserveRound 处理一轮探测结果
// 非正常状态下只允许升级，降级与解除由恢复轮询负责
func (d *Detector) ObserveRound(ctx context.Context, results []model.LatencyResult) model.NetworkCondition {
	if len(results) == 0 {
		return d.Condition()
	}

	d.mu.Lock()
	anySuccess := false
	for _, r := range results {
		if r.Success {
			anySuccess = true
		}
		if !r.Success || r.AvgMs >= d.cfg.SlowAvgMs {
			d.slowCounters[r.ServerID]++
		} else {
			delete(d.slowCounters, r.ServerID)
		}
	}
	if anySuccess {
		d.allFailRounds = 0
	} else {
		d.allFailRounds++
	}

	level, avg := d.Classify(results, d.allFailRounds)
	prev := d.condition
	if level <= prev.Level {
		d.mu.Unlock()
		return prev
	}

	d.condition.Level = level
	if prev.Level == model.ConditionNormal {
		d.condition.ActivatedAt = d.now()
	}
	cond := d.condition
	d.mu.Unlock()

	d.logger.Warn("网络状况 %s -> %s，平均延迟 %.1fms", prev.Level, level, avg)
	if d.controller != nil {
		d.controller.ApplyProtection(level)
	}
	if d.publisher != nil {
		d.publisher.Publish(events.SlowModeActivated{Level: level, AvgLatency: avg})
	}
	d.ensureRecoveryLoop(ctx)
	return cond
}

// recoveryThreshold 等级对应的恢复延迟上限
func (d *Detector) recoveryThreshold(level model.ConditionLevel) float64 {
	switch level {
	case model.ConditionCritical:
		return d.cfg.VerySlowAvgMs
	case model.ConditionVerySlow:
		return d.cfg.SlowAvgMs
	}
	factor := d.cfg.RecoveryFactorSlow
	if factor <= 0 {
		factor = 1
	}
	return d.cfg.SlowAvgMs * factor
}

// recoveryInterval 等级对应的恢复轮询间隔
func (d *Detector) recoveryInterval(level model.ConditionLevel) time.Duration {
	if level == model.ConditionSlow {
		return d.cfg.RecoveryIntervalSlow
	}
	return d.cfg.RecoveryIntervalSevere
}

// CheckRecovery 执行一次恢复探测，满足等级对应条件时恢复正常
func (d *Detector) CheckRecovery(ctx context.Context) bool {
	cond := d.Condition()
	if cond.IsNormal() || d.probe == nil {
		return cond.IsNormal()
	}

	latency, err := d.probe(ctx)
	if err != nil {
		d.logger.Debug("恢复探测失败: %v", err)
		return false
	}
	threshold := d.recoveryThreshold(cond.Level)
	if latency >= threshold {
		d.logger.Debug("恢复探测延迟 %.1fms 未低于 %.1fms，保持 %s", latency, threshold, cond.Level)
		return false
	}

	d.mu.Lock()
	if d.condition.Level != cond.Level {
		// 探测期间等级发生了变化，下一轮再判断
		d.mu.Unlock()
		return false
	}
	duration := d.now().Sub(d.condition.ActivatedAt)
	d.condition = model.NetworkCondition{Level: model.ConditionNormal}
	d.allFailRounds = 0
	clear(d.slowCounters)
	// 恢复正常的同时释放轮询，回调中再次升级时可以立即启动新的轮询
	d.releaseLoopLocked()
	d.mu.Unlock()

	d.logger.Info("网络状况恢复正常，持续 %s，恢复探测延迟 %.1fms", duration, latency)
	if d.controller != nil {
		d.controller.RestoreSettings()
	}
	if d.publisher != nil {
		d.publisher.Publish(events.SlowModeDeactivated{DurationMs: duration.Milliseconds()})
	}
	return true
}

// ensureRecoveryLoop 非正常状态下保证恢复轮询在运行
func (d *Detector) ensureRecoveryLoop(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recoveryRunning || d.condition.IsNormal() || parent == nil {
		select {
		case d.kick <- struct{}{}:
		default:
		}
		return
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	d.recoveryCancel = cancel
	d.recoveryDone = done
	d.recoveryRunning = true
	go d.recoveryLoop(ctx, done)
}

// releaseLoopLocked 取消当前恢复轮询并清除运行标记，调用方持有d.mu
func (d *Detector) releaseLoopLocked() {
	if d.recoveryCancel != nil {
		d.recoveryCancel()
	}
	d.recoveryCancel = nil
	d.recoveryRunning = false
}

// ownsLoop done对应的轮询是否仍是当前轮询
func (d *Detector) ownsLoop(done chan struct{}) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recoveryRunning && d.recoveryDone == done
}

// recoveryLoop 按等级间隔轮询恢复，恢复正常或被新轮询取代后退出
func (d *Detector) recoveryLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		d.mu.Lock()
		if d.recoveryDone == done {
			d.releaseLoopLocked()
		}
		d.mu.Unlock()
	}()

	for {
		if !d.ownsLoop(done) {
			return
		}
		cond := d.Condition()
		if cond.IsNormal() {
			return
		}
		timer := time.NewTimer(d.recoveryInterval(cond.Level))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.kick:
			// 等级变化后按新间隔重新计时
			timer.Stop()
			continue
		case <-timer.C:
		}
		if d.CheckRecovery(ctx) {
			return
		}
	}
}

// Resume 引擎重新启动后，若仍处于非正常状态则恢复轮询
func (d *Detector) Resume(ctx context.Context) {
	if !d.Condition().IsNormal() {
		d.ensureRecoveryLoop(ctx)
	}
}

// Stop 停止恢复轮询并等待其退出，状况本身保留
func (d *Detector) Stop() {
	d.mu.Lock()
	done := d.recoveryDone
	d.releaseLoopLocked()
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}
