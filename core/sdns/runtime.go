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
// core/sdns/runtime.go
// 单次运行实例：虚拟网卡、待响应表、转发引擎与四个后台任务

package sdns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"PhotonDNS/core/decision"
	"PhotonDNS/core/events"
	"PhotonDNS/core/model"
	"PhotonDNS/core/tun"
)

// runtime 运行实例，停止后不可复用
type runtime struct {
	id        string
	startedAt time.Time
	device    tun.Device
	pending   *PendingQueryTable
	forwarder *Forwarder
	pump      *PacketPump
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	pings     chan chan struct{}

	fatalOnce sync.Once
	fatalMu   sync.Mutex
	fatal     error
}

func (r *runtime) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *runtime) fatalErr() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

func (e *Engine) currentRun() *runtime {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.run
}

// StartRuntime 打开虚拟网卡并启动数据包泵、响应接收、探测与清理任务
func (e *Engine) StartRuntime(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.run != nil {
		return nil
	}

	active := e.ActiveResolver()
	if active == nil {
		return fmt.Errorf("%w: no active resolver", ErrUnknownResolver)
	}

	dev, err := e.opener()
	if err != nil {
		return fmt.Errorf("%w: open: %v", ErrInterfaceIO, err)
	}

	run := &runtime{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		device:    dev,
		pending:   NewPendingQueryTable(),
		pings:     make(chan chan struct{}),
	}
	onFatal := func(err error) { e.onFatal(run, err) }
	run.forwarder = NewForwarder(e.cfg.Forwarder, dev, run.pending, e.doh, onFatal)
	if err := run.forwarder.SetActive(active); err != nil {
		run.forwarder.Close()
		_ = dev.Close()
		return err
	}
	run.pump = NewPacketPump(dev, run.pending, run.forwarder, e.cfg.MTU, onFatal)

	// 后台任务跟随引擎生命周期，ctx只约束本次启动
	parent := e.lifetimeCtx()
	if parent == nil {
		parent = ctx
	}
	runCtx, cancel := context.WithCancel(parent)
	run.cancel = cancel
	run.spawn(func() {
		if err := run.pump.Run(runCtx); err == nil && runCtx.Err() == nil {
			onFatal(fmt.Errorf("%w: packet loop exited", ErrInterfaceIO))
		}
	})
	run.spawn(func() { run.forwarder.ReceiveLoop(runCtx) })
	run.spawn(func() { e.reaperLoop(runCtx, run) })
	run.spawn(func() { e.probeLoop(runCtx) })
	e.run = run

	e.stateMu.Lock()
	e.connected = true
	e.lastError = ""
	e.stateMu.Unlock()
	e.logger.Info("运行实例 %s 已启动，网卡 %s", run.id, dev.Name())
	return nil
}

// StopRuntime 取消全部任务，关闭套接字与网卡并清空待响应表
func (e *Engine) StopRuntime(ctx context.Context) error {
	e.runMu.Lock()
	run := e.run
	e.run = nil
	e.runMu.Unlock()
	if run == nil {
		return nil
	}

	run.cancel()
	closeErr := run.device.Close()
	run.forwarder.Close()

	done := make(chan struct{})
	go func() {
		run.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("等待运行实例 %s 退出超时: %w", run.id, ctx.Err())
	}

	if n := run.pending.Clear(); n > 0 {
		e.logger.Debug("丢弃 %d 个未完成的查询", n)
	}
	e.stateMu.Lock()
	e.connected = false
	e.stateMu.Unlock()
	e.logger.Info("运行实例 %s 已停止", run.id)

	if closeErr != nil && !errors.Is(closeErr, tun.ErrDeviceClosed) {
		return fmt.Errorf("%w: close: %v", ErrInterfaceIO, closeErr)
	}
	return nil
}

// ResetTransient 清理重启之间的瞬时状态
func (e *Engine) ResetTransient() {
	if run := e.currentRun(); run != nil {
		run.pending.Clear()
	}
	e.gate.Reset()
	e.doh.CloseIdleConnections()
}

// Ping 经由清理任务完成一次状态往返
func (e *Engine) Ping(ctx context.Context) error {
	run := e.currentRun()
	if run == nil {
		return ErrEngineNotRunning
	}
	if err := run.fatalErr(); err != nil {
		return err
	}

	reply := make(chan struct{})
	select {
	case run.pings <- reply:
	case <-ctx.Done():
		return fmt.Errorf("状态检查无响应: %w", ctx.Err())
	}
	select {
	case <-reply:
		return run.fatalErr()
	case <-ctx.Done():
		return fmt.Errorf("状态检查无响应: %w", ctx.Err())
	}
}

// onFatal 记录运行实例的致命错误，通知状态变化并交给健康监控处理
func (e *Engine) onFatal(run *runtime, err error) {
	run.fatalOnce.Do(func() {
		run.fatalMu.Lock()
		run.fatal = err
		run.fatalMu.Unlock()

		if e.currentRun() != run {
			return
		}
		id := ""
		e.stateMu.Lock()
		e.connected = false
		e.lastError = err.Error()
		if e.active != nil {
			id = e.active.ID
		}
		e.stateMu.Unlock()

		e.logger.Error("运行实例 %s 出现致命错误: %v", run.id, err)
		e.Publish(events.ResolverStatusChanged{Connected: false, ResolverID: id, Error: err.Error()})
		e.monitor.ReportFatal(err)
	})
}

// reaperLoop 定期清理超时查询，同时响应状态检查
func (e *Engine) reaperLoop(ctx context.Context, run *runtime) {
	ticker := time.NewTicker(e.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case reply := <-run.pings:
			close(reply)
		case now := <-ticker.C:
			if n := run.pending.ReapExpired(now, e.cfg.QueryTimeout); n > 0 {
				e.logger.Debug("清理 %d 个超时查询", n)
			}
		}
	}
}

// probeLoop 按策略间隔执行探测轮
func (e *Engine) probeLoop(ctx context.Context) {
	last := time.Now()
	if e.cfg.ProbeOnStart {
		e.runRound(ctx)
		last = time.Now()
	}
	for {
		wait := nextProbeDelay(e.probeInterval(), last, time.Now())
		if wait <= 0 {
			e.runRound(ctx)
			last = time.Now()
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.kick:
			// 间隔发生变化，已等待的时间计入新间隔
			timer.Stop()
		case <-timer.C:
			e.runRound(ctx)
			last = time.Now()
		}
	}
}

// nextProbeDelay 距离下一轮探测的剩余时间，不大于零时应立即探测
func nextProbeDelay(interval time.Duration, last, now time.Time) time.Duration {
	return interval - now.Sub(last)
}

func (e *Engine) runRound(ctx context.Context) {
	if _, err := e.RunProbeRound(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("探测轮失败: %v", err)
	}
}

// SwitchDecision 一轮的切换判定
type SwitchDecision struct {
	CandidateID    string                     `json:"candidateId,omitempty"`
	Verdict        string                     `json:"verdict"`
	Count          int                        `json:"count"`
	Recommendation model.SwitchRecommendation `json:"recommendation"`
	Error          string                     `json:"error,omitempty"`
}

// RoundReport 一轮探测的汇总
type RoundReport struct {
	Results   []model.LatencyResult               `json:"results"`
	Metrics   map[string]model.PerformanceMetrics `json:"metrics"`
	Condition model.NetworkCondition              `json:"condition"`
	Decision  SwitchDecision                      `json:"decision"`
}

func (e *Engine) enabledProfiles() []*model.DNSServerProfile {
	out := make([]*model.DNSServerProfile, 0, len(e.profiles))
	for _, p := range e.profiles {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

// RunProbeRound 探测全部启用的解析器，分析后交给切换判定
// 各轮之间互斥
func (e *Engine) RunProbeRound(ctx context.Context) (RoundReport, error) {
	e.roundMu.Lock()
	defer e.roundMu.Unlock()

	profiles := e.enabledProfiles()
	if len(profiles) == 0 {
		return RoundReport{}, errors.New("没有启用的解析器")
	}
	run := e.currentRun()
	if run != nil {
		run.forwarder.RetryUnusable(profiles)
	}

	results := e.prober.MeasureAll(ctx, profiles, e.probeOptions())
	if err := ctx.Err(); err != nil {
		return RoundReport{}, err
	}

	metrics := make(map[string]model.PerformanceMetrics, len(profiles))
	for _, r := range results {
		e.history.Add(r)
	}
	for _, p := range profiles {
		metrics[p.ID] = e.analyzer.AnalyzeHistory(e.history.Get(p.ID))
	}

	e.recordRound(results, metrics, run)
	e.Publish(events.ProbeRoundCompleted{Results: results})

	cond := e.detector.ObserveRound(e.lifetimeCtx(), results)
	dec := e.evaluateSwitch(metrics)
	return RoundReport{Results: results, Metrics: metrics, Condition: cond, Decision: dec}, nil
}

// recordRound 保存本轮结果，当前解析器连通性翻转时发出事件
func (e *Engine) recordRound(results []model.LatencyResult, metrics map[string]model.PerformanceMetrics, run *runtime) {
	var flipped *events.ResolverStatusChanged

	e.stateMu.Lock()
	for id, m := range metrics {
		e.metrics[id] = m
	}
	for _, r := range results {
		prev, seen := e.lastResults[r.ServerID]
		e.lastResults[r.ServerID] = r
		if e.active == nil || r.ServerID != e.active.ID {
			continue
		}
		if (seen && prev.Success != r.Success) || (!seen && !r.Success) {
			flipped = &events.ResolverStatusChanged{Connected: r.Success, ResolverID: r.ServerID, Error: r.Error}
		}
		if run != nil && run.fatalErr() == nil {
			e.connected = r.Success
			if !r.Success {
				e.lastError = r.Error
			} else {
				e.lastError = ""
			}
		}
	}
	e.stateMu.Unlock()

	if flipped != nil {
		if flipped.Connected {
			e.logger.Info("解析器 %s 恢复连通", flipped.ResolverID)
		} else {
			e.logger.Warn("解析器 %s 探测失败: %s", flipped.ResolverID, flipped.Error)
		}
		e.Publish(*flipped)
	}
}

// evaluateSwitch 选出领先候选并经门控决定是否切换
func (e *Engine) evaluateSwitch(metrics map[string]model.PerformanceMetrics) SwitchDecision {
	if !e.autoSwitch.Load() {
		return SwitchDecision{Verdict: "disabled"}
	}
	if e.detector.SwitchingSuppressed() {
		e.gate.Reset()
		return SwitchDecision{Verdict: "suppressed"}
	}
	run := e.currentRun()
	active := e.ActiveResolver()
	if run == nil || active == nil {
		return SwitchDecision{Verdict: "stopped"}
	}

	strategy := e.Strategy()
	leader, rec := e.selectLeader(active, metrics, run.forwarder, strategy)
	if leader == nil {
		verdict, _ := e.gate.Observe("", model.SwitchRecommendation{}, strategy)
		return SwitchDecision{Verdict: verdict.String()}
	}

	verdict, count := e.gate.Observe(leader.ID, rec, strategy)
	out := SwitchDecision{CandidateID: leader.ID, Verdict: verdict.String(), Count: count, Recommendation: rec}

	switch verdict {
	case decision.VerdictPending:
		e.logger.Debug("候选 %s 确认 %d/%d: %s", leader.ID, count, decision.RequiredChecks(rec, strategy), rec.Reason)
	case decision.VerdictSwitch:
		if err := e.switchTo(leader, rec, false); err != nil {
			out.Error = err.Error()
		}
	}
	return out
}

// selectLeader 对每个可用候选计算切换建议
// 领先者取建议切换的候选中延迟改善最大者，同值取置信度较高者
// 没有候选满足切换条件时按评分排序取第一个
func (e *Engine) selectLeader(active *model.DNSServerProfile, metrics map[string]model.PerformanceMetrics,
	fwd *Forwarder, strategy model.Strategy) (*model.DNSServerProfile, model.SwitchRecommendation) {
	type candidate struct {
		profile *model.DNSServerProfile
		rec     model.SwitchRecommendation
	}

	current := metrics[active.ID]
	previousID := e.gate.PreviousID()
	var candidates []candidate
	for _, p := range e.profiles {
		if p.ID == active.ID || !p.Enabled() || !fwd.Usable(p.ID) {
			continue
		}
		m, ok := metrics[p.ID]
		if !ok || m.SampleCount == 0 {
			continue
		}
		rec := decision.Recommend(current, m, strategy)
		rec = decision.ApplyHysteresis(rec, p.ID, previousID, strategy)
		candidates = append(candidates, candidate{profile: p, rec: rec})
	}
	if len(candidates) == 0 {
		return nil, model.SwitchRecommendation{}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rec.ShouldSwitch != b.rec.ShouldSwitch {
			return a.rec.ShouldSwitch
		}
		if a.rec.ShouldSwitch {
			if a.rec.LatencyImprovementMs != b.rec.LatencyImprovementMs {
				return a.rec.LatencyImprovementMs > b.rec.LatencyImprovementMs
			}
			return a.rec.Confidence > b.rec.Confidence
		}
		ma, mb := metrics[a.profile.ID], metrics[b.profile.ID]
		if ma.PerformanceScore != mb.PerformanceScore {
			return ma.PerformanceScore > mb.PerformanceScore
		}
		return ma.AvgLatency < mb.AvgLatency
	})
	return candidates[0].profile, candidates[0].rec
}
