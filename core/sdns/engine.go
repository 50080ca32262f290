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
// core/sdns/engine.go
// 引擎：持有全部运行状态，对外提供控制接口

package sdns

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"PhotonDNS/core/analysis"
	"PhotonDNS/core/common"
	"PhotonDNS/core/decision"
	"PhotonDNS/core/events"
	"PhotonDNS/core/health"
	"PhotonDNS/core/model"
	"PhotonDNS/core/probe"
	"PhotonDNS/core/slownet"
	"PhotonDNS/core/tun"
	"PhotonDNS/core/upstream"
)

// Measurer 探测能力
type Measurer interface {
	MeasureAll(ctx context.Context, profiles []*model.DNSServerProfile, opts probe.Options) []model.LatencyResult
	QuickProbe(ctx context.Context, profile *model.DNSServerProfile, domain string) (float64, error)
}

// Config 引擎参数
type Config struct {
	Strategy   model.Strategy
	AutoSwitch bool
	// ProbeOnStart 启动后立即执行一轮探测
	ProbeOnStart bool

	QueryTimeout time.Duration
	ReapInterval time.Duration
	MTU          int
	Forwarder    ForwarderConfig

	HistorySize int
	Analyzer    analysis.AnalyzerConfig
	Probe       probe.Options
	SlowNetwork slownet.Config
	Health      health.Config

	// RecoveryResolverID 慢网络恢复探测使用的解析器，为空时取第一个启用的解析器
	RecoveryResolverID string
	RecoveryDomain     string
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		Strategy:     model.DefaultStrategy(),
		AutoSwitch:   true,
		ProbeOnStart: true,
		QueryTimeout: DefaultQueryTimeout,
		ReapInterval: DefaultReapInterval,
		MTU:          tun.DefaultMTU,
		Forwarder:    ForwarderConfig{ReceiveTimeout: DefaultReceiveTimeout, Workers: DefaultForwardWorkers, QueueFactor: DefaultQueueFactor},
		HistorySize:  analysis.DefaultHistorySize,
		Analyzer:     analysis.DefaultAnalyzerConfig(),
		Probe: probe.Options{
			ConcurrentTestCount: probe.DefaultConcurrentTestCount,
			ParallelResolvers:   probe.DefaultParallelResolvers,
		},
		SlowNetwork:    slownet.DefaultConfig(),
		Health:         health.DefaultConfig(),
		RecoveryDomain: "example.com",
	}
}

// protection 慢网络模式下的覆盖参数
type protection struct {
	level          model.ConditionLevel
	intervalFactor int
	probe          *probe.Options
}

// Engine DNS拦截转发引擎
type Engine struct {
	cfg      Config
	profiles []*model.DNSServerProfile
	byID     map[string]*model.DNSServerProfile
	prober   Measurer
	opener   tun.Opener
	bus      events.Publisher
	doh      *upstream.DoHClient
	logger   *common.Logger

	history  *analysis.HistoryStore
	analyzer *analysis.Analyzer
	gate     *decision.Gate
	detector *slownet.Detector
	monitor  *health.Monitor

	strategy   atomic.Pointer[model.Strategy]
	autoSwitch atomic.Bool

	protMu sync.Mutex
	prot   protection

	stateMu     sync.RWMutex
	active      *model.DNSServerProfile
	connected   bool
	lastError   string
	metrics     map[string]model.PerformanceMetrics
	lastResults map[string]model.LatencyResult
	baseCtx     context.Context

	lifecycleMu sync.Mutex
	started     atomic.Bool
	baseCancel  context.CancelFunc

	runMu sync.Mutex
	run   *runtime

	roundMu  sync.Mutex
	switchMu sync.Mutex
	kick     chan struct{}
}

// NewEngine 创建引擎
func NewEngine(cfg Config, profiles []*model.DNSServerProfile, prober Measurer, opener tun.Opener, bus events.Publisher) (*Engine, error) {
	if len(profiles) == 0 {
		return nil, errors.New("至少需要配置一个解析器")
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}

	byID := make(map[string]*model.DNSServerProfile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("解析器ID重复: %s", p.ID)
		}
		byID[p.ID] = p
	}

	e := &Engine{
		cfg:         cfg,
		profiles:    profiles,
		byID:        byID,
		prober:      prober,
		opener:      opener,
		bus:         bus,
		doh:         upstream.NewDoHClient(DefaultQueryTimeout),
		logger:      common.NewLogger().With("engine"),
		history:     analysis.NewHistoryStore(cfg.HistorySize),
		analyzer:    analysis.NewAnalyzer(cfg.Analyzer),
		gate:        decision.NewGate(),
		metrics:     make(map[string]model.PerformanceMetrics),
		lastResults: make(map[string]model.LatencyResult),
		prot:        protection{intervalFactor: 1},
		kick:        make(chan struct{}, 1),
	}
	strategy := cfg.Strategy
	e.strategy.Store(&strategy)
	e.autoSwitch.Store(cfg.AutoSwitch)
	e.detector = slownet.NewDetector(cfg.SlowNetwork, protectionController{e}, e.recoveryProbe, e)
	e.monitor = health.NewMonitor(cfg.Health, e, e)
	return e, nil
}

// SetDoHClient 替换DoH客户端
func (e *Engine) SetDoHClient(c *upstream.DoHClient) {
	e.doh = c
}

// Gate 切换门控
func (e *Engine) Gate() *decision.Gate { return e.gate }

// Detector 慢网络检测器
func (e *Engine) Detector() *slownet.Detector { return e.detector }

// Monitor 健康监控器
func (e *Engine) Monitor() *health.Monitor { return e.monitor }

// Profiles 已配置的解析器
func (e *Engine) Profiles() []*model.DNSServerProfile { return e.profiles }

// Publish 发布事件
func (e *Engine) Publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// SeedHistory 用持久化的历史结果预热延迟历史，需在启动前调用
func (e *Engine) SeedHistory(results []model.LatencyResult) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	for _, r := range results {
		if _, ok := e.byID[r.ServerID]; ok {
			e.history.Add(r)
		}
	}
	e.stateMu.Lock()
	for id := range e.byID {
		if h := e.history.Get(id); h.Len() > 0 {
			e.metrics[id] = e.analyzer.AnalyzeHistory(h)
		}
	}
	e.stateMu.Unlock()
	e.logger.Info("已载入 %d 条历史探测结果", len(results))
}

// StartEngine 以指定解析器启动引擎
func (e *Engine) StartEngine(ctx context.Context, resolverID string) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started.Load() {
		return ErrEngineRunning
	}
	p, err := e.lookup(resolverID)
	if err != nil {
		return err
	}

	e.stateMu.Lock()
	e.active = p
	e.lastError = ""
	e.stateMu.Unlock()
	e.gate.Reset()
	e.monitor.Reset()

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.stateMu.Lock()
	e.baseCtx = baseCtx
	e.stateMu.Unlock()
	if err := e.StartRuntime(baseCtx); err != nil {
		cancel()
		e.stateMu.Lock()
		e.baseCtx = nil
		e.lastError = err.Error()
		e.stateMu.Unlock()
		return err
	}
	e.baseCancel = cancel
	e.started.Store(true)

	e.detector.Resume(baseCtx)
	e.monitor.Start(baseCtx)
	e.logger.Info("引擎已启动，解析器 %s (%s)", p.ID, p.Endpoint())
	e.Publish(events.ResolverStatusChanged{Connected: true, ResolverID: p.ID})
	return nil
}

// StopEngine 停止引擎及全部后台任务
func (e *Engine) StopEngine() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if !e.started.Load() {
		return ErrEngineNotRunning
	}

	// 监控器可能正在重启运行实例，必须先停止
	e.monitor.Stop()
	e.detector.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.StopRuntime(ctx)
	e.baseCancel()
	e.started.Store(false)
	e.gate.Reset()

	e.stateMu.Lock()
	e.connected = false
	e.baseCtx = nil
	id := ""
	if e.active != nil {
		id = e.active.ID
	}
	e.stateMu.Unlock()
	e.logger.Info("引擎已停止")
	e.Publish(events.ResolverStatusChanged{Connected: false, ResolverID: id})
	return err
}

// Running 引擎是否已启动
func (e *Engine) Running() bool {
	return e.started.Load()
}

// ChangeResolver 手动切换解析器
// 未运行时只记录为下次启动的解析器
func (e *Engine) ChangeResolver(resolverID string) error {
	p, err := e.lookup(resolverID)
	if err != nil {
		return err
	}
	if e.currentRun() == nil {
		e.stateMu.Lock()
		e.active = p
		e.stateMu.Unlock()
		return nil
	}
	if cur := e.ActiveResolver(); cur != nil && cur.ID == p.ID {
		return nil
	}
	return e.switchTo(p, model.SwitchRecommendation{Reason: "手动切换"}, true)
}

// UpdateStrategy 运行时替换策略，无需重启
func (e *Engine) UpdateStrategy(s model.Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	e.strategy.Store(&s)
	e.gate.Reset()
	e.logger.Info("策略已更新: %s，间隔 %ds，最小改善 %dms，确认 %d 次",
		s.Name, s.CheckIntervalSec, s.MinImprovementMs, s.ConsecutiveChecksRequired)
	e.wakeProbeLoop()
	return nil
}

// Strategy 当前策略
func (e *Engine) Strategy() model.Strategy {
	return *e.strategy.Load()
}

// SetAutoSwitchEnabled 开关自动切换
func (e *Engine) SetAutoSwitchEnabled(enabled bool) {
	e.autoSwitch.Store(enabled)
	if !enabled {
		e.gate.Reset()
	}
	e.logger.Info("自动切换: %v", enabled)
}

// AutoSwitchEnabled 自动切换是否开启
func (e *Engine) AutoSwitchEnabled() bool {
	return e.autoSwitch.Load()
}

// ActiveResolver 当前解析器
func (e *Engine) ActiveResolver() *model.DNSServerProfile {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.active
}

// Metrics 各解析器最近一次计算的性能指标
func (e *Engine) Metrics() map[string]model.PerformanceMetrics {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	out := make(map[string]model.PerformanceMetrics, len(e.metrics))
	for k, v := range e.metrics {
		out[k] = v
	}
	return out
}

// LastResults 各解析器最近一轮探测结果
func (e *Engine) LastResults() map[string]model.LatencyResult {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	out := make(map[string]model.LatencyResult, len(e.lastResults))
	for k, v := range e.lastResults {
		out[k] = v
	}
	return out
}

func (e *Engine) lookup(id string) (*model.DNSServerProfile, error) {
	p, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResolver, id)
	}
	if !p.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrResolverDisabled, id)
	}
	return p, nil
}

// lifetimeCtx 引擎生命周期的上下文，未启动时为nil
func (e *Engine) lifetimeCtx() context.Context {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.baseCtx
}

func (e *Engine) setError(err error) {
	e.stateMu.Lock()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
	e.stateMu.Unlock()
}

// switchTo 执行切换，切换之间互斥
func (e *Engine) switchTo(target *model.DNSServerProfile, rec model.SwitchRecommendation, manual bool) error {
	e.switchMu.Lock()
	defer e.switchMu.Unlock()

	run := e.currentRun()
	if run == nil {
		return ErrEngineNotRunning
	}
	from := e.ActiveResolver()

	if err := run.forwarder.SetActive(target); err != nil {
		if errors.Is(err, ErrEngineNotRunning) {
			return err
		}
		run.forwarder.MarkUnusable(target.ID, err)
		e.logger.Error("切换到 %s 失败: %v", target.ID, err)
		e.Publish(events.SwitchFailed{TargetID: target.ID, Error: err.Error()})
		return err
	}

	fromID := ""
	if from != nil {
		fromID = from.ID
	}
	e.stateMu.Lock()
	e.active = target
	e.stateMu.Unlock()
	e.gate.RecordSwitch(fromID)

	e.logger.Info("已切换解析器 %s -> %s: %s", fromID, target.ID, rec.Reason)
	e.Publish(events.SwitchPerformed{
		From:          fromID,
		To:            target.ID,
		ImprovementMs: rec.LatencyImprovementMs,
		Reason:        rec.Reason,
		Manual:        manual,
	})
	return nil
}

func (e *Engine) wakeProbeLoop() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// probeInterval 当前探测间隔，含慢网络模式的放大系数
func (e *Engine) probeInterval() time.Duration {
	base := time.Duration(e.Strategy().CheckIntervalSec) * time.Second
	e.protMu.Lock()
	factor := e.prot.intervalFactor
	e.protMu.Unlock()
	if factor < 1 {
		factor = 1
	}
	return base * time.Duration(factor)
}

// probeOptions 当前探测并发参数
func (e *Engine) probeOptions() probe.Options {
	e.protMu.Lock()
	defer e.protMu.Unlock()
	if e.prot.probe != nil {
		return *e.prot.probe
	}
	return e.cfg.Probe
}

// recoveryProbe 慢网络恢复探测
func (e *Engine) recoveryProbe(ctx context.Context) (float64, error) {
	p := e.recoveryResolver()
	if p == nil {
		return 0, errors.New("没有可用于恢复探测的解析器")
	}
	return e.prober.QuickProbe(ctx, p, e.cfg.RecoveryDomain)
}

func (e *Engine) recoveryResolver() *model.DNSServerProfile {
	if p, ok := e.byID[e.cfg.RecoveryResolverID]; ok && p.Enabled() {
		return p
	}
	for _, p := range e.profiles {
		if p.Enabled() {
			return p
		}
	}
	return nil
}

// protectionController 将慢网络检测器的保护措施映射到引擎参数
type protectionController struct {
	e *Engine
}

// ApplyProtection 按等级放大探测间隔并降低并发，Critical时自动切换由检测器抑制
func (c protectionController) ApplyProtection(level model.ConditionLevel) {
	reduced := &probe.Options{ConcurrentTestCount: 1, ParallelResolvers: 1}
	prot := protection{level: level}
	switch level {
	case model.ConditionSlow:
		prot.intervalFactor = 2
	case model.ConditionVerySlow:
		prot.intervalFactor = 3
		prot.probe = reduced
	case model.ConditionCritical:
		prot.intervalFactor = 4
		prot.probe = reduced
		c.e.gate.Reset()
	default:
		prot.intervalFactor = 1
	}
	c.e.protMu.Lock()
	c.e.prot = prot
	c.e.protMu.Unlock()
	c.e.logger.Warn("慢网络保护: %s，探测间隔 x%d", level, prot.intervalFactor)
	c.e.wakeProbeLoop()
}

// RestoreSettings 取消全部覆盖
func (c protectionController) RestoreSettings() {
	c.e.protMu.Lock()
	c.e.prot = protection{intervalFactor: 1}
	c.e.protMu.Unlock()
	c.e.logger.Info("慢网络保护已解除，恢复原有探测参数")
	c.e.wakeProbeLoop()
}
