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
// core/health/monitor.go
// 转发引擎存活检查与崩溃重启

package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"PhotonDNS/core/common"
	"PhotonDNS/core/events"
)

// Target 被监控的引擎
type Target interface {
	// Ping 一次状态往返
	Ping(ctx context.Context) error
	// StopRuntime 停止当前运行实例
	StopRuntime(ctx context.Context) error
	// ResetTransient 清理套接字与待响应表等瞬时状态
	ResetTransient()
	// StartRuntime 启动新的运行实例
	StartRuntime(ctx context.Context) error
}

// Config 监控参数
type Config struct {
	Interval         time.Duration
	PingTimeout      time.Duration
	FailureThreshold int
	MaxRestarts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	StopGrace        time.Duration
	StartSettle      time.Duration
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		Interval:         15 * time.Second,
		PingTimeout:      5 * time.Second,
		FailureThreshold: 2,
		MaxRestarts:      3,
		BackoffBase:      5 * time.Second,
		BackoffMax:       60 * time.Second,
		StopGrace:        2 * time.Second,
		StartSettle:      5 * time.Second,
	}
}

// Backoff 第attempt次重启前的等待时间
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt && (c.BackoffMax <= 0 || d < c.BackoffMax); i++ {
		d *= 2
	}
	if c.BackoffMax > 0 && d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// Stats 监控计数快照
type Stats struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CrashCount          int       `json:"crashCount"`
	RestartAttempts     int       `json:"restartAttempts"`
	PermanentlyFailed   bool      `json:"permanentlyFailed"`
	LastCheck           time.Time `json:"lastCheck"`
	LastError           string    `json:"lastError,omitempty"`
}

// Monitor 健康监控器
type Monitor struct {
	cfg       Config
	target    Target
	publisher events.Publisher
	logger    *common.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats Stats

	fatal   chan error
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewMonitor 创建监控器
func NewMonitor(cfg Config, target Target, publisher events.Publisher) *Monitor {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &Monitor{
		cfg:       cfg,
		target:    target,
		publisher: publisher,
		logger:    common.NewLogger().With("health"),
		sleep:     sleepContext,
		fatal:     make(chan error, 1),
	}
}

// SetSleeper 替换等待函数
func (m *Monitor) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	m.sleep = sleep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Stats 返回计数快照
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Reset 清空计数，用户手动启动引擎后调用
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.stats = Stats{}
	m.mu.Unlock()
	select {
	case <-m.fatal:
	default:
	}
}

// ReportFatal 报告当前运行实例的致命错误，跳过连续失败计数直接进入崩溃处理
func (m *Monitor) ReportFatal(err error) {
	select {
	case m.fatal <- err:
	default:
	}
}

// Start 启动检查循环
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.loop(loopCtx, m.done)
	m.logger.Debug("健康检查已启动，间隔 %s", m.cfg.Interval)
}

// Stop 停止检查循环并等待其退出
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	cancel, done := m.cancel, m.done
	m.running = false
	m.runMu.Unlock()

	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-m.fatal:
			m.crash(ctx, err)
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check 执行一次存活检查，达到阈值时进入崩溃处理
func (m *Monitor) Check(ctx context.Context) {
	m.mu.Lock()
	if m.stats.PermanentlyFailed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	err := m.ping(ctx)
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	m.stats.LastCheck = time.Now()
	if err == nil {
		m.stats.ConsecutiveFailures = 0
		m.stats.LastError = ""
		m.mu.Unlock()
		return
	}
	m.stats.ConsecutiveFailures++
	m.stats.LastError = err.Error()
	failures := m.stats.ConsecutiveFailures
	m.mu.Unlock()

	m.logger.Warn("健康检查失败 (%d/%d): %v", failures, m.cfg.FailureThreshold, err)
	if failures >= m.cfg.FailureThreshold {
		m.crash(ctx, err)
	}
}

func (m *Monitor) ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	return m.target.Ping(pingCtx)
}

// crash 记录崩溃并按退避策略重启
func (m *Monitor) crash(ctx context.Context, cause error) {
	m.mu.Lock()
	if m.stats.PermanentlyFailed {
		m.mu.Unlock()
		return
	}
	m.stats.CrashCount++
	crashCount := m.stats.CrashCount
	exhausted := m.stats.RestartAttempts >= m.cfg.MaxRestarts
	if exhausted {
		m.stats.PermanentlyFailed = true
	} else {
		m.stats.RestartAttempts++
	}
	attempt := m.stats.RestartAttempts
	m.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	m.logger.Error("转发引擎判定崩溃，第 %d 次: %s", crashCount, msg)
	m.publish(events.EngineCrashed{CrashCount: crashCount, Error: msg})

	if exhausted {
		m.logger.Error("已重启 %d 次仍未恢复，停止自动重启", m.cfg.MaxRestarts)
		m.publish(events.RecoveryPermanentlyFailed{CrashCount: crashCount})
		return
	}

	if err := m.restart(ctx, attempt); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.LogError("第 %d 次重启失败", err, attempt)
		m.mu.Lock()
		m.stats.LastError = err.Error()
		m.mu.Unlock()
		m.publish(events.RecoveryFailed{Attempt: attempt, Error: err.Error()})
		return
	}

	m.mu.Lock()
	m.stats.ConsecutiveFailures = 0
	m.stats.RestartAttempts = 0
	m.stats.LastError = ""
	m.mu.Unlock()
	m.logger.Info("转发引擎在第 %d 次重启后恢复", attempt)
	m.publish(events.EngineRecovered{Attempt: attempt})
}

// restart 完整的停止再启动流程
func (m *Monitor) restart(ctx context.Context, attempt int) error {
	delay := m.cfg.Backoff(attempt)
	m.logger.Info("%s 后执行第 %d 次重启", delay, attempt)
	if err := m.sleep(ctx, delay); err != nil {
		return err
	}

	if err := m.target.StopRuntime(ctx); err != nil {
		m.logger.Warn("停止运行实例出错: %v", err)
	}
	if err := m.sleep(ctx, m.cfg.StopGrace); err != nil {
		return err
	}
	m.target.ResetTransient()

	if err := m.target.StartRuntime(ctx); err != nil {
		return fmt.Errorf("启动失败: %w", err)
	}
	if err := m.sleep(ctx, m.cfg.StartSettle); err != nil {
		return err
	}
	if err := m.ping(ctx); err != nil {
		return fmt.Errorf("重启后检查失败: %w", err)
	}
	return nil
}

func (m *Monitor) publish(e events.Event) {
	if m.publisher != nil {
		m.publisher.Publish(e)
	}
}

// ErrPermanentlyFailed 自动重启次数已耗尽
var ErrPermanentlyFailed = errors.New("health: restart attempts exhausted")

// Err 若已永久失败则返回ErrPermanentlyFailed
func (m *Monitor) Err() error {
	if m.Stats().PermanentlyFailed {
		return ErrPermanentlyFailed
	}
	return nil
}
