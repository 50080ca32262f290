// core/health/monitor_test.go

package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"PhotonDNS/core/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu       sync.Mutex
	pingErrs []error
	startErr error
	calls    []string
}

func (f *fakeTarget) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "ping")
	if len(f.pingErrs) == 0 {
		return nil
	}
	err := f.pingErrs[0]
	f.pingErrs = f.pingErrs[1:]
	return err
}

func (f *fakeTarget) StopRuntime(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	return nil
}

func (f *fakeTarget) ResetTransient() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "reset")
}

func (f *fakeTarget) StartRuntime(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	return f.startErr
}

func (f *fakeTarget) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Publish(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) kinds() []events.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Kind
	for _, e := range c.events {
		out = append(out, e.Kind())
	}
	return out
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func newTestMonitor(target Target, pub events.Publisher) (*Monitor, *sleepRecorder) {
	m := NewMonitor(DefaultConfig(), target, pub)
	rec := &sleepRecorder{}
	m.SetSleeper(rec.sleep)
	return m, rec
}

func TestBackoff(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 5*time.Second, cfg.Backoff(1))
	assert.Equal(t, 10*time.Second, cfg.Backoff(2))
	assert.Equal(t, 20*time.Second, cfg.Backoff(3))
	assert.Equal(t, 60*time.Second, cfg.Backoff(6))
	assert.Equal(t, 60*time.Second, cfg.Backoff(30))
}

// 连续两次检查失败后按基础退避重启一次，重启后检查成功则恢复并清零计数
func TestCrashRecoveryScenario(t *testing.T) {
	down := errors.New("status timeout")
	target := &fakeTarget{pingErrs: []error{down, down}}
	pub := &collector{}
	m, rec := newTestMonitor(target, pub)
	ctx := context.Background()

	m.Check(ctx)
	assert.Equal(t, 1, m.Stats().ConsecutiveFailures)
	assert.Empty(t, pub.kinds())

	m.Check(ctx)

	assert.Equal(t, []string{"ping", "ping", "stop", "reset", "start", "ping"}, target.history())
	require.NotEmpty(t, rec.delays)
	assert.Equal(t, 5*time.Second, rec.delays[0])
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second, 5 * time.Second}, rec.delays)

	assert.Equal(t, []events.Kind{events.KindEngineCrashed, events.KindEngineRecovered}, pub.kinds())
	assert.Equal(t, 1, pub.events[0].(events.EngineCrashed).CrashCount)

	stats := m.Stats()
	assert.Equal(t, 0, stats.ConsecutiveFailures)
	assert.Equal(t, 0, stats.RestartAttempts)
	assert.Equal(t, 1, stats.CrashCount)
	assert.False(t, stats.PermanentlyFailed)
}

func TestRecoveryFailedThenPermanent(t *testing.T) {
	down := errors.New("down")
	errs := make([]error, 20)
	for i := range errs {
		errs[i] = down
	}
	target := &fakeTarget{pingErrs: errs}
	pub := &collector{}
	m, rec := newTestMonitor(target, pub)
	ctx := context.Background()

	// 第一次崩溃需要两次失败，之后每次失败都再次达到阈值
	for i := 0; i < 5; i++ {
		m.Check(ctx)
	}

	assert.Equal(t, []events.Kind{
		events.KindEngineCrashed, events.KindRecoveryFailed,
		events.KindEngineCrashed, events.KindRecoveryFailed,
		events.KindEngineCrashed, events.KindRecoveryFailed,
		events.KindEngineCrashed, events.KindRecoveryPermanentlyFailed,
	}, pub.kinds())

	// 退避依次为 5s 10s 20s
	var backoffs []time.Duration
	for i := 0; i < len(rec.delays); i += 3 {
		backoffs = append(backoffs, rec.delays[i])
	}
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, backoffs)
	assert.ErrorIs(t, m.Err(), ErrPermanentlyFailed)

	// 永久失败后不再检查
	before := len(target.history())
	m.Check(ctx)
	assert.Len(t, target.history(), before)

	m.Reset()
	assert.NoError(t, m.Err())
}

func TestStartFailureEmitsRecoveryFailed(t *testing.T) {
	target := &fakeTarget{startErr: errors.New("tun busy")}
	pub := &collector{}
	m, _ := newTestMonitor(target, pub)

	m.crash(context.Background(), errors.New("interface read failed"))
	assert.Equal(t, []events.Kind{events.KindEngineCrashed, events.KindRecoveryFailed}, pub.kinds())
	failed := pub.events[1].(events.RecoveryFailed)
	assert.Equal(t, 1, failed.Attempt)
	assert.Contains(t, failed.Error, "tun busy")
}

func TestReportFatalTriggersRestart(t *testing.T) {
	target := &fakeTarget{}
	pub := &collector{}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	m := NewMonitor(cfg, target, pub)
	m.SetSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	m.Start(context.Background())
	defer m.Stop()
	m.ReportFatal(errors.New("write: input/output error"))

	require.Eventually(t, func() bool {
		return len(pub.kinds()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []events.Kind{events.KindEngineCrashed, events.KindEngineRecovered}, pub.kinds())
}

func TestStopInterruptsRestart(t *testing.T) {
	target := &fakeTarget{}
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	m := NewMonitor(cfg, target, nil)

	m.Start(context.Background())
	m.ReportFatal(errors.New("boom"))
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt backoff")
	}
	assert.NotContains(t, target.history(), "start")
}
