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
// core/probe/prober.go
// 解析器延迟探测：并发测试若干域名，全部失败时使用反向解析兜底

package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"PhotonDNS/core/analysis"
	"PhotonDNS/core/common"
	"PhotonDNS/core/model"
	"PhotonDNS/core/upstream"
)

// 默认探测参数
const (
	DefaultConcurrentTestCount = 3
	DefaultMaxRetries          = 2
	DefaultAttemptTimeout      = 3000 * time.Millisecond
	DefaultRetryBackoff        = 100 * time.Millisecond
	DefaultParallelResolvers   = 4

	// FailedLatency 域名测试失败的标记值
	FailedLatency = -1.0

	joinSlack = 500 * time.Millisecond
)

// DefaultDomains 默认测试域名池
var DefaultDomains = []string{
	"google.com", "cloudflare.com", "wikipedia.org", "github.com", "amazon.com", "apple.com",
}

// DefaultFallbackAnchors 反向解析兜底使用的锚点地址
var DefaultFallbackAnchors = []string{"8.8.8.8", "1.1.1.1"}

// Config 探测参数
type Config struct {
	Domains             []string
	ConcurrentTestCount int
	MaxRetries          int
	AttemptTimeout      time.Duration
	RetryBackoff        time.Duration
	FallbackAnchors     []string
	ParallelResolvers   int
}

// DefaultConfig 返回默认探测参数
func DefaultConfig() Config {
	return Config{
		Domains:             DefaultDomains,
		ConcurrentTestCount: DefaultConcurrentTestCount,
		MaxRetries:          DefaultMaxRetries,
		AttemptTimeout:      DefaultAttemptTimeout,
		RetryBackoff:        DefaultRetryBackoff,
		FallbackAnchors:     DefaultFallbackAnchors,
		ParallelResolvers:   DefaultParallelResolvers,
	}
}

// Options 单轮探测的覆盖参数，零值表示使用配置
type Options struct {
	ConcurrentTestCount int
	ParallelResolvers   int
}

// ExchangerFactory 为解析器提供交换器
type ExchangerFactory interface {
	For(p *model.DNSServerProfile) upstream.Exchanger
}

// Prober 延迟探测器
type Prober struct {
	cfg     Config
	factory ExchangerFactory
	logger  *common.Logger

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewProber 创建延迟探测器
func NewProber(cfg Config, factory ExchangerFactory) *Prober {
	def := DefaultConfig()
	if len(cfg.Domains) == 0 {
		cfg.Domains = def.Domains
	}
	if cfg.ConcurrentTestCount <= 0 {
		cfg.ConcurrentTestCount = def.ConcurrentTestCount
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if len(cfg.FallbackAnchors) == 0 {
		cfg.FallbackAnchors = def.FallbackAnchors
	}
	if cfg.ParallelResolvers <= 0 {
		cfg.ParallelResolvers = def.ParallelResolvers
	}
	return &Prober{
		cfg:     cfg,
		factory: factory,
		logger:  common.NewLogger().With("probe"),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config 返回生效的探测参数
func (p *Prober) Config() Config {
	return p.cfg
}

// lookupQuery 单个测试查询
type lookupQuery struct {
	name  string
	qtype uint16
}

// Measure 测量单个解析器，返回本轮结果
func (p *Prober) Measure(ctx context.Context, profile *model.DNSServerProfile, opts Options) model.LatencyResult {
	ex := p.factory.For(profile)

	count := p.cfg.ConcurrentTestCount
	if opts.ConcurrentTestCount > 0 {
		count = opts.ConcurrentTestCount
	}
	domains := p.selectDomains(count)
	queries := make([]lookupQuery, len(domains))
	for i, d := range domains {
		queries[i] = lookupQuery{name: d, qtype: dns.TypeA}
	}

	latencies, firstErr := p.fanOut(ctx, ex, queries)
	result := Aggregate(profile.ID, latencies, false)
	if result.Success {
		p.logger.Debug("探测 %s 完成: 平均%.1fms 成功率%.2f", profile.ID, result.AvgMs, result.SuccessRate)
		return result
	}

	p.logger.Warn("探测 %s 全部%d个域名失败，尝试反向解析兜底: %v", profile.ID, len(queries), firstErr)
	anchors := make([]lookupQuery, 0, len(p.cfg.FallbackAnchors))
	for _, a := range p.cfg.FallbackAnchors {
		name, err := dns.ReverseAddr(a)
		if err != nil {
			continue
		}
		anchors = append(anchors, lookupQuery{name: name, qtype: dns.TypePTR})
	}

	fallback, fallbackErr := p.fanOut(ctx, ex, anchors)
	result = Aggregate(profile.ID, fallback, true)
	if !result.Success {
		result.Error = fmt.Sprintf("all %d test domains failed (%v); fallback reverse lookups failed (%v)",
			len(queries), firstErr, fallbackErr)
	}
	return result
}

// MeasureAll 并发测量多个解析器，结果顺序与profiles一致
func (p *Prober) MeasureAll(ctx context.Context, profiles []*model.DNSServerProfile, opts Options) []model.LatencyResult {
	parallel := p.cfg.ParallelResolvers
	if opts.ParallelResolvers > 0 {
		parallel = opts.ParallelResolvers
	}

	results := make([]model.LatencyResult, len(profiles))
	sem := semaphore.NewWeighted(int64(parallel))
	g, gctx := errgroup.WithContext(ctx)
	for i, profile := range profiles {
		i, profile := i, profile
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = failedResult(profile.ID, err)
				return nil
			}
			defer sem.Release(1)
			results[i] = p.Measure(gctx, profile, opts)
			return nil
		})
	}
	g.Wait()
	return results
}

// QuickProbe 单次轻量探测，返回毫秒延迟
func (p *Prober) QuickProbe(ctx context.Context, profile *model.DNSServerProfile, domain string) (float64, error) {
	ex := p.factory.For(profile)
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := ex.Exchange(actx, upstream.NewQuery(domain, dns.TypeA))
	if err != nil {
		return FailedLatency, err
	}
	if !upstream.HasAnswer(resp) {
		return FailedLatency, fmt.Errorf("%w: empty answer for %s", upstream.ErrUpstreamUnreachable, domain)
	}
	return elapsedMs(start), nil
}

// fanOut 并发执行查询并在限定时间内汇合，未完成的视为失败
func (p *Prober) fanOut(ctx context.Context, ex upstream.Exchanger, queries []lookupQuery) ([]float64, error) {
	latencies := make([]float64, len(queries))
	for i := range latencies {
		latencies[i] = FailedLatency
	}
	if len(queries) == 0 {
		return latencies, errors.New("no queries")
	}

	var mu sync.Mutex
	var firstErr error

	joinCtx, cancel := context.WithTimeout(ctx, p.joinTimeout())
	defer cancel()

	g, gctx := errgroup.WithContext(joinCtx)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			l, err := p.lookup(gctx, ex, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			latencies[i] = l
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-joinCtx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := append([]float64(nil), latencies...)
	if firstErr == nil && joinCtx.Err() != nil {
		firstErr = upstream.Classify(joinCtx.Err())
	}
	return out, firstErr
}

// lookup 带重试的单域名测量
func (p *Prober) lookup(ctx context.Context, ex upstream.Exchanger, q lookupQuery) (float64, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		start := time.Now()
		resp, err := ex.Exchange(actx, upstream.NewQuery(q.name, q.qtype))
		cancel()

		switch {
		case err != nil:
			lastErr = err
		case !upstream.HasAnswer(resp):
			lastErr = fmt.Errorf("%s: empty answer (rcode %s)", q.name, dns.RcodeToString[resp.Rcode])
		default:
			return elapsedMs(start), nil
		}

		if attempt < p.cfg.MaxRetries {
			select {
			case <-time.After(p.cfg.RetryBackoff):
			case <-ctx.Done():
				return FailedLatency, upstream.Classify(ctx.Err())
			}
		}
	}
	return FailedLatency, lastErr
}

func (p *Prober) joinTimeout() time.Duration {
	n := time.Duration(p.cfg.MaxRetries)
	return n*p.cfg.AttemptTimeout + (n-1)*p.cfg.RetryBackoff + joinSlack
}

// selectDomains 从域名池中随机选取至多n个
func (p *Prober) selectDomains(n int) []string {
	pool := p.cfg.Domains
	if n >= len(pool) {
		return append([]string(nil), pool...)
	}
	p.randMu.Lock()
	perm := p.rand.Perm(len(pool))
	p.randMu.Unlock()

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = pool[perm[i]]
	}
	return out
}

// Aggregate 由各域名延迟（失败为-1）汇总结果，统计只针对成功项
func Aggregate(serverID string, latencies []float64, isFallback bool) model.LatencyResult {
	result := model.LatencyResult{
		ServerID:   serverID,
		Timestamp:  time.Now(),
		IsFallback: isFallback,
	}

	successes := make([]float64, 0, len(latencies))
	for _, l := range latencies {
		if l >= 0 {
			successes = append(successes, l)
		}
	}
	if len(latencies) > 0 {
		result.SuccessRate = float64(len(successes)) / float64(len(latencies))
	}
	if len(successes) == 0 {
		result.Error = "no successful lookups"
		return result
	}

	result.Success = true
	result.AvgMs = analysis.Mean(successes)
	result.MinMs, result.MaxMs = analysis.MinMax(successes)
	result.MedianMs = analysis.Median(successes)
	result.Variance = analysis.Variance(successes, result.AvgMs)
	return result
}

func failedResult(serverID string, err error) model.LatencyResult {
	return model.LatencyResult{
		ServerID:  serverID,
		Timestamp: time.Now(),
		Error:     strings.TrimSpace(fmt.Sprint(err)),
	}
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
