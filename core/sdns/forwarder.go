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
// core/sdns/forwarder.go
// 转发引擎：按解析器维护上游UDP套接字，DoH查询交给协程池

package sdns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"PhotonDNS/core/codec"
	"PhotonDNS/core/common"
	"PhotonDNS/core/model"
	"PhotonDNS/core/upstream"
)

const (
	// DefaultReceiveTimeout 每个上游套接字单次读取的等待时间
	DefaultReceiveTimeout = time.Second
	// DefaultForwardWorkers DoH转发协程数
	DefaultForwardWorkers = 32
	// DefaultQueueFactor 转发队列长度相对协程数的倍数
	DefaultQueueFactor = 4
	// maxDNSMessage 上游响应缓冲区大小
	maxDNSMessage = 65535
)

// ForwarderConfig 转发参数
type ForwarderConfig struct {
	ReceiveTimeout time.Duration
	Workers        int
	QueueFactor    int
	// AddressFor 解析器的上游地址，默认 primary:53
	AddressFor func(p *model.DNSServerProfile) string
}

// ForwarderStats 转发计数
type ForwarderStats struct {
	Forwarded  uint64    `json:"forwarded"`
	Answered   uint64    `json:"answered"`
	Unmatched  uint64    `json:"unmatched"`
	SendErrors uint64    `json:"sendErrors"`
	LastRTTMs  float64   `json:"lastRttMs"`
	Pool       PoolStats `json:"pool"`
}

type upstreamConn struct {
	resolverID string
	conn       *net.UDPConn
}

// Forwarder 转发引擎
type Forwarder struct {
	cfg     ForwarderConfig
	out     io.Writer
	pending *PendingQueryTable
	doh     *upstream.DoHClient
	pool    *WorkerPool
	onFatal func(error)
	logger  *common.Logger

	mu       sync.Mutex
	active   *model.DNSServerProfile
	conns    map[string]*upstreamConn
	unusable map[string]error
	closed   bool

	ipID        atomic.Uint32
	unmatchedRL *rate.Limiter
	forwarded   atomic.Uint64
	answered    atomic.Uint64
	unmatched   atomic.Uint64
	sendErrors  atomic.Uint64
	lastRTT     atomic.Int64
}

// NewForwarder 创建转发引擎，out为虚拟网卡的写入端
func NewForwarder(cfg ForwarderConfig, out io.Writer, pending *PendingQueryTable, doh *upstream.DoHClient, onFatal func(error)) *Forwarder {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if cfg.AddressFor == nil {
		cfg.AddressFor = func(p *model.DNSServerProfile) string { return p.UDPAddress() }
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Forwarder{
		cfg:         cfg,
		out:         out,
		pending:     pending,
		doh:         doh,
		pool:        NewWorkerPool(cfg.Workers, cfg.QueueFactor),
		onFatal:     onFatal,
		logger:      common.NewLogger().With("forwarder"),
		conns:       make(map[string]*upstreamConn),
		unusable:    make(map[string]error),
		unmatchedRL: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Active 当前转发目标
func (f *Forwarder) Active() *model.DNSServerProfile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// SetActive 切换转发目标，关闭旧解析器的套接字
// UDP解析器在此时建立套接字，失败时标记为不可用并返回ErrSocketBind
func (f *Forwarder) SetActive(p *model.DNSServerProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrEngineNotRunning
	}

	if !p.IsDoH() {
		if _, err := f.connLocked(p); err != nil {
			return err
		}
	}

	if f.active != nil && f.active.ID != p.ID {
		f.closeConnLocked(f.active.ID)
	}
	f.active = p
	f.logger.Info("转发目标: %s (%s)", p.ID, p.Endpoint())
	return nil
}

// connLocked 返回解析器的套接字，不存在时创建
func (f *Forwarder) connLocked(p *model.DNSServerProfile) (*net.UDPConn, error) {
	if c, ok := f.conns[p.ID]; ok {
		return c.conn, nil
	}

	addr, err := net.ResolveUDPAddr("udp4", f.cfg.AddressFor(p))
	if err == nil {
		var conn *net.UDPConn
		conn, err = net.DialUDP("udp4", nil, addr)
		if err == nil {
			f.conns[p.ID] = &upstreamConn{resolverID: p.ID, conn: conn}
			delete(f.unusable, p.ID)
			f.logger.Debug("已建立上游套接字 %s -> %s", conn.LocalAddr(), addr)
			return conn, nil
		}
	}

	err = fmt.Errorf("%w: %s: %v", ErrSocketBind, p.ID, err)
	f.unusable[p.ID] = err
	f.logger.Warn("解析器 %s 标记为不可用: %v", p.ID, err)
	return nil, err
}

func (f *Forwarder) closeConnLocked(id string) {
	if c, ok := f.conns[id]; ok {
		_ = c.conn.Close()
		delete(f.conns, id)
	}
}

// Usable 解析器在本次运行中是否可用
func (f *Forwarder) Usable(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, bad := f.unusable[id]
	return !bad
}

// MarkUnusable 标记解析器不可用
func (f *Forwarder) MarkUnusable(id string, err error) {
	f.mu.Lock()
	f.unusable[id] = err
	f.mu.Unlock()
}

// RetryUnusable 尝试为不可用的解析器重新建立套接字，成功后恢复为候选
func (f *Forwarder) RetryUnusable(profiles []*model.DNSServerProfile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, p := range profiles {
		if _, bad := f.unusable[p.ID]; !bad {
			continue
		}
		if p.IsDoH() {
			delete(f.unusable, p.ID)
			continue
		}
		if _, err := f.connLocked(p); err == nil {
			f.logger.Info("解析器 %s 重新可用", p.ID)
			// 只保留当前目标的套接字
			if f.active == nil || f.active.ID != p.ID {
				f.closeConnLocked(p.ID)
			}
		}
	}
}

// Forward 将客户端查询发往当前解析器
// 发送失败时撤销待响应登记
func (f *Forwarder) Forward(ctx context.Context, q codec.Query) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.pending.Remove(q.DNS.TransactionID)
		return ErrEngineNotRunning
	}
	active := f.active
	if active == nil {
		f.mu.Unlock()
		f.pending.Remove(q.DNS.TransactionID)
		return fmt.Errorf("%w: no active resolver", ErrUnknownResolver)
	}

	if active.IsDoH() {
		f.mu.Unlock()
		return f.forwardDoH(ctx, active, q)
	}

	conn, err := f.connLocked(active)
	f.mu.Unlock()
	if err != nil {
		f.pending.Remove(q.DNS.TransactionID)
		f.sendErrors.Add(1)
		return err
	}

	if _, err := conn.Write(q.Payload); err != nil {
		f.pending.Remove(q.DNS.TransactionID)
		f.sendErrors.Add(1)
		return fmt.Errorf("发送到 %s 失败: %w", active.ID, upstream.Classify(err))
	}
	f.forwarded.Add(1)
	return nil
}

// forwardDoH 通过协程池POST查询，响应走与UDP相同的投递路径
func (f *Forwarder) forwardDoH(ctx context.Context, p *model.DNSServerProfile, q codec.Query) error {
	payload := append([]byte(nil), q.Payload...)
	id := q.DNS.TransactionID
	timeout := DefaultQueryTimeout
	if err := ctx.Err(); err != nil {
		f.pending.Remove(id)
		return err
	}

	ok := f.pool.Submit(func(poolCtx context.Context) {
		reqCtx, cancel := context.WithTimeout(poolCtx, timeout)
		defer cancel()
		raw, err := f.doh.ExchangeRaw(reqCtx, p.DoHURL, payload)
		if err != nil {
			f.pending.Remove(id)
			f.sendErrors.Add(1)
			f.logger.Debug("DoH转发失败 %s: %v", p.ID, err)
			return
		}
		if err := f.Deliver(raw); err != nil && !errors.Is(err, ErrNoMatchingQuery) {
			f.logger.Debug("DoH响应投递失败: %v", err)
		}
	})
	if !ok {
		f.pending.Remove(id)
		f.sendErrors.Add(1)
		return ErrForwardQueueFull
	}
	f.forwarded.Add(1)
	return nil
}

// ReceiveLoop 轮询已打开的上游套接字，直到ctx取消
func (f *Forwarder) ReceiveLoop(ctx context.Context) {
	buf := make([]byte, maxDNSMessage)
	idle := time.NewTicker(f.cfg.ReceiveTimeout / 4)
	defer idle.Stop()

	for ctx.Err() == nil {
		conns := f.snapshotConns()
		if len(conns) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
			}
			continue
		}
		for _, c := range conns {
			if ctx.Err() != nil {
				return
			}
			f.receiveOnce(c, buf)
		}
	}
}

func (f *Forwarder) snapshotConns() []*upstreamConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := make([]*upstreamConn, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	return conns
}

// receiveOnce 在单个套接字上等待至多ReceiveTimeout
func (f *Forwarder) receiveOnce(c *upstreamConn, buf []byte) {
	_ = c.conn.SetReadDeadline(time.Now().Add(f.cfg.ReceiveTimeout))
	n, err := c.conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		if errors.Is(err, net.ErrClosed) {
			return
		}
		// 连接型UDP在目标端口不可达时返回ECONNREFUSED
		f.logger.Debug("上游 %s 读取失败: %v", c.resolverID, err)
		return
	}

	raw := append([]byte(nil), buf[:n]...)
	if err := f.Deliver(raw); err != nil && !errors.Is(err, ErrNoMatchingQuery) && !errors.Is(err, ErrInterfaceIO) {
		f.logger.Debug("丢弃来自 %s 的响应: %v", c.resolverID, err)
	}
}

// Deliver 匹配待响应查询，封装为IP+UDP包写回虚拟网卡
func (f *Forwarder) Deliver(raw []byte) error {
	hdr, err := codec.ParseDNSHeader(raw, 0)
	if err != nil {
		return err
	}

	pq, ok := f.pending.Resolve(hdr.TransactionID)
	if !ok {
		f.unmatched.Add(1)
		if f.unmatchedRL.Allow() {
			f.logger.Warn("收到无对应查询的响应，事务ID %d", hdr.TransactionID)
		}
		return fmt.Errorf("%w: id %d", ErrNoMatchingQuery, hdr.TransactionID)
	}

	rtt := time.Since(pq.CreatedAt)
	f.lastRTT.Store(int64(rtt))

	packet, err := codec.BuildResponsePacket(pq.Server, pq.Client, raw, uint16(f.ipID.Add(1)))
	if err != nil {
		return err
	}
	if _, err := f.out.Write(packet); err != nil {
		err = fmt.Errorf("%w: write: %v", ErrInterfaceIO, err)
		f.onFatal(err)
		return err
	}
	f.answered.Add(1)
	f.logger.Debug("响应 %d -> %s，耗时 %s", hdr.TransactionID, pq.Client, rtt)
	return nil
}

// Stats 返回计数快照
func (f *Forwarder) Stats() ForwarderStats {
	return ForwarderStats{
		Forwarded:  f.forwarded.Load(),
		Answered:   f.answered.Load(),
		Unmatched:  f.unmatched.Load(),
		SendErrors: f.sendErrors.Load(),
		LastRTTMs:  float64(f.lastRTT.Load()) / float64(time.Millisecond),
		Pool:       f.pool.GetStats(),
	}
}

// Close 关闭全部上游套接字与协程池
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for id := range f.conns {
		f.closeConnLocked(id)
	}
	f.mu.Unlock()

	f.pool.Close()
}
