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
// core/sdns/workerpool.go

package sdns

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Task 在协程池中执行的任务，ctx在协程池关闭时取消
type Task func(ctx context.Context)

// WorkerPool 转发协程池，用于DoH等需要阻塞等待的上游交换
// 队列满时直接拒绝，调用方据此丢弃查询
type WorkerPool struct {
	tasks   chan Task
	workers int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	started   time.Time
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	active    atomic.Int32
	// 平均耗时的EWMA，单位纳秒
	avgNanos atomic.Int64
	lastDone atomic.Int64
}

// PoolStats 协程池统计信息
type PoolStats struct {
	TotalTasks     int64         `json:"totalTasks"`
	CompletedTasks int64         `json:"completedTasks"`
	RejectedTasks  int64         `json:"rejectedTasks"`
	AverageLatency time.Duration `json:"averageLatency"`
	QueueLength    int           `json:"queueLength"`
	ActiveWorkers  int           `json:"activeWorkers"`
	StartTime      time.Time     `json:"startTime"`
	LastTaskTime   time.Time     `json:"lastTaskTime"`
}

// NewWorkerPool 创建协程池，队列大小为协程数的queueMultiplier倍
func NewWorkerPool(workerCount, queueMultiplier int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = DefaultForwardWorkers
	}
	if queueMultiplier <= 0 {
		queueMultiplier = DefaultQueueFactor
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		tasks:   make(chan Task, workerCount*queueMultiplier),
		workers: workerCount,
		ctx:     ctx,
		cancel:  cancel,
		started: time.Now(),
	}
	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *WorkerPool) run(task Task) {
	p.active.Add(1)
	start := time.Now()
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		p.lastDone.Store(time.Now().UnixNano())
		p.observe(time.Since(start))
	}()
	task(p.ctx)
}

// observe 以1/8权重更新平均耗时
func (p *WorkerPool) observe(d time.Duration) {
	for {
		old := p.avgNanos.Load()
		next := int64(d)
		if old != 0 {
			next = old + (int64(d)-old)/8
		}
		if p.avgNanos.CompareAndSwap(old, next) {
			return
		}
	}
}

// Submit 提交任务，队列已满或已关闭时返回false
func (p *WorkerPool) Submit(task Task) bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return false
	}
	p.submitted.Add(1)

	select {
	case p.tasks <- task:
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Close 取消进行中的交换并等待全部协程退出，已入队的任务以取消的ctx执行
func (p *WorkerPool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.tasks)
	p.closeMu.Unlock()

	p.wg.Wait()
}

// GetWorkerCount 获取工作协程数
func (p *WorkerPool) GetWorkerCount() int {
	return p.workers
}

// GetStats 获取统计信息快照
func (p *WorkerPool) GetStats() PoolStats {
	st := PoolStats{
		TotalTasks:     p.submitted.Load(),
		CompletedTasks: p.completed.Load(),
		RejectedTasks:  p.rejected.Load(),
		AverageLatency: time.Duration(p.avgNanos.Load()),
		QueueLength:    len(p.tasks),
		ActiveWorkers:  int(p.active.Load()),
		StartTime:      p.started,
	}
	if ns := p.lastDone.Load(); ns != 0 {
		st.LastTaskTime = time.Unix(0, ns)
	}
	return st
}
