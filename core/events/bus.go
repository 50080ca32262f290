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
// core/events/bus.go

package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"PhotonDNS/core/common"
)

// DefaultSubscriberBuffer 订阅者通道默认缓冲
const DefaultSubscriberBuffer = 64

// Envelope 带元数据的事件
type Envelope struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Payload Event     `json:"payload"`
}

// Bus 进程内事件总线，发布不阻塞，订阅者通道满时丢弃并计数
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Envelope
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	logger  *common.Logger
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{
		subs:   make(map[uint64]chan Envelope),
		logger: common.NewLogger().With("events"),
	}
}

// Publish 发布事件
func (b *Bus) Publish(e Event) {
	env := Envelope{
		ID:      uuid.NewString(),
		Time:    time.Now(),
		Kind:    e.Kind(),
		Payload: e,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- env:
		default:
			b.dropped.Add(1)
			b.logger.Warn("订阅者 %d 通道已满，丢弃事件 %s", id, env.Kind)
		}
	}
	b.logger.Debug("发布事件 %s", env.Kind)
}

// Subscribe 订阅事件，返回接收通道与取消函数
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

// Dropped 因订阅者过慢丢弃的事件数
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close 关闭总线及全部订阅通道
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
