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
// core/sdns/pending.go
// 待响应查询表：按事务ID关联查询与上游响应

package sdns

import (
	"net/netip"
	"sync"
	"time"

	"PhotonDNS/core/common"
)

const (
	// DefaultQueryTimeout 待响应查询的存活时间
	DefaultQueryTimeout = 5 * time.Second
	// DefaultReapInterval 清理周期
	DefaultReapInterval = 5 * time.Second
)

// PendingQuery 已拦截、等待上游响应的查询
type PendingQuery struct {
	TransactionID uint16
	// Client 发起查询的客户端
	Client netip.AddrPort
	// Server 客户端查询的原目标，响应以此为源地址
	Server    netip.AddrPort
	CreatedAt time.Time
}

// PendingQueryTable 待响应查询表
// 同一事务ID同时最多一个条目
type PendingQueryTable struct {
	mu      sync.Mutex
	entries map[uint16]PendingQuery
	now     func() time.Time
	logger  *common.Logger
}

// NewPendingQueryTable 创建待响应查询表
func NewPendingQueryTable() *PendingQueryTable {
	return &PendingQueryTable{
		entries: make(map[uint16]PendingQuery),
		now:     time.Now,
		logger:  common.NewLogger().With("pending"),
	}
}

// SetClock 替换时钟
func (t *PendingQueryTable) SetClock(now func() time.Time) {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
}

// Register 登记查询
// 已存在同ID条目时覆盖并返回false
func (t *PendingQueryTable) Register(id uint16, client, server netip.AddrPort) bool {
	t.mu.Lock()
	old, exists := t.entries[id]
	t.entries[id] = PendingQuery{
		TransactionID: id,
		Client:        client,
		Server:        server,
		CreatedAt:     t.now(),
	}
	t.mu.Unlock()

	if exists {
		t.logger.Warn("事务ID冲突: %d，覆盖 %s 的查询，新客户端 %s", id, old.Client, client)
		return false
	}
	return true
}

// Resolve 取出并删除条目
func (t *PendingQueryTable) Resolve(id uint16) (PendingQuery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return q, ok
}

// Remove 删除条目，用于发送失败时撤销登记
func (t *PendingQueryTable) Remove(id uint16) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// ReapExpired 删除创建时间早于 now-timeout 的条目并返回数量
func (t *PendingQueryTable) ReapExpired(now time.Time, timeout time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for id, q := range t.entries {
		if now.Sub(q.CreatedAt) >= timeout {
			delete(t.entries, id)
			count++
		}
	}
	return count
}

// Clear 清空并返回清除数量
func (t *PendingQueryTable) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	clear(t.entries)
	return n
}

// Len 当前条目数
func (t *PendingQueryTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
