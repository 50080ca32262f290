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
// core/analysis/history.go

package analysis

import (
	"sync"

	"PhotonDNS/core/model"
)

// DefaultHistorySize 每个解析器保留的历史结果数
const DefaultHistorySize = 20

// LatencyHistory 单个解析器的有界结果环，满时淘汰最旧记录
type LatencyHistory struct {
	mu      sync.RWMutex
	results []model.LatencyResult
	next    int
	full    bool
}

// NewLatencyHistory 创建容量为size的历史环
func NewLatencyHistory(size int) *LatencyHistory {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &LatencyHistory{results: make([]model.LatencyResult, size)}
}

// Add 追加一条结果
func (h *LatencyHistory) Add(r model.LatencyResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[h.next] = r
	h.next = (h.next + 1) % len(h.results)
	if h.next == 0 {
		h.full = true
	}
}

// Len 当前记录数
func (h *LatencyHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.full {
		return len(h.results)
	}
	return h.next
}

// Snapshot 按时间从旧到新返回记录副本
func (h *LatencyHistory) Snapshot() []model.LatencyResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full {
		return append([]model.LatencyResult(nil), h.results[:h.next]...)
	}
	out := make([]model.LatencyResult, 0, len(h.results))
	out = append(out, h.results[h.next:]...)
	out = append(out, h.results[:h.next]...)
	return out
}

// Latest 最新一条记录
func (h *LatencyHistory) Latest() (model.LatencyResult, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.full && h.next == 0 {
		return model.LatencyResult{}, false
	}
	idx := (h.next - 1 + len(h.results)) % len(h.results)
	return h.results[idx], true
}

// Clear 清空记录
func (h *LatencyHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.results {
		h.results[i] = model.LatencyResult{}
	}
	h.next = 0
	h.full = false
}

// ValidLatencies 成功且大于0的平均延迟序列（从旧到新）
func ValidLatencies(results []model.LatencyResult) []float64 {
	out := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Success && r.AvgMs > 0 {
			out = append(out, r.AvgMs)
		}
	}
	return out
}

// SuccessRate 历史记录的平均成功率，失败记录计0
func SuccessRate(results []model.LatencyResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		if r.Success {
			sum += r.SuccessRate
		}
	}
	return sum / float64(len(results))
}

// HistoryStore 按解析器ID保存历史
type HistoryStore struct {
	mu      sync.RWMutex
	size    int
	history map[string]*LatencyHistory
}

// NewHistoryStore 创建历史存储
func NewHistoryStore(size int) *HistoryStore {
	return &HistoryStore{size: size, history: make(map[string]*LatencyHistory)}
}

// Get 返回解析器的历史环，不存在时创建
func (s *HistoryStore) Get(serverID string) *LatencyHistory {
	s.mu.RLock()
	h, ok := s.history[serverID]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.history[serverID]; ok {
		return h
	}
	h = NewLatencyHistory(s.size)
	s.history[serverID] = h
	return h
}

// Add 追加一条结果到对应解析器
func (s *HistoryStore) Add(r model.LatencyResult) {
	s.Get(r.ServerID).Add(r)
}

// Reset 清空全部历史
func (s *HistoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[string]*LatencyHistory)
}
