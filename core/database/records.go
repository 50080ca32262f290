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
// core/database/records.go

package database

import (
	"encoding/json"
	"fmt"
	"time"

	"PhotonDNS/core/model"
)

// saveBatchSize 批量写入大小
const saveBatchSize = 100

// ProbeRecord 一条探测结果
type ProbeRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ServerID    string    `gorm:"index;size:64;not null" json:"serverId"`
	Timestamp   time.Time `gorm:"index;not null" json:"timestamp"`
	AvgMs       float64   `json:"avgMs"`
	MinMs       float64   `json:"minMs"`
	MaxMs       float64   `json:"maxMs"`
	MedianMs    float64   `json:"medianMs"`
	SuccessRate float64   `json:"successRate"`
	Variance    float64   `json:"variance"`
	Success     bool      `json:"success"`
	IsFallback  bool      `json:"isFallback"`
	Error       string    `gorm:"size:255" json:"error,omitempty"`
}

func (ProbeRecord) TableName() string {
	return "probe_records"
}

// SwitchRecord 一次解析器切换
type SwitchRecord struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	Timestamp     time.Time `gorm:"index;not null" json:"timestamp"`
	FromID        string    `gorm:"size:64" json:"from"`
	ToID          string    `gorm:"size:64;not null" json:"to"`
	ImprovementMs float64   `json:"improvementMs"`
	Reason        string    `gorm:"size:255" json:"reason"`
	Manual        bool      `json:"manual"`
}

func (SwitchRecord) TableName() string {
	return "switch_records"
}

// EngineEventRecord 引擎事件，Payload为JSON
type EngineEventRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"uniqueIndex;size:36" json:"eventId"`
	Kind      string    `gorm:"index;size:64;not null" json:"kind"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	Payload   string    `gorm:"type:text" json:"payload"`
}

func (EngineEventRecord) TableName() string {
	return "engine_events"
}

// NewProbeRecord 由探测结果构造记录
func NewProbeRecord(r model.LatencyResult) ProbeRecord {
	return ProbeRecord{
		ServerID:    r.ServerID,
		Timestamp:   r.Timestamp,
		AvgMs:       r.AvgMs,
		MinMs:       r.MinMs,
		MaxMs:       r.MaxMs,
		MedianMs:    r.MedianMs,
		SuccessRate: r.SuccessRate,
		Variance:    r.Variance,
		Success:     r.Success,
		IsFallback:  r.IsFallback,
		Error:       r.Error,
	}
}

// Result 转换回探测结果
func (p ProbeRecord) Result() model.LatencyResult {
	return model.LatencyResult{
		ServerID:    p.ServerID,
		AvgMs:       p.AvgMs,
		MinMs:       p.MinMs,
		MaxMs:       p.MaxMs,
		MedianMs:    p.MedianMs,
		SuccessRate: p.SuccessRate,
		Variance:    p.Variance,
		Timestamp:   p.Timestamp,
		Success:     p.Success,
		IsFallback:  p.IsFallback,
		Error:       p.Error,
	}
}

// SaveProbeResults 批量保存一轮探测结果
func (s *Store) SaveProbeResults(results []model.LatencyResult) error {
	if len(results) == 0 {
		return nil
	}
	records := make([]ProbeRecord, 0, len(results))
	for _, r := range results {
		records = append(records, NewProbeRecord(r))
	}
	return s.db.CreateInBatches(records, saveBatchSize).Error
}

// GetProbeRecordsByServer 获取某解析器在时间范围内的探测记录
func (s *Store) GetProbeRecordsByServer(serverID string, start, end time.Time) ([]ProbeRecord, error) {
	var records []ProbeRecord
	err := s.db.Where("server_id = ? AND timestamp BETWEEN ? AND ?", serverID, start, end).
		Order("timestamp ASC").
		Find(&records).Error
	return records, err
}

// LoadRecentResults 每个解析器取最近perServer条结果，按时间升序返回
func (s *Store) LoadRecentResults(perServer int) ([]model.LatencyResult, error) {
	if perServer <= 0 {
		return nil, nil
	}

	var servers []string
	if err := s.db.Model(&ProbeRecord{}).Distinct().Pluck("server_id", &servers).Error; err != nil {
		return nil, fmt.Errorf("查询解析器列表失败: %w", err)
	}

	var out []model.LatencyResult
	for _, id := range servers {
		var records []ProbeRecord
		err := s.db.Where("server_id = ?", id).
			Order("timestamp DESC").
			Limit(perServer).
			Find(&records).Error
		if err != nil {
			return nil, fmt.Errorf("查询探测记录失败: %w", err)
		}
		for i := len(records) - 1; i >= 0; i-- {
			out = append(out, records[i].Result())
		}
	}
	return out, nil
}

// SaveSwitch 保存切换记录
func (s *Store) SaveSwitch(rec *SwitchRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return s.db.Create(rec).Error
}

// GetLatestSwitchRecords 获取最近的切换记录，按时间倒序
func (s *Store) GetLatestSwitchRecords(limit int) ([]SwitchRecord, error) {
	var records []SwitchRecord
	err := s.db.Order("timestamp DESC").Limit(limit).Find(&records).Error
	return records, err
}

// SaveEvent 保存事件，payload序列化为JSON
func (s *Store) SaveEvent(eventID, kind string, at time.Time, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	rec := EngineEventRecord{
		EventID:   eventID,
		Kind:      kind,
		Timestamp: at,
		Payload:   string(data),
	}
	return s.db.Create(&rec).Error
}

// GetLatestEvents 获取最近的事件，kind为空时不过滤
func (s *Store) GetLatestEvents(kind string, limit int) ([]EngineEventRecord, error) {
	var records []EngineEventRecord
	query := s.db.Order("timestamp DESC").Limit(limit)
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}
	err := query.Find(&records).Error
	return records, err
}

// CountProbeRecords 探测记录总数
func (s *Store) CountProbeRecords() (int64, error) {
	var n int64
	err := s.db.Model(&ProbeRecord{}).Count(&n).Error
	return n, err
}
