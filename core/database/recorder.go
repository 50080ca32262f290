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
// core/database/recorder.go

package database

import (
	"context"
	"sync"
	"time"

	"PhotonDNS/core/common"
	"PhotonDNS/core/events"
)

const (
	// DefaultRetentionDays 默认保留天数
	DefaultRetentionDays = 7
	// cleanupInterval 过期记录清理间隔
	cleanupInterval = 24 * time.Hour
	recorderBuffer  = 256
)

// Subscriber 事件订阅源
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Envelope, func())
}

// Recorder 将引擎事件写入数据库
type Recorder struct {
	store         *Store
	source        Subscriber
	retentionDays int
	logger        *common.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder 创建事件记录器，retentionDays<=0时不清理
func NewRecorder(store *Store, source Subscriber, retentionDays int) *Recorder {
	return &Recorder{
		store:         store,
		source:        source,
		retentionDays: retentionDays,
		logger:        common.NewLogger().With("recorder"),
	}
}

// Start 开始订阅事件
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ch, unsubscribe := r.source.Subscribe(recorderBuffer)
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer unsubscribe()
		r.loop(ctx, ch)
	}()
}

// Stop 停止订阅并等待写入结束
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Recorder) loop(ctx context.Context, ch <-chan events.Envelope) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	r.cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Record(env); err != nil {
				r.logger.Warn("记录事件 %s 失败: %v", env.Kind, err)
			}
		case <-ticker.C:
			r.cleanup()
		}
	}
}

// Record 写入单个事件
func (r *Recorder) Record(env events.Envelope) error {
	switch e := env.Payload.(type) {
	case events.ProbeRoundCompleted:
		return r.store.SaveProbeResults(e.Results)
	case events.SwitchPerformed:
		return r.store.SaveSwitch(&SwitchRecord{
			Timestamp:     env.Time,
			FromID:        e.From,
			ToID:          e.To,
			ImprovementMs: e.ImprovementMs,
			Reason:        e.Reason,
			Manual:        e.Manual,
		})
	}
	return r.store.SaveEvent(env.ID, string(env.Kind), env.Time, env.Payload)
}

func (r *Recorder) cleanup() {
	if r.retentionDays <= 0 {
		return
	}
	if _, err := r.store.CleanOldRecords(r.retentionDays); err != nil {
		r.logger.Warn("清理过期记录失败: %v", err)
	}
}
