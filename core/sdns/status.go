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
// core/sdns/status.go

package sdns

import (
	"time"

	"PhotonDNS/core/health"
	"PhotonDNS/core/model"
)

// Status 引擎状态快照
type Status struct {
	Running        bool                   `json:"running"`
	ActiveResolver string                 `json:"activeResolver"`
	ActiveEndpoint string                 `json:"activeEndpoint,omitempty"`
	Connected      bool                   `json:"connected"`
	LastError      string                 `json:"lastError,omitempty"`
	RunID          string                 `json:"runId,omitempty"`
	StartedAt      *time.Time             `json:"startedAt,omitempty"`
	AutoSwitch     bool                   `json:"autoSwitch"`
	Strategy       model.Strategy         `json:"strategy"`
	Condition      model.NetworkCondition `json:"condition"`
	LastSwitchAt   *time.Time             `json:"lastSwitchAt,omitempty"`
	PreviousID     string                 `json:"previousResolver,omitempty"`
	// Locked 仍处于切换后的稳定锁定期
	Locked bool `json:"locked"`
	PendingQueries int                    `json:"pendingQueries"`
	Forwarder      *ForwarderStats        `json:"forwarder,omitempty"`
	Pump           *PumpStats             `json:"pump,omitempty"`
	Health         health.Stats           `json:"health"`
}

// GetStatus 返回当前状态
func (e *Engine) GetStatus() Status {
	st := Status{
		Running:    e.Running(),
		AutoSwitch: e.AutoSwitchEnabled(),
		Strategy:   e.Strategy(),
		Condition:  e.detector.Condition(),
		Health:     e.monitor.Stats(),
		PreviousID: e.gate.PreviousID(),
	}
	if at := e.gate.LastSwitchAt(); !at.IsZero() {
		st.LastSwitchAt = &at
		st.Locked = e.gate.Locked(st.Strategy)
	}

	e.stateMu.RLock()
	if e.active != nil {
		st.ActiveResolver = e.active.ID
		st.ActiveEndpoint = e.active.Endpoint()
	}
	st.Connected = e.connected
	st.LastError = e.lastError
	e.stateMu.RUnlock()

	if run := e.currentRun(); run != nil {
		started := run.startedAt
		fwd := run.forwarder.Stats()
		pump := run.pump.Stats()
		st.RunID = run.id
		st.StartedAt = &started
		st.PendingQueries = run.pending.Len()
		st.Forwarder = &fwd
		st.Pump = &pump
	} else {
		st.Connected = false
	}
	return st
}
