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
// core/events/events.go
// 引擎对外发出的类型化事件

package events

import "PhotonDNS/core/model"

// Kind 事件类型
type Kind string

const (
	KindResolverStatusChanged     Kind = "ResolverStatusChanged"
	KindSwitchPerformed           Kind = "SwitchPerformed"
	KindSwitchFailed              Kind = "SwitchFailed"
	KindSlowModeActivated         Kind = "SlowModeActivated"
	KindSlowModeDeactivated       Kind = "SlowModeDeactivated"
	KindEngineCrashed             Kind = "EngineCrashed"
	KindEngineRecovered           Kind = "EngineRecovered"
	KindRecoveryFailed            Kind = "RecoveryFailed"
	KindRecoveryPermanentlyFailed Kind = "RecoveryPermanentlyFailed"
	KindProbeRoundCompleted       Kind = "ProbeRoundCompleted"
)

// Event 所有事件实现该接口
type Event interface {
	Kind() Kind
}

// Publisher 事件发布方
type Publisher interface {
	Publish(e Event)
}

// ResolverStatusChanged 解析器连通状态变化
type ResolverStatusChanged struct {
	Connected  bool   `json:"connected"`
	ResolverID string `json:"resolverId"`
	Error      string `json:"error,omitempty"`
}

// SwitchPerformed 已切换解析器
type SwitchPerformed struct {
	From          string  `json:"from"`
	To            string  `json:"to"`
	ImprovementMs float64 `json:"improvementMs"`
	Reason        string  `json:"reason"`
	Manual        bool    `json:"manual"`
}

// SwitchFailed 切换失败
type SwitchFailed struct {
	TargetID string `json:"targetId"`
	Error    string `json:"error"`
}

// SlowModeActivated 进入或变更慢网络模式
type SlowModeActivated struct {
	Level      model.ConditionLevel `json:"level"`
	AvgLatency float64              `json:"avgLatency"`
}

// SlowModeDeactivated 慢网络模式解除
type SlowModeDeactivated struct {
	DurationMs int64 `json:"durationMs"`
}

// EngineCrashed 健康检查判定引擎崩溃
type EngineCrashed struct {
	CrashCount int    `json:"crashCount"`
	Error      string `json:"error,omitempty"`
}

// EngineRecovered 重启后恢复
type EngineRecovered struct {
	Attempt int `json:"attempt"`
}

// RecoveryFailed 单次重启失败
type RecoveryFailed struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
}

// RecoveryPermanentlyFailed 重启次数耗尽，需要用户介入
type RecoveryPermanentlyFailed struct {
	CrashCount int `json:"crashCount"`
}

// ProbeRoundCompleted 一轮探测完成
type ProbeRoundCompleted struct {
	Results []model.LatencyResult `json:"results"`
}

func (ResolverStatusChanged) Kind() Kind     { return KindResolverStatusChanged }
func (SwitchPerformed) Kind() Kind           { return KindSwitchPerformed }
func (SwitchFailed) Kind() Kind              { return KindSwitchFailed }
func (SlowModeActivated) Kind() Kind         { return KindSlowModeActivated }
func (SlowModeDeactivated) Kind() Kind       { return KindSlowModeDeactivated }
func (EngineCrashed) Kind() Kind             { return KindEngineCrashed }
func (EngineRecovered) Kind() Kind           { return KindEngineRecovered }
func (RecoveryFailed) Kind() Kind            { return KindRecoveryFailed }
func (RecoveryPermanentlyFailed) Kind() Kind { return KindRecoveryPermanentlyFailed }
func (ProbeRoundCompleted) Kind() Kind       { return KindProbeRoundCompleted }
