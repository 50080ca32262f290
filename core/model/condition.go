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
// core/model/condition.go

package model

import "time"

// ConditionLevel 网络状况等级
type ConditionLevel int

const (
	ConditionNormal ConditionLevel = iota
	ConditionSlow
	ConditionVerySlow
	ConditionCritical
)

// String 返回等级名称
func (l ConditionLevel) String() string {
	switch l {
	case ConditionSlow:
		return "Slow"
	case ConditionVerySlow:
		return "VerySlow"
	case ConditionCritical:
		return "Critical"
	}
	return "Normal"
}

// MarshalText 以名称序列化
func (l ConditionLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText 按名称解析，未知名称视为Normal
func (l *ConditionLevel) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Slow":
		*l = ConditionSlow
	case "VerySlow":
		*l = ConditionVerySlow
	case "Critical":
		*l = ConditionCritical
	default:
		*l = ConditionNormal
	}
	return nil
}

// NetworkCondition 当前网络状况
type NetworkCondition struct {
	Level       ConditionLevel `json:"level"`
	ActivatedAt time.Time      `json:"activatedAt"`
}

// IsNormal 是否处于正常状态
func (c NetworkCondition) IsNormal() bool {
	return c.Level == ConditionNormal
}
