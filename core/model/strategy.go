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
// core/model/strategy.go

package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidStrategy 策略参数非法
var ErrInvalidStrategy = errors.New("invalid strategy")

// Strategy 切换策略参数集合，运行时可整体替换
type Strategy struct {
	Name                      string `json:"name"`
	CheckIntervalSec          int    `json:"checkIntervalSec"`
	MinImprovementMs          int    `json:"minImprovementMs"`
	ConsecutiveChecksRequired int    `json:"consecutiveChecksRequired"`
	StabilityPeriodSec        int    `json:"stabilityPeriodSec"`
	HysteresisMarginMs        int    `json:"hysteresisMarginMs"`
	// HighImprovementMs 达到该改善幅度时使用更短的确认次数
	HighImprovementMs int `json:"highImprovementMs"`
}

// 预设策略名称
const (
	PresetConservative = "conservative"
	PresetBalanced     = "balanced"
	PresetAggressive   = "aggressive"
)

var presets = map[string]Strategy{
	PresetConservative: {
		Name:                      PresetConservative,
		CheckIntervalSec:          120,
		MinImprovementMs:          40,
		ConsecutiveChecksRequired: 5,
		StabilityPeriodSec:        900,
		HysteresisMarginMs:        20,
		HighImprovementMs:         80,
	},
	PresetBalanced: {
		Name:                      PresetBalanced,
		CheckIntervalSec:          60,
		MinImprovementMs:          20,
		ConsecutiveChecksRequired: 3,
		StabilityPeriodSec:        300,
		HysteresisMarginMs:        10,
		HighImprovementMs:         50,
	},
	PresetAggressive: {
		Name:                      PresetAggressive,
		CheckIntervalSec:          30,
		MinImprovementMs:          10,
		ConsecutiveChecksRequired: 2,
		StabilityPeriodSec:        60,
		HysteresisMarginMs:        5,
		HighImprovementMs:         30,
	},
}

// DefaultStrategy 返回balanced预设
func DefaultStrategy() Strategy {
	return presets[PresetBalanced]
}

// StrategyPreset 按名称返回预设策略
func StrategyPreset(name string) (Strategy, bool) {
	s, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return s, ok
}

// Validate 校验策略参数
func (s Strategy) Validate() error {
	switch {
	case s.CheckIntervalSec <= 0:
		return fmt.Errorf("%w: checkIntervalSec must be positive", ErrInvalidStrategy)
	case s.MinImprovementMs < 0:
		return fmt.Errorf("%w: minImprovementMs must not be negative", ErrInvalidStrategy)
	case s.ConsecutiveChecksRequired <= 0:
		return fmt.Errorf("%w: consecutiveChecksRequired must be positive", ErrInvalidStrategy)
	case s.StabilityPeriodSec < 0:
		return fmt.Errorf("%w: stabilityPeriodSec must not be negative", ErrInvalidStrategy)
	case s.HysteresisMarginMs < 0:
		return fmt.Errorf("%w: hysteresisMarginMs must not be negative", ErrInvalidStrategy)
	case s.HighImprovementMs < 0:
		return fmt.Errorf("%w: highImprovementMs must not be negative", ErrInvalidStrategy)
	}
	return nil
}

// HighUrgencyChecksRequired 高改善幅度下所需的连续确认次数
func (s Strategy) HighUrgencyChecksRequired() int {
	n := (s.ConsecutiveChecksRequired + 1) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// IsHighImprovement 改善幅度是否达到高紧急度
func (s Strategy) IsHighImprovement(improvementMs float64) bool {
	return s.HighImprovementMs > 0 && improvementMs >= float64(s.HighImprovementMs)
}
