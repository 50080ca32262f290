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
// core/sdns/settings.go

package sdns

import (
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"PhotonDNS/core/common"
	"PhotonDNS/core/model"
	"PhotonDNS/core/probe"
	"PhotonDNS/core/tun"
)

// resolverSectionPrefix 解析器配置节前缀，节名后缀即解析器ID
const resolverSectionPrefix = "Resolver."

// LoadProfiles 读取全部[Resolver.<id>]配置节
func LoadProfiles() ([]*model.DNSServerProfile, error) {
	sections := common.GetSectionsWithPrefix(resolverSectionPrefix)
	if len(sections) == 0 {
		return nil, fmt.Errorf("未配置任何解析器")
	}

	profiles := make([]*model.DNSServerProfile, 0, len(sections))
	seen := make(map[string]bool, len(sections))
	for _, sec := range sections {
		id := sec.Name
		if seen[id] {
			return nil, fmt.Errorf("解析器ID重复: %s", id)
		}
		seen[id] = true

		name := sec.Values["NAME"]
		if name == "" {
			name = id
		}
		var p *model.DNSServerProfile
		if url := sec.Values["DOH_URL"]; url != "" {
			p = model.NewDoHServerProfile(id, name, url)
		} else {
			p = model.NewDNSServerProfile(id, name, sec.Values["PRIMARY"], sec.Values["SECONDARY"])
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if v, ok := sec.Values["ENABLED"]; ok {
			enabled, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("解析器 %s 的ENABLED无效: %q", id, v)
			}
			p.SetEnabled(enabled)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// StrategyFromSettings 读取[Strategy]，显式键覆盖预设
func StrategyFromSettings() (model.Strategy, error) {
	name := common.GetConfig("Strategy", "PRESET")
	if name == "" {
		name = model.PresetBalanced
	}
	s, ok := model.StrategyPreset(name)
	if !ok {
		return model.Strategy{}, fmt.Errorf("%w: 未知预设 %q", model.ErrInvalidStrategy, name)
	}

	overridden := false
	override := func(key string, field *int) {
		if common.GetConfig("Strategy", key) == "" {
			return
		}
		*field = common.GetConfigInt("Strategy", key, *field)
		overridden = true
	}
	override("CHECK_INTERVAL_SEC", &s.CheckIntervalSec)
	override("MIN_IMPROVEMENT_MS", &s.MinImprovementMs)
	override("CONSECUTIVE_CHECKS", &s.ConsecutiveChecksRequired)
	override("STABILITY_PERIOD_SEC", &s.StabilityPeriodSec)
	override("HYSTERESIS_MARGIN_MS", &s.HysteresisMarginMs)
	override("HIGH_IMPROVEMENT_MS", &s.HighImprovementMs)
	if overridden {
		s.Name = "custom"
	}
	return s, s.Validate()
}

// ProbeConfigFromSettings 读取[Probe]
func ProbeConfigFromSettings() probe.Config {
	cfg := probe.DefaultConfig()
	if domains := common.GetConfigList("Probe", "TEST_DOMAINS"); len(domains) > 0 {
		cfg.Domains = domains
	}
	if anchors := common.GetConfigList("Probe", "FALLBACK_ANCHORS"); len(anchors) > 0 {
		cfg.FallbackAnchors = anchors
	}
	cfg.ConcurrentTestCount = common.GetConfigInt("Probe", "CONCURRENT_TEST_COUNT", cfg.ConcurrentTestCount)
	cfg.MaxRetries = common.GetConfigInt("Probe", "MAX_RETRIES", cfg.MaxRetries)
	cfg.AttemptTimeout = common.GetConfigDuration("Probe", "ATTEMPT_TIMEOUT_MS", time.Millisecond, cfg.AttemptTimeout)
	cfg.RetryBackoff = common.GetConfigDuration("Probe", "RETRY_BACKOFF_MS", time.Millisecond, cfg.RetryBackoff)
	cfg.ParallelResolvers = common.GetConfigInt("Probe", "PARALLEL_RESOLVERS", cfg.ParallelResolvers)
	return cfg
}

// TunConfigFromSettings 读取[Engine]中的虚拟网卡参数
func TunConfigFromSettings() (tun.Config, error) {
	cfg := tun.Config{
		Name: common.GetConfig("Engine", "TUN_NAME"),
		MTU:  common.GetConfigInt("Engine", "TUN_MTU", tun.DefaultMTU),
	}
	var err error
	if cfg.Address, err = netip.ParsePrefix(common.GetConfig("Engine", "TUN_ADDRESS")); err != nil {
		return cfg, fmt.Errorf("TUN_ADDRESS无效: %w", err)
	}
	if route := common.GetConfig("Engine", "TUN_ROUTE"); route != "" {
		if cfg.Route, err = netip.ParsePrefix(route); err != nil {
			return cfg, fmt.Errorf("TUN_ROUTE无效: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// ConfigFromSettings 由配置文件组装引擎配置
func ConfigFromSettings(tunCfg tun.Config, probeCfg probe.Config) (Config, error) {
	cfg := DefaultConfig()

	strategy, err := StrategyFromSettings()
	if err != nil {
		return cfg, err
	}
	cfg.Strategy = strategy
	cfg.AutoSwitch = common.GetConfigBool("Strategy", "AUTO_SWITCH", cfg.AutoSwitch)

	cfg.MTU = tunCfg.MTU
	cfg.QueryTimeout = common.GetConfigDuration("Engine", "PENDING_TIMEOUT_MS", time.Millisecond, cfg.QueryTimeout)
	cfg.ReapInterval = common.GetConfigDuration("Engine", "REAPER_INTERVAL_SEC", time.Second, cfg.ReapInterval)
	cfg.Forwarder.ReceiveTimeout = common.GetConfigDuration("Engine", "RECEIVE_POLL_MS", time.Millisecond, cfg.Forwarder.ReceiveTimeout)
	cfg.Forwarder.Workers = common.GetConfigInt("Engine", "FORWARD_WORKERS", cfg.Forwarder.Workers)
	cfg.Forwarder.QueueFactor = common.GetConfigInt("Engine", "FORWARD_QUEUE_FACTOR", cfg.Forwarder.QueueFactor)

	cfg.HistorySize = common.GetConfigInt("Probe", "HISTORY_SIZE", cfg.HistorySize)
	cfg.Probe = probe.Options{
		ConcurrentTestCount: probeCfg.ConcurrentTestCount,
		ParallelResolvers:   probeCfg.ParallelResolvers,
	}
	cfg.Analyzer.MinSamples = common.GetConfigInt("Analysis", "MIN_SAMPLES", cfg.Analyzer.MinSamples)
	cfg.Analyzer.TrendWindow = common.GetConfigInt("Analysis", "TREND_WINDOW", cfg.Analyzer.TrendWindow)

	sn := &cfg.SlowNetwork
	sn.SlowAvgMs = common.GetConfigFloat("SlowNetwork", "SLOW_AVG_MS", sn.SlowAvgMs)
	sn.SlowMaxMs = common.GetConfigFloat("SlowNetwork", "SLOW_MAX_MS", sn.SlowMaxMs)
	sn.VerySlowAvgMs = common.GetConfigFloat("SlowNetwork", "VERY_SLOW_AVG_MS", sn.VerySlowAvgMs)
	sn.VerySlowMaxMs = common.GetConfigFloat("SlowNetwork", "VERY_SLOW_MAX_MS", sn.VerySlowMaxMs)
	sn.CriticalAvgMs = common.GetConfigFloat("SlowNetwork", "CRITICAL_AVG_MS", sn.CriticalAvgMs)
	sn.CriticalMaxMs = common.GetConfigFloat("SlowNetwork", "CRITICAL_MAX_MS", sn.CriticalMaxMs)
	sn.CriticalFailureCount = common.GetConfigInt("SlowNetwork", "CRITICAL_FAILURE_COUNT", sn.CriticalFailureCount)
	sn.VerySlowFailureCount = common.GetConfigInt("SlowNetwork", "VERY_SLOW_FAILURE_COUNT", sn.VerySlowFailureCount)
	sn.SlowFailureCount = common.GetConfigInt("SlowNetwork", "SLOW_FAILURE_COUNT", sn.SlowFailureCount)
	sn.RecoveryIntervalSlow = common.GetConfigDuration("SlowNetwork", "RECOVERY_INTERVAL_SLOW_SEC", time.Second, sn.RecoveryIntervalSlow)
	sn.RecoveryIntervalSevere = common.GetConfigDuration("SlowNetwork", "RECOVERY_INTERVAL_SEVERE_SEC", time.Second, sn.RecoveryIntervalSevere)
	cfg.RecoveryResolverID = common.GetConfig("SlowNetwork", "RECOVERY_RESOLVER")
	if domain := common.GetConfig("SlowNetwork", "RECOVERY_DOMAIN"); domain != "" {
		cfg.RecoveryDomain = domain
	}

	h := &cfg.Health
	h.Interval = common.GetConfigDuration("Health", "CHECK_INTERVAL_SEC", time.Second, h.Interval)
	h.PingTimeout = common.GetConfigDuration("Health", "PROBE_TIMEOUT_SEC", time.Second, h.PingTimeout)
	h.FailureThreshold = common.GetConfigInt("Health", "FAILURE_THRESHOLD", h.FailureThreshold)
	h.MaxRestarts = common.GetConfigInt("Health", "MAX_RESTARTS", h.MaxRestarts)
	h.BackoffBase = common.GetConfigDuration("Health", "BACKOFF_BASE_SEC", time.Second, h.BackoffBase)
	h.BackoffMax = common.GetConfigDuration("Health", "BACKOFF_MAX_SEC", time.Second, h.BackoffMax)

	return cfg, nil
}
