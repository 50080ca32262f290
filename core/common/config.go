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

// core/common/config.go
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/ini.v1"
)

// 默认配置模板
const DefaultConfigTemplate = `# PhotonDNS Configuration File
# Format: INI
[Engine]
# TUN device name
# Default: photon0
TUN_NAME=photon0
# Local address/prefix of the virtual interface
# Default: 10.111.222.1/24
TUN_ADDRESS=10.111.222.1/24
# Route installed through the virtual interface (point the system resolver at this address)
# Default: 10.111.222.2/32
TUN_ROUTE=10.111.222.2/32
# Interface MTU
# Default: 1500
TUN_MTU=1500
# Resolver activated on start (section name suffix of [Resolver.<id>])
# Default: cloudflare
INITIAL_RESOLVER=cloudflare
# Start the engine together with the daemon
# Default: true
AUTO_START=true
# Pending query timeout (milliseconds)
# Default: 5000
PENDING_TIMEOUT_MS=5000
# Pending query reaper interval (seconds)
# Default: 5
REAPER_INTERVAL_SEC=5
# Upstream socket receive poll timeout (milliseconds)
# Default: 1000
RECEIVE_POLL_MS=1000
# DNS-over-HTTPS forwarding timeout (milliseconds)
# Default: 5000
DOH_TIMEOUT_MS=5000
# Workers used for DNS-over-HTTPS forwarding
# Default: 32
FORWARD_WORKERS=32
# Forward queue length as a multiple of FORWARD_WORKERS; queries beyond it are dropped
# Default: 4
FORWARD_QUEUE_FACTOR=4

[Resolver.cloudflare]
NAME=Cloudflare
PRIMARY=1.1.1.1
SECONDARY=1.0.0.1
ENABLED=true

[Resolver.google]
NAME=Google
PRIMARY=8.8.8.8
SECONDARY=8.8.4.4
ENABLED=true

[Resolver.quad9]
NAME=Quad9
PRIMARY=9.9.9.9
SECONDARY=149.112.112.112
ENABLED=true

[Resolver.cloudflare-doh]
NAME=Cloudflare DoH
DOH_URL=https://cloudflare-dns.com/dns-query
ENABLED=false

[Strategy]
# Preset (conservative/balanced/aggressive); explicit keys below override the preset
# Default: balanced
PRESET=balanced
# CHECK_INTERVAL_SEC=60
# MIN_IMPROVEMENT_MS=20
# CONSECUTIVE_CHECKS=3
# STABILITY_PERIOD_SEC=300
# HYSTERESIS_MARGIN_MS=10
# HIGH_IMPROVEMENT_MS=50
# Automatic switching enabled
# Default: true
AUTO_SWITCH=true

[Probe]
# Test domain pool (comma separated)
TEST_DOMAINS=google.com,cloudflare.com,wikipedia.org,github.com,amazon.com,apple.com
# Domains tested per probe round
# Default: 3
CONCURRENT_TEST_COUNT=3
# Attempts per domain
# Default: 2
MAX_RETRIES=2
# Per attempt timeout (milliseconds)
# Default: 3000
ATTEMPT_TIMEOUT_MS=3000
# Backoff between attempts (milliseconds)
# Default: 100
RETRY_BACKOFF_MS=100
# Reverse lookup anchors used when all domains fail
FALLBACK_ANCHORS=8.8.8.8,1.1.1.1
# Latency history size per resolver
# Default: 20
HISTORY_SIZE=20
# Resolvers probed in parallel
# Default: 4
PARALLEL_RESOLVERS=4

[Analysis]
# Minimum valid samples before full analysis
# Default: 3
MIN_SAMPLES=3
# Trend window
# Default: 5
TREND_WINDOW=5

[SlowNetwork]
SLOW_AVG_MS=500
SLOW_MAX_MS=1000
VERY_SLOW_AVG_MS=1000
VERY_SLOW_MAX_MS=2000
CRITICAL_AVG_MS=2000
CRITICAL_MAX_MS=4000
CRITICAL_FAILURE_COUNT=1
VERY_SLOW_FAILURE_COUNT=2
SLOW_FAILURE_COUNT=3
# Recovery poll interval (seconds)
RECOVERY_INTERVAL_SLOW_SEC=30
RECOVERY_INTERVAL_SEVERE_SEC=60
# Resolver id used by the recovery probe (first enabled resolver when empty)
RECOVERY_RESOLVER=cloudflare
RECOVERY_DOMAIN=cloudflare.com

[Health]
CHECK_INTERVAL_SEC=15
PROBE_TIMEOUT_SEC=5
FAILURE_THRESHOLD=2
MAX_RESTARTS=3
BACKOFF_BASE_SEC=5
BACKOFF_MAX_SEC=60

[Database]
# Database file path (relative to working directory)
# Default: photondns.db
DB_PATH=photondns.db
# History retention (days)
# Default: 7
RETENTION_DAYS=7
# Samples per resolver loaded into history on start
# Default: 20
WARM_START_SAMPLES=20

[APIServer]
# Default: 8080
API_SERVER_PORT=8080
# Default: 127.0.0.1
API_SERVER_IP_ADDR=127.0.0.1
# GIN running mode (debug/release)
GIN_MODE=release
# Administrator account created on first start (password stored as bcrypt hash)
ADMIN_USER=admin
ADMIN_PASSWORD=admin123

[JWT]
JWT_SECRET_KEY=your-default-jwt-secret-key-change-this-in-production
# Access token expiration (minutes)
ACCESS_TOKEN_EXPIRATION=30

[API]
RATE_LIMIT_ENABLED=true
# Requests per second per client
RATE_LIMIT_RPS=10
RATE_LIMIT_BURST=20

[Logging]
LOG_DIR=log
LOG_MAX_SIZE=10
LOG_MAX_FILES=10
LOG_MAX_AGE_DAYS=30
# Possible values: DEBUG, INFO, WARN, ERROR
LOG_LEVEL=INFO
`

// ConfigSection 配置节及其键值
type ConfigSection struct {
	Name   string
	Values map[string]string
}

var (
	configMu     sync.RWMutex
	globalConfig *ini.File
	configPath   string
)

// loadOptions ini解析选项
var loadOptions = ini.LoadOptions{
	IgnoreInlineComment: true,
	Insensitive:         false,
}

// DefaultConfigPath 返回相对于工作目录的默认配置文件路径
func DefaultConfigPath() string {
	workingDir, err := os.Getwd()
	if err != nil {
		workingDir = "."
	}
	return filepath.Join(workingDir, "config", "photondns.conf")
}

// LoadConfig 加载配置文件，不存在时写入默认模板
// 模板先于配置文件加载，因此缺失的键自动取模板中的默认值
func LoadConfig(path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}

	created := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
		if err := os.WriteFile(path, []byte(DefaultConfigTemplate), 0644); err != nil {
			return fmt.Errorf("创建默认配置文件失败: %w", err)
		}
		created = true
	}

	cfg, err := ini.LoadSources(loadOptions, []byte(DefaultConfigTemplate), path)
	if err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configPath = path
	configMu.Unlock()

	if created {
		NewLogger().Info("配置文件不存在，已创建默认配置: %s", path)
	}
	return nil
}

// LoadConfigFromString 从字符串加载配置，缺失键取默认模板
func LoadConfigFromString(content string) error {
	cfg, err := ini.LoadSources(loadOptions, []byte(DefaultConfigTemplate), []byte(content))
	if err != nil {
		return fmt.Errorf("解析配置失败: %w", err)
	}
	configMu.Lock()
	globalConfig = cfg
	configPath = ""
	configMu.Unlock()
	return nil
}

// ConfigFilePath 返回当前已加载的配置文件路径
func ConfigFilePath() string {
	configMu.RLock()
	defer configMu.RUnlock()
	return configPath
}

// GetConfig 获取配置值，环境变量优先
func GetConfig(section, key string) string {
	if envValue, ok := lookupEnv(key); ok {
		return envValue
	}

	configMu.RLock()
	defer configMu.RUnlock()
	if globalConfig == nil {
		return ""
	}
	sec, err := globalConfig.GetSection(section)
	if err != nil || !sec.HasKey(key) {
		return ""
	}
	return strings.TrimSpace(sec.Key(key).String())
}

// GetConfigInt 获取整数类型的配置值
func GetConfigInt(section, key string, defaultVal int) int {
	value := GetConfig(section, key)
	if value == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(value)
	if err != nil {
		return defaultVal
	}
	return intVal
}

// GetConfigBool 获取布尔类型的配置值
func GetConfigBool(section, key string, defaultVal bool) bool {
	value := GetConfig(section, key)
	if value == "" {
		return defaultVal
	}
	boolVal, err := strconv.ParseBool(value)
	if err != nil {
		return defaultVal
	}
	return boolVal
}

// GetConfigFloat 获取浮点数类型的配置值
func GetConfigFloat(section, key string, defaultVal float64) float64 {
	value := GetConfig(section, key)
	if value == "" {
		return defaultVal
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultVal
	}
	return floatVal
}

// GetConfigDuration 获取以unit为单位的整数配置并转换为时长
func GetConfigDuration(section, key string, unit time.Duration, defaultVal time.Duration) time.Duration {
	value := GetConfig(section, key)
	if value == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return defaultVal
	}
	return time.Duration(n) * unit
}

// GetConfigList 获取逗号分隔的列表配置
func GetConfigList(section, key string) []string {
	value := GetConfig(section, key)
	if value == "" {
		return nil
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

// GetSectionsWithPrefix 按文件顺序返回名称以prefix开头的所有节
// 这类节不做环境变量覆盖，同名键在不同节中含义不同
func GetSectionsWithPrefix(prefix string) []ConfigSection {
	configMu.RLock()
	defer configMu.RUnlock()
	if globalConfig == nil {
		return nil
	}

	var result []ConfigSection
	for _, sec := range globalConfig.Sections() {
		if !strings.HasPrefix(sec.Name(), prefix) {
			continue
		}
		result = append(result, ConfigSection{
			Name:   strings.TrimPrefix(sec.Name(), prefix),
			Values: sec.KeysHash(),
		})
	}
	return result
}

// GetConfigPath 获取路径类型的配置值（确保父目录存在）
func GetConfigPath(section, key string, defaultPath string) string {
	path := GetConfig(section, key)
	if path == "" {
		path = defaultPath
	}

	if !filepath.IsAbs(path) {
		workingDir, err := os.Getwd()
		if err != nil {
			NewLogger().Error("获取工作目录失败: %v", err)
			workingDir = "."
		}
		path = filepath.Join(workingDir, path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		NewLogger().Error("创建目录失败: %v", err)
	}

	return path
}
