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
// core/common/env.go
// 环境变量处理

package common

import (
	"os"
	"strconv"
	"strings"
)

const (
	// EnvPrefix 带前缀的环境变量优先于同名裸变量，如 PHOTONDNS_LOG_LEVEL
	EnvPrefix = "PHOTONDNS_"
	// DevModeEnvKey 开发模式环境变量键名
	DevModeEnvKey = EnvPrefix + "DEV_MODE"
	// DaemonEnvKey 守护进程子进程标记
	DaemonEnvKey = EnvPrefix + "DAEMON"
)

// LoadEnv 加载配置文件
func LoadEnv(path string) error {
	if err := LoadConfig(path); err != nil {
		return err
	}
	NewLogger().With("config").Info("配置加载完成: %s", ConfigFilePath())
	return nil
}

// IsDevMode 检查是否为开发模式
// 开发模式下API以debug模式运行并输出请求日志
func IsDevMode() bool {
	return GetEnvBool(DevModeEnvKey, false)
}

// IsDaemonChild 当前进程是否由StartDaemon创建
func IsDaemonChild() bool {
	return os.Getenv(DaemonEnvKey) == "1"
}

// lookupEnv 查找配置键对应的环境变量
func lookupEnv(key string) (string, bool) {
	key = strings.ToUpper(key)
	for _, name := range []string{EnvPrefix + key, key} {
		if v := os.Getenv(name); v != "" {
			return v, true
		}
	}
	return "", false
}

// GetEnvBool 获取布尔类型环境变量
func GetEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}
