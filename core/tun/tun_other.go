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
// core/tun/tun_other.go

//go:build !linux

package tun

import (
	"fmt"
	"runtime"
)

// Open 非Linux平台需由平台层提供设备
func Open(cfg Config) (Device, error) {
	return nil, fmt.Errorf("当前平台 %s 不支持直接创建TUN设备", runtime.GOOS)
}

// NewOpener 返回按cfg打开设备的Opener
func NewOpener(cfg Config) Opener {
	return func() (Device, error) {
		return Open(cfg)
	}
}
