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
// core/tun/device.go
// 虚拟网卡抽象：双向原始IPv4数据包流

package tun

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// ErrDeviceClosed 设备已关闭
var ErrDeviceClosed = errors.New("tun device closed")

// DefaultMTU 默认MTU
const DefaultMTU = 1500

// Device 虚拟网卡，每次Read/Write对应一个完整IP数据包
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// Config 虚拟网卡声明的地址与路由
type Config struct {
	Name    string
	Address netip.Prefix
	Route   netip.Prefix
	MTU     int
}

// Validate 校验配置
func (c Config) Validate() error {
	if !c.Address.IsValid() || !c.Address.Addr().Is4() {
		return fmt.Errorf("虚拟网卡地址无效: %s", c.Address)
	}
	if c.Route.IsValid() && !c.Route.Addr().Is4() {
		return fmt.Errorf("虚拟网卡路由无效: %s", c.Route)
	}
	if c.MTU < 0 || c.MTU > 65535 {
		return fmt.Errorf("MTU超出范围: %d", c.MTU)
	}
	return nil
}

// Opener 打开虚拟网卡，每次引擎启动调用一次
type Opener func() (Device, error)
