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
// core/tun/tun_linux.go

//go:build linux

package tun

import (
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

type waterDevice struct {
	*water.Interface
}

// Open 创建Linux TUN设备并通过netlink配置地址、MTU与路由
func Open(cfg Config) (Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("创建TUN设备失败: %w", err)
	}

	if err := configureLink(ifce.Name(), cfg); err != nil {
		ifce.Close()
		return nil, err
	}
	return &waterDevice{Interface: ifce}, nil
}

// NewOpener 返回按cfg打开设备的Opener
func NewOpener(cfg Config) Opener {
	return func() (Device, error) {
		return Open(cfg)
	}
}

func configureLink(name string, cfg Config) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("查找网卡 %s 失败: %w", name, err)
	}

	addr, err := netlink.ParseAddr(cfg.Address.String())
	if err != nil {
		return fmt.Errorf("解析网卡地址失败: %w", err)
	}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("设置网卡地址失败: %w", err)
	}

	mtu := cfg.MTU
	if mtu == 0 {
		mtu = DefaultMTU
	}
	if err := netlink.LinkSetMTU(link, mtu); err != nil {
		return fmt.Errorf("设置MTU失败: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("启用网卡失败: %w", err)
	}

	if cfg.Route.IsValid() {
		route := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst: &net.IPNet{
				IP:   net.IP(cfg.Route.Masked().Addr().AsSlice()),
				Mask: net.CIDRMask(cfg.Route.Bits(), 32),
			},
		}
		if err := netlink.RouteReplace(route); err != nil {
			return fmt.Errorf("添加路由 %s 失败: %w", cfg.Route, err)
		}
	}
	return nil
}
