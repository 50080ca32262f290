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
// core/model/profile.go
// 上游解析器配置

package model

import (
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
)

// DNSServerProfile 上游DNS解析器描述
// 除enabled外创建后不再修改，生命周期与进程相同
type DNSServerProfile struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
	DoHURL    string `json:"dohUrl,omitempty"`

	enabled atomic.Bool
}

// NewDNSServerProfile 创建UDP解析器配置
func NewDNSServerProfile(id, name, primary, secondary string) *DNSServerProfile {
	p := &DNSServerProfile{ID: id, Name: name, Primary: primary, Secondary: secondary}
	p.enabled.Store(true)
	return p
}

// NewDoHServerProfile 创建DNS-over-HTTPS解析器配置
func NewDoHServerProfile(id, name, dohURL string) *DNSServerProfile {
	p := &DNSServerProfile{ID: id, Name: name, DoHURL: dohURL}
	p.enabled.Store(true)
	return p
}

// IsDoH 是否为基于URL的解析器
func (p *DNSServerProfile) IsDoH() bool {
	return p.DoHURL != ""
}

// Enabled 是否启用
func (p *DNSServerProfile) Enabled() bool {
	return p.enabled.Load()
}

// SetEnabled 设置启用状态
func (p *DNSServerProfile) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// UDPAddress 返回主地址的 host:53
func (p *DNSServerProfile) UDPAddress() string {
	return net.JoinHostPort(p.Primary, "53")
}

// Endpoint 返回用于日志展示的端点
func (p *DNSServerProfile) Endpoint() string {
	if p.IsDoH() {
		return p.DoHURL
	}
	return p.UDPAddress()
}

// Validate 校验配置
func (p *DNSServerProfile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("解析器ID不能为空")
	}
	if p.IsDoH() {
		u, err := url.Parse(p.DoHURL)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return fmt.Errorf("解析器 %s 的DoH地址无效: %s", p.ID, p.DoHURL)
		}
		return nil
	}
	if net.ParseIP(p.Primary) == nil {
		return fmt.Errorf("解析器 %s 的主地址无效: %q", p.ID, p.Primary)
	}
	if p.Secondary != "" && net.ParseIP(p.Secondary) == nil {
		return fmt.Errorf("解析器 %s 的备用地址无效: %q", p.ID, p.Secondary)
	}
	return nil
}

// ProfileView 可序列化的配置快照
type ProfileView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
	DoHURL    string `json:"dohUrl,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// View 返回配置快照
func (p *DNSServerProfile) View() ProfileView {
	return ProfileView{
		ID:        p.ID,
		Name:      p.Name,
		Primary:   p.Primary,
		Secondary: p.Secondary,
		DoHURL:    p.DoHURL,
		Enabled:   p.Enabled(),
	}
}
