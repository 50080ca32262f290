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
// core/upstream/upstream.go
// 上游解析器交换：UDP与DNS-over-HTTPS

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"

	"PhotonDNS/core/model"
)

// 上游错误分类，均为可预期的临时失败
var (
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
)

// Exchanger 一次应用层DNS交换
type Exchanger interface {
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

// Classify 将底层错误归入超时或不可达
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnreachable) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
}

// UDPExchanger 基于miekg/dns客户端的UDP交换
type UDPExchanger struct {
	Address string
	client  *dns.Client
}

// NewUDPExchanger 创建UDP交换器，address为host:port
func NewUDPExchanger(address string, timeout time.Duration) *UDPExchanger {
	return &UDPExchanger{
		Address: address,
		client:  &dns.Client{Net: "udp", Timeout: timeout, UDPSize: dns.DefaultMsgSize},
	}
}

// Exchange 发送查询并等待响应
func (u *UDPExchanger) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	resp, _, err := u.client.ExchangeContext(ctx, msg, u.Address)
	if err != nil {
		return nil, Classify(err)
	}
	return resp, nil
}

// Factory 为解析器构造交换器
type Factory struct {
	Timeout time.Duration
	DoH     *DoHClient
}

// NewFactory 创建交换器工厂
func NewFactory(timeout time.Duration) *Factory {
	return &Factory{Timeout: timeout, DoH: NewDoHClient(timeout)}
}

// For 返回解析器对应的交换器
func (f *Factory) For(p *model.DNSServerProfile) Exchanger {
	if p.IsDoH() {
		return &DoHExchanger{Client: f.DoH, URL: p.DoHURL}
	}
	return NewUDPExchanger(p.UDPAddress(), f.Timeout)
}

// NewQuery 构造带随机ID与EDNS0的查询
func NewQuery(name string, qtype uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true
	msg.SetEdns0(dns.DefaultMsgSize, false)
	return msg
}

// HasAnswer 响应成功且包含应答记录
func HasAnswer(resp *dns.Msg) bool {
	return resp != nil && resp.Rcode == dns.RcodeSuccess && len(resp.Answer) > 0
}
