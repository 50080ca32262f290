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
// core/sdns/pump.go
// 数据包泵：读取虚拟网卡，DNS查询交给转发引擎，其余原样写回

package sdns

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/miekg/dns"

	"PhotonDNS/core/codec"
	"PhotonDNS/core/common"
	"PhotonDNS/core/tun"
)

// Disposition 单个数据包的处理结果
type Disposition int

const (
	// DispositionForwarded 作为DNS查询转发
	DispositionForwarded Disposition = iota
	// DispositionPassThrough 原样写回
	DispositionPassThrough
	// DispositionDropped 丢弃
	DispositionDropped
)

// PumpStats 数据包计数
type PumpStats struct {
	Packets     uint64 `json:"packets"`
	Queries     uint64 `json:"queries"`
	PassThrough uint64 `json:"passThrough"`
	Dropped     uint64 `json:"dropped"`
}

// Forwarding 数据包泵依赖的转发能力
type Forwarding interface {
	Forward(ctx context.Context, q codec.Query) error
}

// PacketPump 数据包泵
type PacketPump struct {
	dev       tun.Device
	pending   *PendingQueryTable
	forwarder Forwarding
	onFatal   func(error)
	logger    *common.Logger
	bufSize   int

	packets     atomic.Uint64
	queries     atomic.Uint64
	passThrough atomic.Uint64
	dropped     atomic.Uint64
}

// NewPacketPump 创建数据包泵
func NewPacketPump(dev tun.Device, pending *PendingQueryTable, forwarder Forwarding, mtu int, onFatal func(error)) *PacketPump {
	if mtu <= 0 {
		mtu = tun.DefaultMTU
	}
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &PacketPump{
		dev:       dev,
		pending:   pending,
		forwarder: forwarder,
		onFatal:   onFatal,
		logger:    common.NewLogger().With("pump"),
		bufSize:   mtu + 64,
	}
}

// Run 逐个读取数据包，直到ctx取消或网卡出错
// 网卡读写失败时返回包装了ErrInterfaceIO的错误
func (p *PacketPump) Run(ctx context.Context) error {
	buf := make([]byte, p.bufSize)
	for {
		n, err := p.dev.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, tun.ErrDeviceClosed) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			err = fmt.Errorf("%w: read: %v", ErrInterfaceIO, err)
			p.onFatal(err)
			return err
		}
		if n == 0 {
			continue
		}

		if _, err := p.HandlePacket(ctx, buf[:n]); errors.Is(err, ErrInterfaceIO) {
			if ctx.Err() != nil {
				return nil
			}
			p.onFatal(err)
			return err
		}
	}
}

// HandlePacket 处理一个数据包
// 数据包级错误只记录日志，只有网卡写失败才返回ErrInterfaceIO
func (p *PacketPump) HandlePacket(ctx context.Context, packet []byte) (Disposition, error) {
	p.packets.Add(1)

	if codec.PacketVersion(packet) != 4 {
		return p.passThroughPacket(packet)
	}
	ip, err := codec.ParseIPv4Header(packet)
	if err != nil {
		return p.drop("IPv4头部无效", err)
	}
	if ip.Protocol != codec.ProtocolUDP {
		// TCP等协议不代理
		return p.passThroughPacket(packet)
	}

	udp, err := codec.ParseUDPHeader(packet, ip.HeaderLen)
	if err != nil {
		return p.drop("UDP头部无效", err)
	}
	if udp.DstPort != codec.DNSPort {
		return p.passThroughPacket(packet)
	}

	payload, err := codec.UDPPayload(packet, ip, udp)
	if err != nil {
		return p.drop("UDP负载无效", err)
	}
	hdr, err := codec.ParseDNSHeader(payload, 0)
	if err != nil {
		return p.drop("DNS负载过短", err)
	}
	if hdr.IsResponse() {
		return p.drop("非查询报文", fmt.Errorf("%w: response bit set", codec.ErrMalformedPacket))
	}
	if hdr.QuestionCount == 0 {
		return p.drop("查询无问题段", fmt.Errorf("%w: no question", codec.ErrMalformedPacket))
	}

	q := codec.Query{IP: ip, UDP: udp, DNS: hdr, Payload: payload}
	p.queries.Add(1)
	p.pending.Register(hdr.TransactionID, q.Client(), q.Server())
	if p.logger.GetLevel() == common.DEBUG {
		p.logger.Debug("查询 %d %s 来自 %s", hdr.TransactionID, describeQuestion(payload), q.Client())
	}

	if err := p.forwarder.Forward(ctx, q); err != nil {
		p.logger.Warn("转发查询 %d 失败: %v", hdr.TransactionID, err)
		return DispositionDropped, nil
	}
	return DispositionForwarded, nil
}

func (p *PacketPump) passThroughPacket(packet []byte) (Disposition, error) {
	p.passThrough.Add(1)
	if _, err := p.dev.Write(packet); err != nil {
		return DispositionPassThrough, fmt.Errorf("%w: write: %v", ErrInterfaceIO, err)
	}
	return DispositionPassThrough, nil
}

func (p *PacketPump) drop(reason string, err error) (Disposition, error) {
	p.dropped.Add(1)
	p.logger.Debug("丢弃数据包: %s: %v", reason, err)
	return DispositionDropped, err
}

// Stats 返回计数快照
func (p *PacketPump) Stats() PumpStats {
	return PumpStats{
		Packets:     p.packets.Load(),
		Queries:     p.queries.Load(),
		PassThrough: p.passThrough.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// describeQuestion 用于调试日志的问题描述
func describeQuestion(payload []byte) string {
	var msg dns.Msg
	if msg.Unpack(payload) == nil && len(msg.Question) > 0 {
		q := msg.Question[0]
		return q.Name + " " + dns.TypeToString[q.Qtype]
	}
	name, err := codec.ExtractQuestionName(payload, 0)
	if err != nil {
		return "?"
	}
	return name
}
