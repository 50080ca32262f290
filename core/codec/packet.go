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
// core/codec/packet.go

package codec

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// DNSPort DNS端口
const DNSPort = 53

// Query 从TUN读到的DNS查询
type Query struct {
	IP      IPv4Header
	UDP     UDPHeader
	DNS     DNSHeader
	Payload []byte
}

// Client 发起查询的客户端地址
func (q Query) Client() netip.AddrPort {
	return netip.AddrPortFrom(q.IP.Src, q.UDP.SrcPort)
}

// Server 客户端查询的目标地址
func (q Query) Server() netip.AddrPort {
	return netip.AddrPortFrom(q.IP.Dst, q.UDP.DstPort)
}

// UDPPayload 返回IPv4数据包中的UDP负载
// 以UDP长度字段和IP总长度中较小者截断
func UDPPayload(packet []byte, ip IPv4Header, udp UDPHeader) ([]byte, error) {
	start := ip.HeaderLen + UDPHeaderLen
	end := len(packet)
	if tl := int(ip.TotalLength); tl > 0 && tl < end {
		end = tl
	}
	if ul := ip.HeaderLen + int(udp.Length); udp.Length >= UDPHeaderLen && ul < end {
		end = ul
	}
	if start > end {
		return nil, fmt.Errorf("%w: udp length %d", ErrMalformedPacket, udp.Length)
	}
	return packet[start:end], nil
}

// BuildResponsePacket 将DNS响应封装为发往客户端的IPv4+UDP数据包
// from为客户端原查询的目标地址，to为客户端地址
func BuildResponsePacket(from, to netip.AddrPort, payload []byte, id uint16) ([]byte, error) {
	if !from.Addr().Is4() || !to.Addr().Is4() {
		return nil, fmt.Errorf("%w: response addresses must be ipv4", ErrMalformedPacket)
	}
	total := IPv4HeaderLen + UDPHeaderLen + len(payload)
	if total > 0xffff {
		return nil, fmt.Errorf("%w: payload of %d bytes too large", ErrMalformedPacket, len(payload))
	}

	ip := BuildIPv4Header(IPv4Header{
		TotalLength: uint16(total),
		ID:          id,
		Flags:       0x2, // DF
		TTL:         DefaultTTL,
		Protocol:    ProtocolUDP,
		Src:         from.Addr(),
		Dst:         to.Addr(),
	})

	packet := make([]byte, 0, total)
	packet = append(packet, ip...)
	packet = append(packet, BuildUDPHeader(from.Port(), to.Port(), len(payload))...)
	packet = append(packet, payload...)

	segment := packet[IPv4HeaderLen:]
	binary.BigEndian.PutUint16(segment[6:8], UDPChecksum(from.Addr(), to.Addr(), segment))
	return packet, nil
}
