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
// core/codec/ipv4.go
// IPv4/UDP/DNS头部编解码，全部为无状态函数

package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// 错误分类
var (
	// ErrMalformedPacket 头部过短或版本非法
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrTooShort DNS负载不足12字节
	ErrTooShort = fmt.Errorf("%w: too short", ErrMalformedPacket)
)

const (
	// IPv4HeaderLen 不含选项的IPv4头部长度
	IPv4HeaderLen = 20
	// ProtocolTCP TCP协议号
	ProtocolTCP = 6
	// ProtocolUDP UDP协议号
	ProtocolUDP = 17
	// DefaultTTL 构造响应包时使用的TTL
	DefaultTTL = 64
)

// IPv4Header IPv4头部
type IPv4Header struct {
	Version     uint8
	HeaderLen   int
	TOS         uint8
	TotalLength uint16
	ID          uint16
	Flags       uint8
	FragOffset  uint16
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src         netip.Addr
	Dst         netip.Addr
}

// PacketVersion 返回数据包首字节中的IP版本号，空包返回0
func PacketVersion(b []byte) uint8 {
	if len(b) == 0 {
		return 0
	}
	return b[0] >> 4
}

// ParseIPv4Header 解析IPv4头部
func ParseIPv4Header(b []byte) (IPv4Header, error) {
	if len(b) < IPv4HeaderLen {
		return IPv4Header{}, fmt.Errorf("%w: ipv4 header needs %d bytes, got %d", ErrMalformedPacket, IPv4HeaderLen, len(b))
	}
	version := b[0] >> 4
	if version != 4 {
		return IPv4Header{}, fmt.Errorf("%w: ip version %d", ErrMalformedPacket, version)
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < IPv4HeaderLen || ihl > len(b) {
		return IPv4Header{}, fmt.Errorf("%w: ipv4 header length %d", ErrMalformedPacket, ihl)
	}

	flagsFrag := binary.BigEndian.Uint16(b[6:8])
	return IPv4Header{
		Version:     version,
		HeaderLen:   ihl,
		TOS:         b[1],
		TotalLength: binary.BigEndian.Uint16(b[2:4]),
		ID:          binary.BigEndian.Uint16(b[4:6]),
		Flags:       uint8(flagsFrag >> 13),
		FragOffset:  flagsFrag & 0x1fff,
		TTL:         b[8],
		Protocol:    b[9],
		Checksum:    binary.BigEndian.Uint16(b[10:12]),
		Src:         netip.AddrFrom4([4]byte(b[12:16])),
		Dst:         netip.AddrFrom4([4]byte(b[16:20])),
	}, nil
}

// BuildIPv4Header 构造20字节IPv4头部并填入校验和
// HeaderLen与Checksum字段被忽略
func BuildIPv4Header(h IPv4Header) []byte {
	b := make([]byte, IPv4HeaderLen)
	b[0] = 4<<4 | IPv4HeaderLen/4
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Flags)<<13|h.FragOffset&0x1fff)
	ttl := h.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	b[8] = ttl
	b[9] = h.Protocol
	src := h.Src.As4()
	dst := h.Dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], IPv4Checksum(b))
	return b
}
