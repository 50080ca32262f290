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
// core/codec/checksum.go

package codec

import (
	"encoding/binary"
	"net/netip"
)

// IPv4Checksum 计算IPv4头部校验和（RFC 791）
// 按16位字求和并折叠进位后取反，第10-11字节的校验和字段按0参与计算
func IPv4Checksum(header []byte) uint16 {
	var sum uint32
	n := len(header)
	for i := 0; i+1 < n; i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(header[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(header[n-1]) << 8
	}
	return fold(sum)
}

// UDPChecksum 计算带IPv4伪首部的UDP校验和
// segment为UDP头加负载，其中校验和字段按0参与计算
func UDPChecksum(src, dst netip.Addr, segment []byte) uint16 {
	s4 := src.As4()
	d4 := dst.As4()

	var sum uint32
	sum += uint32(binary.BigEndian.Uint16(s4[0:2]))
	sum += uint32(binary.BigEndian.Uint16(s4[2:4]))
	sum += uint32(binary.BigEndian.Uint16(d4[0:2]))
	sum += uint32(binary.BigEndian.Uint16(d4[2:4]))
	sum += ProtocolUDP
	sum += uint32(len(segment))

	n := len(segment)
	for i := 0; i+1 < n; i += 2 {
		if i == 6 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(segment[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(segment[n-1]) << 8
	}

	c := fold(sum)
	// 全零在UDP中表示未计算校验和
	if c == 0 {
		return 0xffff
	}
	return c
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
