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
// core/codec/udp.go

package codec

import (
	"encoding/binary"
	"fmt"
)

// UDPHeaderLen UDP头部长度
const UDPHeaderLen = 8

// UDPHeader UDP头部
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ParseUDPHeader 从offset处解析UDP头部
func ParseUDPHeader(b []byte, offset int) (UDPHeader, error) {
	if offset < 0 || len(b)-offset < UDPHeaderLen {
		return UDPHeader{}, fmt.Errorf("%w: udp header needs %d bytes at offset %d, got %d", ErrMalformedPacket, UDPHeaderLen, offset, len(b)-offset)
	}
	u := b[offset:]
	return UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(u[0:2]),
		DstPort:  binary.BigEndian.Uint16(u[2:4]),
		Length:   binary.BigEndian.Uint16(u[4:6]),
		Checksum: binary.BigEndian.Uint16(u[6:8]),
	}, nil
}

// BuildUDPHeader 构造UDP头部，校验和字段置0
func BuildUDPHeader(srcPort, dstPort uint16, payloadLen int) []byte {
	b := make([]byte, UDPHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(UDPHeaderLen+payloadLen))
	return b
}
