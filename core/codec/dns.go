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
// core/codec/dns.go

package codec

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// DNSHeaderLen DNS报文头长度
	DNSHeaderLen = 12
	// CompressedName 遇到压缩指针时返回的占位名
	CompressedName = "[compressed]"

	flagQR       = 0x8000
	maxLabelLen  = 63
	maxNameBytes = 255
)

// DNSHeader DNS报文头
type DNSHeader struct {
	TransactionID  uint16
	Flags          uint16
	QuestionCount  uint16
	AnswerCount    uint16
	AuthorityCount uint16
	AdditionCount  uint16
}

// IsResponse QR位是否置位
func (h DNSHeader) IsResponse() bool {
	return h.Flags&flagQR != 0
}

// ParseDNSHeader 从offset处解析DNS报文头
func ParseDNSHeader(b []byte, offset int) (DNSHeader, error) {
	if offset < 0 || offset > len(b) || len(b)-offset < DNSHeaderLen {
		return DNSHeader{}, fmt.Errorf("%w: dns header needs %d bytes", ErrTooShort, DNSHeaderLen)
	}
	d := b[offset:]
	return DNSHeader{
		TransactionID:  binary.BigEndian.Uint16(d[0:2]),
		Flags:          binary.BigEndian.Uint16(d[2:4]),
		QuestionCount:  binary.BigEndian.Uint16(d[4:6]),
		AnswerCount:    binary.BigEndian.Uint16(d[6:8]),
		AuthorityCount: binary.BigEndian.Uint16(d[8:10]),
		AdditionCount:  binary.BigEndian.Uint16(d[10:12]),
	}, nil
}

// ExtractQuestionName 读取第一个问题的域名，offset为DNS报文起始位置
// 不解析压缩指针，遇到长度字节大于63时返回CompressedName，仅用于日志
func ExtractQuestionName(b []byte, offset int) (string, error) {
	pos := offset + DNSHeaderLen
	if offset < 0 || pos > len(b) {
		return "", fmt.Errorf("%w: no question section", ErrTooShort)
	}

	var sb strings.Builder
	for {
		if pos >= len(b) {
			return "", fmt.Errorf("%w: question name truncated", ErrMalformedPacket)
		}
		l := int(b[pos])
		if l == 0 {
			break
		}
		if l > maxLabelLen {
			return CompressedName, nil
		}
		pos++
		if pos+l > len(b) {
			return "", fmt.Errorf("%w: label exceeds packet", ErrMalformedPacket)
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.Write(b[pos : pos+l])
		if sb.Len() > maxNameBytes {
			return "", fmt.Errorf("%w: question name too long", ErrMalformedPacket)
		}
		pos += l
	}
	if sb.Len() == 0 {
		return ".", nil
	}
	return sb.String(), nil
}
