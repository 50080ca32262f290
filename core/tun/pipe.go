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
// core/tun/pipe.go

package tun

import (
	"context"
	"sync"
)

// Pipe 内存虚拟网卡，供测试与嵌入式平台层注入数据包
// Inject写入的数据包由Read读出，Write写出的数据包进入Outbound
type Pipe struct {
	name     string
	in       chan []byte
	out      chan []byte
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	writeErr error
}

// NewPipe 创建内存网卡
func NewPipe(name string, buffer int) *Pipe {
	return &Pipe{
		name: name,
		in:   make(chan []byte, buffer),
		out:  make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Name 设备名
func (p *Pipe) Name() string {
	return p.name
}

// Read 读出一个注入的数据包
func (p *Pipe) Read(b []byte) (int, error) {
	select {
	case pkt := <-p.in:
		return copy(b, pkt), nil
	case <-p.done:
		return 0, ErrDeviceClosed
	}
}

// Write 写出一个数据包
func (p *Pipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	err := p.writeErr
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}

	pkt := append([]byte(nil), b...)
	select {
	case p.out <- pkt:
		return len(b), nil
	case <-p.done:
		return 0, ErrDeviceClosed
	}
}

// Close 关闭设备，阻塞中的Read/Write立即返回
func (p *Pipe) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// Closed 设备是否已关闭
func (p *Pipe) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Inject 模拟系统向网卡发送一个数据包
func (p *Pipe) Inject(ctx context.Context, pkt []byte) error {
	select {
	case p.in <- append([]byte(nil), pkt...):
		return nil
	case <-p.done:
		return ErrDeviceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next 等待引擎写出的下一个数据包
func (p *Pipe) Next(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.out:
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FailWrites 之后的写入返回err，用于模拟网卡I/O故障
func (p *Pipe) FailWrites(err error) {
	p.mu.Lock()
	p.writeErr = err
	p.mu.Unlock()
}
