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
// core/sdns/errors.go

package sdns

import "errors"

var (
	// ErrNoMatchingQuery 上游响应的事务ID没有对应的待响应查询
	ErrNoMatchingQuery = errors.New("no matching pending query")
	// ErrInterfaceIO 虚拟网卡读写失败，当前运行实例不可继续
	ErrInterfaceIO = errors.New("virtual interface i/o error")
	// ErrSocketBind 无法创建解析器的上游套接字
	ErrSocketBind = errors.New("upstream socket bind failed")
	// ErrEngineNotRunning 引擎未运行
	ErrEngineNotRunning = errors.New("engine not running")
	// ErrEngineRunning 引擎已在运行
	ErrEngineRunning = errors.New("engine already running")
	// ErrUnknownResolver 未配置的解析器ID
	ErrUnknownResolver = errors.New("unknown resolver")
	// ErrResolverDisabled 解析器已禁用
	ErrResolverDisabled = errors.New("resolver disabled")
	// ErrForwardQueueFull 转发队列已满
	ErrForwardQueueFull = errors.New("forward queue full")
)
