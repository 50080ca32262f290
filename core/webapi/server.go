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
// core/webapi/server.go

package webapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"PhotonDNS/core/common"
)

// ServerConfig API服务器监听配置
type ServerConfig struct {
	Addr string
	Port string
}

// ServerConfigFromConfig 从[APIServer]读取监听地址
func ServerConfigFromConfig() ServerConfig {
	cfg := ServerConfig{
		Addr: common.GetConfig("APIServer", "API_SERVER_IP_ADDR"),
		Port: common.GetConfig("APIServer", "API_SERVER_PORT"),
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	return cfg
}

// HTTPServer API服务器包装器，包含服务器实例和运行状态
type HTTPServer struct {
	cfg     ServerConfig
	handler http.Handler
	logger  *common.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewHTTPServer 创建API服务器
func NewHTTPServer(cfg ServerConfig, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		cfg:     cfg,
		handler: handler,
		logger:  common.NewLogger().With("httpd"),
	}
}

// IsRunning 检查API服务器是否运行
func (hs *HTTPServer) IsRunning() bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.server != nil
}

// Addr 实际监听地址，未运行时为空
func (hs *HTTPServer) Addr() string {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.listener == nil {
		return ""
	}
	return hs.listener.Addr().String()
}

// Start 启动API服务器，监听失败时同步返回错误
func (hs *HTTPServer) Start() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if hs.server != nil {
		hs.logger.Info("API服务器已经在运行中")
		return nil
	}

	addr := net.JoinHostPort(hs.cfg.Addr, hs.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           hs.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	hs.server = srv
	hs.listener = ln

	hs.logger.Info("启动API服务器，监听地址: %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("API服务器异常退出: %v", err)
		}
	}()
	return nil
}

// Stop 停止API服务器
func (hs *HTTPServer) Stop(ctx context.Context) error {
	hs.mu.Lock()
	srv := hs.server
	hs.server = nil
	hs.listener = nil
	hs.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			hs.logger.Error("停止API服务器超时: %v", err)
		}
		return err
	}
	hs.logger.Debug("API服务器停止成功")
	return nil
}
