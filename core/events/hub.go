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
// core/events/hub.go
// 通过websocket向控制端推送事件

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"PhotonDNS/core/common"
)

const writeWait = 5 * time.Second

// WebSocketMessage websocket消息格式
type WebSocketMessage struct {
	Type string   `json:"type"`
	Data Envelope `json:"data"`
}

// Hub 维护websocket客户端并广播事件
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	upgrader   websocket.Upgrader
	logger     *common.Logger
}

// NewHub 创建Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: common.NewLogger().With("hub"),
	}
}

// Run 订阅总线并分发消息，直到ctx取消
func (h *Hub) Run(ctx context.Context, bus *Bus) {
	sub, cancel := bus.Subscribe(DefaultSubscriberBuffer)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case env, ok := <-sub:
			if !ok {
				h.closeAll()
				return
			}
			h.Broadcast(env)
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()
			h.logger.Info("websocket客户端已连接: %s", conn.RemoteAddr())
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				h.logger.Info("websocket客户端已断开: %s", conn.RemoteAddr())
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Warn("写入websocket客户端 %s 失败: %v", conn.RemoteAddr(), err)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast 排队一条事件广播，队列满时丢弃
func (h *Hub) Broadcast(env Envelope) {
	msg, err := json.Marshal(WebSocketMessage{Type: string(env.Kind), Data: env})
	if err != nil {
		h.logger.Error("序列化事件失败: %v", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
	}
}

// ClientCount 当前客户端数量
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

// ServeWs 升级HTTP连接并注册客户端，读循环只用于感知断开
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket升级失败: %v", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() {
			h.unregister <- conn
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.logger.Warn("websocket异常关闭: %v", err)
				}
				return
			}
		}
	}()
}
