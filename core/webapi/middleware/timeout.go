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
// core/webapi/middleware/timeout.go
// 全局请求超时中间件

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// GetTimeoutByPath 根据请求路径获取对应的超时时间
func GetTimeoutByPath(path string) time.Duration {
	switch {
	case path == "/api/login":
		return 10 * time.Second
	case path == "/api/engine/probe":
		// 一轮完整探测
		return 60 * time.Second
	case strings.HasPrefix(path, "/api/engine/"):
		// 启停涉及TUN设备与socket
		return 30 * time.Second
	case strings.HasPrefix(path, "/api/history/"):
		return 15 * time.Second
	default:
		return 10 * time.Second
	}
}

// TimeoutMiddleware 为请求上下文设置按路径区分的截止时间
func TimeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), GetTimeoutByPath(c.Request.URL.Path))
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
