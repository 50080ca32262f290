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
// core/webapi/middleware/auth.go

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ClaimsKey 认证通过后声明在gin上下文中的键
const ClaimsKey = "claims"

// AuthMiddleware 认证中间件
// 验证请求中的JWT令牌，确保用户已登录
func AuthMiddleware(j *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := GetTokenFromRequest(c.Request)
		if token == "" {
			SendErrorResponse(c, "未提供访问令牌", http.StatusUnauthorized)
			c.Abort()
			return
		}

		claims, err := j.ParseToken(token)
		if err != nil {
			SendErrorResponse(c, "无效的访问令牌", http.StatusUnauthorized)
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// CurrentUser 返回当前请求的用户声明
func CurrentUser(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}
