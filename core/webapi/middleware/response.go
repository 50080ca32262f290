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
// core/webapi/middleware/response.go

package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Success bool   `json:"success"`         // 是否成功
	Message string `json:"message"`         // 错误消息
	Code    int    `json:"code,omitempty"`  // 错误代码
	Error   string `json:"error,omitempty"` // 原始错误信息
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

var (
	pathRegex      = regexp.MustCompile(`[a-zA-Z]:\\[^"'\s]+|/[^"'\s]+`)
	stackRegex     = regexp.MustCompile(`(?:goroutine\s+\d+|runtime\.[\w]+)`)
	sensitiveRegex = regexp.MustCompile(`(?i)(password|secret|token|key|credential)\s*[:=]\s*[^\s,]+`)
)

// GetTokenFromRequest 从请求中获取token
// 浏览器websocket无法设置请求头，允许通过token查询参数传递
func GetTokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return token
	}
	if authHeader == "" {
		return r.URL.Query().Get("token")
	}
	return ""
}

// sanitizeError 对错误信息进行脱敏处理，防止泄露系统内部信息
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := pathRegex.ReplaceAllString(err.Error(), "[路径已隐藏]")
	errStr = stackRegex.ReplaceAllString(errStr, "[堆栈信息已隐藏]")
	return sensitiveRegex.ReplaceAllString(errStr, "$1=[已隐藏]")
}

// SendErrorResponse 发送错误响应
func SendErrorResponse(c *gin.Context, message string, statusCode int) {
	c.JSON(statusCode, ErrorResponse{
		Success: false,
		Message: message,
		Code:    statusCode,
	})
}

// SendDetailedErrorResponse 发送带脱敏错误详情的响应
func SendDetailedErrorResponse(c *gin.Context, message string, statusCode int, err error) {
	c.JSON(statusCode, ErrorResponse{
		Success: false,
		Message: message,
		Code:    statusCode,
		Error:   sanitizeError(err),
	})
}

// SendSuccessResponse 发送成功响应
func SendSuccessResponse(c *gin.Context, data interface{}, message string) {
	c.JSON(http.StatusOK, SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}
