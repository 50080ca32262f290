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
// core/webapi/middleware/jwt.go

package middleware

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"PhotonDNS/core/common"

	"github.com/golang-jwt/jwt/v4"
)

// Claims 自定义JWT声明
type Claims struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

const (
	// 最小密钥长度
	minSecretKeyLength = 32
	// 默认访问令牌有效期
	defaultAccessExpiration = 30 * time.Minute
	issuer                  = "PhotonDNS"
)

// JWTManager 令牌签发与校验
type JWTManager struct {
	logger                *common.Logger
	jwtKey                []byte
	AccessTokenExpiration time.Duration
}

// NewJWTManager 创建JWT管理器，密钥强度不足时生成临时随机密钥
func NewJWTManager(secret string, accessExpiration time.Duration) *JWTManager {
	logger := common.NewLogger().With("jwt")
	if !validateSecretKey(secret) {
		logger.Warn("JWT密钥强度不足，已生成临时强密钥，请在配置文件中设置JWT_SECRET_KEY")
		secret = generateStrongSecret()
	}
	if accessExpiration <= 0 {
		accessExpiration = defaultAccessExpiration
	}
	return &JWTManager{
		logger:                logger,
		jwtKey:                []byte(secret),
		AccessTokenExpiration: accessExpiration,
	}
}

// NewJWTManagerFromConfig 从[JWT]配置创建
func NewJWTManagerFromConfig() *JWTManager {
	return NewJWTManager(
		common.GetConfig("JWT", "JWT_SECRET_KEY"),
		common.GetConfigDuration("JWT", "ACCESS_TOKEN_EXPIRATION", time.Minute, defaultAccessExpiration),
	)
}

// validateSecretKey 验证密钥强度
func validateSecretKey(secret string) bool {
	return len(secret) >= minSecretKeyLength
}

// generateStrongSecret 生成强密钥
func generateStrongSecret() string {
	buf := make([]byte, minSecretKeyLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("生成随机密钥失败: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// GenerateToken 生成访问令牌
func (j *JWTManager) GenerateToken(userID uint, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.AccessTokenExpiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   "access token",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.jwtKey)
}

// ParseToken 校验令牌并返回声明
func (j *JWTManager) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("不支持的签名算法: %v", token.Header["alg"])
		}
		return j.jwtKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("无效的token")
	}
	return claims, nil
}
