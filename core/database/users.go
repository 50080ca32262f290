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
// core/database/users.go

package database

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrUserNotFound 用户不存在
var ErrUserNotFound = errors.New("用户不存在")

// User 控制接口用户
type User struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	Username string `json:"username" gorm:"uniqueIndex;not null"`
	Password string `json:"-" gorm:"column:password;not null"` // 不在JSON中输出
}

// CreateUser 创建用户，密码以bcrypt存储
func (s *Store) CreateUser(user *User) error {
	var existing User
	if err := s.db.Where("username = ?", user.Username).First(&existing).Error; err == nil {
		return fmt.Errorf("用户名已存在")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(user.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("加密密码失败: %w", err)
	}
	user.Password = string(hashed)

	if err := s.db.Create(user).Error; err != nil {
		return fmt.Errorf("创建用户失败: %w", err)
	}
	return nil
}

// GetUserByUsername 根据用户名获取用户
func (s *Store) GetUserByUsername(username string) (*User, error) {
	var user User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdatePassword 修改密码
func (s *Store) UpdatePassword(username, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("加密密码失败: %w", err)
	}
	result := s.db.Model(&User{}).Where("username = ?", username).Update("password", string(hashed))
	if result.Error != nil {
		return fmt.Errorf("更新密码失败: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ValidateUser 验证用户凭据
func (s *Store) ValidateUser(username, password string) (*User, bool) {
	user, err := s.GetUserByUsername(username)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			s.logger.Warn("查询用户失败: %v", err)
		}
		return nil, false
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return nil, false
	}
	return user, true
}

// EnsureAdminUser 首次启动时创建管理员，已存在则不修改
func (s *Store) EnsureAdminUser(username, password string) (bool, error) {
	if username == "" || password == "" {
		return false, errors.New("管理员用户名和密码不能为空")
	}

	var count int64
	if err := s.db.Model(&User{}).Where("username = ?", username).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}

	if err := s.CreateUser(&User{Username: username, Password: password}); err != nil {
		return false, fmt.Errorf("创建管理员用户失败: %w", err)
	}
	s.logger.Info("管理员用户创建成功: %s", username)
	return true, nil
}
