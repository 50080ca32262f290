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
// core/database/database.go

package database

import (
	"errors"
	"fmt"
	"time"

	"PhotonDNS/core/common"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultDBPath 默认SQLite数据库文件
const DefaultDBPath = "photondns.db"

// Store 遥测数据存储
type Store struct {
	db     *gorm.DB
	logger *common.Logger
}

// gormLogger 按日志级别设置GORM日志
func gormLogger(level common.LogLevel) logger.Interface {
	switch level {
	case common.DEBUG:
		return logger.Default.LogMode(logger.Info)
	case common.WARN:
		return logger.Default.LogMode(logger.Warn)
	case common.ERROR:
		return logger.Default.LogMode(logger.Error)
	}
	return logger.Default.LogMode(logger.Silent)
}

// Open 打开数据库并创建表
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormLogger(common.GetLogLevelFromEnv()),
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取数据库连接池失败: %w", err)
	}
	sqlDB.SetMaxIdleConns(1) // sqlite 推荐设置为1
	sqlDB.SetMaxOpenConns(1) // sqlite 推荐设置为1
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &Store{db: db, logger: common.NewLogger().With("database")}
	if err := s.migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	s.logger.Info("SQLite数据库连接成功: %s", dbPath)
	return s, nil
}

// OpenFromConfig 按[Database]配置打开数据库
func OpenFromConfig() (*Store, error) {
	return Open(common.GetConfigPath("Database", "DB_PATH", DefaultDBPath))
}

func (s *Store) migrate() error {
	// 按依赖关系排序
	tables := []interface{}{
		&User{},
		&ProbeRecord{},
		&SwitchRecord{},
		&EngineEventRecord{},
	}
	for _, table := range tables {
		if err := s.db.AutoMigrate(table); err != nil {
			return fmt.Errorf("迁移表失败: %w", err)
		}
	}
	return nil
}

// CheckConnection 检查数据库连接是否正常
func (s *Store) CheckConnection() error {
	if s == nil || s.db == nil {
		return errors.New("database not initialized")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close 关闭数据库
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CleanOldRecords 删除早于retentionDays天的探测、切换与事件记录
func (s *Store) CleanOldRecords(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var total int64
	for _, table := range []interface{}{&ProbeRecord{}, &SwitchRecord{}, &EngineEventRecord{}} {
		result := s.db.Where("timestamp < ?", cutoff).Delete(table)
		if result.Error != nil {
			return total, fmt.Errorf("清理过期记录失败: %w", result.Error)
		}
		total += result.RowsAffected
	}
	if total > 0 {
		s.logger.Info("清理了 %d 条过期记录", total)
	}
	return total, nil
}
