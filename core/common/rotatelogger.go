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
// core/common/rotatelogger.go

package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultMaxSizeMB 默认单个日志文件大小限制 (MB)
	DefaultMaxSizeMB = 10
	// DefaultMaxFiles 默认保留的日志文件数量
	DefaultMaxFiles = 10
	// DefaultLogDir 默认日志目录
	DefaultLogDir = "log"
	// DefaultLogFile 默认日志文件名
	DefaultLogFile = "photondns.log"
)

// LogOptions 日志输出配置
type LogOptions struct {
	Dir        string
	File       string
	MaxSizeMB  int
	MaxFiles   int
	MaxAgeDays int
	Stdout     bool
	WriteFile  bool
}

// RotateLogger 轮转日志输出，文件部分由lumberjack负责切割
type RotateLogger struct {
	file   *lumberjack.Logger
	writer io.Writer
}

// NewRotateLogger 创建轮转日志输出并设置为全局日志输出
// 参数:
//
//	opts: 日志输出配置
//
// 返回值:
//
//	*RotateLogger: 轮转日志输出
//	error: 创建日志目录失败时返回
func NewRotateLogger(opts LogOptions) (*RotateLogger, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultLogDir
	}
	if opts.File == "" {
		opts.File = DefaultLogFile
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = DefaultMaxSizeMB
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}

	var writers []io.Writer
	r := &RotateLogger{}

	if opts.WriteFile {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		r.file = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, opts.File),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxFiles,
			MaxAge:     opts.MaxAgeDays,
			LocalTime:  true,
		}
		writers = append(writers, r.file)
	}

	if opts.Stdout || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		})
	}

	r.writer = zerolog.MultiLevelWriter(writers...)
	SetOutput(r.writer)
	return r, nil
}

// Write 实现io.Writer，供gin等组件直接写入
func (r *RotateLogger) Write(p []byte) (int, error) {
	return r.writer.Write(p)
}

// Rotate 立即切割日志文件
func (r *RotateLogger) Rotate() error {
	if r.file == nil {
		return nil
	}
	return r.file.Rotate()
}

// Close 关闭日志文件
func (r *RotateLogger) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// FileName 返回当前日志文件路径，未写文件时为空
func (r *RotateLogger) FileName() string {
	if r.file == nil {
		return ""
	}
	return r.file.Filename
}
