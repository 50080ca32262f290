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
// cmd/main.go

package main

import (
	"fmt"
	"os"
	"strings"

	"PhotonDNS/core/common"

	"github.com/spf13/cobra"
)

const (
	// Version 应用程序版本
	Version = "1.0.0"
	// DefaultConfigPath 默认配置文件路径
	DefaultConfigPath = "config/photondns.conf"
	// DefaultPIDFile 默认PID文件路径
	DefaultPIDFile = "photondns.pid"
	// StartArgsFile 启动参数保存文件
	StartArgsFile = "photondns.startargs"
)

// CLIConfig 命令行配置
type CLIConfig struct {
	Daemon     bool
	Foreground bool
	ConfigPath string
	PIDFile    string
	LogDir     string
	LogStdout  bool
	LogFile    bool
}

var cliConfig CLIConfig

var rootCmd = &cobra.Command{
	Use:           "photondns",
	Short:         "PhotonDNS - DNS拦截转发与自适应切换引擎",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runStart,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动服务 (默认)",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止服务",
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "重启服务",
	RunE:  runRestart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看服务状态",
	RunE:  runStatus,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cliConfig.ConfigPath, "config", "c", DefaultConfigPath, "配置文件路径")
	pf.StringVarP(&cliConfig.PIDFile, "pidfile", "p", DefaultPIDFile, "PID文件路径")
	pf.StringVarP(&cliConfig.LogDir, "log-dir", "l", common.DefaultLogDir, "日志目录")
	pf.BoolVar(&cliConfig.LogStdout, "log-stdout", false, "日志输出到标准输出")
	pf.BoolVar(&cliConfig.LogFile, "log-file", false, "日志输出到文件")

	for _, cmd := range []*cobra.Command{rootCmd, startCmd, restartCmd} {
		cmd.Flags().BoolVarP(&cliConfig.Daemon, "daemon", "d", false, "后台运行模式 (用于systemd服务)")
		cmd.Flags().BoolVarP(&cliConfig.Foreground, "foreground", "f", false, "前台运行模式 (默认)")
	}

	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd, probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// normalizeModes 未指定运行模式时默认前台运行，并按模式设置日志输出
func normalizeModes() {
	if !cliConfig.Daemon && !cliConfig.Foreground {
		cliConfig.Foreground = true
	}
	if cliConfig.Foreground && !cliConfig.LogFile {
		cliConfig.LogStdout = true
	}
	if cliConfig.Daemon && !cliConfig.LogStdout {
		cliConfig.LogFile = true
	}
}

// runStart 启动服务命令
func runStart(cmd *cobra.Command, args []string) error {
	normalizeModes()
	daemonManager := common.NewDaemonManager(cliConfig.PIDFile)

	// 守护进程模式启动的子进程直接运行服务
	if common.IsDaemonChild() {
		return runService(daemonManager)
	}

	if daemonManager.IsRunning() {
		status, pid := daemonManager.GetStatus()
		return fmt.Errorf("服务已经在运行中 (状态: %s, PID: %d)", status, pid)
	}

	if cliConfig.Daemon {
		fmt.Println("正在启动守护进程...")
		if err := daemonManager.StartDaemon(buildStartArgs()); err != nil {
			return err
		}
		fmt.Println("守护进程启动成功")
		return nil
	}

	return runService(daemonManager)
}

// runStop 停止服务命令
func runStop(cmd *cobra.Command, args []string) error {
	daemonManager := common.NewDaemonManager(cliConfig.PIDFile)

	status, pid := daemonManager.GetStatus()
	if pid == 0 {
		return fmt.Errorf("服务未运行 (状态: %s)", status)
	}

	fmt.Printf("正在停止服务 (PID: %d)...\n", pid)
	if err := daemonManager.StopDaemon(); err != nil {
		return err
	}
	fmt.Println("服务已停止")
	return nil
}

// runRestart 重启服务命令，未带参数时沿用上次的启动参数
func runRestart(cmd *cobra.Command, args []string) error {
	daemonManager := common.NewDaemonManager(cliConfig.PIDFile)
	fmt.Println("正在重启服务...")

	var startArgs []string
	if cmd.Flags().NFlag() > 0 {
		normalizeModes()
		startArgs = buildStartArgs()
	} else if saved, err := loadStartArgs(); err == nil && len(saved) > 0 {
		startArgs = saved
	} else {
		startArgs = []string{"-d"}
	}

	if err := daemonManager.RestartDaemon(startArgs); err != nil {
		return err
	}
	fmt.Println("服务重启成功")
	return nil
}

// buildStartArgs 由当前命令行配置构建启动参数
func buildStartArgs() []string {
	var args []string
	if cliConfig.Daemon {
		args = append(args, "-d")
	} else {
		args = append(args, "-f")
	}
	if cliConfig.ConfigPath != DefaultConfigPath {
		args = append(args, "-c", cliConfig.ConfigPath)
	}
	if cliConfig.PIDFile != DefaultPIDFile {
		args = append(args, "-p", cliConfig.PIDFile)
	}
	if cliConfig.LogDir != common.DefaultLogDir {
		args = append(args, "-l", cliConfig.LogDir)
	}
	if cliConfig.LogStdout {
		args = append(args, "--log-stdout")
	}
	if cliConfig.LogFile {
		args = append(args, "--log-file")
	}
	return args
}

// saveStartArgs 保存启动参数到文件
func saveStartArgs() error {
	return os.WriteFile(StartArgsFile, []byte(strings.Join(buildStartArgs(), "\n")), 0644)
}

// loadStartArgs 从文件读取启动参数
func loadStartArgs() ([]string, error) {
	data, err := os.ReadFile(StartArgsFile)
	if err != nil {
		return nil, err
	}

	var args []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			args = append(args, line)
		}
	}
	return args, nil
}
