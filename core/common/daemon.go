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
// core/common/daemon.go

package common

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	// stopWaitTimeout SIGTERM后等待进程退出的时间，超时后发送SIGKILL
	// 引擎停止需要关闭TUN设备并等待全部任务退出
	stopWaitTimeout = 10 * time.Second
	// killWaitTimeout SIGKILL后等待进程消失的时间
	killWaitTimeout = 2 * time.Second
	pollInterval    = 100 * time.Millisecond
)

// ErrNotRunning 服务未运行
var ErrNotRunning = errors.New("服务未运行")

// SignalHooks 守护进程信号回调，为nil的回调忽略对应信号
type SignalHooks struct {
	// Shutdown SIGINT/SIGTERM，返回后进程退出
	Shutdown func()
	// Reload SIGHUP
	Reload func() error
	// Rotate SIGUSR1，切换日志文件
	Rotate func() error
}

// DaemonManager 守护进程管理器
type DaemonManager struct {
	pidFile string
	logger  *Logger
}

// NewDaemonManager 创建新的守护进程管理器
// 参数:
//
//	pidFile: PID文件路径
//
// 返回值:
//
//	*DaemonManager: 守护进程管理器实例
func NewDaemonManager(pidFile string) *DaemonManager {
	return &DaemonManager{
		pidFile: pidFile,
		logger:  NewLogger().With("daemon"),
	}
}

// CheckPrivileges 检查当前进程能否创建TUN设备并配置路由
// 非root用户需要通过setcap授予CAP_NET_ADMIN
func CheckPrivileges() error {
	if os.Geteuid() == 0 {
		return nil
	}
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return fmt.Errorf("无法确认进程权限: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		hex, ok := strings.CutPrefix(line, "CapEff:")
		if !ok {
			continue
		}
		caps, err := strconv.ParseUint(strings.TrimSpace(hex), 16, 64)
		if err != nil {
			break
		}
		// CAP_NET_ADMIN = 12
		if caps&(1<<12) != 0 {
			return nil
		}
		break
	}
	return fmt.Errorf("需要root权限或CAP_NET_ADMIN才能创建虚拟网卡")
}

// StartDaemon 以新会话启动后台子进程，子进程通过DaemonEnvKey识别自身
// 参数:
//
//	startArgs: 传给子进程start命令的参数
//
// 返回值:
//
//	error: 已在运行或创建进程失败
func (d *DaemonManager) StartDaemon(startArgs []string) error {
	if d.IsRunning() {
		return fmt.Errorf("服务已经在运行中")
	}
	d.removeStalePID()

	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	args := append([]string{exe, "start"}, startArgs...)

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("打开%s失败: %w", os.DevNull, err)
	}
	defer devNull.Close()

	process, err := os.StartProcess(exe, args, &os.ProcAttr{
		Dir:   ".",
		Env:   append(os.Environ(), DaemonEnvKey+"=1"),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fmt.Errorf("启动守护进程失败: %w", err)
	}

	if err := d.writePIDFile(process.Pid); err != nil {
		process.Kill()
		return fmt.Errorf("写入PID文件失败: %w", err)
	}
	process.Release()

	d.logger.Info("守护进程已启动，PID: %d", process.Pid)
	return nil
}

// StopDaemon 发送SIGTERM并等待退出，超时后强制结束
func (d *DaemonManager) StopDaemon() error {
	pid, err := d.readPIDFile()
	if err != nil {
		return fmt.Errorf("读取PID文件失败: %w", err)
	}
	if pid <= 0 || !processAlive(pid) {
		d.removePIDFile()
		return ErrNotRunning
	}

	process, _ := os.FindProcess(pid)
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("发送终止信号失败: %w", err)
	}
	if waitExit(pid, stopWaitTimeout) {
		d.removePIDFile()
		d.logger.Info("服务已停止，PID: %d", pid)
		return nil
	}

	d.logger.Warn("进程 %d 在%v内未退出，强制结束", pid, stopWaitTimeout)
	if err := process.Kill(); err != nil {
		return fmt.Errorf("终止进程失败: %w", err)
	}
	if !waitExit(pid, killWaitTimeout) {
		return fmt.Errorf("进程 %d 无法终止", pid)
	}
	// 强制结束时TUN设备和路由由内核回收
	d.removePIDFile()
	return nil
}

// RestartDaemon 停止后重新启动，未运行时直接启动
func (d *DaemonManager) RestartDaemon(startArgs []string) error {
	if err := d.StopDaemon(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return d.StartDaemon(startArgs)
}

// IsRunning 检查PID文件中的进程是否存在
func (d *DaemonManager) IsRunning() bool {
	_, pid := d.GetStatus()
	return pid > 0
}

// GetStatus 获取服务状态
// 返回值:
//
//	string: 状态描述
//	int: 进程ID，如果未运行则为0
func (d *DaemonManager) GetStatus() (string, int) {
	pid, err := d.readPIDFile()
	switch {
	case err != nil:
		return "PID文件损坏", 0
	case pid <= 0:
		return "未运行", 0
	case !processAlive(pid):
		return "未运行 (残留PID文件)", 0
	}
	return "运行中", pid
}

// WritePID 由前台或守护子进程写入自身PID
func (d *DaemonManager) WritePID() error {
	return d.writePIDFile(os.Getpid())
}

// SetupSignalHandlers 在后台goroutine中分发进程信号
func (d *DaemonManager) SetupSignalHandlers(hooks SignalHooks) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		for sig := range sigChan {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				d.logger.Info("收到终止信号: %v", sig)
				signal.Stop(sigChan)
				if hooks.Shutdown != nil {
					hooks.Shutdown()
				}
				d.removePIDFile()
				os.Exit(0)
			case syscall.SIGHUP:
				d.logger.Info("收到重载信号，重新加载配置")
				d.runHook("重载配置", hooks.Reload)
			case syscall.SIGUSR1:
				d.runHook("切换日志文件", hooks.Rotate)
			}
		}
	}()
}

func (d *DaemonManager) runHook(what string, hook func() error) {
	if hook == nil {
		return
	}
	if err := hook(); err != nil {
		d.logger.Error("%s失败: %v", what, err)
	}
}

func (d *DaemonManager) writePIDFile(pid int) error {
	if dir := filepath.Dir(d.pidFile); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// readPIDFile 读取PID文件，文件不存在时返回0
func (d *DaemonManager) readPIDFile() (int, error) {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (d *DaemonManager) removeStalePID() {
	if pid, err := d.readPIDFile(); err != nil || (pid > 0 && !processAlive(pid)) {
		d.logger.Warn("清理残留PID文件: %s", d.pidFile)
		d.removePIDFile()
	}
}

func (d *DaemonManager) removePIDFile() {
	os.Remove(d.pidFile)
}

// processAlive 用信号0探测进程是否存在
// EPERM表示进程存在但属于其他用户
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func waitExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(pollInterval)
	}
	return !processAlive(pid)
}
