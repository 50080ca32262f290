// core/common/daemon_test.go

package common

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonStatus(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "run", "photondns.pid")
	dm := NewDaemonManager(pidFile)

	t.Run("无PID文件", func(t *testing.T) {
		status, pid := dm.GetStatus()
		assert.Equal(t, "未运行", status)
		assert.Zero(t, pid)
		assert.False(t, dm.IsRunning())
	})

	t.Run("当前进程", func(t *testing.T) {
		require.NoError(t, dm.WritePID())
		status, pid := dm.GetStatus()
		assert.Equal(t, "运行中", status)
		assert.Equal(t, os.Getpid(), pid)
	})

	t.Run("残留PID文件", func(t *testing.T) {
		// 超出pid_max的进程号一定不存在
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(1<<30)), 0644))
		status, pid := dm.GetStatus()
		assert.Contains(t, status, "残留")
		assert.Zero(t, pid)

		dm.removeStalePID()
		_, err := os.Stat(pidFile)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("PID文件损坏", func(t *testing.T) {
		require.NoError(t, os.WriteFile(pidFile, []byte("abc"), 0644))
		_, pid := dm.GetStatus()
		assert.Zero(t, pid)
	})

	t.Run("停止未运行的服务", func(t *testing.T) {
		os.Remove(pidFile)
		assert.ErrorIs(t, dm.StopDaemon(), ErrNotRunning)
	})
}
