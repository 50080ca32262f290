// core/database/database_test.go

package database

import (
	"context"
	"testing"
	"time"

	"PhotonDNS/core/events"
	"PhotonDNS/core/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore 创建测试用的内存数据库
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func result(id string, avg float64, at time.Time) model.LatencyResult {
	return model.LatencyResult{
		ServerID:    id,
		AvgMs:       avg,
		MinMs:       avg - 5,
		MaxMs:       avg + 5,
		MedianMs:    avg,
		SuccessRate: 1,
		Timestamp:   at,
		Success:     true,
	}
}

func TestProbeRecords(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.CheckConnection())

	now := time.Now()
	var batch []model.LatencyResult
	for i := 0; i < 5; i++ {
		at := now.Add(time.Duration(i-5) * time.Minute)
		batch = append(batch, result("A", 80+float64(i), at), result("B", 55, at))
	}

	t.Run("批量保存探测结果", func(t *testing.T) {
		require.NoError(t, store.SaveProbeResults(batch))
		require.NoError(t, store.SaveProbeResults(nil))

		n, err := store.CountProbeRecords()
		require.NoError(t, err)
		assert.EqualValues(t, 10, n)
	})

	t.Run("按解析器和时间范围查询", func(t *testing.T) {
		records, err := store.GetProbeRecordsByServer("A", now.Add(-3*time.Minute-time.Second), now)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, 82.0, records[0].AvgMs)
		assert.Equal(t, 84.0, records[2].AvgMs)
	})

	t.Run("加载每个解析器最近的结果", func(t *testing.T) {
		results, err := store.LoadRecentResults(2)
		require.NoError(t, err)
		require.Len(t, results, 4)

		byServer := map[string][]model.LatencyResult{}
		for _, r := range results {
			byServer[r.ServerID] = append(byServer[r.ServerID], r)
		}
		require.Len(t, byServer["A"], 2)
		assert.Equal(t, 83.0, byServer["A"][0].AvgMs)
		assert.Equal(t, 84.0, byServer["A"][1].AvgMs)
		assert.True(t, byServer["A"][0].Timestamp.Before(byServer["A"][1].Timestamp))
		assert.True(t, byServer["B"][0].Success)
	})

	t.Run("数量为0时返回空", func(t *testing.T) {
		results, err := store.LoadRecentResults(0)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestSwitchAndEventRecords(t *testing.T) {
	store := setupTestStore(t)

	require.NoError(t, store.SaveSwitch(&SwitchRecord{FromID: "A", ToID: "B", ImprovementMs: 25, Reason: "latency"}))
	require.NoError(t, store.SaveSwitch(&SwitchRecord{
		Timestamp: time.Now().Add(time.Minute),
		FromID:    "B",
		ToID:      "C",
		Manual:    true,
	}))

	switches, err := store.GetLatestSwitchRecords(10)
	require.NoError(t, err)
	require.Len(t, switches, 2)
	assert.Equal(t, "C", switches[0].ToID)
	assert.True(t, switches[0].Manual)
	assert.Equal(t, 25.0, switches[1].ImprovementMs)

	now := time.Now()
	require.NoError(t, store.SaveEvent("e1", "EngineCrashed", now, events.EngineCrashed{CrashCount: 1, Error: "ping timeout"}))
	require.NoError(t, store.SaveEvent("e2", "EngineRecovered", now.Add(time.Second), events.EngineRecovered{Attempt: 1}))

	all, err := store.GetLatestEvents("", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "EngineRecovered", all[0].Kind)

	crashes, err := store.GetLatestEvents("EngineCrashed", 10)
	require.NoError(t, err)
	require.Len(t, crashes, 1)
	assert.JSONEq(t, `{"crashCount":1,"error":"ping timeout"}`, crashes[0].Payload)
}

func TestCleanOldRecords(t *testing.T) {
	store := setupTestStore(t)

	old := time.Now().AddDate(0, 0, -10)
	require.NoError(t, store.SaveProbeResults([]model.LatencyResult{
		result("A", 80, old),
		result("A", 81, time.Now()),
	}))
	require.NoError(t, store.SaveSwitch(&SwitchRecord{Timestamp: old, ToID: "B"}))
	require.NoError(t, store.SaveEvent("e1", "EngineCrashed", old, events.EngineCrashed{}))

	removed, err := store.CleanOldRecords(7)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)

	n, err := store.CountProbeRecords()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	removed, err = store.CleanOldRecords(0)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestUsers(t *testing.T) {
	store := setupTestStore(t)

	t.Run("首次创建管理员", func(t *testing.T) {
		created, err := store.EnsureAdminUser("admin", "admin123")
		require.NoError(t, err)
		assert.True(t, created)

		user, err := store.GetUserByUsername("admin")
		require.NoError(t, err)
		assert.NotEqual(t, "admin123", user.Password)
	})

	t.Run("已存在时不覆盖", func(t *testing.T) {
		created, err := store.EnsureAdminUser("admin", "other")
		require.NoError(t, err)
		assert.False(t, created)

		_, ok := store.ValidateUser("admin", "admin123")
		assert.True(t, ok)
		_, ok = store.ValidateUser("admin", "other")
		assert.False(t, ok)
	})

	t.Run("重复用户名", func(t *testing.T) {
		assert.Error(t, store.CreateUser(&User{Username: "admin", Password: "x"}))
	})

	t.Run("修改密码", func(t *testing.T) {
		require.NoError(t, store.UpdatePassword("admin", "n3w"))
		_, ok := store.ValidateUser("admin", "n3w")
		assert.True(t, ok)
		assert.ErrorIs(t, store.UpdatePassword("nobody", "x"), ErrUserNotFound)
	})

	t.Run("未知用户", func(t *testing.T) {
		_, ok := store.ValidateUser("nobody", "x")
		assert.False(t, ok)
		_, err := store.EnsureAdminUser("", "")
		assert.Error(t, err)
	})
}

func TestRecorder(t *testing.T) {
	store := setupTestStore(t)
	bus := events.NewBus()
	defer bus.Close()

	rec := NewRecorder(store, bus, DefaultRetentionDays)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rec.Start(ctx)

	now := time.Now()
	bus.Publish(events.ProbeRoundCompleted{Results: []model.LatencyResult{result("A", 80, now), result("B", 55, now)}})
	bus.Publish(events.SwitchPerformed{From: "A", To: "B", ImprovementMs: 25, Reason: "latency"})
	bus.Publish(events.SlowModeActivated{Level: model.ConditionSlow, AvgLatency: 600})

	require.Eventually(t, func() bool {
		n, _ := store.CountProbeRecords()
		switches, _ := store.GetLatestSwitchRecords(10)
		evts, _ := store.GetLatestEvents("", 10)
		return n == 2 && len(switches) == 1 && len(evts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.Stop()
	rec.Stop()

	evts, err := store.GetLatestEvents(string(events.KindSlowModeActivated), 1)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.NotEmpty(t, evts[0].EventID)
	assert.Contains(t, evts[0].Payload, `"avgLatency":600`)
}
