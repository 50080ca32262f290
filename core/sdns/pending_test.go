// core/sdns/pending_test.go

package sdns

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testClient = netip.MustParseAddrPort("10.111.222.1:53000")
	testServer = netip.MustParseAddrPort("10.111.222.2:53")
)

func TestPendingRegisterResolve(t *testing.T) {
	table := NewPendingQueryTable()

	assert.True(t, table.Register(0x1234, testClient, testServer))
	assert.Equal(t, 1, table.Len())

	q, ok := table.Resolve(0x1234)
	require.True(t, ok)
	assert.Equal(t, testClient, q.Client)
	assert.Equal(t, testServer, q.Server)
	assert.Equal(t, uint16(0x1234), q.TransactionID)

	// 取出后即删除
	_, ok = table.Resolve(0x1234)
	assert.False(t, ok)
	assert.Equal(t, 0, table.Len())
}

func TestPendingResolveUnknown(t *testing.T) {
	table := NewPendingQueryTable()
	_, ok := table.Resolve(7)
	assert.False(t, ok)
}

func TestPendingCollisionOverwrites(t *testing.T) {
	table := NewPendingQueryTable()
	other := netip.MustParseAddrPort("10.111.222.1:40000")

	assert.True(t, table.Register(9, testClient, testServer))
	assert.False(t, table.Register(9, other, testServer))
	assert.Equal(t, 1, table.Len())

	q, ok := table.Resolve(9)
	require.True(t, ok)
	assert.Equal(t, other, q.Client)
}

func TestPendingReapExpired(t *testing.T) {
	table := NewPendingQueryTable()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start
	table.SetClock(func() time.Time { return now })

	table.Register(1, testClient, testServer)
	now = start.Add(3 * time.Second)
	table.Register(2, testClient, testServer)

	assert.Equal(t, 0, table.ReapExpired(start.Add(4*time.Second), DefaultQueryTimeout))
	assert.Equal(t, 1, table.ReapExpired(start.Add(6*time.Second), DefaultQueryTimeout))
	_, ok := table.Resolve(1)
	assert.False(t, ok)

	// 超过 timeout + 一个清理周期后必定被清除
	assert.Equal(t, 1, table.ReapExpired(now.Add(DefaultQueryTimeout+DefaultReapInterval), DefaultQueryTimeout))
	assert.Equal(t, 0, table.Len())
}

func TestPendingRemoveAndClear(t *testing.T) {
	table := NewPendingQueryTable()
	for id := uint16(0); id < 10; id++ {
		table.Register(id, testClient, testServer)
	}
	table.Remove(3)
	assert.Equal(t, 9, table.Len())
	assert.Equal(t, 9, table.Clear())
	assert.Equal(t, 0, table.Len())
}
