// core/events/events_test.go

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PhotonDNS/core/model"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(SwitchPerformed{From: "a", To: "b", ImprovementMs: 25})
	env := <-sub
	assert.Equal(t, KindSwitchPerformed, env.Kind)
	assert.NotEmpty(t, env.ID)
	sp, ok := env.Payload.(SwitchPerformed)
	require.True(t, ok)
	assert.Equal(t, "b", sp.To)
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(EngineRecovered{})
	bus.Publish(EngineRecovered{})
	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestBusCancelAndClose(t *testing.T) {
	bus := NewBus()
	sub, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-sub
	assert.False(t, ok)

	sub2, _ := bus.Subscribe(1)
	bus.Close()
	_, ok = <-sub2
	assert.False(t, ok)

	// 关闭后发布与订阅都不会panic
	bus.Publish(EngineRecovered{})
	sub3, _ := bus.Subscribe(1)
	_, ok = <-sub3
	assert.False(t, ok)
}

func TestHubBroadcastsEvents(t *testing.T) {
	bus := NewBus()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, bus)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	bus.Publish(SlowModeActivated{Level: model.ConditionCritical, AvgLatency: 2500})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string `json:"type"`
		Data struct {
			Kind    string          `json:"kind"`
			Payload json.RawMessage `json:"payload"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, string(KindSlowModeActivated), msg.Type)
	assert.JSONEq(t, `{"level":"Critical","avgLatency":2500}`, string(msg.Data.Payload))
}
