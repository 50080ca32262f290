// core/webapi/api_test.go

package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PhotonDNS/core/database"
	"PhotonDNS/core/model"
	"PhotonDNS/core/sdns"
	"PhotonDNS/core/webapi/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeEngine 记录调用的引擎替身
type fakeEngine struct {
	running    bool
	active     string
	autoSwitch bool
	strategy   model.Strategy
	profiles   []*model.DNSServerProfile
	startErr   error
	probeCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		active:   "A",
		strategy: model.DefaultStrategy(),
		profiles: []*model.DNSServerProfile{
			model.NewDNSServerProfile("A", "Resolver A", "127.0.0.1", ""),
			model.NewDNSServerProfile("B", "Resolver B", "127.0.0.2", ""),
		},
	}
}

func (f *fakeEngine) find(id string) error {
	for _, p := range f.profiles {
		if p.ID == id {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", sdns.ErrUnknownResolver, id)
}

func (f *fakeEngine) StartEngine(_ context.Context, id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	if f.running {
		return sdns.ErrEngineRunning
	}
	if err := f.find(id); err != nil {
		return err
	}
	f.running, f.active = true, id
	return nil
}

func (f *fakeEngine) StopEngine() error {
	if !f.running {
		return sdns.ErrEngineNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeEngine) ChangeResolver(id string) error {
	if err := f.find(id); err != nil {
		return err
	}
	f.active = id
	return nil
}

func (f *fakeEngine) UpdateStrategy(s model.Strategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.strategy = s
	return nil
}

func (f *fakeEngine) Strategy() model.Strategy            { return f.strategy }
func (f *fakeEngine) SetAutoSwitchEnabled(enabled bool)   { f.autoSwitch = enabled }
func (f *fakeEngine) Profiles() []*model.DNSServerProfile { return f.profiles }

func (f *fakeEngine) GetStatus() sdns.Status {
	return sdns.Status{Running: f.running, ActiveResolver: f.active, AutoSwitch: f.autoSwitch, Strategy: f.strategy}
}

func (f *fakeEngine) Metrics() map[string]model.PerformanceMetrics {
	return map[string]model.PerformanceMetrics{"A": {AvgLatency: 80, SampleCount: 3}}
}

func (f *fakeEngine) LastResults() map[string]model.LatencyResult {
	return map[string]model.LatencyResult{"A": {ServerID: "A", AvgMs: 80, Success: true}}
}

func (f *fakeEngine) RunProbeRound(context.Context) (sdns.RoundReport, error) {
	f.probeCalls++
	return sdns.RoundReport{
		Results:  []model.LatencyResult{{ServerID: "B", AvgMs: 55}, {ServerID: "A", AvgMs: 80}},
		Decision: sdns.SwitchDecision{CandidateID: "B", Verdict: "pending", Count: 1},
	}, nil
}

type apiHarness struct {
	engine *fakeEngine
	store  *database.Store
	router *gin.Engine
	token  string
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = store.EnsureAdminUser("admin", "admin123")
	require.NoError(t, err)

	h := &apiHarness{engine: newFakeEngine(), store: store}
	h.router = NewRouter(Deps{
		Engine: h.engine,
		Store:  store,
		JWT:    middleware.NewJWTManager("test-secret-key-for-jwt-testing-12345", time.Minute),
	})

	w := h.do(t, http.MethodPost, "/api/login", `{"username":"admin","password":"admin123"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Data LoginResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	h.token = resp.Data.AccessToken
	require.NotEmpty(t, h.token)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	h := newAPIHarness(t)
	h.token = ""

	tests := []struct {
		name string
		body string
		want int
	}{
		{"密码错误", `{"username":"admin","password":"wrong"}`, http.StatusUnauthorized},
		{"未知用户", `{"username":"root","password":"admin123"}`, http.StatusUnauthorized},
		{"缺少字段", `{"username":"admin"}`, http.StatusBadRequest},
		{"无效JSON", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/login", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("未登录访问受保护接口", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/status", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("健康检查无需认证", func(t *testing.T) {
		w := h.do(t, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"database":"ok"`)
	})
}

func TestEngineLifecycleRoutes(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/engine/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/engine/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, h.engine.running)
	assert.Equal(t, "A", h.engine.active)

	w = h.do(t, http.MethodPost, "/api/engine/start", `{"resolverId":"B"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"running":true`)

	w = h.do(t, http.MethodPost, "/api/engine/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.engine.running)

	w = h.do(t, http.MethodPost, "/api/engine/start", `{"resolverId":"Z"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChangeResolverRoute(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/engine/resolver", `{"resolverId":"B"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "B", h.engine.active)

	w = h.do(t, http.MethodPost, "/api/engine/resolver", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/engine/resolver", `{"resolverId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStrategyRoute(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("预设", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/engine/strategy", `{"preset":"aggressive"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, model.PresetAggressive, h.engine.strategy.Name)
	})

	t.Run("完整策略", func(t *testing.T) {
		body := `{"strategy":{"checkIntervalSec":45,"minImprovementMs":15,"consecutiveChecksRequired":4,` +
			`"stabilityPeriodSec":120,"hysteresisMarginMs":5,"highImprovementMs":40}}`
		w := h.do(t, http.MethodPut, "/api/engine/strategy", body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "custom", h.engine.strategy.Name)
		assert.Equal(t, 45, h.engine.strategy.CheckIntervalSec)
	})

	t.Run("非法策略", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/engine/strategy", `{"strategy":{"checkIntervalSec":0}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("未知预设", func(t *testing.T) {
		w := h.do(t, http.MethodPut, "/api/engine/strategy", `{"preset":"reckless"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAutoSwitchAndProbeRoutes(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/engine/auto-switch", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, h.engine.autoSwitch)

	w = h.do(t, http.MethodPost, "/api/engine/auto-switch", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/api/engine/probe", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.engine.probeCalls)

	var resp struct {
		Data struct {
			Results  []model.LatencyResult `json:"results"`
			Decision sdns.SwitchDecision   `json:"decision"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Results, 2)
	assert.Equal(t, "A", resp.Data.Results[0].ServerID)
	assert.Equal(t, "pending", resp.Data.Decision.Verdict)

	w = h.do(t, http.MethodGet, "/api/resolvers", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resolvers struct {
		Data []ResolverInfo `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolvers))
	require.Len(t, resolvers.Data, 2)
	assert.True(t, resolvers.Data[0].Active)
	require.NotNil(t, resolvers.Data[0].Metrics)
	assert.Equal(t, 80.0, resolvers.Data[0].Metrics.AvgLatency)
	assert.Nil(t, resolvers.Data[1].Metrics)
}

func TestHistoryRoutes(t *testing.T) {
	h := newAPIHarness(t)

	now := time.Now()
	require.NoError(t, h.store.SaveProbeResults([]model.LatencyResult{
		{ServerID: "A", AvgMs: 80, Timestamp: now.Add(-time.Hour), Success: true},
		{ServerID: "A", AvgMs: 90, Timestamp: now.Add(-48 * time.Hour), Success: true},
	}))
	require.NoError(t, h.store.SaveSwitch(&database.SwitchRecord{FromID: "A", ToID: "B", ImprovementMs: 25}))
	require.NoError(t, h.store.SaveEvent("e1", "EngineCrashed", now, map[string]int{"crashCount": 1}))

	var probes struct {
		Data []database.ProbeRecord `json:"data"`
	}
	w := h.do(t, http.MethodGet, "/api/history/probes/A", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &probes))
	assert.Len(t, probes.Data, 1)

	w = h.do(t, http.MethodGet, "/api/history/probes/A?hours=72", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &probes))
	assert.Len(t, probes.Data, 2)

	var switches struct {
		Data []database.SwitchRecord `json:"data"`
	}
	w = h.do(t, http.MethodGet, "/api/history/switches?limit=5", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &switches))
	require.Len(t, switches.Data, 1)
	assert.Equal(t, 25.0, switches.Data[0].ImprovementMs)

	w = h.do(t, http.MethodGet, "/api/history/events?kind=EngineCrashed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "EngineCrashed")
}

func TestRateLimitedAPI(t *testing.T) {
	store, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	router := NewRouter(Deps{
		Engine:  newFakeEngine(),
		Store:   store,
		JWT:     middleware.NewJWTManager("test-secret-key-for-jwt-testing-12345", time.Minute),
		Limiter: middleware.NewRateLimiter(0.001, 2),
	})

	var codes []int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHTTPServerStartStop(t *testing.T) {
	srv := NewHTTPServer(ServerConfig{Addr: "127.0.0.1", Port: "0"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, srv.Start())
	require.True(t, srv.IsRunning())

	resp, err := http.Get("http://" + srv.Addr() + "/")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	assert.False(t, srv.IsRunning())
	assert.NoError(t, srv.Stop(ctx))
}
