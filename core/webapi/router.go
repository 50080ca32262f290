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
// core/webapi/router.go

package webapi

import (
	"context"
	"net/http"
	"time"

	"PhotonDNS/core/common"
	"PhotonDNS/core/database"
	"PhotonDNS/core/model"
	"PhotonDNS/core/sdns"
	"PhotonDNS/core/webapi/middleware"

	"github.com/gin-gonic/gin"
)

// EngineController 控制接口依赖的引擎操作
type EngineController interface {
	StartEngine(ctx context.Context, resolverID string) error
	StopEngine() error
	ChangeResolver(resolverID string) error
	UpdateStrategy(s model.Strategy) error
	Strategy() model.Strategy
	SetAutoSwitchEnabled(enabled bool)
	GetStatus() sdns.Status
	Profiles() []*model.DNSServerProfile
	Metrics() map[string]model.PerformanceMetrics
	LastResults() map[string]model.LatencyResult
	RunProbeRound(ctx context.Context) (sdns.RoundReport, error)
}

// Store 登录与历史查询依赖的存储
type Store interface {
	ValidateUser(username, password string) (*database.User, bool)
	GetLatestSwitchRecords(limit int) ([]database.SwitchRecord, error)
	GetProbeRecordsByServer(serverID string, start, end time.Time) ([]database.ProbeRecord, error)
	GetLatestEvents(kind string, limit int) ([]database.EngineEventRecord, error)
	CheckConnection() error
}

// Deps 路由依赖
type Deps struct {
	Engine  EngineController
	Store   Store
	JWT     *middleware.JWTManager
	Limiter *middleware.RateLimiter
	// Events websocket事件流，为nil时不注册
	Events http.HandlerFunc
}

// API 控制接口处理器集合
type API struct {
	engine  EngineController
	store   Store
	jwt     *middleware.JWTManager
	logger  *common.Logger
	started time.Time
}

// NewRouter 创建gin路由
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	SetupRoutes(router, deps)
	return router
}

// SetupRoutes 设置API路由
func SetupRoutes(router *gin.Engine, deps Deps) {
	a := &API{
		engine:  deps.Engine,
		store:   deps.Store,
		jwt:     deps.JWT,
		logger:  common.NewLogger().With("webapi"),
		started: time.Now(),
	}

	group := router.Group("/api",
		middleware.LoggerMiddleware(a.logger),
		middleware.RateLimitMiddleware(deps.Limiter),
	)

	// 无需认证
	group.GET("/health", middleware.TimeoutMiddleware(), a.HealthHandler)
	group.POST("/login", middleware.TimeoutMiddleware(), a.LoginHandler)

	secured := group.Group("", middleware.AuthMiddleware(deps.JWT))
	if deps.Events != nil {
		// websocket长连接不设超时
		secured.GET("/events/ws", gin.WrapF(deps.Events))
	}

	api := secured.Group("", middleware.TimeoutMiddleware())
	api.GET("/status", a.StatusHandler)
	api.GET("/resolvers", a.ResolversHandler)

	api.POST("/engine/start", a.StartHandler)
	api.POST("/engine/stop", a.StopHandler)
	api.POST("/engine/resolver", a.ChangeResolverHandler)
	api.PUT("/engine/strategy", a.StrategyHandler)
	api.POST("/engine/auto-switch", a.AutoSwitchHandler)
	api.POST("/engine/probe", a.ProbeHandler)

	api.GET("/history/switches", a.SwitchHistoryHandler)
	api.GET("/history/probes/:id", a.ProbeHistoryHandler)
	api.GET("/history/events", a.EventHistoryHandler)
}
