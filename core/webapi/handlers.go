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
// core/webapi/handlers.go

package webapi

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"PhotonDNS/core/model"
	"PhotonDNS/core/sdns"
	"PhotonDNS/core/webapi/middleware"

	"github.com/gin-gonic/gin"
)

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username"`
	ExpiresIn   int64  `json:"expires_in"` // 访问令牌过期时间（秒）
}

// ResolverRequest 切换或启动时指定的解析器
type ResolverRequest struct {
	ResolverID string `json:"resolverId"`
}

// StrategyRequest 预设名称或完整策略，二选一
type StrategyRequest struct {
	Preset   string          `json:"preset"`
	Strategy *model.Strategy `json:"strategy"`
}

// AutoSwitchRequest 自动切换开关
type AutoSwitchRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// ResolverInfo 解析器配置与当前指标
type ResolverInfo struct {
	model.ProfileView
	Active     bool                      `json:"active"`
	Metrics    *model.PerformanceMetrics `json:"metrics,omitempty"`
	LastResult *model.LatencyResult      `json:"lastResult,omitempty"`
}

// statusForError 引擎错误到HTTP状态码
func statusForError(err error) int {
	switch {
	case errors.Is(err, sdns.ErrUnknownResolver):
		return http.StatusNotFound
	case errors.Is(err, sdns.ErrResolverDisabled),
		errors.Is(err, sdns.ErrEngineRunning),
		errors.Is(err, sdns.ErrEngineNotRunning):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidStrategy):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (a *API) fail(c *gin.Context, message string, err error) {
	code := statusForError(err)
	if code == http.StatusInternalServerError {
		a.logger.LogError("%s", err, message)
	}
	middleware.SendDetailedErrorResponse(c, message, code, err)
}

// HealthHandler 服务健康检查
func (a *API) HealthHandler(c *gin.Context) {
	st := a.engine.GetStatus()
	dbStatus := "ok"
	if err := a.store.CheckConnection(); err != nil {
		dbStatus = "error"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"engine":   st.Running,
		"database": dbStatus,
		"uptime":   time.Since(a.started).Round(time.Second).String(),
	})
}

// LoginHandler 处理登录请求
func (a *API) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.SendErrorResponse(c, "用户名和密码不能为空", http.StatusBadRequest)
		return
	}

	user, ok := a.store.ValidateUser(req.Username, req.Password)
	if !ok {
		a.logger.Warn("登录失败: 用户 %s，来源 %s", req.Username, c.ClientIP())
		middleware.SendErrorResponse(c, "用户名或密码错误", http.StatusUnauthorized)
		return
	}

	token, err := a.jwt.GenerateToken(user.ID, user.Username)
	if err != nil {
		middleware.SendErrorResponse(c, "生成token失败", http.StatusInternalServerError)
		return
	}

	middleware.SendSuccessResponse(c, LoginResponse{
		AccessToken: token,
		Username:    user.Username,
		ExpiresIn:   int64(a.jwt.AccessTokenExpiration / time.Second),
	}, "登录成功")
}

// StatusHandler 引擎状态
func (a *API) StatusHandler(c *gin.Context) {
	middleware.SendSuccessResponse(c, a.engine.GetStatus(), "")
}

// ResolversHandler 解析器列表与当前指标
func (a *API) ResolversHandler(c *gin.Context) {
	active := a.engine.GetStatus().ActiveResolver
	metrics := a.engine.Metrics()
	results := a.engine.LastResults()

	out := make([]ResolverInfo, 0, len(a.engine.Profiles()))
	for _, p := range a.engine.Profiles() {
		info := ResolverInfo{ProfileView: p.View(), Active: p.ID == active}
		if m, ok := metrics[p.ID]; ok {
			info.Metrics = &m
		}
		if r, ok := results[p.ID]; ok {
			info.LastResult = &r
		}
		out = append(out, info)
	}
	middleware.SendSuccessResponse(c, out, "")
}

// StartHandler 启动引擎，未指定解析器时使用当前解析器
func (a *API) StartHandler(c *gin.Context) {
	var req ResolverRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.SendErrorResponse(c, "无效的请求体", http.StatusBadRequest)
			return
		}
	}
	if req.ResolverID == "" {
		req.ResolverID = a.engine.GetStatus().ActiveResolver
	}

	if err := a.engine.StartEngine(c.Request.Context(), req.ResolverID); err != nil {
		a.fail(c, "启动引擎失败", err)
		return
	}
	middleware.SendSuccessResponse(c, a.engine.GetStatus(), "引擎已启动")
}

// StopHandler 停止引擎
func (a *API) StopHandler(c *gin.Context) {
	if err := a.engine.StopEngine(); err != nil {
		a.fail(c, "停止引擎失败", err)
		return
	}
	middleware.SendSuccessResponse(c, a.engine.GetStatus(), "引擎已停止")
}

// ChangeResolverHandler 手动切换解析器
func (a *API) ChangeResolverHandler(c *gin.Context) {
	var req ResolverRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ResolverID == "" {
		middleware.SendErrorResponse(c, "必须指定resolverId", http.StatusBadRequest)
		return
	}
	if err := a.engine.ChangeResolver(req.ResolverID); err != nil {
		a.fail(c, "切换解析器失败", err)
		return
	}
	middleware.SendSuccessResponse(c, a.engine.GetStatus(), "解析器已切换")
}

// StrategyHandler 替换切换策略
func (a *API) StrategyHandler(c *gin.Context) {
	var req StrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.SendErrorResponse(c, "无效的请求体", http.StatusBadRequest)
		return
	}

	var s model.Strategy
	switch {
	case req.Strategy != nil:
		s = *req.Strategy
		if s.Name == "" {
			s.Name = "custom"
		}
	case req.Preset != "":
		preset, ok := model.StrategyPreset(req.Preset)
		if !ok {
			middleware.SendErrorResponse(c, "未知的策略预设: "+req.Preset, http.StatusBadRequest)
			return
		}
		s = preset
	default:
		middleware.SendErrorResponse(c, "必须指定preset或strategy", http.StatusBadRequest)
		return
	}

	if err := a.engine.UpdateStrategy(s); err != nil {
		a.fail(c, "更新策略失败", err)
		return
	}
	middleware.SendSuccessResponse(c, a.engine.Strategy(), "策略已更新")
}

// AutoSwitchHandler 开关自动切换
func (a *API) AutoSwitchHandler(c *gin.Context) {
	var req AutoSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.SendErrorResponse(c, "必须指定enabled", http.StatusBadRequest)
		return
	}
	a.engine.SetAutoSwitchEnabled(*req.Enabled)
	middleware.SendSuccessResponse(c, gin.H{"autoSwitch": *req.Enabled}, "")
}

// ProbeHandler 立即执行一轮探测
func (a *API) ProbeHandler(c *gin.Context) {
	report, err := a.engine.RunProbeRound(c.Request.Context())
	if err != nil {
		a.fail(c, "探测失败", err)
		return
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].ServerID < report.Results[j].ServerID
	})
	middleware.SendSuccessResponse(c, report, "")
}

// SwitchHistoryHandler 最近的切换记录
func (a *API) SwitchHistoryHandler(c *gin.Context) {
	records, err := a.store.GetLatestSwitchRecords(queryInt(c, "limit", 50, 1000))
	if err != nil {
		a.fail(c, "查询切换记录失败", err)
		return
	}
	middleware.SendSuccessResponse(c, records, "")
}

// ProbeHistoryHandler 解析器探测历史，默认最近24小时
func (a *API) ProbeHistoryHandler(c *gin.Context) {
	end := time.Now()
	start := end.Add(-time.Duration(queryInt(c, "hours", 24, 24*30)) * time.Hour)

	records, err := a.store.GetProbeRecordsByServer(c.Param("id"), start, end)
	if err != nil {
		a.fail(c, "查询探测记录失败", err)
		return
	}
	middleware.SendSuccessResponse(c, records, "")
}

// EventHistoryHandler 最近的引擎事件
func (a *API) EventHistoryHandler(c *gin.Context) {
	records, err := a.store.GetLatestEvents(c.Query("kind"), queryInt(c, "limit", 100, 1000))
	if err != nil {
		a.fail(c, "查询事件失败", err)
		return
	}
	middleware.SendSuccessResponse(c, records, "")
}

// queryInt 读取正整数查询参数，非法时使用默认值
func queryInt(c *gin.Context, key string, def, max int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
