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
// cmd/service.go

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"PhotonDNS/core/common"
	"PhotonDNS/core/database"
	"PhotonDNS/core/events"
	"PhotonDNS/core/probe"
	"PhotonDNS/core/sdns"
	"PhotonDNS/core/tun"
	"PhotonDNS/core/upstream"
	"PhotonDNS/core/webapi"
	"PhotonDNS/core/webapi/middleware"

	"github.com/gin-gonic/gin"
)

// service 守护进程内的全部组件
type service struct {
	logger    *common.Logger
	rotate    *common.RotateLogger
	store     *database.Store
	recorder  *database.Recorder
	bus       *events.Bus
	hub       *events.Hub
	engine    *sdns.Engine
	httpd     *webapi.HTTPServer
	cancel    context.CancelFunc
	initialID string
}

// runService 运行服务（前台和后台共用）
func runService(daemonManager *common.DaemonManager) error {
	if err := common.LoadEnv(cliConfig.ConfigPath); err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	rotate, err := initLogger()
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	logger := common.NewLogger().With("main")

	logger.Info("PhotonDNS 服务启动中...")
	logger.Info("版本: %s", Version)
	logger.Info("配置文件: %s", common.ConfigFilePath())
	if err := common.CheckPrivileges(); err != nil {
		logger.Warn("%v，引擎将无法启动", err)
	}

	svc, err := newService(logger, rotate)
	if err != nil {
		rotate.Close()
		return err
	}

	daemonManager.SetupSignalHandlers(common.SignalHooks{
		Shutdown: svc.shutdown,
		Reload:   svc.reload,
		Rotate:   rotate.Rotate,
	})

	if err := daemonManager.WritePID(); err != nil {
		logger.Warn("写入PID文件失败: %v", err)
	}
	if err := saveStartArgs(); err != nil {
		logger.Warn("保存启动参数失败: %v", err)
	}

	if err := svc.start(); err != nil {
		svc.shutdown()
		return err
	}
	logger.Info("PhotonDNS 服务启动完成")

	// 等待信号处理退出进程
	select {}
}

// initLogger 初始化日志系统
func initLogger() (*common.RotateLogger, error) {
	dir := cliConfig.LogDir
	if dir == common.DefaultLogDir {
		dir = common.GetConfigPath("Logging", "LOG_DIR", common.DefaultLogDir)
	}
	rotate, err := common.NewRotateLogger(common.LogOptions{
		Dir:        dir,
		MaxSizeMB:  common.GetConfigInt("Logging", "LOG_MAX_SIZE", common.DefaultMaxSizeMB),
		MaxFiles:   common.GetConfigInt("Logging", "LOG_MAX_FILES", common.DefaultMaxFiles),
		MaxAgeDays: common.GetConfigInt("Logging", "LOG_MAX_AGE_DAYS", 30),
		Stdout:     cliConfig.LogStdout,
		WriteFile:  cliConfig.LogFile,
	})
	if err != nil {
		return nil, err
	}

	// GIN 的日志输出到同一个日志文件
	gin.DefaultWriter = rotate
	gin.DefaultErrorWriter = rotate
	gin.DisableConsoleColor()
	return rotate, nil
}

// newService 按配置组装全部组件
func newService(logger *common.Logger, rotate *common.RotateLogger) (*service, error) {
	svc := &service{logger: logger, rotate: rotate}

	store, err := database.OpenFromConfig()
	if err != nil {
		return nil, err
	}
	svc.store = store

	adminUser := common.GetConfig("APIServer", "ADMIN_USER")
	if created, err := store.EnsureAdminUser(adminUser, common.GetConfig("APIServer", "ADMIN_PASSWORD")); err != nil {
		logger.Warn("初始化管理员失败: %v", err)
	} else if created {
		logger.Warn("已创建管理员 %s，请尽快修改默认密码", adminUser)
	}

	tunCfg, err := sdns.TunConfigFromSettings()
	if err != nil {
		store.Close()
		return nil, err
	}
	probeCfg := sdns.ProbeConfigFromSettings()
	cfg, err := sdns.ConfigFromSettings(tunCfg, probeCfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	profiles, err := sdns.LoadProfiles()
	if err != nil {
		store.Close()
		return nil, err
	}

	svc.bus = events.NewBus()
	svc.hub = events.NewHub()
	svc.recorder = database.NewRecorder(store, svc.bus,
		common.GetConfigInt("Database", "RETENTION_DAYS", database.DefaultRetentionDays))

	prober := probe.NewProber(probeCfg, upstream.NewFactory(probeCfg.AttemptTimeout))
	engine, err := sdns.NewEngine(cfg, profiles, prober, tun.NewOpener(tunCfg), svc.bus)
	if err != nil {
		store.Close()
		return nil, err
	}
	engine.SetDoHClient(upstream.NewDoHClient(
		common.GetConfigDuration("Engine", "DOH_TIMEOUT_MS", time.Millisecond, 5*time.Second)))
	svc.engine = engine
	svc.initialID = common.GetConfig("Engine", "INITIAL_RESOLVER")

	if n := common.GetConfigInt("Database", "WARM_START_SAMPLES", cfg.HistorySize); n > 0 {
		results, err := store.LoadRecentResults(n)
		if err != nil {
			logger.Warn("载入历史探测结果失败: %v", err)
		} else {
			engine.SeedHistory(results)
		}
	}

	gin.SetMode(ginMode())
	router := webapi.NewRouter(webapi.Deps{
		Engine:  engine,
		Store:   store,
		JWT:     middleware.NewJWTManagerFromConfig(),
		Limiter: middleware.NewRateLimiterFromConfig(),
		Events:  svc.hub.ServeWs,
	})
	svc.httpd = webapi.NewHTTPServer(webapi.ServerConfigFromConfig(), router)
	return svc, nil
}

// start 启动后台组件，引擎启动失败不影响控制接口
func (s *service) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.recorder.Start(ctx)
	go s.hub.Run(ctx, s.bus)

	if err := s.httpd.Start(); err != nil {
		return fmt.Errorf("API服务器启动失败: %w", err)
	}

	if !common.GetConfigBool("Engine", "AUTO_START", true) {
		s.logger.Info("AUTO_START未开启，等待通过API启动引擎")
		return nil
	}
	id := s.initialID
	if id == "" {
		id = firstEnabled(s.engine)
	}
	if err := s.engine.StartEngine(ctx, id); err != nil {
		s.logger.Error("引擎启动失败: %v", err)
	}
	return nil
}

func firstEnabled(engine *sdns.Engine) string {
	for _, p := range engine.Profiles() {
		if p.Enabled() {
			return p.ID
		}
	}
	return ""
}

// ginMode 开发模式强制debug，未知取值按release处理
func ginMode() string {
	if common.IsDevMode() {
		return gin.DebugMode
	}
	switch mode := common.GetConfig("APIServer", "GIN_MODE"); mode {
	case gin.DebugMode, gin.TestMode:
		return mode
	default:
		return gin.ReleaseMode
	}
}

// reload SIGHUP时重新加载配置中可热更新的部分
func (s *service) reload() error {
	if err := common.LoadConfig(cliConfig.ConfigPath); err != nil {
		return err
	}
	strategy, err := sdns.StrategyFromSettings()
	if err != nil {
		return err
	}
	if err := s.engine.UpdateStrategy(strategy); err != nil {
		return err
	}
	s.engine.SetAutoSwitchEnabled(common.GetConfigBool("Strategy", "AUTO_SWITCH", true))
	s.logger.Info("配置已重新加载")
	return nil
}

// shutdown 按依赖逆序关闭组件
func (s *service) shutdown() {
	s.logger.Info("正在关闭服务...")

	if err := s.engine.StopEngine(); err != nil && !errors.Is(err, sdns.ErrEngineNotRunning) {
		s.logger.Warn("停止引擎失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpd.Stop(ctx); err != nil {
		s.logger.Warn("停止API服务器失败: %v", err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.recorder.Stop()
	s.bus.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Warn("关闭数据库失败: %v", err)
	}

	s.logger.Info("服务已关闭")
	s.rotate.Close()
}
