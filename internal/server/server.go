package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"power-monitor/internal/config"
	"power-monitor/internal/export"
	"power-monitor/internal/history"
	"power-monitor/internal/monitor"
	"power-monitor/internal/session"
	"power-monitor/internal/storage"
	"power-monitor/internal/transport"
	"power-monitor/internal/web"
)

const (
	shutdownTimeout = 30 * time.Second
	stopTimeout     = 10 * time.Second
)

// Server 组装管道、下游和 HTTP 接口
//
// 会话作为 suture 服务运行：StartSession 加入监督树，StopSession 移除并等待。
type Server struct {
	config *config.Config
	log    *logrus.Logger

	history  *history.History
	markers  *export.MarkerSet
	hub      *web.Hub
	pipeline *session.Pipeline
	storage  *storage.MessageQueue
	monitor  *monitor.Monitor

	supervisor *suture.Supervisor
	httpServer *http.Server

	mu     sync.Mutex
	active bool
	gen    uint64
	token  suture.ServiceToken
}

func NewServer(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	opener, err := transport.FromConfig(cfg.Device)
	if err != nil {
		return nil, err
	}
	return newServer(cfg, opener, log)
}

func newServer(cfg *config.Config, opener transport.Opener, log *logrus.Logger) (*Server, error) {
	s := &Server{
		config:  cfg,
		log:     log,
		history: history.New(cfg.History.Capacity),
		markers: export.NewMarkerSet(),
		hub:     web.NewHub(log),
		monitor: monitor.NewMonitor(log),
	}

	observers := []session.Observer{s.markers, s.hub}
	if cfg.Redis.Enabled {
		mq, err := storage.NewMessageQueue(cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		s.storage = mq
		observers = append(observers, mq)
	}

	s.pipeline = session.New(session.Options{
		Opener:     opener,
		History:    s.history,
		Observers:  observers,
		ReadBuffer: cfg.Device.ReadBuffer,
		Logger:     log,
	})

	s.supervisor = suture.New("power-monitor", suture.Spec{
		EventHook:        s.logEvent,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   cfg.Device.ReconnectBackoff,
		Timeout:          stopTimeout,
	})
	if s.storage != nil {
		s.supervisor.Add(s.storage)
	}

	if cfg.HTTP.Enabled {
		handler := web.NewHandler(s.history, s.markers, s, s.hub, log)
		s.httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           handler.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Start 运行到收到 SIGINT/SIGTERM
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run 运行到 ctx 取消，然后在 30 秒内完成关闭
func (s *Server) Run(ctx context.Context) error {
	// 启动监控
	if s.config.Monitor.Enabled {
		s.monitor.StartMetricsServer(s.config.Monitor.MetricsPort)
		s.monitor.StartRuntimeMonitor()
	}

	supCtx, cancelSup := context.WithCancel(context.Background())
	supDone := s.supervisor.ServeBackground(supCtx)

	httpErr := make(chan error, 1)
	if s.httpServer != nil {
		go func() {
			s.log.Infof("HTTP服务器启动: %s", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				httpErr <- err
			}
		}()
	}

	s.log.Infof("设备: %s", s.pipeline.Info().Device)
	if s.config.Device.AutoStart {
		if err := s.StartSession(); err != nil {
			s.log.Warnf("自动开始会话失败: %v", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("收到退出信号, 开始优雅关闭...")
	case err := <-httpErr:
		s.log.Errorf("HTTP服务器错误: %v", err)
		runErr = err
	}

	done := make(chan struct{})
	go func() {
		s.shutdown(cancelSup, supDone)
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("服务器已关闭")
	case <-time.After(shutdownTimeout):
		s.log.Warn("关闭超时，强制退出")
	}
	return runErr
}

// shutdown 先停会话（发送关闭命令），再关下游
func (s *Server) shutdown(cancelSup context.CancelFunc, supDone <-chan error) {
	if err := s.StopSession(); err != nil && !errors.Is(err, session.ErrSessionIdle) {
		s.log.Warnf("停止会话失败: %v", err)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warnf("关闭HTTP服务器失败: %v", err)
		}
		cancel()
	}
	s.hub.Close()

	// 监督树退出时 Redis 发布者把队列写完
	cancelSup()
	if err := <-supDone; err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warnf("监督树退出: %v", err)
	}

	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			s.log.Errorf("关闭存储连接失败: %v", err)
		}
	}
	if err := s.monitor.Close(); err != nil {
		s.log.Debugf("关闭监控: %v", err)
	}
}

// StartSession 开始新会话
func (s *Server) StartSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active || s.pipeline.State() != session.StateIdle {
		return session.ErrSessionActive
	}
	s.gen++
	s.token = s.supervisor.Add(&sessionService{server: s, gen: s.gen})
	s.active = true
	return nil
}

// StopSession 停止会话并等待读取 goroutine 退出
func (s *Server) StopSession() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return session.ErrSessionIdle
	}
	token := s.token
	s.active = false
	s.mu.Unlock()

	if err := s.supervisor.RemoveAndWait(token, stopTimeout); err != nil {
		return err
	}
	return nil
}

// SessionInfo 当前会话摘要
func (s *Server) SessionInfo() session.Info {
	return s.pipeline.Info()
}

// ImportResult 用导入的记录替换历史和标记
func (s *Server) ImportResult(res *export.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active || s.pipeline.State() != session.StateIdle {
		return session.ErrSessionActive
	}

	export.Load(s.history, res)
	s.markers.Replace(res.Markers)
	monitor.HistorySize.Set(float64(s.history.Len()))
	s.hub.OnReset()

	s.log.Infof("导入记录: 样本=%d, 标记=%d, 跳过=%d", len(res.Samples), len(res.Markers), res.Skipped)
	return nil
}

// History 只读历史
func (s *Server) History() history.Reader {
	return s.history
}

// sessionEnded 会话不再重启时由服务调用
func (s *Server) sessionEnded(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.active = false
	}
}

func (s *Server) logEvent(e suture.Event) {
	entry := s.log.WithFields(logrus.Fields(e.Map()))
	switch e.Type() {
	case suture.EventTypeServicePanic:
		entry.Errorf("服务崩溃: %s", e)
	case suture.EventTypeResume:
		entry.Info("监督树恢复")
	default:
		entry.Warn(e.String())
	}
}

// sessionService 把一次 Pipeline.Run 包装成 suture 服务
//
// 传输失败时按 reconnect_backoff 等待后返回错误，由 suture 重启（重新打开设备）。
type sessionService struct {
	server *Server
	gen    uint64
}

func (svc *sessionService) Serve(ctx context.Context) error {
	s := svc.server
	err := s.pipeline.Run(ctx)

	switch {
	case err == nil || ctx.Err() != nil:
		return nil
	case errors.Is(err, session.ErrSessionActive):
		s.sessionEnded(svc.gen)
		return suture.ErrDoNotRestart
	case errors.Is(err, session.ErrStreamEnded):
		s.sessionEnded(svc.gen)
		return suture.ErrDoNotRestart
	case !s.config.Device.Reconnect:
		s.log.Errorf("会话失败, 不重连: %v", err)
		s.sessionEnded(svc.gen)
		return suture.ErrDoNotRestart
	}

	s.log.Warnf("会话失败, %s 后重连: %v", s.config.Device.ReconnectBackoff, err)
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(s.config.Device.ReconnectBackoff):
	}
	return err
}

func (svc *sessionService) String() string {
	return "session"
}
