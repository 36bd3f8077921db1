package simulator

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ServerStats 模拟服务器统计
type ServerStats struct {
	TotalConnected int64
	ActiveDevices  int64
	Rejected       int64
	FramesSent     int64
}

// Server 每个 TCP 连接对应一个独立的模拟探头
type Server struct {
	opts    Options
	log     *logrus.Logger
	limiter chan struct{}
	wg      sync.WaitGroup

	totalConnected atomic.Int64
	activeDevices  atomic.Int64
	rejected       atomic.Int64
	framesSent     atomic.Int64
}

func NewServer(opts Options, maxConnections int, log *logrus.Logger) *Server {
	if maxConnections <= 0 {
		maxConnections = 8
	}
	return &Server{
		opts:    opts,
		log:     log,
		limiter: make(chan struct{}, maxConnections),
	}
}

// Serve 接受连接直到 ctx 取消，返回前等待所有连接结束
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Infof("模拟探头监听: %s (最大连接: %d)", ln.Addr(), cap(s.limiter))

	var seed atomic.Int64
	seed.Store(s.opts.Seed)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Errorf("接受连接错误: %v", err)
			continue
		}

		// 连接数限制
		select {
		case s.limiter <- struct{}{}:
			opts := s.opts
			opts.Seed = seed.Add(1)
			s.wg.Add(1)
			go s.handle(ctx, conn, opts)
		default:
			s.rejected.Add(1)
			s.log.Warn("达到最大连接数，拒绝连接")
			conn.Close()
		}
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, opts Options) {
	defer func() {
		<-s.limiter
		s.wg.Done()
	}()

	s.totalConnected.Add(1)
	s.activeDevices.Add(1)
	defer s.activeDevices.Add(-1)

	dev := NewDevice(opts)
	remote := conn.RemoteAddr().String()
	s.log.Infof("主机连接: %s", remote)

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
		dev.Close()
	})
	defer stop()

	done := make(chan struct{})
	go func() {
		// 主机 -> 设备命令
		if _, err := io.Copy(dev, conn); err != nil && !isClosed(err) {
			s.log.Debugf("读取命令失败 %s: %v", remote, err)
		}
		dev.Close()
		close(done)
	}()

	if _, err := io.Copy(conn, dev); err != nil && !isClosed(err) {
		s.log.Debugf("发送数据失败 %s: %v", remote, err)
	}
	conn.Close()
	<-done

	s.framesSent.Add(int64(dev.FramesSent()))
	s.log.Infof("主机断开: %s, 发送帧数 %d", remote, dev.FramesSent())
}

// Stats 统计快照
func (s *Server) Stats() ServerStats {
	return ServerStats{
		TotalConnected: s.totalConnected.Load(),
		ActiveDevices:  s.activeDevices.Load(),
		Rejected:       s.rejected.Load(),
		FramesSent:     s.framesSent.Load(),
	}
}

func isClosed(err error) bool {
	return errors.Is(err, ErrDeviceClosed) || errors.Is(err, net.ErrClosed)
}
