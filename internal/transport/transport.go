package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"power-monitor/internal/config"
	"power-monitor/internal/simulator"
)

var (
	ErrUnknownKind = errors.New("未知的传输类型")
	ErrClosed      = errors.New("传输已关闭")
)

// Port 双向字节通道
//
// Read 在没有数据时可以返回 (0, nil)（串口读超时），调用方继续读取即可。
// Close 必须让阻塞中的 Read 返回。
type Port interface {
	io.ReadWriteCloser
}

// Opener 每个会话打开一次传输
type Opener interface {
	Open(ctx context.Context) (Port, error)
	String() string
}

// FromConfig 按配置创建 Opener
func FromConfig(cfg config.DeviceConfig) (Opener, error) {
	switch cfg.Kind {
	case "serial":
		return &SerialOpener{
			Path:        cfg.Port,
			BaudRate:    cfg.BaudRate,
			ReadTimeout: cfg.ReadTimeout,
		}, nil
	case "tcp":
		return &TCPOpener{
			Address:      cfg.Address,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}, nil
	case "replay":
		return &ReplayOpener{
			Path:      cfg.File,
			ChunkSize: cfg.ReadBuffer,
		}, nil
	case "demo":
		return &DemoOpener{
			Options: simulator.Options{Rate: cfg.DemoRate, Seed: 1},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

// IsTimeout 读超时不是错误
func IsTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// IsClosed 是否为关闭端口导致的错误
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, simulator.ErrDeviceClosed)
}

// DemoOpener 模拟探头
type DemoOpener struct {
	Options simulator.Options
}

func (o *DemoOpener) Open(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return simulator.NewDevice(o.Options), nil
}

func (o *DemoOpener) String() string {
	return fmt.Sprintf("demo(%dHz)", o.Options.Rate)
}
