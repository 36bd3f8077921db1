package simulator

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"power-monitor/internal/parser"
	"power-monitor/pkg/protocol"
)

// ErrDeviceClosed 设备已关闭
var ErrDeviceClosed = errors.New("simulator: device closed")

// Options 模拟探头参数
type Options struct {
	Rate        int     // 每秒帧数
	Seed        int64   // 随机种子
	CorruptRate float64 // 单帧翻转 1 比特的概率
	NoiseRate   float64 // 帧前插入噪声字节的概率
	AutoStart   bool    // 不等待开启命令直接发送
}

// Device 模拟 USB 功率探头
//
// 收到开启数据流命令后按 Rate 发送测量帧，收到关闭命令后停止，
// 每条命令都回一个非测量应答帧。实现 io.ReadWriteCloser。
type Device struct {
	opts   Options
	trace  *Trace
	rng    *rand.Rand
	ticker *time.Ticker

	mu        sync.Mutex
	cmd       *parser.Assembler
	streaming bool
	pending   []byte

	out       []byte
	sent      atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

// NewDevice 创建模拟设备
func NewDevice(opts Options) *Device {
	if opts.Rate <= 0 {
		opts.Rate = 100
	}
	return &Device{
		opts:      opts,
		trace:     NewTrace(opts.Seed, opts.Rate),
		rng:       rand.New(rand.NewSource(opts.Seed + 1)),
		ticker:    time.NewTicker(time.Second / time.Duration(opts.Rate)),
		cmd:       parser.NewAssembler(64),
		streaming: opts.AutoStart,
		closed:    make(chan struct{}),
	}
}

// Read 阻塞直到有帧可读或设备关闭
func (d *Device) Read(p []byte) (int, error) {
	for len(d.out) == 0 {
		select {
		case <-d.closed:
			return 0, ErrDeviceClosed
		default:
		}

		d.mu.Lock()
		if len(d.pending) > 0 {
			d.out = append(d.out, d.pending...)
			d.pending = d.pending[:0]
			d.mu.Unlock()
			break
		}
		streaming := d.streaming
		d.mu.Unlock()

		select {
		case <-d.closed:
			return 0, ErrDeviceClosed
		case <-d.ticker.C:
			if streaming {
				d.out = append(d.out, d.nextFrame()...)
			}
		}
	}

	n := copy(p, d.out)
	d.out = d.out[n:]
	return n, nil
}

// Write 解析主机命令
func (d *Device) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrDeviceClosed
	default:
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.cmd.Feed(p, func(f protocol.Frame) {
		if f.Model != protocol.ModelMeter || f.Command != protocol.CommandStream || f.Length != 1 {
			return
		}
		d.streaming = f.Payload[0] == protocol.StreamOn
		ack := protocol.BuildFrame(protocol.ModelMeter, protocol.CommandStream, [2]byte{}, []byte{0x00, f.Payload[0]})
		d.pending = append(d.pending, ack...)
	})
	return len(p), nil
}

// Close 关闭设备，阻塞中的 Read 立即返回
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.ticker.Stop()
	})
	return nil
}

// Streaming 当前是否在发送数据流
func (d *Device) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// FramesSent 已发送的测量帧数
func (d *Device) FramesSent() uint64 {
	return d.sent.Load()
}

// Generate 不按速率等待直接生成 n 帧，噪声和损坏照常注入
//
// 不能与 Read 并发使用。
func (d *Device) Generate(n int) []byte {
	out := make([]byte, 0, n*(protocol.HeaderSize+protocol.MeasurementPayloadSize))
	for i := 0; i < n; i++ {
		out = append(out, d.nextFrame()...)
	}
	return out
}

func (d *Device) nextFrame() []byte {
	_, v, i := d.trace.Next()
	packet := protocol.EncodeMeasurement(v, i)
	d.sent.Add(1)

	if d.opts.CorruptRate > 0 && d.rng.Float64() < d.opts.CorruptRate {
		idx := protocol.HeaderSize + d.rng.Intn(protocol.MeasurementPayloadSize)
		packet[idx] ^= 1 << uint(d.rng.Intn(8))
	}
	if d.opts.NoiseRate > 0 && d.rng.Float64() < d.opts.NoiseRate {
		noise := make([]byte, 1+d.rng.Intn(4))
		d.rng.Read(noise)
		packet = append(noise, packet...)
	}
	return packet
}
