package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"power-monitor/internal/history"
	"power-monitor/internal/monitor"
	"power-monitor/internal/parser"
	"power-monitor/internal/transport"
	"power-monitor/pkg/protocol"
)

var (
	ErrSessionActive = errors.New("会话已在运行")
	ErrSessionIdle   = errors.New("会话未运行")
	ErrStreamEnded   = errors.New("数据流结束")
)

// State 会话状态
type State int32

const (
	StateIdle State = iota
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Observer 渲染/日志协作方
//
// 回调在读取 goroutine 中同步执行，实现方不能阻塞。
type Observer interface {
	OnSample(s protocol.Sample)
	OnReset()
}

// Options 管道参数
type Options struct {
	Opener     transport.Opener
	History    *history.History
	Observers  []Observer
	ReadBuffer int
	Clock      func() time.Time
	Logger     *logrus.Logger
}

// Info 会话摘要
type Info struct {
	ID        string       `json:"id"`
	State     string       `json:"state"`
	Device    string       `json:"device"`
	StartedAt time.Time    `json:"started_at"`
	Samples   uint64       `json:"samples"`
	Frames    parser.Stats `json:"frames"`
}

// Pipeline 字节流 -> 帧 -> 样本 -> 历史 + 观察者
//
// 状态机 Idle -> Active -> Closing -> Idle，每次 Run 是一个会话。
// 组帧缓冲、会话时钟和极值都挂在 Pipeline/History 上，会话开始时重置。
type Pipeline struct {
	opener     transport.Opener
	history    *history.History
	readBuffer int
	now        func() time.Time
	log        *logrus.Logger

	state atomic.Int32

	obsMu     sync.RWMutex
	observers []Observer

	// 只由读取 goroutine 访问
	assembler   *parser.Assembler
	start       time.Time
	lastElapsed float64
	entry       *logrus.Entry

	infoMu sync.RWMutex
	info   Info
}

// New 创建管道
func New(opts Options) *Pipeline {
	if opts.ReadBuffer < protocol.HeaderSize {
		opts.ReadBuffer = 4096
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.History == nil {
		opts.History = history.New(history.DefaultCapacity)
	}

	p := &Pipeline{
		opener:     opts.Opener,
		history:    opts.History,
		readBuffer: opts.ReadBuffer,
		now:        opts.Clock,
		log:        opts.Logger,
		observers:  append([]Observer(nil), opts.Observers...),
		assembler:  parser.NewAssembler(opts.ReadBuffer * 2),
	}
	p.info = Info{State: StateIdle.String(), Device: p.opener.String()}
	return p
}

// AddObserver 注册观察者
func (p *Pipeline) AddObserver(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

// History 只读历史
func (p *Pipeline) History() history.Reader {
	return p.history
}

// State 当前状态
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Info 当前会话摘要
func (p *Pipeline) Info() Info {
	p.infoMu.RLock()
	defer p.infoMu.RUnlock()
	info := p.info
	info.State = p.State().String()
	return info
}

// Run 运行一个会话，阻塞直到 ctx 取消或传输失败
//
// ctx 取消（主动停止）返回 nil；传输错误返回包装后的错误，
// 数据流正常结束返回 ErrStreamEnded。
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateActive)) {
		return ErrSessionActive
	}
	defer p.setState(StateIdle)

	port, err := p.opener.Open(ctx)
	if err != nil {
		monitor.SessionsTotal.WithLabelValues("open_failed").Inc()
		return fmt.Errorf("打开设备失败: %w", err)
	}

	p.begin()
	p.entry.Infof("会话开始: %s", p.opener.String())

	p.sendCommand(port, protocol.EnableStreamCommand(), "开启数据流")

	var once sync.Once
	release := func(disable bool) {
		once.Do(func() {
			p.setState(StateClosing)
			if disable {
				p.sendCommand(port, protocol.DisableStreamCommand(), "关闭数据流")
			}
			if err := port.Close(); err != nil {
				p.entry.Debugf("关闭设备: %v", err)
			}
		})
	}

	// 停止请求必须让阻塞中的 Read 立即返回
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			release(true)
		case <-done:
		}
	}()

	err = p.readLoop(ctx, port)
	close(done)
	release(ctx.Err() != nil)

	// 未成帧的残余字节随会话丢弃
	p.assembler.Reset()

	info := p.Info()
	switch {
	case ctx.Err() != nil:
		monitor.SessionsTotal.WithLabelValues("stopped").Inc()
		p.entry.Infof("会话停止: 样本=%d, 校验失败=%d, 丢弃字节=%d",
			info.Samples, info.Frames.ChecksumErrors, info.Frames.BytesDropped)
		return nil
	case errors.Is(err, ErrStreamEnded):
		monitor.SessionsTotal.WithLabelValues("ended").Inc()
		p.entry.Infof("数据流结束: 样本=%d", info.Samples)
		return err
	default:
		monitor.SessionsTotal.WithLabelValues("failed").Inc()
		p.entry.Errorf("会话异常结束: %v", err)
		return err
	}
}

// begin Idle -> Active: 重置缓冲、历史和时钟
func (p *Pipeline) begin() {
	id := uuid.NewString()
	p.entry = p.log.WithField("session", id)

	p.assembler.Reset()
	p.history.Reset()
	p.start = p.now()
	p.lastElapsed = 0

	p.infoMu.Lock()
	p.info = Info{ID: id, Device: p.opener.String(), StartedAt: p.start}
	p.infoMu.Unlock()

	monitor.HistorySize.Set(0)
	for _, o := range p.snapshotObservers() {
		o.OnReset()
	}
}

func (p *Pipeline) readLoop(ctx context.Context, port transport.Port) error {
	buffer := make([]byte, p.readBuffer)

	for {
		n, err := port.Read(buffer)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 {
			p.processData(buffer[:n])
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamEnded
			}
			if transport.IsTimeout(err) {
				p.entry.Debug("读取超时")
				continue
			}
			return fmt.Errorf("读取设备失败: %w", err)
		}
	}
}

// processData 处理一块数据，处理完缓冲区中所有完整帧后才读取下一块
func (p *Pipeline) processData(chunk []byte) {
	startTime := time.Now()
	before := p.assembler.Stats()

	p.assembler.Feed(chunk, p.handleFrame)

	after := p.assembler.Stats()
	monitor.BytesReceived.Add(float64(after.BytesReceived - before.BytesReceived))
	monitor.BytesDropped.Add(float64(after.BytesDropped - before.BytesDropped))
	monitor.FramesAccepted.Add(float64(after.FramesAccepted - before.FramesAccepted))
	monitor.ChecksumErrors.Add(float64(after.ChecksumErrors - before.ChecksumErrors))
	monitor.HistorySize.Set(float64(p.history.Len()))
	monitor.ChunkDuration.Observe(time.Since(startTime).Seconds())

	if dropped := after.BytesDropped - before.BytesDropped; dropped > 0 {
		p.entry.Debugf("重同步丢弃 %d 字节, 校验失败 %d 次", dropped, after.ChecksumErrors-before.ChecksumErrors)
	}

	p.infoMu.Lock()
	p.info.Frames = after
	p.infoMu.Unlock()
}

func (p *Pipeline) handleFrame(frame protocol.Frame) {
	sample, ok := parser.Decode(frame, p.elapsed())
	if !ok {
		monitor.FramesIgnored.Inc()
		p.entry.Debugf("忽略帧: %v", frame)
		return
	}
	if p.State() != StateActive {
		return
	}

	p.history.Record(sample)
	for _, o := range p.snapshotObservers() {
		o.OnSample(sample)
	}

	monitor.SamplesDecoded.Inc()
	monitor.LastVoltage.Set(sample.Voltage)
	monitor.LastCurrent.Set(sample.Current)

	p.infoMu.Lock()
	p.info.Samples++
	p.infoMu.Unlock()
}

// elapsed 会话开始以来的秒数
//
// 时钟回拨时保持上一个值，历史的时间轴不会倒退。
func (p *Pipeline) elapsed() float64 {
	e := p.now().Sub(p.start).Seconds()
	if e < p.lastElapsed {
		e = p.lastElapsed
	}
	p.lastElapsed = e
	return e
}

// sendCommand 命令发送失败只告警，不终止读取
func (p *Pipeline) sendCommand(port transport.Port, cmd []byte, name string) {
	if _, err := port.Write(cmd); err != nil {
		monitor.CommandErrors.Inc()
		p.entry.Warnf("%s命令发送失败: %v", name, err)
		return
	}
	p.entry.Debugf("%s: % X", name, cmd)
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	monitor.SessionState.Set(float64(s))
}

func (p *Pipeline) snapshotObservers() []Observer {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	return p.observers
}
