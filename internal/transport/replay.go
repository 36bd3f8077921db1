package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ReplayOpener 回放抓取的原始字节文件
type ReplayOpener struct {
	Path      string
	ChunkSize int
	Interval  time.Duration // 每块之间的间隔，0 表示不等待
}

func (o *ReplayOpener) Open(ctx context.Context) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(o.Path)
	if err != nil {
		return nil, fmt.Errorf("读取回放文件失败: %w", err)
	}
	return NewReplayPort(data, o.ChunkSize, o.Interval), nil
}

func (o *ReplayOpener) String() string {
	return fmt.Sprintf("replay(%s)", o.Path)
}

// ReplayPort 以固定块大小送出数据，结束时返回 io.EOF，写入的数据被记录下来
type ReplayPort struct {
	data     []byte
	chunk    int
	interval time.Duration

	mu      sync.Mutex
	written []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// NewReplayPort 创建回放端口
func NewReplayPort(data []byte, chunk int, interval time.Duration) *ReplayPort {
	if chunk <= 0 {
		chunk = 4096
	}
	return &ReplayPort{
		data:     data,
		chunk:    chunk,
		interval: interval,
		closed:   make(chan struct{}),
	}
}

func (p *ReplayPort) Read(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}

	if len(p.data) == 0 {
		return 0, io.EOF
	}

	if p.interval > 0 {
		t := time.NewTimer(p.interval)
		defer t.Stop()
		select {
		case <-p.closed:
			return 0, ErrClosed
		case <-t.C:
		}
	}

	n := p.chunk
	if n > len(b) {
		n = len(b)
	}
	n = copy(b, p.data[:min(n, len(p.data))])
	p.data = p.data[n:]
	return n, nil
}

func (p *ReplayPort) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, ErrClosed
	default:
	}
	p.mu.Lock()
	p.written = append(p.written, b...)
	p.mu.Unlock()
	return len(b), nil
}

func (p *ReplayPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// Written 主机写入的全部字节
func (p *ReplayPort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}
