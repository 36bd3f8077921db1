package history

import (
	"sort"
	"sync"

	"power-monitor/pkg/protocol"
)

const (
	// DefaultCapacity 约 1 小时 @ 100Hz
	DefaultCapacity = 300000

	// 极值初始值: 最小值取一个高于任何真实读数的哨兵
	MaxSentinel = 0.0
	MinSentinel = 99.0
)

// Extrema 会话内电压/电流极值
type Extrema struct {
	VoltageMax float64 `json:"voltage_max"`
	VoltageMin float64 `json:"voltage_min"`
	CurrentMax float64 `json:"current_max"`
	CurrentMin float64 `json:"current_min"`
}

// InitialExtrema 返回哨兵极值
func InitialExtrema() Extrema {
	return Extrema{
		VoltageMax: MaxSentinel,
		VoltageMin: MinSentinel,
		CurrentMax: MaxSentinel,
		CurrentMin: MinSentinel,
	}
}

func (e *Extrema) update(s protocol.Sample) {
	if s.Voltage > e.VoltageMax {
		e.VoltageMax = s.Voltage
	}
	if s.Voltage < e.VoltageMin {
		e.VoltageMin = s.Voltage
	}
	if s.Current > e.CurrentMax {
		e.CurrentMax = s.Current
	}
	if s.Current < e.CurrentMin {
		e.CurrentMin = s.Current
	}
}

// Snapshot 同一把读锁下取得的样本和极值
type Snapshot struct {
	Samples  []protocol.Sample `json:"samples"`
	Extrema  Extrema           `json:"extrema"`
	Recorded uint64            `json:"recorded"`
	Evicted  uint64            `json:"evicted"`
}

// Reader 只读访问，供渲染/日志协作方使用
type Reader interface {
	Samples() []protocol.Sample
	Window(from, to float64) []protocol.Sample
	Latest() (protocol.Sample, bool)
	Extrema() Extrema
	Snapshot() Snapshot
	Len() int
	Capacity() int
}

// History 定长环形样本历史
//
// 单写多读: 只有会话 goroutine 调用 Record/Reset，读方拿到的都是副本。
// 样本按到达顺序保存，Window 假定 Elapsed 不递减。
type History struct {
	mu       sync.RWMutex
	ring     []protocol.Sample
	head     int
	capacity int
	extrema  Extrema
	recorded uint64
	evicted  uint64
}

// New 创建容量为 capacity 的历史，capacity<=0 时使用默认值
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		extrema:  InitialExtrema(),
	}
}

// Record 更新极值并追加样本，满容量时淘汰最旧的一个
func (h *History) Record(s protocol.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.extrema.update(s)
	h.recorded++

	if len(h.ring) < h.capacity {
		h.ring = append(h.ring, s)
		return
	}
	h.ring[h.head] = s
	h.head = (h.head + 1) % h.capacity
	h.evicted++
}

// Reset 清空样本，极值恢复哨兵值
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring = h.ring[:0]
	h.head = 0
	h.extrema = InitialExtrema()
	h.recorded = 0
	h.evicted = 0
}

// Len 当前样本数
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ring)
}

// Capacity 容量上限
func (h *History) Capacity() int {
	return h.capacity
}

// Extrema 当前极值
func (h *History) Extrema() Extrema {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.extrema
}

// Latest 最新样本
func (h *History) Latest() (protocol.Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.ring) == 0 {
		return protocol.Sample{}, false
	}
	return h.at(len(h.ring) - 1), true
}

// Samples 按时间顺序返回全部样本的副本
func (h *History) Samples() []protocol.Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.copyRange(0, len(h.ring))
}

// Window 返回 from <= Elapsed <= to 的样本
func (h *History) Window(from, to float64) []protocol.Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if to < from {
		return []protocol.Sample{}
	}
	n := len(h.ring)
	lo := sort.Search(n, func(i int) bool { return h.at(i).Elapsed >= from })
	hi := sort.Search(n, func(i int) bool { return h.at(i).Elapsed > to })
	return h.copyRange(lo, hi)
}

// Snapshot 一致性快照
func (h *History) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Snapshot{
		Samples:  h.copyRange(0, len(h.ring)),
		Extrema:  h.extrema,
		Recorded: h.recorded,
		Evicted:  h.evicted,
	}
}

func (h *History) at(i int) protocol.Sample {
	return h.ring[(h.head+i)%len(h.ring)]
}

// copyRange 逻辑下标 [lo, hi) 的副本，调用方持有锁
func (h *History) copyRange(lo, hi int) []protocol.Sample {
	if hi <= lo {
		return []protocol.Sample{}
	}
	out := make([]protocol.Sample, 0, hi-lo)
	n := len(h.ring)
	start := (h.head + lo) % n
	end := start + (hi - lo)
	if end <= n {
		return append(out, h.ring[start:end]...)
	}
	out = append(out, h.ring[start:]...)
	return append(out, h.ring[:end-n]...)
}
