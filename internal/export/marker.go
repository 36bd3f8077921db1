package export

import (
	"errors"
	"math"
	"sort"
	"strings"
	"sync"

	"power-monitor/pkg/protocol"
)

var ErrEmptyLabel = errors.New("标记文本为空")

// Marker 时间轴上的标注
type Marker struct {
	Time  float64 `json:"time"`
	Label string  `json:"label"`
}

// MarkerSet 当前会话的标记，新会话开始时清空
type MarkerSet struct {
	mu      sync.RWMutex
	markers []Marker
}

func NewMarkerSet() *MarkerSet {
	return &MarkerSet{}
}

// Add 添加标记
func (ms *MarkerSet) Add(m Marker) (Marker, error) {
	m.Label = strings.TrimSpace(m.Label)
	if m.Label == "" {
		return Marker{}, ErrEmptyLabel
	}
	if math.IsNaN(m.Time) || math.IsInf(m.Time, 0) {
		return Marker{}, errors.New("标记时间无效")
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	idx := sort.Search(len(ms.markers), func(i int) bool {
		return ms.markers[i].Time > m.Time
	})
	ms.markers = append(ms.markers, Marker{})
	copy(ms.markers[idx+1:], ms.markers[idx:])
	ms.markers[idx] = m
	return m, nil
}

// Remove 删除 tolerance 范围内离 t 最近的标记
func (ms *MarkerSet) Remove(t, tolerance float64) (Marker, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	best := -1
	bestDiff := math.Inf(1)
	for i, m := range ms.markers {
		if d := math.Abs(m.Time - t); d <= tolerance && d < bestDiff {
			best, bestDiff = i, d
		}
	}
	if best < 0 {
		return Marker{}, false
	}
	m := ms.markers[best]
	ms.markers = append(ms.markers[:best], ms.markers[best+1:]...)
	return m, true
}

// List 按时间排序的副本
func (ms *MarkerSet) List() []Marker {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]Marker{}, ms.markers...)
}

// Replace 替换全部标记（导入）
func (ms *MarkerSet) Replace(markers []Marker) {
	sorted := append([]Marker(nil), markers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	ms.mu.Lock()
	ms.markers = sorted
	ms.mu.Unlock()
}

func (ms *MarkerSet) OnSample(protocol.Sample) {}

func (ms *MarkerSet) OnReset() {
	ms.mu.Lock()
	ms.markers = nil
	ms.mu.Unlock()
}
