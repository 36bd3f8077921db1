package web

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"power-monitor/internal/monitor"
	"power-monitor/internal/storage"
	"power-monitor/pkg/protocol"
)

const (
	MessageTypeSample = "sample"
	MessageTypeReset  = "reset"

	sinkName = "websocket"
)

// Hub 把样本广播给所有 websocket 客户端
//
// OnSample 在读取 goroutine 中执行：消息只序列化一次，
// 客户端发送队列满时丢弃该客户端的这条消息，不等待慢客户端。
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	log     *logrus.Logger
}

func NewHub(log *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     log,
	}
}

// OnSample 广播样本
func (h *Hub) OnSample(s protocol.Sample) {
	h.broadcast(storage.Message{
		Type: MessageTypeSample,
		Data: &storage.SampleRecord{Elapsed: s.Elapsed, Voltage: s.Voltage, Current: s.Current, Power: s.Power()},
	})
}

// OnReset 通知客户端清空图表
func (h *Hub) OnReset() {
	h.broadcast(storage.Message{Type: MessageTypeReset})
}

func (h *Hub) broadcast(msg storage.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Errorf("序列化消息失败: %v", err)
		return
	}

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			monitor.SinkDropped.WithLabelValues(sinkName).Inc()
		}
	}
}

func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	monitor.WebsocketClients.Set(float64(len(h.clients)))
	h.log.Infof("websocket客户端连接: %s (当前 %d)", c.remote, len(h.clients))
	return true
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	monitor.WebsocketClients.Set(float64(len(h.clients)))
	h.log.Infof("websocket客户端断开: %s (当前 %d)", c.remote, len(h.clients))
}

// ClientCount 当前客户端数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close 断开所有客户端，之后的连接被拒绝
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	monitor.WebsocketClients.Set(0)
}
