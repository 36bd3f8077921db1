package monitor

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// 会话指标
	SessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_session_state",
		Help: "会话状态 (0=Idle 1=Active 2=Closing)",
	})

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_sessions_total",
			Help: "会话数，按结束原因",
		},
		[]string{"result"},
	)

	// 字节/帧指标
	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_bytes_received_total",
		Help: "接收的字节总数",
	})

	BytesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_bytes_dropped_total",
		Help: "重同步丢弃的字节数",
	})

	FramesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_frames_accepted_total",
		Help: "通过校验的帧数",
	})

	ChecksumErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_checksum_errors_total",
		Help: "校验失败次数",
	})

	FramesIgnored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_frames_ignored_total",
		Help: "非测量帧数",
	})

	// 样本指标
	SamplesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_samples_decoded_total",
		Help: "解码的样本数",
	})

	HistorySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_history_samples",
		Help: "历史中的样本数",
	})

	LastVoltage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_last_voltage_volts",
		Help: "最新电压",
	})

	LastCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_last_current_amps",
		Help: "最新电流",
	})

	CommandErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "power_command_errors_total",
		Help: "开启/关闭命令发送失败次数",
	})

	// 延迟指标
	ChunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "power_chunk_processing_seconds",
		Help:    "单块数据处理耗时",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})

	// 下游指标
	SinkDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_sink_dropped_total",
			Help: "下游队列满丢弃的样本数",
		},
		[]string{"sink"},
	)

	SinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "power_sink_errors_total",
			Help: "下游写入错误数",
		},
		[]string{"sink"},
	)

	WebsocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_websocket_clients",
		Help: "当前 websocket 客户端数",
	})

	// Goroutine指标
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_goroutines",
		Help: "当前Goroutine数量",
	})

	// 内存指标
	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "power_memory_usage_bytes",
		Help: "内存使用量",
	})
)

// Collectors 全部指标
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SessionState,
		SessionsTotal,
		BytesReceived,
		BytesDropped,
		FramesAccepted,
		ChecksumErrors,
		FramesIgnored,
		SamplesDecoded,
		HistorySize,
		LastVoltage,
		LastCurrent,
		CommandErrors,
		ChunkDuration,
		SinkDropped,
		SinkErrors,
		WebsocketClients,
		GoroutineCount,
		MemoryUsage,
	}
}

type Monitor struct {
	log      *logrus.Logger
	registry *prometheus.Registry
	server   *http.Server
	stop     chan struct{}
}

// NewMonitor 在独立的 registry 上注册指标
func NewMonitor(log *logrus.Logger) *Monitor {
	registry := prometheus.NewRegistry()
	registry.MustRegister(Collectors()...)
	registry.MustRegister(collectors.NewGoCollector())

	return &Monitor{
		log:      log,
		registry: registry,
		stop:     make(chan struct{}),
	}
}

// Handler 返回 /metrics 和 /health 的处理器
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	// 健康检查端点
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// StartMetricsServer 启动Metrics HTTP服务器
func (m *Monitor) StartMetricsServer(port int) {
	addr := fmt.Sprintf(":%d", port)
	m.server = &http.Server{Addr: addr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	m.log.Infof("Metrics服务器启动: %s", addr)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()
}

// StartRuntimeMonitor 启动运行时监控
func (m *Monitor) StartRuntimeMonitor() {
	ticker := time.NewTicker(10 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
			}

			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}

// Close 停止运行时监控和 Metrics 服务器
func (m *Monitor) Close() error {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	if m.server != nil {
		return m.server.Close()
	}
	return nil
}
