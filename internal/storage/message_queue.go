package storage

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"power-monitor/internal/config"
	"power-monitor/internal/monitor"
	"power-monitor/pkg/protocol"
)

const sinkName = "redis"

// Message 发布到 Redis 的消息
type Message struct {
	Type string        `json:"type"`
	Data *SampleRecord `json:"data,omitempty"`
}

// SampleRecord 样本，功率在发送时计算
type SampleRecord struct {
	Elapsed float64 `json:"t"`
	Voltage float64 `json:"v"`
	Current float64 `json:"i"`
	Power   float64 `json:"p"`
}

type item struct {
	reset  bool
	sample protocol.Sample
}

// MessageQueue 把样本异步发布到 Redis Pub/Sub，并在 List 中保留最近的样本
//
// OnSample/OnReset 只做非阻塞入队，队列满时丢弃新样本。
// 写 Redis 由 Serve 批量完成，连续失败时断路器打开，期间整批丢弃。
type MessageQueue struct {
	client    *redis.Client
	channel   string
	listKey   string
	listLimit int64
	batchSize int
	queue     chan item
	breaker   *gobreaker.CircuitBreaker[struct{}]
	log       *logrus.Logger

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewMessageQueue 连接 Redis
func NewMessageQueue(cfg config.RedisConfig, log *logrus.Logger) (*MessageQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接Redis失败: %w", err)
	}

	log.Infof("Redis连接成功: %s", cfg.Addr)

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	mq := &MessageQueue{
		client:    client,
		channel:   cfg.Channel,
		listKey:   cfg.Channel + ":history",
		listLimit: cfg.ListLimit,
		batchSize: batchSize,
		queue:     make(chan item, queueSize),
		log:       log,
	}
	mq.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "redis-publisher",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("断路器 %s: %s -> %s", name, from, to)
		},
	})
	return mq, nil
}

// OnSample 入队一个样本
func (mq *MessageQueue) OnSample(s protocol.Sample) {
	mq.enqueue(item{sample: s})
}

// OnReset 新会话开始，下游清空历史
func (mq *MessageQueue) OnReset() {
	mq.enqueue(item{reset: true})
}

func (mq *MessageQueue) enqueue(it item) {
	select {
	case mq.queue <- it:
	default:
		mq.dropped.Add(1)
		monitor.SinkDropped.WithLabelValues(sinkName).Inc()
	}
}

// Serve 批量写 Redis，直到 ctx 取消
func (mq *MessageQueue) Serve(ctx context.Context) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	batch := make([]protocol.Sample, 0, mq.batchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		mq.PublishBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// 尽量把已入队的样本写出去
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			for {
				select {
				case it := <-mq.queue:
					if !it.reset {
						batch = append(batch, it.sample)
					}
				default:
					flush(drainCtx)
					return nil
				}
			}
		case it := <-mq.queue:
			if it.reset {
				flush(ctx)
				mq.publishReset(ctx)
				continue
			}
			batch = append(batch, it.sample)
			if len(batch) >= mq.batchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}

// PublishBatch 一次 pipeline 写出一批样本
func (mq *MessageQueue) PublishBatch(ctx context.Context, samples []protocol.Sample) error {
	_, err := mq.breaker.Execute(func() (struct{}, error) {
		pipe := mq.client.Pipeline()

		for _, s := range samples {
			data, err := json.Marshal(Message{Type: "sample", Data: newRecord(s)})
			if err != nil {
				mq.log.Errorf("序列化数据失败: %v", err)
				continue
			}
			pipe.Publish(ctx, mq.channel, data)
			pipe.LPush(ctx, mq.listKey, data)
		}

		// 限制List长度
		if mq.listLimit > 0 {
			pipe.LTrim(ctx, mq.listKey, 0, mq.listLimit-1)
		}

		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	if err != nil {
		mq.dropped.Add(uint64(len(samples)))
		monitor.SinkErrors.WithLabelValues(sinkName).Inc()
		monitor.SinkDropped.WithLabelValues(sinkName).Add(float64(len(samples)))
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			mq.log.Debugf("断路器打开, 丢弃 %d 个样本", len(samples))
		} else {
			mq.log.Warnf("发布消息失败: %v", err)
		}
		return err
	}

	mq.published.Add(uint64(len(samples)))
	return nil
}

func (mq *MessageQueue) publishReset(ctx context.Context) {
	data, _ := json.Marshal(Message{Type: "reset"})
	_, err := mq.breaker.Execute(func() (struct{}, error) {
		pipe := mq.client.TxPipeline()
		pipe.Del(ctx, mq.listKey)
		pipe.Publish(ctx, mq.channel, data)
		_, err := pipe.Exec(ctx)
		return struct{}{}, err
	})
	if err != nil {
		monitor.SinkErrors.WithLabelValues(sinkName).Inc()
		mq.log.Warnf("发布重置消息失败: %v", err)
	}
}

// Close 关闭连接
func (mq *MessageQueue) Close() error {
	return mq.client.Close()
}

// GetStats 获取统计信息
func (mq *MessageQueue) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"published":  mq.published.Load(),
		"dropped":    mq.dropped.Load(),
		"queued":     len(mq.queue),
		"breaker":    mq.breaker.State().String(),
		"pool_stats": mq.client.PoolStats(),
	}
}

func newRecord(s protocol.Sample) *SampleRecord {
	return &SampleRecord{
		Elapsed: s.Elapsed,
		Voltage: s.Voltage,
		Current: s.Current,
		Power:   s.Power(),
	}
}
