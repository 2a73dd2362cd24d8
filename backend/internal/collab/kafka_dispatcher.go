package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/metrics"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Enqueue 只负责入队，不阻塞更新路径
// - kafka 短暂不可用时靠队列吸收
// - 队列满时降级丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocEvent

	// sem 限制并发的 SendMessage 数量
	sem *Semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

type KafkaDispatcherOptions struct {
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	MaxRetry    int           `mapstructure:"max_retry"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
}

func DefaultKafkaDispatcherOptions() KafkaDispatcherOptions {
	return KafkaDispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  time.Second,
		MaxInFlight: 100,
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocEvent, opt.QueueSize),
		sem:         NewSemaphore(opt.MaxInFlight),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// Enqueue 队列满时等到 ctx 超时；事件不要求必达
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return context.Canceled
	}
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		metrics.KafkaDropped.Inc()
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收并等待队列里的事件发完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		// worker 可以一直等，不影响主链路
		_ = d.sem.Acquire(context.Background())
		err := d.sendOnce(evt)
		_ = d.sem.Release()

		if err == nil {
			return
		}
		if attempt == d.maxRetry {
			metrics.KafkaDropped.Inc()
			zap.S().Warnw("kafka send failed, drop event",
				"documentId", evt.DocID, "eventType", evt.EventType, "worker", workerID, "error", err)
			return
		}

		// 退避，每次 x2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
