package collab

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaDispatcherDeliversKeyedEvents(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)

	var got DocEvent
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "doc-1" {
			return errors.New("unexpected key " + string(key))
		}
		val, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &got)
	})

	d := NewKafkaDispatcher(producer, "doc-events", DefaultKafkaDispatcherOptions())
	require.NoError(t, d.Enqueue(context.Background(), DocEvent{EventType: EventUpdateApplied, DocID: "doc-1", SnapshotSeq: 3}))
	d.Close()
	require.NoError(t, producer.Close())

	assert.Equal(t, EventUpdateApplied, got.EventType)
	assert.Equal(t, uint64(3), got.SnapshotSeq)
}

func TestKafkaDispatcherRetriesThenSucceeds(t *testing.T) {
	cfg := mocks.NewTestConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)
	producer.ExpectSendMessageAndSucceed()

	opt := DefaultKafkaDispatcherOptions()
	opt.Workers = 1
	opt.BaseBackoff = time.Millisecond
	d := NewKafkaDispatcher(producer, "doc-events", opt)
	require.NoError(t, d.Enqueue(context.Background(), DocEvent{EventType: EventSnapshotWritten, DocID: "doc-1"}))
	d.Close()
	// 两个预期都被消费，否则 Close 会报错
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcherEnqueueTimesOutWhenFull(t *testing.T) {
	d := &KafkaDispatcher{queue: make(chan DocEvent, 1), sem: NewSemaphore(1)}
	// 不启动 worker，队列只能放一个
	require.NoError(t, d.Enqueue(context.Background(), DocEvent{DocID: "a"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Enqueue(ctx, DocEvent{DocID: "b"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
