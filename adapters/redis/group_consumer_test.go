package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGroupConsumer(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	tests := []struct {
		name     string
		client   *redis.Client
		stream   string
		group    string
		consumer string
		wantErr  bool
	}{
		{
			name:     "valid configuration",
			client:   client,
			stream:   "test-stream",
			group:    "test-group",
			consumer: "consumer-1",
			wantErr:  false,
		},
		{
			name:     "nil client",
			client:   nil,
			stream:   "test-stream",
			group:    "test-group",
			consumer: "consumer-1",
			wantErr:  true,
		},
		{
			name:     "empty stream",
			client:   client,
			stream:   "",
			group:    "test-group",
			consumer: "consumer-1",
			wantErr:  true,
		},
		{
			name:     "empty group",
			client:   client,
			stream:   "test-stream",
			group:    "",
			consumer: "consumer-1",
			wantErr:  true,
		},
		{
			name:     "empty consumer",
			client:   client,
			stream:   "test-stream",
			group:    "test-group",
			consumer: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gc, err := NewGroupConsumer[TestMessage](tt.client, tt.stream, tt.group, tt.consumer)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, gc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, gc)
			}
		})
	}
}

func TestGroupConsumer_DoneAndFail(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	ctx := context.Background()
	for _, msg := range []TestMessage{
		{ID: "1", Data: "ok"},
		{ID: "2", Data: "broken"},
	} {
		values, err := DefaultParseToMessage(msg)
		require.NoError(t, err)
		require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
			Stream: "test-stream",
			Values: values,
		}).Err())
	}

	gc, err := NewGroupConsumer[TestMessage](
		client,
		"test-stream",
		"test-group",
		"consumer-1",
		WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond),
	)
	require.NoError(t, err)

	gc.Start()
	defer gc.Close()

	ch := gc.Subscribe()

	// 第一條訊息正常處理後ack
	select {
	case msg := <-ch:
		assert.Equal(t, "ok", msg.Data.Data)
		assert.NoError(t, msg.Done(ctx))
	case <-time.After(time.Second):
		t.Fatal("did not receive first message in time")
	}

	// 第二條訊息處理失敗，應該被搬到dead-letter stream
	select {
	case msg := <-ch:
		assert.Equal(t, "broken", msg.Data.Data)
		assert.NoError(t, msg.Fail(ctx, errors.New("handling failed")))
	case <-time.After(time.Second):
		t.Fatal("did not receive second message in time")
	}

	deadLetters, err := client.XRange(ctx, "test-stream:dead-letter", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, deadLetters, 1)
	assert.Equal(t, "handling failed", deadLetters[0].Values["error"])

	// 兩條都已ack，pending要是空的
	pending, err := client.XPending(ctx, "test-stream", "test-group").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestGroupConsumer_UnparsableGoesToDeadLetter(t *testing.T) {
	client, cleanup := setupMiniredis(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "test-stream",
		Values: map[string]any{"data": "not base64!"},
	}).Err())
	values, err := DefaultParseToMessage(TestMessage{ID: "2", Data: "valid"})
	require.NoError(t, err)
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: "test-stream",
		Values: values,
	}).Err())

	gc, err := NewGroupConsumer[TestMessage](
		client,
		"test-stream",
		"test-group",
		"consumer-1",
		WithGroupConsumerBlockTimeout[TestMessage](50*time.Millisecond),
	)
	require.NoError(t, err)

	gc.Start()
	defer gc.Close()

	// 解析失敗的訊息不會被投遞，下一條正常訊息照常送達
	select {
	case msg := <-gc.Subscribe():
		assert.Equal(t, "valid", msg.Data.Data)
		assert.NoError(t, msg.Done(ctx))
	case <-time.After(time.Second):
		t.Fatal("did not receive message in time")
	}

	deadLetters, err := client.XRange(ctx, "test-stream:dead-letter", "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, deadLetters, 1)
}
