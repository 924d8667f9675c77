package sse_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"bidmoto/adapters/sse"
)

func TestConnectionManager(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := newFakeSubscriber()
	cm, err := sse.NewConnectionManager[Message](
		sse.WithSubscriber[Message](source),
	)
	assert.NoError(t, err)
	cm.Start()
	defer cm.Done()

	// 測試訂閱
	ch, err := cm.Subscribe("test_channel")
	assert.NoError(t, err)
	assert.NotNil(t, ch)

	// 測試訊息從來源流向訂閱者
	msg := Message{Data: "test message"}
	source.Publish("test_channel", msg)

	select {
	case received := <-ch:
		assert.Equal(t, msg, received)
	case <-time.After(time.Second):
		t.Fatal("did not receive message in time")
	}

	// 測試取消訂閱
	cm.Unsubscribe("test_channel", ch)
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestConnectionManagerChannelIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := newFakeSubscriber()
	cm, err := sse.NewConnectionManager[Message](
		sse.WithSubscriber[Message](source),
	)
	assert.NoError(t, err)
	cm.Start()
	defer cm.Done()

	chA, err := cm.Subscribe("auction-a")
	assert.NoError(t, err)
	chB, err := cm.Subscribe("auction-b")
	assert.NoError(t, err)

	// 發到auction-a的訊息不應該出現在auction-b
	source.Publish("auction-a", Message{Data: "for a"})

	select {
	case received := <-chA:
		assert.Equal(t, "for a", received.Data)
	case <-time.After(time.Second):
		t.Fatal("subscriber of auction-a did not receive message")
	}
	select {
	case received := <-chB:
		t.Fatalf("subscriber of auction-b should not receive message, got %v", received)
	case <-time.After(50 * time.Millisecond):
	}

	cm.Unsubscribe("auction-a", chA)
	cm.Unsubscribe("auction-b", chB)
}

func TestConnectionManagerDone(t *testing.T) {
	defer goleak.VerifyNone(t)

	source := newFakeSubscriber()
	cm, err := sse.NewConnectionManager[Message](
		sse.WithSubscriber[Message](source),
	)
	assert.NoError(t, err)
	cm.Start()

	ch, err := cm.Subscribe("test_channel")
	assert.NoError(t, err)

	cm.Done()

	// 關閉後既有的訂閱通道要被關閉，新的訂閱要被拒絕
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Done")
	_, err = cm.Subscribe("test_channel")
	assert.Error(t, err)

	// 重複呼叫Done不應該panic
	cm.Done()
}
