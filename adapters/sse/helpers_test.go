package sse_test

import (
	"io"
	"log"

	"bidmoto/adapters/sse"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// Message 表示一個 SSE 訊息，包含資料字段。
type Message struct {
	Data string `json:"data"`
}

// fakeSubscriber 是測試用的訊息來源，直接從記憶體channel供應訊息
type fakeSubscriber struct {
	ch chan sse.PublishRequest[Message]
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan sse.PublishRequest[Message], 16)}
}

func (s *fakeSubscriber) Subscribe() <-chan sse.PublishRequest[Message] {
	return s.ch
}

func (s *fakeSubscriber) Publish(channel string, msg Message) {
	s.ch <- sse.PublishRequest[Message]{Channel: channel, Message: msg}
}
