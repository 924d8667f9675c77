package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ISubscriber 是 ConnectionManager 的訊息來源，
// 通常由 adapters/redis 的 stream Consumer 實作
type ISubscriber[T any] interface {
	Subscribe() <-chan T
}

type managerOptions[T any] struct {
	logger     *slog.Logger
	subscriber ISubscriber[PublishRequest[T]]
}

type ManagerOption[T any] func(*managerOptions[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.logger = logger
	}
}

// WithSubscriber 設置訊息來源
func WithSubscriber[T any](subscriber ISubscriber[PublishRequest[T]]) ManagerOption[T] {
	return func(o *managerOptions[T]) {
		o.subscriber = subscriber
	}
}

// connectionManager 管理多個 SSE 頻道的訂閱與廣播。
// 訊息經由注入的 subscriber 抵達（通常是 Redis Stream），
// 因此多個服務實例可以協同運作，每個實例只廣播給自己的訂閱者。
type connectionManager[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex
	wg     sync.WaitGroup
	active bool

	subscriber ISubscriber[PublishRequest[T]]
	channels   map[string]IChannel[T]
}

// NewConnectionManager 建立一個新的連線管理器
func NewConnectionManager[T any](opts ...ManagerOption[T]) (IConnectionManager[T], error) {
	options := managerOptions[T]{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.subscriber == nil {
		return nil, errors.New("subscriber cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &connectionManager[T]{
		ctx:        ctx,
		cancel:     cancel,
		logger:     options.logger.With(slog.String("caller", "ConnectionManager")),
		channels:   make(map[string]IChannel[T]),
		subscriber: options.subscriber,
		active:     true,
	}, nil
}

// Start 啟動連線管理器，開始處理訊息的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		upstream := cm.subscriber.Subscribe()
		for {
			select {
			case <-cm.ctx.Done():
				return
			case msg, ok := <-upstream:
				if !ok {
					return
				}
				cm.mu.RLock()
				if channel, ok := cm.channels[msg.Channel]; ok {
					channel.Broadcast(msg.Message)
				}
				cm.mu.RUnlock()
			}
		}
	}()
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	cm.mu.Unlock()

	cm.cancel()
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
// channelName: 要訂閱的頻道名稱
// 返回: 用於接收訊息的唯讀通道，以及可能的錯誤
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Unsubscribe 取消訂閱指定的頻道。
// 頻道沒有任何訂閱者時會被回收
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
