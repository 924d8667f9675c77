package events

import (
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	redisAdapter "bidmoto/adapters/redis"
	"bidmoto/adapters/sse"
)

// StreamPublisher 透過Redis Stream廣播事件
// 每個節點的SSE管理器都消費同一個stream，
// 所以任何節點發布的事件都會被所有節點的訂閱者收到
type StreamPublisher struct {
	producer redisAdapter.IProducer[sse.PublishRequest[Event]]
	logger   *slog.Logger
}

func NewStreamPublisher(client *goredis.Client, stream string, logger *slog.Logger) (*StreamPublisher, error) {
	const op = "NewStreamPublisher"
	if logger == nil {
		logger = slog.Default()
	}
	producer, err := redisAdapter.NewProducer[sse.PublishRequest[Event]](
		client,
		stream,
		redisAdapter.WithProducerLogger[sse.PublishRequest[Event]](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}
	return &StreamPublisher{
		producer: producer,
		logger:   logger.With(slog.String("caller", "StreamPublisher")),
	}, nil
}

func (p *StreamPublisher) Start() {
	p.producer.Start()
}

func (p *StreamPublisher) Close() {
	p.producer.Close()
}

// Publish 將事件排入廣播佇列後立即返回
func (p *StreamPublisher) Publish(topic string, event Event) error {
	return p.producer.Publish(sse.PublishRequest[Event]{
		Channel: topic,
		Message: event,
	})
}
