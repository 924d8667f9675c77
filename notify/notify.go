package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	redisAdapter "bidmoto/adapters/redis"
)

// Notification 代表一則待投遞的站外通知
type Notification struct {
	UserID    uuid.UUID      `json:"userId"`
	EventType string         `json:"eventType"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Sink 是通知的實際出口（email等），由外部系統實作
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// Notifier 是核心元件發送通知的介面
// 發送是fire-and-forget，投遞的成敗不影響觸發它的操作
type Notifier interface {
	Dispatch(userID uuid.UUID, eventType string, payload map[string]any)
}

// Dispatcher 把通知寫入Redis Stream後立即返回，
// 實際投遞由Worker非同步處理
type Dispatcher struct {
	producer redisAdapter.IProducer[Notification]
	logger   *slog.Logger
}

func NewDispatcher(client *goredis.Client, stream string, logger *slog.Logger) (*Dispatcher, error) {
	const op = "NewDispatcher"
	if logger == nil {
		logger = slog.Default()
	}
	producer, err := redisAdapter.NewProducer[Notification](
		client,
		stream,
		redisAdapter.WithProducerLogger[Notification](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}
	return &Dispatcher{
		producer: producer,
		logger:   logger.With(slog.String("caller", "NotifyDispatcher")),
	}, nil
}

func (d *Dispatcher) Start() {
	d.producer.Start()
}

func (d *Dispatcher) Close() {
	d.producer.Close()
}

// Dispatch 將通知排入投遞佇列
// 排入失敗只記錄日誌，永遠不回報給觸發通知的請求
func (d *Dispatcher) Dispatch(userID uuid.UUID, eventType string, payload map[string]any) {
	n := Notification{
		UserID:    userID,
		EventType: eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := d.producer.Publish(n); err != nil {
		d.logger.Error("Fail to dispatch notification",
			slog.String("userId", userID.String()),
			slog.String("eventType", eventType),
			slog.Any("error", err))
	}
}

// Worker 從通知stream取出通知並交給Sink投遞
// 投遞失敗的通知會被搬到dead-letter stream
type Worker struct {
	consumer   redisAdapter.IGroupConsumer[Notification]
	sink       Sink
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	done       chan struct{}
}

func NewWorker(client *goredis.Client, stream, group, consumerName string, sink Sink, logger *slog.Logger) (*Worker, error) {
	const op = "NewWorker"
	if logger == nil {
		logger = slog.Default()
	}
	consumer, err := redisAdapter.NewGroupConsumer[Notification](
		client,
		stream,
		group,
		consumerName,
		redisAdapter.WithGroupConsumerLogger[Notification](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}
	return &Worker{
		consumer: consumer,
		sink:     sink,
		logger:   logger.With(slog.String("caller", "NotifyWorker")),
	}, nil
}

func (w *Worker) Start() {
	w.consumer.Start()
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelFunc = cancel
	w.done = make(chan struct{})
	w.logger.Info("Start notification worker")

	go func() {
		defer close(w.done)
		defer w.logger.Info("Notification worker stopped")
		ch := w.consumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := w.sink.Deliver(ctx, msg.Data); err != nil {
					w.logger.Error("Fail to deliver notification",
						slog.String("userId", msg.Data.UserID.String()),
						slog.Any("error", err))
					if failErr := msg.Fail(ctx, err); failErr != nil {
						w.logger.Error("Fail to fail message", slog.Any("error", failErr))
					}
					continue
				}
				if err := msg.Done(ctx); err != nil {
					w.logger.Error("Delivered but fail to done message", slog.Any("error", err))
				}
			}
		}
	}()
}

func (w *Worker) Close() {
	if w.cancelFunc != nil {
		w.cancelFunc()
		<-w.done
	}
	w.consumer.Close()
}

// LogSink 是預設的Sink實作，只把通知寫到日誌
// 真正的email投遞由外部系統接上
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		slog.String("userId", n.UserID.String()),
		slog.String("eventType", n.EventType),
		slog.Any("payload", n.Payload))
	return nil
}
