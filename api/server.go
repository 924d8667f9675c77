package api

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "bidmoto/adapters/redis"
	"bidmoto/adapters/sse"
	"bidmoto/dispute"
	"bidmoto/engine"
	"bidmoto/events"
	"bidmoto/notify"
)

type ServerImpl struct {
	db          *gorm.DB
	redisClient *redis.Client

	// 拍賣事件：引擎發布到events stream，每個節點消費並廣播給自己的SSE訂閱者
	publisher     *events.StreamPublisher
	eventConsumer redisAdapter.IConsumer[sse.PublishRequest[events.Event]]
	sseManager    sse.IConnectionManager[events.Event]

	// 站內通知：dispatcher發布到notifications stream，
	// 一條group consumer負責持久投遞，一條一般consumer負責即時推到使用者的SSE頻道
	dispatcher     *notify.Dispatcher
	notifyWorker   *notify.Worker
	notifyConsumer redisAdapter.IConsumer[sse.PublishRequest[notify.Notification]]
	userManager    sse.IConnectionManager[notify.Notification]

	engine   *engine.Engine
	workflow *dispute.Workflow
	sweeper  *engine.Sweeper

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"
	logger := slog.Default()

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化事件廣播
	publisher, err := events.NewStreamPublisher(redisClient, config.Redis.StreamKeys.Events, logger)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event publisher, err=%w", op, err)
	}
	eventConsumer, err := redisAdapter.NewConsumer[sse.PublishRequest[events.Event]](
		redisClient,
		config.Redis.StreamKeys.Events,
		redisAdapter.WithConsumerLogger[sse.PublishRequest[events.Event]](logger),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create event consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager[events.Event](
		sse.WithLogger[events.Event](logger),
		sse.WithSubscriber(eventConsumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化站內通知
	dispatcher, err := notify.NewDispatcher(redisClient, config.Redis.StreamKeys.Notifications, logger)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notify dispatcher, err=%w", op, err)
	}
	notifyWorker, err := notify.NewWorker(
		redisClient,
		config.Redis.StreamKeys.Notifications,
		config.Redis.ConsumerGroup,
		config.ID,
		notify.LogSink{Logger: logger},
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notify worker, err=%w", op, err)
	}
	notifyConsumer, err := redisAdapter.NewConsumer(
		redisClient,
		config.Redis.StreamKeys.Notifications,
		redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[notify.Notification], error) {
			n, err := redisAdapter.DefaultParseFromMessage[notify.Notification](m)
			if err != nil {
				return sse.PublishRequest[notify.Notification]{}, fmt.Errorf("fail to parse message to notification, err=%w", err)
			}
			return sse.PublishRequest[notify.Notification]{
				Channel: events.UserTopic(n.UserID),
				Message: n,
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create notify consumer, err=%w", op, err)
	}
	userManager, err := sse.NewConnectionManager[notify.Notification](
		sse.WithLogger[notify.Notification](logger),
		sse.WithSubscriber(notifyConsumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create user connection manager, err=%w", op, err)
	}

	// 初始化競價引擎
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
	}
	if config.Engine.QueueDepth > 0 {
		engineOpts = append(engineOpts, engine.WithQueueDepth(config.Engine.QueueDepth))
	}
	if config.Engine.ReopenWindow > 0 {
		engineOpts = append(engineOpts, engine.WithReopenWindow(config.Engine.ReopenWindow))
	}
	if config.Engine.DistributedLock {
		lockOpts := []redisAdapter.AutoRenewMutexOption{}
		if config.Redis.LockExpiry > 0 {
			lockOpts = append(lockOpts, redisAdapter.WithAutoRenewMutexExpiry(config.Redis.LockExpiry))
		}
		engineOpts = append(engineOpts, engine.WithLockFactory(func(key string) redisAdapter.IAutoRenewMutex {
			return redisAdapter.NewAutoRenewMutex(redisClient, config.Redis.KeyPrefix+key, lockOpts...)
		}))
	}
	auctionEngine, err := engine.NewEngine(db, publisher, dispatcher, engineOpts...)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create engine, err=%w", op, err)
	}

	// 初始化爭議處理流程
	workflow, err := dispute.NewWorkflow(db, auctionEngine, publisher, dispatcher, logger)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create dispute workflow, err=%w", op, err)
	}

	// 初始化到期掃描
	sweeper := engine.NewSweeper(db, auctionEngine, config.Engine.SweepInterval, logger)

	return &ServerImpl{
		db:             db,
		redisClient:    redisClient,
		publisher:      publisher,
		eventConsumer:  eventConsumer,
		sseManager:     sseManager,
		dispatcher:     dispatcher,
		notifyWorker:   notifyWorker,
		notifyConsumer: notifyConsumer,
		userManager:    userManager,
		engine:         auctionEngine,
		workflow:       workflow,
		sweeper:        sweeper,
		config:         config,
	}, nil
}

func (impl *ServerImpl) Start() {
	// 啟動事件廣播
	impl.publisher.Start()
	impl.eventConsumer.Start()
	impl.sseManager.Start()
	// 啟動站內通知
	impl.dispatcher.Start()
	impl.notifyWorker.Start()
	impl.notifyConsumer.Start()
	impl.userManager.Start()
	// 啟動到期掃描
	impl.sweeper.Start()
}

func (impl *ServerImpl) Close() {
	// 先停掃描和引擎，不再產生新事件
	impl.sweeper.Close()
	impl.engine.Close()
	// 關閉站內通知
	impl.notifyWorker.Close()
	impl.dispatcher.Close()
	impl.notifyConsumer.Close()
	impl.userManager.Done()
	// 關閉事件廣播
	impl.publisher.Close()
	impl.eventConsumer.Close()
	impl.sseManager.Done()
}

// RegisterRoutes 將所有端點掛到router上
func (impl *ServerImpl) RegisterRoutes(router *gin.Engine) {
	auth := impl.authRequired()

	router.POST("/auction", auth, impl.PostAuction)
	router.GET("/auction/:auctionID", impl.GetAuction)
	router.GET("/auction/:auctionID/status", impl.GetAuctionStatus)
	router.GET("/auction/:auctionID/events", impl.GetAuctionEvents)
	router.POST("/auction/:auctionID/bids", auth, impl.PostAuctionBids)
	router.POST("/auction/:auctionID/accept", auth, impl.PostAuctionAccept)

	router.GET("/user/events", auth, impl.GetUserEvents)

	router.POST("/transaction/:transactionID/void", auth, impl.PostTransactionVoid)
	router.POST("/void/:voidID/response", auth, impl.PostVoidResponse)
	router.POST("/void/:voidID/remediation", auth, impl.PostVoidRemediation)
	router.POST("/void/:voidID/offer/response", auth, impl.PostVoidOfferResponse)
}
