package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	redisAdapter "bidmoto/adapters/redis"
	"bidmoto/events"
	"bidmoto/models"
)

// LockFactory 為指定的key建立跨節點互斥鎖
// 單一節點部署時可以不設置，序列化完全由KeyedExecutor保證
type LockFactory func(key string) redisAdapter.IAutoRenewMutex

type engineOptions struct {
	logger       *slog.Logger
	queueDepth   int
	lockFactory  LockFactory
	reopenWindow time.Duration
}

type Option func(*engineOptions)

// WithLogger 設置日誌記錄器
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithQueueDepth 設置每個拍賣的操作佇列深度
func WithQueueDepth(depth int) Option {
	return func(o *engineOptions) {
		o.queueDepth = depth
	}
}

// WithLockFactory 設置跨節點鎖的工廠，多實例部署時必須設置
func WithLockFactory(f LockFactory) Option {
	return func(o *engineOptions) {
		o.lockFactory = f
	}
}

// WithReopenWindow 設置重新開標後的新競標時長
func WithReopenWindow(d time.Duration) Option {
	return func(o *engineOptions) {
		o.reopenWindow = d
	}
}

// Engine 是競價與結算引擎，持有拍賣狀態的唯一寫入權
// 同一個拍賣的所有變更操作都會經過該拍賣的序列化區段，
// 不同拍賣的操作完全並行
// 最高出價只是出價帳本的投影，結算永遠以帳本重新計算為準
type Engine struct {
	db       *gorm.DB
	pub      events.Publisher
	notifier Notifier
	exec     *KeyedExecutor
	logger   *slog.Logger
	options  engineOptions
}

// Notifier 是站外通知的出口，投遞成敗不影響引擎操作
type Notifier interface {
	Dispatch(userID uuid.UUID, eventType string, payload map[string]any)
}

func NewEngine(db *gorm.DB, pub events.Publisher, notifier Notifier, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if pub == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	options := engineOptions{
		logger:       slog.Default(),
		queueDepth:   64,
		reopenWindow: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine{
		db:       db,
		pub:      pub,
		notifier: notifier,
		exec:     NewKeyedExecutor(options.queueDepth),
		logger:   options.logger.With(slog.String("caller", "Engine")),
		options:  options,
	}, nil
}

// Close 等待所有進行中的序列化操作完成
func (e *Engine) Close() {
	e.exec.Close()
}

// ReopenWindow 回傳重新開標後的競標時長
func (e *Engine) ReopenWindow() time.Duration {
	return e.options.reopenWindow
}

// Serialize 在auctionID的序列化區段內以單一資料庫交易執行fn
// 所有對同一拍賣的變更都必須經過這裡，爭議處理流程也不例外
func (e *Engine) Serialize(ctx context.Context, auctionID uuid.UUID, fn func(tx *gorm.DB) error) error {
	const op = "Serialize"
	return e.exec.Do(ctx, auctionID.String(), func() error {
		workCtx := ctx
		if e.options.lockFactory != nil {
			mutex := e.options.lockFactory(fmt.Sprintf("auction:%s:lock", auctionID))
			lockCtx, err := mutex.Lock(ctx)
			if err != nil {
				return fmt.Errorf("[%s] Fail to acquire auction lock, err=%w", op, err)
			}
			defer func() {
				if _, err := mutex.Unlock(); err != nil {
					e.logger.Warn("Fail to release auction lock", slog.String("auctionID", auctionID.String()), slog.Any("error", err))
				}
			}()
			workCtx = lockCtx
		}
		return e.db.WithContext(workCtx).Transaction(fn)
	})
}

// SubmitResult 是出價成功的結果
type SubmitResult struct {
	BidID      uuid.UUID
	NewHighest int64
}

// SubmitBid 對拍賣出價
// 出價必須滿足最低加價規則：沒有任何出價時不低於起標價，
// 否則不低於目前最高出價加上最低加價幅度
// 失敗時回傳具體原因，不會留下任何部分寫入
func (e *Engine) SubmitBid(ctx context.Context, auctionID, bidderID uuid.UUID, amount int64, maskDisplayName bool) (SubmitResult, error) {
	const op = "SubmitBid"
	var (
		result     SubmitResult
		outbid     *models.Bid
		bidderName string
	)

	err := e.Serialize(ctx, auctionID, func(tx *gorm.DB) error {
		auction, err := loadAuction(tx, auctionID)
		if err != nil {
			return err
		}
		if auction.Status != models.AuctionStatusOpen {
			return ErrAuctionClosed
		}
		if !time.Now().Before(auction.EndTime) {
			return ErrAuctionExpired
		}

		// 以出價帳本重新計算最低可接受金額，不信任快取
		highest, err := highestBid(tx, auctionID)
		if err != nil {
			return err
		}
		minimum := auction.StartingPrice
		if highest != nil {
			minimum = highest.Amount + auction.BidIncrement
		}
		if amount < minimum {
			return &AmountTooLowError{Minimum: minimum}
		}

		bid := models.Bid{
			AuctionID:         auctionID,
			BidderID:          bidderID,
			Amount:            amount,
			DisplayNameMasked: maskDisplayName,
		}
		if result := tx.Create(&bid); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create bid, err=%w", op, result.Error)
		}
		if result := tx.Model(&models.Auction{}).Where("id = ?", auctionID).Update("current_bid_id", bid.ID); result.Error != nil {
			return fmt.Errorf("[%s] Fail to update current bid, err=%w", op, result.Error)
		}

		outbid = highest
		bidderName = displayName(tx, bidderID, maskDisplayName)
		result = SubmitResult{BidID: bid.ID, NewHighest: amount}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	e.publish(events.Event{
		Type:      events.TypeBidPlaced,
		AuctionID: auctionID,
		Status:    string(models.AuctionStatusOpen),
		Amount:    amount,
		Bidder:    bidderName,
		At:        time.Now(),
	})
	if outbid != nil && outbid.BidderID != bidderID {
		e.dispatch(outbid.BidderID, "Outbid", map[string]any{
			"auctionId": auctionID.String(),
			"newAmount": amount,
		})
	}
	e.logger.Info("Higher bid occurs", slog.String("bidder", bidderID.String()), slog.Int64("bid", amount), slog.String("auctionID", auctionID.String()))
	return result, nil
}

// AcceptHighestBid 由賣家接受目前最高出價，完成結算
// 結算對象是操作被處理當下的最高出價，序列化保證它不會被同時抵達的出價動搖
func (e *Engine) AcceptHighestBid(ctx context.Context, auctionID, sellerID uuid.UUID) (*models.Transaction, error) {
	var trans *models.Transaction

	err := e.Serialize(ctx, auctionID, func(tx *gorm.DB) error {
		auction, err := loadAuction(tx, auctionID)
		if err != nil {
			return err
		}
		if auction.SellerID != sellerID {
			return ErrNotSeller
		}
		if auction.Status != models.AuctionStatusOpen {
			return ErrAuctionClosed
		}

		highest, err := highestBid(tx, auctionID)
		if err != nil {
			return err
		}
		if highest == nil {
			return ErrNoBids
		}

		trans, err = settle(tx, auction, highest)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.publish(events.Event{
		Type:      events.TypeAccepted,
		AuctionID: auctionID,
		Status:    string(models.AuctionStatusSold),
		Amount:    trans.Amount,
		At:        time.Now(),
	})
	e.dispatch(trans.BuyerID, "AuctionWon", map[string]any{
		"auctionId": auctionID.String(),
		"amount":    trans.Amount,
	})
	return trans, nil
}

// ExpireIfDue 在拍賣到期時收尾：有出價就走結算，沒有就標記結束
// 冪等操作，計時器和客戶端心跳可以重複觸發，
// 第一個到達的呼叫生效，之後的呼叫觀察到終態後直接返回
func (e *Engine) ExpireIfDue(ctx context.Context, auctionID uuid.UUID) error {
	var (
		trans *models.Transaction
		ended bool
	)

	err := e.Serialize(ctx, auctionID, func(tx *gorm.DB) error {
		auction, err := loadAuction(tx, auctionID)
		if err != nil {
			return err
		}
		if auction.Status != models.AuctionStatusOpen {
			return nil
		}
		if time.Now().Before(auction.EndTime) {
			return nil
		}

		highest, err := highestBid(tx, auctionID)
		if err != nil {
			return err
		}
		if highest == nil {
			if result := tx.Model(&models.Auction{}).Where("id = ?", auctionID).Update("status", models.AuctionStatusEnded); result.Error != nil {
				return fmt.Errorf("[ExpireIfDue] Fail to end auction, err=%w", result.Error)
			}
			ended = true
			return nil
		}

		trans, err = settle(tx, auction, highest)
		return err
	})
	if err != nil {
		return err
	}

	switch {
	case trans != nil:
		e.publish(events.Event{
			Type:      events.TypeAccepted,
			AuctionID: auctionID,
			Status:    string(models.AuctionStatusSold),
			Amount:    trans.Amount,
			At:        time.Now(),
		})
		e.dispatch(trans.BuyerID, "AuctionWon", map[string]any{
			"auctionId": auctionID.String(),
			"amount":    trans.Amount,
		})
	case ended:
		e.publish(events.Event{
			Type:      events.TypeEnded,
			AuctionID: auctionID,
			Status:    string(models.AuctionStatusEnded),
			At:        time.Now(),
		})
	}
	return nil
}

// Status 是拍賣狀態的即時快照，輪詢用
// 快照永遠足以重建目前的真實狀態，漏接的推播不會造成資訊遺失
type Status struct {
	Status            models.AuctionStatus `json:"status"`
	CurrentHighestBid *int64               `json:"currentHighestBid,omitempty"`
	BidCount          int64                `json:"bidCount"`
	LastBidAt         *time.Time           `json:"lastBidAt,omitempty"`
	EndTime           time.Time            `json:"endTime"`
}

// GetAuctionStatus 回傳拍賣的即時快照
// 唯讀操作，不經過序列化區段
func (e *Engine) GetAuctionStatus(ctx context.Context, auctionID uuid.UUID) (Status, error) {
	tx := e.db.WithContext(ctx)

	auction, err := loadAuction(tx, auctionID)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Status:  auction.Status,
		EndTime: auction.EndTime,
	}

	highest, err := highestBid(tx, auctionID)
	if err != nil {
		return Status{}, err
	}
	if highest != nil {
		status.CurrentHighestBid = &highest.Amount
		lastBidAt := highest.CreatedAt
		status.LastBidAt = &lastBidAt
	}

	if result := tx.Model(&models.Bid{}).Where("auction_id = ? AND superseded_at IS NULL", auctionID).Count(&status.BidCount); result.Error != nil {
		return Status{}, fmt.Errorf("[GetAuctionStatus] Fail to count bids, err=%w", result.Error)
	}
	return status, nil
}

// CheckIntegrity 核對快取的最高出價和出價帳本是否一致
// 發現漂移時以帳本為準修復快取並記錄警告，不會中斷服務
func (e *Engine) CheckIntegrity(ctx context.Context, auctionID uuid.UUID) error {
	return e.Serialize(ctx, auctionID, func(tx *gorm.DB) error {
		auction, err := loadAuction(tx, auctionID)
		if err != nil {
			return err
		}
		highest, err := highestBid(tx, auctionID)
		if err != nil {
			return err
		}

		var want *uuid.UUID
		if highest != nil {
			want = &highest.ID
		}
		if equalID(auction.CurrentBidID, want) {
			return nil
		}

		e.logger.Warn("Current bid cache drifted from bid ledger, repairing",
			slog.String("auctionID", auctionID.String()))
		if result := tx.Model(&models.Auction{}).Where("id = ?", auctionID).Update("current_bid_id", want); result.Error != nil {
			return fmt.Errorf("[CheckIntegrity] Fail to repair current bid, err=%w", result.Error)
		}
		return nil
	})
}

// ReopenForBidding 將已作廢的拍賣重新開標
// 只能在既有的序列化區段內呼叫（爭議處理流程）
// 既有出價保留作歷史紀錄但標記為superseded，不再參與結算
func (e *Engine) ReopenForBidding(tx *gorm.DB, auction *models.Auction) error {
	const op = "ReopenForBidding"
	now := time.Now()
	newEndTime := now.Add(e.options.reopenWindow)

	if result := tx.Model(&models.Bid{}).Where("auction_id = ? AND superseded_at IS NULL", auction.ID).Update("superseded_at", now); result.Error != nil {
		return fmt.Errorf("[%s] Fail to supersede bids, err=%w", op, result.Error)
	}
	if result := tx.Model(&models.Auction{}).Where("id = ?", auction.ID).Updates(map[string]any{
		"status":         models.AuctionStatusOpen,
		"current_bid_id": nil,
		"end_time":       newEndTime,
	}); result.Error != nil {
		return fmt.Errorf("[%s] Fail to reopen auction, err=%w", op, result.Error)
	}

	auction.Status = models.AuctionStatusOpen
	auction.CurrentBidID = nil
	auction.EndTime = newEndTime
	return nil
}

// SettleWithBidder 以指定的買家和金額建立新交易（次高出價者承購）
// 只能在既有的序列化區段內呼叫
func (e *Engine) SettleWithBidder(tx *gorm.DB, auction *models.Auction, buyerID uuid.UUID, amount int64) (*models.Transaction, error) {
	const op = "SettleWithBidder"
	trans := models.Transaction{
		AuctionID: auction.ID,
		SellerID:  auction.SellerID,
		BuyerID:   buyerID,
		Amount:    amount,
		Status:    models.TransactionStatusPending,
	}
	if result := tx.Create(&trans); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to create transaction, err=%w", op, result.Error)
	}
	if result := tx.Model(&models.Auction{}).Where("id = ?", auction.ID).Update("status", models.AuctionStatusSold); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to mark auction sold, err=%w", op, result.Error)
	}
	auction.Status = models.AuctionStatusSold
	return &trans, nil
}

// SecondHighestBid 找出低於指定金額、來自其他買家的最高有效出價
// 不存在時回傳nil
func SecondHighestBid(tx *gorm.DB, auctionID uuid.UUID, below int64, excludeBidderID uuid.UUID) (*models.Bid, error) {
	var bids []models.Bid
	result := tx.Where("auction_id = ? AND superseded_at IS NULL AND amount < ? AND bidder_id <> ?", auctionID, below, excludeBidderID).
		Order("amount DESC").
		Limit(1).
		Find(&bids)
	if result.Error != nil {
		return nil, fmt.Errorf("[SecondHighestBid] Fail to query bids, err=%w", result.Error)
	}
	if len(bids) == 0 {
		return nil, nil
	}
	return &bids[0], nil
}

func settle(tx *gorm.DB, auction *models.Auction, highest *models.Bid) (*models.Transaction, error) {
	const op = "settle"
	if result := tx.Model(&models.Auction{}).Where("id = ?", auction.ID).Updates(map[string]any{
		"status":         models.AuctionStatusSold,
		"current_bid_id": highest.ID,
	}); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to mark auction sold, err=%w", op, result.Error)
	}
	trans := models.Transaction{
		AuctionID: auction.ID,
		SellerID:  auction.SellerID,
		BuyerID:   highest.BidderID,
		Amount:    highest.Amount,
		Status:    models.TransactionStatusPending,
	}
	if result := tx.Create(&trans); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to create transaction, err=%w", op, result.Error)
	}
	return &trans, nil
}

func loadAuction(tx *gorm.DB, auctionID uuid.UUID) (*models.Auction, error) {
	var auction models.Auction
	if result := tx.Where("id = ?", auctionID).First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[loadAuction] Fail to find auction, err=%w", result.Error)
	}
	return &auction, nil
}

// highestBid 從出價帳本找出目前的最高有效出價，沒有出價時回傳nil
func highestBid(tx *gorm.DB, auctionID uuid.UUID) (*models.Bid, error) {
	var bids []models.Bid
	result := tx.Where("auction_id = ? AND superseded_at IS NULL", auctionID).
		Order("amount DESC").
		Limit(1).
		Find(&bids)
	if result.Error != nil {
		return nil, fmt.Errorf("[highestBid] Fail to query bids, err=%w", result.Error)
	}
	if len(bids) == 0 {
		return nil, nil
	}
	return &bids[0], nil
}

func displayName(tx *gorm.DB, bidderID uuid.UUID, masked bool) string {
	if masked {
		return "anonymous"
	}
	var user models.User
	if result := tx.Where("id = ?", bidderID).First(&user); result.Error != nil {
		return "bidder-" + bidderID.String()[:8]
	}
	return user.Username
}

func equalID(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (e *Engine) publish(ev events.Event) {
	if err := e.pub.Publish(events.AuctionTopic(ev.AuctionID), ev); err != nil {
		e.logger.Warn("Fail to publish event",
			slog.String("type", string(ev.Type)),
			slog.String("auctionID", ev.AuctionID.String()),
			slog.Any("error", err))
	}
}

func (e *Engine) dispatch(userID uuid.UUID, eventType string, payload map[string]any) {
	if e.notifier == nil {
		return
	}
	e.notifier.Dispatch(userID, eventType, payload)
}
