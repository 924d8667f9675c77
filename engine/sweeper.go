package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bidmoto/models"
)

// Sweeper 定期掃描到期的拍賣並觸發收尾，
// 同時核對進行中拍賣的最高出價快取
// 觸發是冪等的，和客戶端心跳重複觸發也不會有影響
type Sweeper struct {
	db       *gorm.DB
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	cancelFunc context.CancelFunc
	done       chan struct{}
}

func NewSweeper(db *gorm.DB, engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		db:       db,
		engine:   engine,
		interval: interval,
		logger:   logger.With(slog.String("caller", "Sweeper")),
	}
}

func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelFunc = cancel
	s.done = make(chan struct{})
	s.logger.Info("Start auction sweeper", slog.Duration("interval", s.interval))

	go func() {
		defer close(s.done)
		defer s.logger.Info("Auction sweeper stopped")
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Sweeper) Close() {
	if s.cancelFunc != nil {
		s.cancelFunc()
		<-s.done
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	var due []uuid.UUID
	if result := s.db.WithContext(ctx).Model(&models.Auction{}).
		Where("status = ? AND end_time <= ?", models.AuctionStatusOpen, time.Now()).
		Pluck("id", &due); result.Error != nil {
		s.logger.Error("Fail to scan due auctions", slog.Any("error", result.Error))
		return
	}

	for _, auctionID := range due {
		if err := s.engine.ExpireIfDue(ctx, auctionID); err != nil {
			// 壅塞就留給下一輪，其他錯誤記錄後繼續
			if IsContention(err) {
				continue
			}
			s.logger.Error("Fail to expire auction",
				slog.String("auctionID", auctionID.String()),
				slog.Any("error", err))
		}
	}

	var open []uuid.UUID
	if result := s.db.WithContext(ctx).Model(&models.Auction{}).
		Where("status = ?", models.AuctionStatusOpen).
		Pluck("id", &open); result.Error != nil {
		s.logger.Error("Fail to scan open auctions", slog.Any("error", result.Error))
		return
	}
	for _, auctionID := range open {
		if err := s.engine.CheckIntegrity(ctx, auctionID); err != nil && !IsContention(err) {
			s.logger.Error("Fail to check auction integrity",
				slog.String("auctionID", auctionID.String()),
				slog.Any("error", err))
		}
	}
}
