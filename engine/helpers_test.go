package engine_test

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bidmoto/events"
	"bidmoto/models"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var dbSeq int
var dbSeqMu sync.Mutex

// setupDB 建立獨立的in-memory資料庫並完成遷移
func setupDB(t *testing.T) *gorm.DB {
	dbSeqMu.Lock()
	dbSeq++
	seq := dbSeq
	dbSeqMu.Unlock()

	dsn := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared", seq)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Auction{},
		&models.Bid{},
		&models.Transaction{},
		&models.VoidRequest{},
		&models.SecondBidderOffer{},
	))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// recordingPublisher 收集發布的事件，供測試驗證
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(topic string, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Events() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func (p *recordingPublisher) CountByType(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			count++
		}
	}
	return count
}

// recordingNotifier 收集發送的通知，供測試驗證
type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

type sentNotification struct {
	UserID    uuid.UUID
	EventType string
	Payload   map[string]any
}

func (n *recordingNotifier) Dispatch(userID uuid.UUID, eventType string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, EventType: eventType, Payload: payload})
}

func (n *recordingNotifier) Sent() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

func createUser(t *testing.T, db *gorm.DB, name string) uuid.UUID {
	user := models.User{Username: name}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func createAuction(t *testing.T, db *gorm.DB, sellerID uuid.UUID, starting, increment int64, endTime time.Time) *models.Auction {
	auction := models.Auction{
		SellerID:      sellerID,
		Title:         "test auction",
		StartingPrice: starting,
		BidIncrement:  increment,
		EndTime:       endTime,
		Status:        models.AuctionStatusOpen,
	}
	require.NoError(t, db.Create(&auction).Error)
	return &auction
}
