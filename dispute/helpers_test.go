package dispute_test

import (
	"context"
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

	"bidmoto/dispute"
	"bidmoto/engine"
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

func setupDB(t *testing.T) *gorm.DB {
	dbSeqMu.Lock()
	dbSeq++
	seq := dbSeq
	dbSeqMu.Unlock()

	dsn := fmt.Sprintf("file:disputetest%d?mode=memory&cache=shared", seq)
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

func (p *recordingPublisher) Types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]events.Type, len(p.events))
	for i, ev := range p.events {
		types[i] = ev.Type
	}
	return types
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]uuid.UUID
}

func (n *recordingNotifier) Dispatch(userID uuid.UUID, eventType string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]uuid.UUID)
	}
	n.sent[eventType] = append(n.sent[eventType], userID)
}

func (n *recordingNotifier) Recipients(eventType string) []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uuid.UUID(nil), n.sent[eventType]...)
}

// fixture 準備一個已結算的拍賣：買家贏得競標，交易成立
type fixture struct {
	db       *gorm.DB
	engine   *engine.Engine
	workflow *dispute.Workflow
	pub      *recordingPublisher
	notifier *recordingNotifier

	seller  uuid.UUID
	buyer   uuid.UUID
	second  uuid.UUID
	auction *models.Auction
	trans   *models.Transaction
}

// setupSettled 建立有兩個買家出價並由賣家結算的拍賣
// second 的出價低於 buyer，是承購提議的對象
func setupSettled(t *testing.T) *fixture {
	db := setupDB(t)
	pub := &recordingPublisher{}
	notifier := &recordingNotifier{}

	eng, err := engine.NewEngine(db, pub, notifier, engine.WithReopenWindow(time.Hour))
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	wf, err := dispute.NewWorkflow(db, eng, pub, notifier, nil)
	require.NoError(t, err)

	seller := models.User{Username: "seller"}
	buyer := models.User{Username: "buyer"}
	second := models.User{Username: "second"}
	require.NoError(t, db.Create(&seller).Error)
	require.NoError(t, db.Create(&buyer).Error)
	require.NoError(t, db.Create(&second).Error)

	auction := models.Auction{
		SellerID:      seller.ID,
		Title:         "test auction",
		StartingPrice: 1000,
		BidIncrement:  100,
		EndTime:       time.Now().Add(time.Hour),
		Status:        models.AuctionStatusOpen,
	}
	require.NoError(t, db.Create(&auction).Error)

	ctx := context.Background()
	_, err = eng.SubmitBid(ctx, auction.ID, second.ID, 1000, false)
	require.NoError(t, err)
	_, err = eng.SubmitBid(ctx, auction.ID, buyer.ID, 1500, false)
	require.NoError(t, err)
	trans, err := eng.AcceptHighestBid(ctx, auction.ID, seller.ID)
	require.NoError(t, err)

	return &fixture{
		db:       db,
		engine:   eng,
		workflow: wf,
		pub:      pub,
		notifier: notifier,
		seller:   seller.ID,
		buyer:    buyer.ID,
		second:   second.ID,
		auction:  &auction,
		trans:    trans,
	}
}
