package api

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
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
	gin.SetMode(gin.TestMode)
}

var dbSeq int
var dbSeqMu sync.Mutex

func setupDB(t *testing.T) *gorm.DB {
	dbSeqMu.Lock()
	dbSeq++
	seq := dbSeq
	dbSeqMu.Unlock()

	dsn := fmt.Sprintf("file:apitest%d?mode=memory&cache=shared", seq)
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

type nopPublisher struct{}

func (nopPublisher) Publish(topic string, event events.Event) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Dispatch(userID uuid.UUID, eventType string, payload map[string]any) {}

// setupServer 組出一個只接資料庫和引擎的server，SSE與通知的基礎設施不在範圍內
func setupServer(t *testing.T) (*ServerImpl, *gin.Engine) {
	db := setupDB(t)
	eng, err := engine.NewEngine(db, nopPublisher{}, nopNotifier{})
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	wf, err := dispute.NewWorkflow(db, eng, nopPublisher{}, nopNotifier{}, nil)
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	impl := &ServerImpl{
		db:       db,
		engine:   eng,
		workflow: wf,
		config: ServerConfig{
			Auth: AuthConfig{
				PrivateKey:     priv,
				Issuer:         "test",
				Audience:       "test",
				ExpireDuration: time.Hour,
			},
		},
	}
	router := gin.New()
	impl.RegisterRoutes(router)
	return impl, router
}

func createUser(t *testing.T, db *gorm.DB, name string) uuid.UUID {
	user := models.User{Username: name}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestAuthRequired(t *testing.T) {
	impl, router := setupServer(t)
	userID := createUser(t, impl.db, "alice")

	// ==== 沒有token被拒絕 ====
	recorder := doJSON(t, router, http.MethodPost, "/auction", "", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// ==== 偽造的token被拒絕 ====
	recorder = doJSON(t, router, http.MethodPost, "/auction", "not-a-token", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// ==== 合法token通過驗證 ====
	token, err := IssueJWT(impl.config.Auth, userID, "alice")
	require.NoError(t, err)
	recorder = doJSON(t, router, http.MethodPost, "/auction", token, gin.H{
		"title":         "vintage racer",
		"startingPrice": 1000,
		"bidIncrement":  100,
		"endTime":       time.Now().Add(time.Hour),
	})
	assert.Equal(t, http.StatusCreated, recorder.Code)
}

func TestBiddingFlow(t *testing.T) {
	impl, router := setupServer(t)
	sellerID := createUser(t, impl.db, "seller")
	bidderID := createUser(t, impl.db, "bidder")
	sellerToken, err := IssueJWT(impl.config.Auth, sellerID, "seller")
	require.NoError(t, err)
	bidderToken, err := IssueJWT(impl.config.Auth, bidderID, "bidder")
	require.NoError(t, err)

	// ==== 賣家建立拍賣 ====
	recorder := doJSON(t, router, http.MethodPost, "/auction", sellerToken, gin.H{
		"title":         "vintage racer",
		"startingPrice": 1000,
		"bidIncrement":  100,
		"endTime":       time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &created))

	// ==== 過低的出價拿到最低可接受金額 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/auction/%s/bids", created.ID), bidderToken, gin.H{"amount": 500})
	require.Equal(t, http.StatusConflict, recorder.Code)
	var tooLow errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &tooLow))
	assert.Equal(t, "amount_too_low", tooLow.Reason)
	require.NotNil(t, tooLow.Minimum)
	assert.EqualValues(t, 1000, *tooLow.Minimum)

	// ==== 合法出價成功 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/auction/%s/bids", created.ID), bidderToken, gin.H{"amount": 1000})
	require.Equal(t, http.StatusOK, recorder.Code)

	// ==== 狀態快照反映最高出價 ====
	recorder = doJSON(t, router, http.MethodGet, fmt.Sprintf("/auction/%s/status", created.ID), "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var status engine.Status
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &status))
	assert.Equal(t, models.AuctionStatusOpen, status.Status)
	require.NotNil(t, status.CurrentHighestBid)
	assert.EqualValues(t, 1000, *status.CurrentHighestBid)
	assert.EqualValues(t, 1, status.BidCount)

	// ==== 賣家以外的人不能結標 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/auction/%s/accept", created.ID), bidderToken, nil)
	require.Equal(t, http.StatusForbidden, recorder.Code)

	// ==== 賣家結標成立交易 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/auction/%s/accept", created.ID), sellerToken, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var accepted struct {
		TransactionID uuid.UUID `json:"transactionId"`
		Amount        int64     `json:"amount"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &accepted))
	assert.EqualValues(t, 1000, accepted.Amount)

	// ==== 拍賣詳情帶出出價紀錄 ====
	recorder = doJSON(t, router, http.MethodGet, fmt.Sprintf("/auction/%s", created.ID), "", nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var detail struct {
		Status     models.AuctionStatus `json:"status"`
		BidRecords []struct {
			Amount     int64 `json:"amount"`
			Superseded bool  `json:"superseded"`
		} `json:"bidRecords"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &detail))
	assert.Equal(t, models.AuctionStatusSold, detail.Status)
	require.Len(t, detail.BidRecords, 1)
	assert.EqualValues(t, 1000, detail.BidRecords[0].Amount)
	assert.False(t, detail.BidRecords[0].Superseded)
}

func TestVoidFlow(t *testing.T) {
	impl, router := setupServer(t)
	sellerID := createUser(t, impl.db, "seller")
	buyerID := createUser(t, impl.db, "buyer")
	sellerToken, err := IssueJWT(impl.config.Auth, sellerID, "seller")
	require.NoError(t, err)
	buyerToken, err := IssueJWT(impl.config.Auth, buyerID, "buyer")
	require.NoError(t, err)

	recorder := doJSON(t, router, http.MethodPost, "/auction", sellerToken, gin.H{
		"title":         "vintage racer",
		"startingPrice": 1000,
		"bidIncrement":  100,
		"endTime":       time.Now().Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &created))
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/auction/%s/bids", created.ID), buyerToken, gin.H{"amount": 1000})
	require.Equal(t, http.StatusOK, recorder.Code)
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/auction/%s/accept", created.ID), sellerToken, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var accepted struct {
		TransactionID uuid.UUID `json:"transactionId"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &accepted))

	// ==== 買家申請作廢 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/transaction/%s/void", accepted.TransactionID), buyerToken, gin.H{"reason": "changed my mind"})
	require.Equal(t, http.StatusCreated, recorder.Code)
	var voided struct {
		VoidRequestID uuid.UUID `json:"voidRequestId"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &voided))

	// ==== 拒絕必須附理由 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/void/%s/response", voided.VoidRequestID), sellerToken, gin.H{"approve": false})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	// ==== 賣家核准作廢 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/void/%s/response", voided.VoidRequestID), sellerToken, gin.H{"approve": true})
	require.Equal(t, http.StatusOK, recorder.Code)

	// ==== 買家不能替賣家選補救方案 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/void/%s/remediation", voided.VoidRequestID), buyerToken, gin.H{"choice": "restart_bidding"})
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	// ==== 只剩一位出價者時沒有次高出價可以承購 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/void/%s/remediation", voided.VoidRequestID), sellerToken, gin.H{"choice": "offer_second_bidder"})
	require.Equal(t, http.StatusConflict, recorder.Code)
	var conflict errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &conflict))
	assert.Equal(t, "no_second_bidder_available", conflict.Reason)

	// ==== 重新開標後可以再出價 ====
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/void/%s/remediation", voided.VoidRequestID), sellerToken, gin.H{"choice": "restart_bidding"})
	require.Equal(t, http.StatusOK, recorder.Code)
	recorder = doJSON(t, router, http.MethodPost, fmt.Sprintf("/auction/%s/bids", created.ID), buyerToken, gin.H{"amount": 1000})
	assert.Equal(t, http.StatusOK, recorder.Code)
}
