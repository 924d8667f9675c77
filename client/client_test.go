package client_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bidmoto/client"
	"bidmoto/engine"
	"bidmoto/events"
	"bidmoto/models"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// newTestHTTPClient 關閉keepalive，避免閒置連線的goroutine影響洩漏檢查
func newTestHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
	}
}

func TestStatus(t *testing.T) {
	auctionID := uuid.New()
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("/auction/%s/status", auctionID), r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(engine.Status{
			Status:            models.AuctionStatusOpen,
			CurrentHighestBid: lo.ToPtr(int64(1500)),
			BidCount:          3,
			EndTime:           time.Now().Add(time.Hour),
		}))
	}))
	defer server.Close()

	c := client.New(server.URL, client.WithAccessToken("test-token"))
	status, err := c.Status(context.Background(), auctionID)
	require.NoError(t, err)
	assert.Equal(t, models.AuctionStatusOpen, status.Status)
	require.NotNil(t, status.CurrentHighestBid)
	assert.EqualValues(t, 1500, *status.CurrentHighestBid)
	assert.EqualValues(t, 3, status.BidCount)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestStatus_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := client.New(server.URL)
	_, err := c.Status(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unexpected status code")
}

func TestWatch_StreamEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	auctionID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("/auction/%s/events", auctionID), r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)

		for _, ev := range []events.Event{
			{Type: events.TypeBidPlaced, AuctionID: auctionID, Status: string(models.AuctionStatusOpen), Amount: 1000, At: time.Now()},
			{Type: events.TypeBidPlaced, AuctionID: auctionID, Status: string(models.AuctionStatusOpen), Amount: 1100, At: time.Now()},
		} {
			payload, err := json.Marshal(ev)
			require.NoError(t, err)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
		// 連線保持到客戶端離開為止
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := client.New(server.URL, client.WithHTTPClient(newTestHTTPClient()))
	updates := c.Watch(ctx, auctionID)

	// ==== 依序收到兩筆推播事件 ====
	for _, amount := range []int64{1000, 1100} {
		select {
		case update := <-updates:
			require.NotNil(t, update.Event)
			assert.Equal(t, events.TypeBidPlaced, update.Event.Type)
			assert.Equal(t, amount, update.Event.Amount)
		case <-time.After(3 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	}

	// ==== 取消後channel應該關閉 ====
	cancel()
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestWatch_FallbackToPolling(t *testing.T) {
	defer goleak.VerifyNone(t)

	auctionID := uuid.New()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case fmt.Sprintf("/auction/%s/events", auctionID):
			// 串流端點持續故障，逼客戶端退回輪詢
			w.WriteHeader(http.StatusServiceUnavailable)
		case fmt.Sprintf("/auction/%s/status", auctionID):
			w.Header().Set("Content-Type", "application/json")
			require.NoError(t, json.NewEncoder(w).Encode(engine.Status{
				Status:            models.AuctionStatusSold,
				CurrentHighestBid: lo.ToPtr(int64(1500)),
				BidCount:          2,
				EndTime:           time.Now().Add(-time.Minute),
			}))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := client.New(server.URL,
		client.WithHTTPClient(newTestHTTPClient()),
		client.WithMaxSSERetry(0),
		client.WithPollInterval(10*time.Millisecond, 10*time.Millisecond),
	)
	updates := c.Watch(ctx, auctionID)

	// ==== 退回輪詢後收到快照，拍賣已售出所以追蹤結束 ====
	select {
	case update := <-updates:
		require.NotNil(t, update.Status)
		assert.Equal(t, models.AuctionStatusSold, update.Status.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for status update")
	}
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

func TestWatch_CancelBeforeConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := client.New("http://127.0.0.1:0")
	updates := c.Watch(ctx, uuid.New())
	select {
	case _, ok := <-updates:
		assert.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}
