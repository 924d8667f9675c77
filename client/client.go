package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"bidmoto/engine"
	"bidmoto/events"
	"bidmoto/models"
)

// Update 是拍賣狀態的增量更新
// 推播正常時帶Event，退回輪詢時帶Status快照
// 兩種形式都足以讓呼叫端重建目前的畫面
type Update struct {
	Event  *events.Event
	Status *engine.Status
}

type clientOptions struct {
	httpClient   *http.Client
	logger       *slog.Logger
	accessToken  string
	maxSSERetry  int
	backoffStart time.Duration
	backoffLimit time.Duration
	pollSlow     time.Duration
	pollFast     time.Duration
	// 拍賣剩餘時間低於這個值時改用pollFast
	fastWindow time.Duration
}

type Option func(*clientOptions)

func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) {
		o.httpClient = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

func WithAccessToken(token string) Option {
	return func(o *clientOptions) {
		o.accessToken = token
	}
}

// WithMaxSSERetry 設置連續重連失敗幾次後退回輪詢
func WithMaxSSERetry(n int) Option {
	return func(o *clientOptions) {
		o.maxSSERetry = n
	}
}

// WithPollInterval 設置輪詢間隔，接近結標時使用fast
func WithPollInterval(slow, fast time.Duration) Option {
	return func(o *clientOptions) {
		o.pollSlow = slow
		o.pollFast = fast
	}
}

// Client 是拍賣服務的客戶端，負責追蹤單一拍賣的狀態
// 優先使用SSE串流，連線反覆失敗時退回狀態輪詢，
// 輪詢恢復一段時間後會再嘗試回到串流
type Client struct {
	baseURL string
	options clientOptions
}

func New(baseURL string, opts ...Option) *Client {
	options := clientOptions{
		httpClient:   http.DefaultClient,
		logger:       slog.Default(),
		maxSSERetry:  5,
		backoffStart: 500 * time.Millisecond,
		backoffLimit: 30 * time.Second,
		pollSlow:     5 * time.Second,
		pollFast:     time.Second,
		fastWindow:   2 * time.Minute,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		options: options,
	}
}

// Status 取得拍賣的即時快照
func (c *Client) Status(ctx context.Context, auctionID uuid.UUID) (engine.Status, error) {
	const op = "Status"
	var status engine.Status

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/auction/%s/status", c.baseURL, auctionID), nil)
	if err != nil {
		return status, fmt.Errorf("[%s] Fail to create request, err=%w", op, err)
	}
	c.authorize(req)
	resp, err := c.options.httpClient.Do(req)
	if err != nil {
		return status, fmt.Errorf("[%s] Fail to send request, err=%w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return status, fmt.Errorf("[%s] Unexpected status code: %d", op, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return status, fmt.Errorf("[%s] Fail to decode status, err=%w", op, err)
	}
	return status, nil
}

// Watch 持續追蹤拍賣，更新透過返回的channel送出
// channel在ctx結束或拍賣進入終態後關閉
func (c *Client) Watch(ctx context.Context, auctionID uuid.UUID) <-chan Update {
	updates := make(chan Update, 16)
	go func() {
		defer close(updates)
		logger := c.options.logger.With(slog.String("caller", "ClientWatch"), slog.String("auctionID", auctionID.String()))
		wait := newBackoff(c.options.backoffStart, c.options.backoffLimit)
		for {
			if ctx.Err() != nil {
				return
			}
			// 串流優先
			err := c.streamEvents(ctx, auctionID, updates)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.Warn("Event stream disconnected", slog.Any("error", err))
			}
			if wait.Attempts() < c.options.maxSSERetry {
				if err := wait.Wait(ctx); err != nil {
					return
				}
				continue
			}
			// 重連失敗太多次，退回輪詢
			// 快照本身足以重建狀態，所以斷線期間漏掉的推播不會造成資訊遺失
			logger.Warn("Fall back to status polling")
			done, err := c.pollStatus(ctx, auctionID, updates)
			if err != nil || done {
				return
			}
			// 輪詢一段時間都成功，再試一次串流
			wait.Reset()
		}
	}()
	return updates
}

// streamEvents 消費SSE串流直到斷線
func (c *Client) streamEvents(ctx context.Context, auctionID uuid.UUID, updates chan<- Update) error {
	const op = "streamEvents"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/auction/%s/events", c.baseURL, auctionID), nil)
	if err != nil {
		return fmt.Errorf("[%s] Fail to create request, err=%w", op, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	resp, err := c.options.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("[%s] Fail to connect, err=%w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("[%s] Unexpected status code: %d", op, resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var event events.Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			// 略過無法解析的行，keepalive空行也會走到這裡
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case updates <- Update{Event: &event}:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("[%s] Stream read error, err=%w", op, err)
	}
	return nil
}

// pollStatus 定期輪詢狀態快照
// 回傳done=true表示拍賣已進入終態；連續成功若干次後回傳done=false，
// 讓呼叫端再嘗試串流
func (c *Client) pollStatus(ctx context.Context, auctionID uuid.UUID, updates chan<- Update) (bool, error) {
	const healthyStreak = 10
	streak := 0
	for {
		status, err := c.Status(ctx, auctionID)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			streak = 0
		} else {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case updates <- Update{Status: &status}:
			}
			if status.Status != models.AuctionStatusOpen {
				return true, nil
			}
			streak++
			if streak >= healthyStreak {
				return false, nil
			}
		}

		// 接近結標時縮短輪詢間隔
		interval := c.options.pollSlow
		if time.Until(status.EndTime) < c.options.fastWindow {
			interval = c.options.pollFast
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.options.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.options.accessToken)
	}
}
