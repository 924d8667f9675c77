package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bidmoto/dispute"
	"bidmoto/engine"
	"bidmoto/events"
	"bidmoto/models"
)

type errorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
	Minimum *int64 `json:"minimum,omitempty"`
}

// writeError 將領域錯誤轉換為HTTP回應
// 壅塞（佇列滿）和驗證失敗是不同的失敗類別，回傳不同的狀態碼，
// 客戶端看到壅塞可以稍後重試，看到驗證失敗就不該原樣重送
func writeError(c *gin.Context, err error) {
	var tooLow *engine.AmountTooLowError
	switch {
	case errors.As(err, &tooLow):
		c.JSON(http.StatusConflict, errorResponse{Reason: "amount_too_low", Minimum: lo.ToPtr(tooLow.Minimum)})
	case errors.Is(err, engine.ErrAuctionNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Reason: "auction_not_found"})
	case errors.Is(err, engine.ErrAuctionClosed):
		c.JSON(http.StatusConflict, errorResponse{Reason: "auction_closed"})
	case errors.Is(err, engine.ErrAuctionExpired):
		c.JSON(http.StatusGone, errorResponse{Reason: "auction_expired"})
	case errors.Is(err, engine.ErrNotSeller):
		c.JSON(http.StatusForbidden, errorResponse{Reason: "not_seller"})
	case errors.Is(err, engine.ErrNoBids):
		c.JSON(http.StatusConflict, errorResponse{Reason: "no_bids"})
	case errors.Is(err, engine.ErrTooManyPendingOperations):
		c.JSON(http.StatusTooManyRequests, errorResponse{Reason: "too_many_pending_operations"})
	case errors.Is(err, dispute.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Reason: "transaction_not_found"})
	case errors.Is(err, dispute.ErrVoidRequestNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Reason: "void_request_not_found"})
	case errors.Is(err, dispute.ErrNotAParty):
		c.JSON(http.StatusForbidden, errorResponse{Reason: "not_a_party"})
	case errors.Is(err, dispute.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, errorResponse{Reason: "already_resolved"})
	case errors.Is(err, dispute.ErrWrongState):
		c.JSON(http.StatusConflict, errorResponse{Reason: "wrong_state"})
	case errors.Is(err, dispute.ErrVoidAlreadyPending):
		c.JSON(http.StatusConflict, errorResponse{Reason: "void_already_pending"})
	case errors.Is(err, dispute.ErrNoSecondBidderAvailable):
		c.JSON(http.StatusConflict, errorResponse{Reason: "no_second_bidder_available"})
	default:
		slog.Error("Unhandled error", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, errorResponse{Reason: "internal_error"})
	}
}

func parseIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_id", Message: fmt.Sprintf("invalid %s", name)})
		return uuid.Nil, false
	}
	return id, true
}

// Create a new auction
// (POST /auction)
func (impl *ServerImpl) PostAuction(c *gin.Context) {
	const op = "PostAuction"
	identity := identityFrom(c)

	var body struct {
		Title         string    `json:"title" binding:"required"`
		StartingPrice int64     `json:"startingPrice"`
		BidIncrement  int64     `json:"bidIncrement"`
		EndTime       time.Time `json:"endTime" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_body", Message: err.Error()})
		return
	}
	// 檢查拍賣的結束時間和價格參數是否合法
	if body.EndTime.Before(time.Now()) {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_end_time"})
		return
	}
	if body.StartingPrice < 0 || body.BidIncrement <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_price"})
		return
	}

	auction := models.Auction{
		SellerID:      identity.UserID,
		Title:         body.Title,
		StartingPrice: body.StartingPrice,
		BidIncrement:  body.BidIncrement,
		EndTime:       body.EndTime,
		Status:        models.AuctionStatusOpen,
	}
	if result := impl.db.Create(&auction); result.Error != nil {
		writeError(c, fmt.Errorf("[%s] Fail to create auction, err=%w", op, result.Error))
		return
	}
	c.Header("Location", "/auction/"+auction.ID.String())
	c.JSON(http.StatusCreated, gin.H{"id": auction.ID})
}

// Get auction details with bid history
// (GET /auction/{auctionID})
func (impl *ServerImpl) GetAuction(c *gin.Context) {
	const op = "GetAuction"
	auctionID, ok := parseIDParam(c, "auctionID")
	if !ok {
		return
	}

	var auction models.Auction
	if result := impl.db.
		Preload("BidRecords", func(db *gorm.DB) *gorm.DB {
			return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true})
		}).
		Where("id = ?", auctionID).
		First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			writeError(c, engine.ErrAuctionNotFound)
			return
		}
		writeError(c, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error))
		return
	}

	type bidRecord struct {
		Amount     int64     `json:"amount"`
		Superseded bool      `json:"superseded"`
		Time       time.Time `json:"time"`
	}
	bidRecords := make([]bidRecord, len(auction.BidRecords))
	for i, bid := range auction.BidRecords {
		bidRecords[i] = bidRecord{
			Amount:     bid.Amount,
			Superseded: bid.SupersededAt != nil,
			Time:       bid.CreatedAt,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"id":            auction.ID,
		"title":         auction.Title,
		"status":        auction.Status,
		"startingPrice": auction.StartingPrice,
		"bidIncrement":  auction.BidIncrement,
		"endTime":       auction.EndTime,
		"bidRecords":    bidRecords,
	})
}

// Get auction status snapshot, used as the polling fallback
// (GET /auction/{auctionID}/status)
func (impl *ServerImpl) GetAuctionStatus(c *gin.Context) {
	auctionID, ok := parseIDParam(c, "auctionID")
	if !ok {
		return
	}
	status, err := impl.engine.GetAuctionStatus(c.Request.Context(), auctionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Place a bid
// (POST /auction/{auctionID}/bids)
func (impl *ServerImpl) PostAuctionBids(c *gin.Context) {
	auctionID, ok := parseIDParam(c, "auctionID")
	if !ok {
		return
	}
	identity := identityFrom(c)

	var body struct {
		Amount          int64 `json:"amount" binding:"required"`
		MaskDisplayName bool  `json:"maskDisplayName"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_body", Message: err.Error()})
		return
	}

	result, err := impl.engine.SubmitBid(c.Request.Context(), auctionID, identity.UserID, body.Amount, body.MaskDisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bidId":      result.BidID,
		"newHighest": result.NewHighest,
	})
}

// Accept the current highest bid
// (POST /auction/{auctionID}/accept)
func (impl *ServerImpl) PostAuctionAccept(c *gin.Context) {
	auctionID, ok := parseIDParam(c, "auctionID")
	if !ok {
		return
	}
	identity := identityFrom(c)

	trans, err := impl.engine.AcceptHighestBid(c.Request.Context(), auctionID, identity.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionId": trans.ID,
		"amount":        trans.Amount,
	})
}

// Track auction events
// (GET /auction/{auctionID}/events)
func (impl *ServerImpl) GetAuctionEvents(c *gin.Context) {
	const op = "GetAuctionEvents"
	auctionID, ok := parseIDParam(c, "auctionID")
	if !ok {
		return
	}
	// 檢查拍賣是否存在且還沒結束
	var auction models.Auction
	if result := impl.db.Where("id = ?", auctionID).First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			writeError(c, engine.ErrAuctionNotFound)
			return
		}
		writeError(c, fmt.Errorf("[%s] Fail to find auction, err=%w", op, result.Error))
		return
	}
	if auction.Status == models.AuctionStatusEnded || auction.Status == models.AuctionStatusCancelled {
		writeError(c, engine.ErrAuctionExpired)
		return
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(events.AuctionTopic(auctionID))
	if err != nil {
		writeError(c, fmt.Errorf("[%s] Fail to subscribe to auction events, err=%w", op, err))
		return
	}
	defer impl.sseManager.Unsubscribe(events.AuctionTopic(auctionID), ch)
	for {
		select {
		case <-w.CloseNotify():
			return
		case event := <-ch:
			c.SSEvent("auction", event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和反向代理不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// Track per-user notifications
// (GET /user/events)
func (impl *ServerImpl) GetUserEvents(c *gin.Context) {
	const op = "GetUserEvents"
	identity := identityFrom(c)
	topic := events.UserTopic(identity.UserID)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.userManager.Subscribe(topic)
	if err != nil {
		writeError(c, fmt.Errorf("[%s] Fail to subscribe to user events, err=%w", op, err))
		return
	}
	defer impl.userManager.Unsubscribe(topic, ch)
	for {
		select {
		case <-w.CloseNotify():
			return
		case n := <-ch:
			c.SSEvent("notification", n)
			w.Flush()
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

// Request voiding a settled transaction
// (POST /transaction/{transactionID}/void)
func (impl *ServerImpl) PostTransactionVoid(c *gin.Context) {
	transactionID, ok := parseIDParam(c, "transactionID")
	if !ok {
		return
	}
	identity := identityFrom(c)

	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_body", Message: err.Error()})
		return
	}

	vr, err := impl.workflow.RequestVoid(c.Request.Context(), transactionID, identity.UserID, body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"voidRequestId": vr.ID})
}

// Approve or reject a void request
// (POST /void/{voidID}/response)
func (impl *ServerImpl) PostVoidResponse(c *gin.Context) {
	voidID, ok := parseIDParam(c, "voidID")
	if !ok {
		return
	}
	identity := identityFrom(c)

	var body struct {
		Approve         *bool  `json:"approve" binding:"required"`
		RejectionReason string `json:"rejectionReason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_body", Message: err.Error()})
		return
	}
	if !*body.Approve && body.RejectionReason == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_body", Message: "rejection requires a reason"})
		return
	}

	if err := impl.workflow.RespondToVoid(c.Request.Context(), voidID, identity.UserID, *body.Approve, body.RejectionReason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Choose remediation after an approved void
// (POST /void/{voidID}/remediation)
func (impl *ServerImpl) PostVoidRemediation(c *gin.Context) {
	voidID, ok := parseIDParam(c, "voidID")
	if !ok {
		return
	}
	identity := identityFrom(c)

	var body struct {
		Choice string `json:"choice" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_body", Message: err.Error()})
		return
	}
	choice := models.Remediation(body.Choice)
	if choice != models.RemediationRestartBidding && choice != models.RemediationOfferSecondBidder {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_remediation"})
		return
	}

	if err := impl.workflow.ChooseRemediation(c.Request.Context(), voidID, identity.UserID, choice); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// Accept or decline a second-bidder offer
// (POST /void/{voidID}/offer/response)
func (impl *ServerImpl) PostVoidOfferResponse(c *gin.Context) {
	voidID, ok := parseIDParam(c, "voidID")
	if !ok {
		return
	}
	identity := identityFrom(c)

	var body struct {
		Accept *bool `json:"accept" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Reason: "invalid_body", Message: err.Error()})
		return
	}

	trans, err := impl.workflow.RespondToSecondBidderOffer(c.Request.Context(), voidID, identity.UserID, *body.Accept)
	if err != nil {
		writeError(c, err)
		return
	}
	if trans == nil {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionId": trans.ID,
		"amount":        trans.Amount,
	})
}
