package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bidmoto/engine"
	"bidmoto/events"
	"bidmoto/models"
)

// Workflow 負責交易成立後的作廢與補救流程
// 交易和作廢請求由這裡持有，但拍賣本身仍然由引擎持有，
// 所以所有動到拍賣的轉換都會經過引擎的序列化區段，
// 決策期間到達的出價不可能和補救操作交錯
type Workflow struct {
	db       *gorm.DB
	engine   *engine.Engine
	pub      events.Publisher
	notifier engine.Notifier
	logger   *slog.Logger
}

func NewWorkflow(db *gorm.DB, eng *engine.Engine, pub events.Publisher, notifier engine.Notifier, logger *slog.Logger) (*Workflow, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if eng == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if pub == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		db:       db,
		engine:   eng,
		pub:      pub,
		notifier: notifier,
		logger:   logger.With(slog.String("caller", "DisputeWorkflow")),
	}, nil
}

// RequestVoid 由交易任一方提出作廢請求
// 同一筆交易同一時間最多只能有一筆pending請求
func (w *Workflow) RequestVoid(ctx context.Context, transactionID, initiatorID uuid.UUID, reason string) (*models.VoidRequest, error) {
	const op = "RequestVoid"
	var (
		vr           models.VoidRequest
		counterparty uuid.UUID
	)

	trans, err := w.loadTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	err = w.engine.Serialize(ctx, trans.AuctionID, func(tx *gorm.DB) error {
		// 在序列化區段內重新載入，拿最新狀態
		trans, err := loadTransaction(tx, transactionID)
		if err != nil {
			return err
		}
		if initiatorID != trans.BuyerID && initiatorID != trans.SellerID {
			return ErrNotAParty
		}
		if trans.Status != models.TransactionStatusPending && trans.Status != models.TransactionStatusInProgress {
			return ErrWrongState
		}

		var pendingCount int64
		if result := tx.Model(&models.VoidRequest{}).
			Where("transaction_id = ? AND status = ?", transactionID, models.VoidRequestStatusPending).
			Count(&pendingCount); result.Error != nil {
			return fmt.Errorf("[%s] Fail to count pending void requests, err=%w", op, result.Error)
		}
		if pendingCount > 0 {
			return ErrVoidAlreadyPending
		}

		vr = models.VoidRequest{
			TransactionID: transactionID,
			InitiatorID:   initiatorID,
			Reason:        reason,
			Status:        models.VoidRequestStatusPending,
			Remediation:   models.RemediationNone,
		}
		if result := tx.Create(&vr); result.Error != nil {
			return fmt.Errorf("[%s] Fail to create void request, err=%w", op, result.Error)
		}

		counterparty = trans.SellerID
		if initiatorID == trans.SellerID {
			counterparty = trans.BuyerID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.dispatch(counterparty, "VoidRequested", map[string]any{
		"transactionId": transactionID.String(),
		"voidRequestId": vr.ID.String(),
		"reason":        reason,
	})
	return &vr, nil
}

// RespondToVoid 由交易的另一方核准或拒絕作廢請求
// 拒絕時交易不受影響；核准時交易被取消，拍賣進入等待賣家補救的狀態，
// 在補救決定前拍賣維持sold，新的出價會一律被擋下
func (w *Workflow) RespondToVoid(ctx context.Context, voidRequestID, responderID uuid.UUID, approve bool, rejectionReason string) error {
	const op = "RespondToVoid"
	var (
		approved  bool
		auctionID uuid.UUID
		initiator uuid.UUID
	)

	vr, err := w.loadVoidRequest(ctx, voidRequestID)
	if err != nil {
		return err
	}
	trans, err := w.loadTransaction(ctx, vr.TransactionID)
	if err != nil {
		return err
	}
	auctionID = trans.AuctionID

	err = w.engine.Serialize(ctx, auctionID, func(tx *gorm.DB) error {
		vr, err := loadVoidRequest(tx, voidRequestID)
		if err != nil {
			return err
		}
		trans, err := loadTransaction(tx, vr.TransactionID)
		if err != nil {
			return err
		}

		// 回應者必須是交易的另一方
		if responderID != trans.BuyerID && responderID != trans.SellerID {
			return ErrNotAParty
		}
		if responderID == vr.InitiatorID {
			return ErrNotAParty
		}
		if vr.Status != models.VoidRequestStatusPending {
			return ErrAlreadyResolved
		}

		initiator = vr.InitiatorID
		if !approve {
			if result := tx.Model(&models.VoidRequest{}).Where("id = ?", voidRequestID).Updates(map[string]any{
				"status":           models.VoidRequestStatusRejected,
				"rejection_reason": rejectionReason,
			}); result.Error != nil {
				return fmt.Errorf("[%s] Fail to reject void request, err=%w", op, result.Error)
			}
			return nil
		}

		if result := tx.Model(&models.VoidRequest{}).Where("id = ?", voidRequestID).Update("status", models.VoidRequestStatusApproved); result.Error != nil {
			return fmt.Errorf("[%s] Fail to approve void request, err=%w", op, result.Error)
		}
		if result := tx.Model(&models.Transaction{}).Where("id = ?", trans.ID).Update("status", models.TransactionStatusCancelled); result.Error != nil {
			return fmt.Errorf("[%s] Fail to cancel transaction, err=%w", op, result.Error)
		}
		approved = true
		return nil
	})
	if err != nil {
		return err
	}

	if approved {
		w.publish(events.Event{
			Type:      events.TypeVoided,
			AuctionID: auctionID,
			Status:    string(models.AuctionStatusSold),
			At:        time.Now(),
		})
		w.dispatch(initiator, "VoidApproved", map[string]any{
			"voidRequestId": voidRequestID.String(),
		})
	} else {
		w.dispatch(initiator, "VoidRejected", map[string]any{
			"voidRequestId":   voidRequestID.String(),
			"rejectionReason": rejectionReason,
		})
	}
	return nil
}

// ChooseRemediation 由賣家在作廢核准後選擇補救方案
// RestartBidding: 重新開標，既有出價只留作歷史
// OfferSecondBidder: 將商品以次高出價讓給另一位買家，
// 沒有合格的次高出價時回傳 ErrNoSecondBidderAvailable，此時只剩重新開標一途
func (w *Workflow) ChooseRemediation(ctx context.Context, voidRequestID, sellerID uuid.UUID, choice models.Remediation) error {
	const op = "ChooseRemediation"
	var (
		auctionID    uuid.UUID
		offer        *models.SecondBidderOffer
		priorBidders []uuid.UUID
	)

	vr, err := w.loadVoidRequest(ctx, voidRequestID)
	if err != nil {
		return err
	}
	trans, err := w.loadTransaction(ctx, vr.TransactionID)
	if err != nil {
		return err
	}
	auctionID = trans.AuctionID

	err = w.engine.Serialize(ctx, auctionID, func(tx *gorm.DB) error {
		vr, err := loadVoidRequest(tx, voidRequestID)
		if err != nil {
			return err
		}
		trans, err := loadTransaction(tx, vr.TransactionID)
		if err != nil {
			return err
		}
		auction, err := loadAuction(tx, trans.AuctionID)
		if err != nil {
			return err
		}

		if sellerID != auction.SellerID {
			return ErrNotAParty
		}
		if vr.Status != models.VoidRequestStatusApproved {
			return ErrWrongState
		}
		// 已經選過補救方案就不能再選，除非上一輪的承購提議被拒絕
		if vr.Remediation != models.RemediationNone {
			if vr.Remediation != models.RemediationOfferSecondBidder || vr.Offer == nil || vr.Offer.Status != models.OfferStatusDeclined {
				return ErrWrongState
			}
		}

		switch choice {
		case models.RemediationRestartBidding:
			// 通知名單要在出價被標記成superseded之前收集
			if result := tx.Model(&models.Bid{}).
				Where("auction_id = ? AND superseded_at IS NULL", auction.ID).
				Distinct().
				Pluck("bidder_id", &priorBidders); result.Error != nil {
				return fmt.Errorf("[%s] Fail to collect prior bidders, err=%w", op, result.Error)
			}
			if err := w.engine.ReopenForBidding(tx, auction); err != nil {
				return err
			}
			if result := tx.Model(&models.VoidRequest{}).Where("id = ?", voidRequestID).Update("remediation", models.RemediationRestartBidding); result.Error != nil {
				return fmt.Errorf("[%s] Fail to record remediation, err=%w", op, result.Error)
			}
			return nil

		case models.RemediationOfferSecondBidder:
			second, err := engine.SecondHighestBid(tx, auction.ID, trans.Amount, trans.BuyerID)
			if err != nil {
				return err
			}
			if second == nil {
				return ErrNoSecondBidderAvailable
			}
			offer = &models.SecondBidderOffer{
				VoidRequestID: voidRequestID,
				BidderID:      second.BidderID,
				Amount:        second.Amount,
				Status:        models.OfferStatusOffered,
			}
			if result := tx.Create(offer); result.Error != nil {
				return fmt.Errorf("[%s] Fail to create second bidder offer, err=%w", op, result.Error)
			}
			if result := tx.Model(&models.VoidRequest{}).Where("id = ?", voidRequestID).Update("remediation", models.RemediationOfferSecondBidder); result.Error != nil {
				return fmt.Errorf("[%s] Fail to record remediation, err=%w", op, result.Error)
			}
			return nil

		default:
			return ErrWrongState
		}
	})
	if err != nil {
		return err
	}

	if choice == models.RemediationRestartBidding {
		w.publish(events.Event{
			Type:      events.TypeRestarted,
			AuctionID: auctionID,
			Status:    string(models.AuctionStatusOpen),
			At:        time.Now(),
		})
		for _, bidderID := range priorBidders {
			w.dispatch(bidderID, "BiddingRestarted", map[string]any{
				"auctionId": auctionID.String(),
			})
		}
		return nil
	}

	w.publish(events.Event{
		Type:      events.TypeSecondBidderOffered,
		AuctionID: auctionID,
		Status:    string(models.AuctionStatusSold),
		Amount:    offer.Amount,
		At:        time.Now(),
	})
	w.dispatch(offer.BidderID, "SecondBidderOffered", map[string]any{
		"auctionId":     auctionID.String(),
		"voidRequestId": voidRequestID.String(),
		"amount":        offer.Amount,
	})
	return nil
}

// RespondToSecondBidderOffer 由被提名的次高出價者回應承購提議
// 接受會以提議金額建立新交易並再次售出；
// 拒絕後不會自動轉給第三順位，需要賣家重新決定或人工收尾
func (w *Workflow) RespondToSecondBidderOffer(ctx context.Context, voidRequestID, bidderID uuid.UUID, accept bool) (*models.Transaction, error) {
	const op = "RespondToSecondBidderOffer"
	var (
		auctionID uuid.UUID
		sellerID  uuid.UUID
		trans     *models.Transaction
	)

	vr, err := w.loadVoidRequest(ctx, voidRequestID)
	if err != nil {
		return nil, err
	}
	prevTrans, err := w.loadTransaction(ctx, vr.TransactionID)
	if err != nil {
		return nil, err
	}
	auctionID = prevTrans.AuctionID

	err = w.engine.Serialize(ctx, auctionID, func(tx *gorm.DB) error {
		vr, err := loadVoidRequest(tx, voidRequestID)
		if err != nil {
			return err
		}
		if vr.Offer == nil {
			return ErrWrongState
		}
		if vr.Offer.BidderID != bidderID {
			return ErrNotAParty
		}
		if vr.Offer.Status != models.OfferStatusOffered {
			return ErrAlreadyResolved
		}

		if !accept {
			if result := tx.Model(&models.SecondBidderOffer{}).Where("id = ?", vr.Offer.ID).Update("status", models.OfferStatusDeclined); result.Error != nil {
				return fmt.Errorf("[%s] Fail to decline offer, err=%w", op, result.Error)
			}
			return nil
		}

		auction, err := loadAuction(tx, auctionID)
		if err != nil {
			return err
		}
		sellerID = auction.SellerID

		if result := tx.Model(&models.SecondBidderOffer{}).Where("id = ?", vr.Offer.ID).Update("status", models.OfferStatusAccepted); result.Error != nil {
			return fmt.Errorf("[%s] Fail to accept offer, err=%w", op, result.Error)
		}
		trans, err = w.engine.SettleWithBidder(tx, auction, bidderID, vr.Offer.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	if trans != nil {
		w.publish(events.Event{
			Type:      events.TypeAccepted,
			AuctionID: auctionID,
			Status:    string(models.AuctionStatusSold),
			Amount:    trans.Amount,
			At:        time.Now(),
		})
		w.dispatch(trans.BuyerID, "OfferAccepted", map[string]any{
			"auctionId": auctionID.String(),
			"amount":    trans.Amount,
		})
		return trans, nil
	}

	// 拒絕時通知賣家重新決定
	if sellerID == uuid.Nil {
		auction, err := w.loadAuction(ctx, auctionID)
		if err == nil {
			sellerID = auction.SellerID
		}
	}
	if sellerID != uuid.Nil {
		w.dispatch(sellerID, "OfferDeclined", map[string]any{
			"auctionId":     auctionID.String(),
			"voidRequestId": voidRequestID.String(),
		})
	}
	return nil, nil
}

func (w *Workflow) loadTransaction(ctx context.Context, transactionID uuid.UUID) (*models.Transaction, error) {
	return loadTransaction(w.db.WithContext(ctx), transactionID)
}

func (w *Workflow) loadVoidRequest(ctx context.Context, voidRequestID uuid.UUID) (*models.VoidRequest, error) {
	return loadVoidRequest(w.db.WithContext(ctx), voidRequestID)
}

func (w *Workflow) loadAuction(ctx context.Context, auctionID uuid.UUID) (*models.Auction, error) {
	return loadAuction(w.db.WithContext(ctx), auctionID)
}

func loadTransaction(tx *gorm.DB, transactionID uuid.UUID) (*models.Transaction, error) {
	var trans models.Transaction
	if result := tx.Where("id = ?", transactionID).First(&trans); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("[loadTransaction] Fail to find transaction, err=%w", result.Error)
	}
	return &trans, nil
}

func loadVoidRequest(tx *gorm.DB, voidRequestID uuid.UUID) (*models.VoidRequest, error) {
	const op = "loadVoidRequest"
	var vr models.VoidRequest
	if result := tx.Where("id = ?", voidRequestID).First(&vr); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrVoidRequestNotFound
		}
		return nil, fmt.Errorf("[%s] Fail to find void request, err=%w", op, result.Error)
	}

	// 同一個請求可能有多輪承購提議，狀態判斷永遠以最新的一筆為準
	var offers []models.SecondBidderOffer
	if result := tx.Where("void_request_id = ?", voidRequestID).
		Order("created_at DESC").
		Limit(1).
		Find(&offers); result.Error != nil {
		return nil, fmt.Errorf("[%s] Fail to find latest offer, err=%w", op, result.Error)
	}
	if len(offers) > 0 {
		vr.Offer = &offers[0]
	}
	return &vr, nil
}

func loadAuction(tx *gorm.DB, auctionID uuid.UUID) (*models.Auction, error) {
	var auction models.Auction
	if result := tx.Where("id = ?", auctionID).First(&auction); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, engine.ErrAuctionNotFound
		}
		return nil, fmt.Errorf("[loadAuction] Fail to find auction, err=%w", result.Error)
	}
	return &auction, nil
}

func (w *Workflow) publish(ev events.Event) {
	if err := w.pub.Publish(events.AuctionTopic(ev.AuctionID), ev); err != nil {
		w.logger.Warn("Fail to publish event",
			slog.String("type", string(ev.Type)),
			slog.String("auctionID", ev.AuctionID.String()),
			slog.Any("error", err))
	}
}

func (w *Workflow) dispatch(userID uuid.UUID, eventType string, payload map[string]any) {
	if w.notifier == nil {
		return
	}
	w.notifier.Dispatch(userID, eventType, payload)
}
