package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// VoidRequestStatus 代表作廢請求的狀態
type VoidRequestStatus string

const (
	VoidRequestStatusPending  VoidRequestStatus = "pending"
	VoidRequestStatusApproved VoidRequestStatus = "approved"
	VoidRequestStatusRejected VoidRequestStatus = "rejected"
)

// Remediation 代表作廢核准後賣家選擇的補救方案
type Remediation string

const (
	RemediationNone              Remediation = "none"
	RemediationRestartBidding    Remediation = "restart_bidding"
	RemediationOfferSecondBidder Remediation = "offer_second_bidder"
)

// VoidRequest 代表交易成立後任一方提出的作廢請求
// 同一筆交易同一時間最多只會有一筆 pending 的請求，
// 由交易的另一方核准或拒絕，核准後由賣家選擇補救方案
type VoidRequest struct {
	gorm.Model

	ID              uuid.UUID         `gorm:"type:uuid;primaryKey"`
	TransactionID   uuid.UUID         `gorm:"type:uuid;not null;index;<-:create"`
	InitiatorID     uuid.UUID         `gorm:"type:uuid;not null;<-:create"`
	Reason          string            `gorm:"type:text;not null;<-:create"`
	RejectionReason string            `gorm:"type:text"`
	Status          VoidRequestStatus `gorm:"type:text;not null;default:'pending'"`
	Remediation     Remediation       `gorm:"type:text;not null;default:'none'"`

	// 外鍵關聯
	Transaction *Transaction       `gorm:"foreignKey:TransactionID"`
	Offer       *SecondBidderOffer `gorm:"foreignKey:VoidRequestID"`
}

func (v *VoidRequest) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

// OfferStatus 代表次高出價者收到的承購提議的狀態
type OfferStatus string

const (
	OfferStatusOffered  OfferStatus = "offered"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusDeclined OfferStatus = "declined"
)

// SecondBidderOffer 代表賣家在作廢核准後，向次高出價者提出的承購提議
// 提議被拒絕後不會自動轉給第三順位，需要賣家重新決定
type SecondBidderOffer struct {
	gorm.Model

	ID            uuid.UUID   `gorm:"type:uuid;primaryKey"`
	VoidRequestID uuid.UUID   `gorm:"type:uuid;not null;index;<-:create"`
	BidderID      uuid.UUID   `gorm:"type:uuid;not null;<-:create"`
	Amount        int64       `gorm:"type:bigint;not null;<-:create"`
	Status        OfferStatus `gorm:"type:text;not null;default:'offered'"`

	// 外鍵關聯
	Bidder *User `gorm:"foreignKey:BidderID"`
}

func (o *SecondBidderOffer) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
