package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuctionStatus 代表拍賣的生命週期狀態
type AuctionStatus string

const (
	AuctionStatusOpen      AuctionStatus = "open"
	AuctionStatusSold      AuctionStatus = "sold"
	AuctionStatusEnded     AuctionStatus = "ended"
	AuctionStatusCancelled AuctionStatus = "cancelled"
)

// Auction 代表一個商品的拍賣流程
// 包含賣家、起標價、最低加價幅度、結標時間與目前最高出價的快取
// CurrentBidID 只是衍生的投影，真實來源是 bids 資料表，
// 任何不一致都可以透過重新掃描出價紀錄修復
type Auction struct {
	gorm.Model

	ID            uuid.UUID     `gorm:"type:uuid;primaryKey"`
	SellerID      uuid.UUID     `gorm:"type:uuid;not null;<-:create"`
	Title         string        `gorm:"type:varchar(255);not null;<-:create"`
	StartingPrice int64         `gorm:"type:bigint;not null;<-:create"`
	BidIncrement  int64         `gorm:"type:bigint;not null;<-:create"`
	CurrentBidID  *uuid.UUID    `gorm:"type:uuid"`
	EndTime       time.Time     `gorm:"not null"`
	Status        AuctionStatus `gorm:"type:text;not null;default:'open'"`

	// 外鍵關聯
	Seller     *User `gorm:"foreignKey:SellerID"`
	CurrentBid *Bid  `gorm:"foreignKey:CurrentBidID"`
	BidRecords []Bid `gorm:"foreignKey:AuctionID"`
}

func (a *Auction) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
