package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Bid 代表拍賣商品的出價紀錄
// 出價一旦寫入就不會被修改，所有欄位都是 append-only；
// SupersededAt 是唯一的例外，在賣家選擇重新開標時一次性標記，
// 被標記的出價只保留作歷史紀錄，不再參與結算
type Bid struct {
	gorm.Model

	ID                uuid.UUID  `gorm:"type:uuid;primaryKey"`
	AuctionID         uuid.UUID  `gorm:"type:uuid;not null;index;<-:create"`
	BidderID          uuid.UUID  `gorm:"type:uuid;not null;<-:create"`
	Amount            int64      `gorm:"type:bigint;not null;<-:create"`
	DisplayNameMasked bool       `gorm:"type:boolean;not null;default:false;<-:create"`
	SupersededAt      *time.Time `gorm:"index"`

	// 外鍵關聯
	Bidder  *User    `gorm:"foreignKey:BidderID"`
	Auction *Auction `gorm:"foreignKey:AuctionID"`
}

func (b *Bid) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
