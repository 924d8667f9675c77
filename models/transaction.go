package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionStatus 代表交易的狀態
type TransactionStatus string

const (
	TransactionStatusPending    TransactionStatus = "pending"
	TransactionStatusInProgress TransactionStatus = "in_progress"
	TransactionStatusCompleted  TransactionStatus = "completed"
	TransactionStatusCancelled  TransactionStatus = "cancelled"
)

// Transaction 代表一次成功結算的交易，記錄誰欠誰多少錢
// 每個拍賣同一時間最多只會有一筆非 cancelled 的交易；
// 系統不經手金流，只記錄結果
type Transaction struct {
	gorm.Model

	ID        uuid.UUID         `gorm:"type:uuid;primaryKey"`
	AuctionID uuid.UUID         `gorm:"type:uuid;not null;index;<-:create"`
	SellerID  uuid.UUID         `gorm:"type:uuid;not null;<-:create"`
	BuyerID   uuid.UUID         `gorm:"type:uuid;not null;<-:create"`
	Amount    int64             `gorm:"type:bigint;not null;<-:create"`
	Status    TransactionStatus `gorm:"type:text;not null;default:'pending'"`

	// 外鍵關聯
	Auction *Auction `gorm:"foreignKey:AuctionID"`
	Seller  *User    `gorm:"foreignKey:SellerID"`
	Buyer   *User    `gorm:"foreignKey:BuyerID"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Active 回傳交易是否仍然有效（尚未被取消）
func (t *Transaction) Active() bool {
	return t.Status != TransactionStatusCancelled
}
