package events

import (
	"time"

	"github.com/google/uuid"
)

// Type 代表推播事件的種類
type Type string

const (
	TypeBidPlaced           Type = "BidPlaced"
	TypeAccepted            Type = "Accepted"
	TypeEnded               Type = "Ended"
	TypeVoided              Type = "Voided"
	TypeRestarted           Type = "Restarted"
	TypeSecondBidderOffered Type = "SecondBidderOffered"
)

// Event 代表拍賣狀態變化的推播事件
// 事件只是通知，不是狀態的唯一來源，
// 漏接事件的客戶端可以透過狀態快照補回完整狀態
type Event struct {
	Type      Type      `json:"type"`
	AuctionID uuid.UUID `json:"auctionId"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount,omitempty"`
	Bidder    string    `json:"bidder,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher 是狀態變化的對外廣播出口
// 寫入是fire-and-forget，廣播的成敗不影響觸發它的操作
type Publisher interface {
	Publish(topic string, event Event) error
}

// AuctionTopic 回傳拍賣事件的頻道名稱
func AuctionTopic(auctionID uuid.UUID) string {
	return auctionID.String()
}

// UserTopic 回傳使用者事件的頻道名稱
func UserTopic(userID uuid.UUID) string {
	return "user:" + userID.String()
}
