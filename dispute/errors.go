package dispute

import "errors"

// 爭議流程的領域錯誤
// 每個轉換都會先檢查操作者身份和目前狀態，違反前置條件時狀態不會有任何變化
var (
	ErrTransactionNotFound     = errors.New("transaction_not_found")
	ErrVoidRequestNotFound     = errors.New("void_request_not_found")
	ErrNotAParty               = errors.New("not_a_party")
	ErrAlreadyResolved         = errors.New("already_resolved")
	ErrWrongState              = errors.New("wrong_state")
	ErrVoidAlreadyPending      = errors.New("void_already_pending")
	ErrNoSecondBidderAvailable = errors.New("no_second_bidder_available")
)
