package engine

import (
	"errors"
	"fmt"
)

// 競價與結算的領域錯誤
// Validation類的錯誤會同步回傳給呼叫者，引擎不會自動重試；
// ErrTooManyPendingOperations 屬於暫時性的壅塞，呼叫者可以退避後重試
var (
	ErrAuctionNotFound          = errors.New("auction_not_found")
	ErrAuctionClosed            = errors.New("auction_closed")
	ErrAuctionExpired           = errors.New("auction_expired")
	ErrAmountTooLow             = errors.New("amount_too_low")
	ErrNotSeller                = errors.New("not_seller")
	ErrNoBids                   = errors.New("no_bids")
	ErrTooManyPendingOperations = errors.New("too_many_pending_operations")
	ErrExecutorClosed           = errors.New("executor_closed")
)

// AmountTooLowError 帶有出價需要達到的最低金額
type AmountTooLowError struct {
	Minimum int64
}

func (e *AmountTooLowError) Error() string {
	return fmt.Sprintf("amount_too_low: minimum acceptable bid is %d", e.Minimum)
}

func (e *AmountTooLowError) Is(target error) bool {
	return target == ErrAmountTooLow
}

// IsContention 回傳錯誤是否屬於暫時性壅塞，可以退避後重試
func IsContention(err error) bool {
	return errors.Is(err, ErrTooManyPendingOperations)
}
