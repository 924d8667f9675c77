package client

import (
	"context"
	"math"
	"time"
)

// backoff 是指數退避的等待器，等待期間可以被context中斷
type backoff struct {
	start time.Duration
	limit time.Duration
	count int
}

func newBackoff(start, limit time.Duration) *backoff {
	return &backoff{start: start, limit: limit}
}

func (b *backoff) Reset() {
	b.count = 0
}

func (b *backoff) Attempts() int {
	return b.count
}

func (b *backoff) Wait(ctx context.Context) error {
	d := time.Duration(math.Pow(2, float64(b.count))) * b.start
	if b.limit > 0 && d > b.limit {
		d = b.limit
	}
	b.count++

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
