package engine

import (
	"context"
	"sync"
)

type task struct {
	ctx    context.Context
	fn     func() error
	result chan error
}

type keyedWorker struct {
	tasks   chan *task
	pending int
}

// KeyedExecutor 保證同一個key的操作一次只執行一個、按到達順序執行，
// 不同key的操作完全並行
// 每個key的佇列深度有上限，超過就回傳 ErrTooManyPendingOperations，
// 沒有待辦工作的worker會自動回收
type KeyedExecutor struct {
	mu      sync.Mutex
	workers map[string]*keyedWorker
	depth   int
	wg      sync.WaitGroup
	closed  bool
}

func NewKeyedExecutor(depth int) *KeyedExecutor {
	if depth <= 0 {
		depth = 64
	}
	return &KeyedExecutor{
		workers: make(map[string]*keyedWorker),
		depth:   depth,
	}
}

// Do 將fn排入key的佇列並等待執行結果
// 順序以到達佇列的先後為準，與客戶端的時間戳無關
// 若呼叫者的context在排隊期間被取消，fn不會被執行
func (k *KeyedExecutor) Do(ctx context.Context, key string, fn func() error) error {
	t := &task{ctx: ctx, fn: fn, result: make(chan error, 1)}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrExecutorClosed
	}
	w, ok := k.workers[key]
	if !ok {
		w = &keyedWorker{tasks: make(chan *task, k.depth)}
		k.workers[key] = w
		k.wg.Add(1)
		go k.run(key, w)
	}
	select {
	case w.tasks <- t:
		w.pending++
	default:
		k.mu.Unlock()
		return ErrTooManyPendingOperations
	}
	k.mu.Unlock()

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *KeyedExecutor) run(key string, w *keyedWorker) {
	defer k.wg.Done()
	for {
		k.mu.Lock()
		if w.pending == 0 {
			delete(k.workers, key)
			k.mu.Unlock()
			return
		}
		k.mu.Unlock()

		// pending > 0 保證佇列中必有工作
		t := <-w.tasks
		if t.ctx.Err() != nil {
			t.result <- t.ctx.Err()
		} else {
			t.result <- t.fn()
		}

		k.mu.Lock()
		w.pending--
		k.mu.Unlock()
	}
}

// Close 停止接收新工作，等待所有佇列清空
func (k *KeyedExecutor) Close() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	k.mu.Unlock()
	k.wg.Wait()
}
