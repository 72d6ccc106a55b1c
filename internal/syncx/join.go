package syncx

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Join 等待 N 次完成，用于汇合并发扇出的调用（比如向多个参与者广播 prepare）
// 所有调用方都完成后 Wait 返回，结果为遇到的第一个错误
type Join struct {
	remaining atomic.Int64
	done      chan struct{}
	once      sync.Once

	lock     SpinLock
	firstErr error
}

func NewJoin(n int) *Join {
	j := &Join{done: make(chan struct{})}
	j.remaining.Store(int64(n))
	if n <= 0 {
		j.once.Do(func() { close(j.done) })
	}
	return j
}

// Done 记录一次完成，超出 N 次的调用会被忽略
func (j *Join) Done(err error) {
	if err != nil {
		j.lock.Lock()
		if j.firstErr == nil {
			j.firstErr = err
		}
		j.lock.Unlock()
	}
	if j.remaining.Dec() == 0 {
		j.once.Do(func() { close(j.done) })
	}
}

// Go 启动一个 goroutine 执行 fn，并把结果计入 Join
func (j *Join) Go(fn func() error) {
	go func() {
		j.Done(fn())
	}()
}

// Wait 阻塞直到 N 次完成或 ctx 结束
func (j *Join) Wait(ctx context.Context) error {
	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.firstErr
}

// Err 返回当前记录到的第一个错误，不阻塞
func (j *Join) Err() error {
	j.lock.Lock()
	defer j.lock.Unlock()
	return j.firstErr
}

// JoinAll 并发执行 n 个任务，等待全部完成，返回第一个错误
func JoinAll(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	j := NewJoin(n)
	for i := 0; i < n; i++ {
		i := i
		j.Go(func() error {
			return fn(ctx, i)
		})
	}
	return j.Wait(ctx)
}
