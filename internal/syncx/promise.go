package syncx

import (
	"context"
	"sync"
)

// Promise 一次完成、多方等待。只有第一次 Resolve 生效
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve 设置结果，返回本次是否生效
func (p *Promise[T]) Resolve(value T, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.value, p.err = value, err
		close(p.done)
		resolved = true
	})
	return resolved
}

func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

func (p *Promise[T]) IsResolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
