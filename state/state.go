// Package state 实现参与事务的资源：读写锁、按时间戳排序的提交队列、
// 两阶段提交中资源与管理者两侧的协议处理，以及崩溃后的恢复。
package state

import (
	"context"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

// TransactionalState 事务性状态，宿主通过 PerformRead/PerformUpdate 在事务中访问
type TransactionalState[T any] struct {
	*TransactionQueue[T]
}

func NewTransactionalState[T any](id gotx.ParticipantID, store storage.Storage[T], transport gotx.Transport, opts ...Option) *TransactionalState[T] {
	if !id.IsResource() {
		id.Roles |= gotx.RoleResource
	}
	return &TransactionalState[T]{
		TransactionQueue: newTransactionQueue[T](id, store, transport, opts...),
	}
}

// PerformRead 在 ctx 携带的事务中读取状态，fn 拿到的是副本，修改不会生效
func (s *TransactionalState[T]) PerformRead(ctx context.Context, fn func(state T) error) error {
	info, ok := gotx.FromContext(ctx)
	if !ok {
		return errors.WithStack(gotx.ErrNoTransaction)
	}
	return s.EnterLock(ctx, info, true, func(record *TransactionRecord[T]) error {
		return fn(record.View())
	})
}

// PerformUpdate 在 ctx 携带的事务中修改状态，修改作用在事务私有的副本上
func (s *TransactionalState[T]) PerformUpdate(ctx context.Context, fn func(state *T) error) error {
	info, ok := gotx.FromContext(ctx)
	if !ok {
		return errors.WithStack(gotx.ErrNoTransaction)
	}
	if info.IsReadOnly {
		log.ErrorContextf(ctx, "%s: update in read only transaction", s.id)
		return errors.WithStack(gotx.ErrReadOnlyViolation)
	}
	return s.EnterLock(ctx, info, false, func(record *TransactionRecord[T]) error {
		return fn(&record.State)
	})
}
