package state

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

var errOperationRejected = errors.New("commit operation rejected")

// Operation 事务提交时对外部服务 S 执行的操作，返回 false 表示拒绝
type Operation[S any] interface {
	Commit(ctx context.Context, txID string, service S) (bool, error)
}

// OperationCodec 操作随事务状态一起持久化，恢复后解码重新执行
type OperationCodec[S any] interface {
	Encode(operation Operation[S]) ([]byte, error)
	Decode(data []byte) (Operation[S], error)
}

// JSONCodec 只有一种操作类型 O 时的 json 编解码
type JSONCodec[S any, O Operation[S]] struct{}

func (JSONCodec[S, O]) Encode(operation Operation[S]) ([]byte, error) {
	return json.Marshal(operation)
}

func (JSONCodec[S, O]) Decode(data []byte) (Operation[S], error) {
	var operation O
	if err := json.Unmarshal(data, &operation); err != nil {
		return nil, err
	}
	return operation, nil
}

// OperationState 提交者的持久化状态
type OperationState struct {
	Committed int64  `json:"committed"`
	LastTXID  string `json:"lastTXID"`
	// Operations LastTXID 登记的操作，和 prepare 一起落盘
	Operations []json.RawMessage `json:"operations,omitempty"`
}

// TransactionCommitter 把外部副作用纳入事务：操作在事务本地提交时执行且只执行一次
type TransactionCommitter[S any] struct {
	*TransactionQueue[OperationState]
	service S
	codec   OperationCodec[S]
}

func NewTransactionCommitter[S any](id gotx.ParticipantID, service S, codec OperationCodec[S],
	store storage.Storage[OperationState], transport gotx.Transport, opts ...Option) *TransactionCommitter[S] {
	if !id.IsResource() {
		id.Roles |= gotx.RoleResource
	}
	c := &TransactionCommitter[S]{
		TransactionQueue: newTransactionQueue[OperationState](id, store, transport, opts...),
		service:          service,
		codec:            codec,
	}
	c.hook = c.commitOperations
	return c
}

// OnCommit 在当前事务中登记 operation
func (c *TransactionCommitter[S]) OnCommit(ctx context.Context, operation Operation[S]) error {
	info, ok := gotx.FromContext(ctx)
	if !ok {
		return errors.WithStack(gotx.ErrNoTransaction)
	}
	if info.IsReadOnly {
		log.ErrorContextf(ctx, "%s: commit operation in read only transaction", c.id)
		return errors.WithStack(gotx.ErrReadOnlyViolation)
	}
	data, err := c.codec.Encode(operation)
	if err != nil {
		return errors.Wrapf(err, "%s: encode operation", c.id)
	}
	if err = c.EnterLock(ctx, info, false, func(record *TransactionRecord[OperationState]) error {
		// 副本里残留的是上一笔事务的操作
		if record.State.LastTXID != info.TXID {
			record.State.Operations = nil
		}
		record.State.Committed++
		record.State.LastTXID = info.TXID
		record.State.Operations = append(record.State.Operations, data)
		return nil
	}); err != nil {
		return err
	}
	// 作为管理者时操作的结果直接决定事务结果
	info.PreferManager(c.id)
	return nil
}

func (c *TransactionCommitter[S]) commitOperations(ctx context.Context, record *TransactionRecord[OperationState]) error {
	if record.State.LastTXID != record.TXID {
		return nil
	}
	for _, data := range record.State.Operations {
		operation, err := c.codec.Decode(data)
		if err != nil {
			return errors.Wrapf(err, "%s: decode operation of tx %s", c.id, record.TXID)
		}
		ok, err := operation.Commit(ctx, record.TXID, c.service)
		if err != nil {
			return errors.Wrapf(err, "%s: commit operation of tx %s", c.id, record.TXID)
		}
		if !ok {
			return errors.Wrapf(errOperationRejected, "%s: tx %s", c.id, record.TXID)
		}
	}
	return nil
}
