package gotx

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/xiaoxuxiansheng/gotx/clock"
	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/metrics"
)

// TransactionAgent 事务发起方：
// 1. 创建事务上下文
// 2. 事务函数执行完毕后选择管理者，驱动 prepare/commit
// 3. 执行失败时向触达过的参与者下发 abort
type TransactionAgent struct {
	opts      *Options
	transport Transport
}

func NewTransactionAgent(transport Transport, opts ...Option) *TransactionAgent {
	agent := TransactionAgent{
		opts:      &Options{},
		transport: transport,
	}

	for _, opt := range opts {
		opt(agent.opts)
	}

	repair(agent.opts)
	return &agent
}

func (a *TransactionAgent) Clock() *clock.CausalClock {
	return a.opts.Clock
}

// StartTransaction 创建事务上下文，返回携带事务的 ctx
func (a *TransactionAgent) StartTransaction(ctx context.Context, readOnly bool, timeout time.Duration) (context.Context, *TransactionInfo) {
	if timeout <= 0 {
		timeout = a.opts.Timeout
	}
	info := NewTransactionInfo(NewTXID(), a.opts.Clock.UtcNow(), readOnly, time.Now().Add(timeout))
	log.DebugContextf(ctx, "start transaction %s, read only: %t", info.TXID, readOnly)
	return WithTransaction(ctx, info), info
}

// Transaction 在事务中执行 fn，fn 返回后自动提交
// fn 返回错误时事务被中止，原样返回 fn 的错误；提交失败返回 *TransactionError
func (a *TransactionAgent) Transaction(ctx context.Context, fn func(ctx context.Context) error, opts ...TxOption) error {
	begin := time.Now()
	txOpts := TxOptions{Timeout: a.opts.Timeout}
	for _, opt := range opts {
		opt(&txOpts)
	}

	tctx, info := a.StartTransaction(ctx, txOpts.ReadOnly, txOpts.Timeout)
	info.Priority = txOpts.Priority
	tctx, cancel := context.WithDeadline(tctx, info.Deadline)
	defer cancel()

	if err := fn(tctx); err != nil {
		status := StatusPresumedAbort
		if s := StatusOf(err); s != StatusUnknownException && !s.IsOk() {
			status = s
		}
		info.RecordFailure(status, err)
		if _err := a.Abort(ctx, info, status); _err != nil {
			log.WarnContextf(tctx, "abort transaction failed, err: %v", _err)
		}
		a.observe(status, begin)
		return err
	}

	rctx, rcancel := context.WithTimeout(log.WithTXID(ctx, info.TXID), a.opts.ResolveTimeout)
	defer rcancel()
	status, err := a.Resolve(rctx, info)
	a.observe(status, begin)
	if status.IsOk() {
		return nil
	}
	return NewTransactionError(info.TXID, status, err)
}

func (a *TransactionAgent) observe(status TransactionalStatus, begin time.Time) {
	metrics.TransactionCounter.WithLabelValues(status.String()).Inc()
	metrics.TransactionDuration.Observe(time.Since(begin).Seconds())
}

// Resolve 提交事务：
// 1 没有写入的事务走只读快速路径
// 2 否则挑选一个写参与者作为管理者，向其余参与者发送 prepare，再让管理者收集投票并提交
func (a *TransactionAgent) Resolve(ctx context.Context, info *TransactionInfo) (TransactionalStatus, error) {
	if status, err := info.Failure(); status != StatusOk {
		if _err := a.Abort(ctx, info, status); _err != nil {
			log.WarnContextf(ctx, "abort failed transaction, err: %v", _err)
		}
		return status, err
	}
	if info.Token().IsCancelled() {
		return StatusPresumedAbort, ErrAlreadyResolved
	}

	participants := info.Participants()
	if len(participants) == 0 {
		return StatusCommitReadOnly, nil
	}
	timeStamp := info.TimeStamp()
	a.opts.Clock.Merge(timeStamp)

	ids := make([]ParticipantID, 0, len(participants))
	writers := make([]ParticipantID, 0, len(participants))
	for id, counter := range participants {
		ids = append(ids, id)
		if counter.Writes > 0 {
			writers = append(writers, id)
		}
	}
	SortParticipants(ids)
	SortParticipants(writers)

	if len(writers) == 0 {
		return a.commitReadOnly(ctx, info, ids, participants, timeStamp)
	}

	manager, found := chooseManager(info, writers)
	if !found {
		_ = a.Abort(ctx, info, StatusAssertionFailed)
		return StatusAssertionFailed, ErrNoManager
	}

	others := make([]ParticipantID, 0, len(ids)-1)
	for _, id := range ids {
		if id != manager {
			others = append(others, id)
		}
	}

	// 并发下发 prepare，投递失败时管理者还没有介入，可以直接中止
	if err := syncx.JoinAll(ctx, len(others), func(ctx context.Context, i int) error {
		resource, err := a.transport.Resource(others[i])
		if err != nil {
			return err
		}
		return resource.Prepare(ctx, &PrepareReq{
			TXID:        info.TXID,
			AccessCount: participants[others[i]],
			TimeStamp:   timeStamp,
			Manager:     manager,
		})
	}); err != nil {
		log.WarnContextf(ctx, "prepare delivery failed, err: %v", err)
		if _err := a.Abort(ctx, info, StatusPrepareTimeout); _err != nil {
			log.WarnContextf(ctx, "abort after prepare failure, err: %v", _err)
		}
		return StatusPrepareTimeout, err
	}

	tm, err := a.transport.Manager(manager)
	if err != nil {
		if _err := a.Abort(ctx, info, StatusPrepareTimeout); _err != nil {
			log.WarnContextf(ctx, "abort after manager lookup failure, err: %v", _err)
		}
		return StatusPrepareTimeout, err
	}
	// 之后 abort 不再由发起方下发，由管理者负责
	info.Token().seal()

	status, err := tm.PrepareAndCommit(ctx, &PrepareAndCommitReq{
		TXID:         info.TXID,
		AccessCount:  participants[manager],
		TimeStamp:    timeStamp,
		Participants: others,
		WriterCount:  len(writers),
	})
	if err != nil {
		log.ErrorContextf(ctx, "prepare and commit failed, manager: %s, err: %v", manager, err)
		return StatusTMResponseTimeout, err
	}
	if !status.IsOk() {
		log.WarnContextf(ctx, "transaction aborted by manager %s, status: %s", manager, status)
		return status, NewStatusError(status, nil)
	}
	return status, nil
}

func (a *TransactionAgent) commitReadOnly(ctx context.Context, info *TransactionInfo, ids []ParticipantID,
	participants map[ParticipantID]AccessCounter, timeStamp time.Time) (TransactionalStatus, error) {
	statuses := make([]TransactionalStatus, len(ids))
	err := syncx.JoinAll(ctx, len(ids), func(ctx context.Context, i int) error {
		resource, err := a.transport.Resource(ids[i])
		if err != nil {
			statuses[i] = StatusUnknownException
			return err
		}
		statuses[i], err = resource.CommitReadOnly(ctx, &CommitReadOnlyReq{
			TXID:        info.TXID,
			AccessCount: participants[ids[i]],
			TimeStamp:   timeStamp,
		})
		return err
	})

	status := StatusCommitReadOnly
	for _, s := range statuses {
		if !s.IsOk() {
			status = s
			break
		}
	}
	if err != nil && status.IsOk() {
		status = StatusUnknownException
	}
	if status.IsOk() {
		return status, nil
	}

	if _err := a.Abort(ctx, info, status); _err != nil {
		log.WarnContextf(ctx, "abort read only transaction, err: %v", _err)
	}
	if err == nil {
		err = NewStatusError(status, nil)
	}
	return status, err
}

// Abort 在事务解析前中止，通知每个触达过的参与者，重复调用无副作用
func (a *TransactionAgent) Abort(ctx context.Context, info *TransactionInfo, status TransactionalStatus) error {
	info.RecordFailure(status, nil)
	return info.Token().Cancel(ctx, func(ctx context.Context, target ParticipantID) error {
		resource, err := a.transport.Resource(target)
		if err != nil {
			return err
		}
		if err = resource.Abort(ctx, &AbortReq{TXID: info.TXID, Status: status}); err != nil {
			return errors.Wrapf(err, "abort participant %s", target)
		}
		return nil
	})
}

// chooseManager 在有管理者角色的写参与者中选择：先选要求作为管理者的，否则选排序最小的
func chooseManager(info *TransactionInfo, writers []ParticipantID) (ParticipantID, bool) {
	var manager ParticipantID
	var found bool
	for _, writer := range writers {
		if !writer.IsManager() {
			continue
		}
		if info.isPreferredManager(writer) {
			return writer, true
		}
		if !found {
			manager, found = writer, true
		}
	}
	return manager, found
}
