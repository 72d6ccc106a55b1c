package state

import (
	"context"
	"time"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

type actionKind int

const (
	actionNone actionKind = iota
	// 队首记录需要持久化 prepare 后投票
	actionPersistPrepare
	// 队首记录的结果已确定，持久化提交
	actionCommit
	// 只需把内存中的变化（比如清理掉的记录）写回存储
	actionFlush
)

type action[T any] struct {
	kind     actionKind
	record   *TransactionRecord[T]
	snapshot *storage.Record[T]
	version  int64
	epoch    int64
}

// run 存储 worker，队列中唯一执行存储写入的 goroutine
func (q *TransactionQueue[T]) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.kick:
		}
		q.process(ctx)
	}
}

func (q *TransactionQueue[T]) process(ctx context.Context) {
	for ctx.Err() == nil {
		q.mu.Lock()
		if q.problem != gotx.StatusOk {
			q.mu.Unlock()
			if !q.recoverFromProblem(ctx) {
				return
			}
			continue
		}
		act := q.nextAction()
		q.mu.Unlock()

		switch act.kind {
		case actionPersistPrepare:
			q.persistPrepare(ctx, act)
		case actionCommit:
			q.commit(ctx, act)
		case actionFlush:
			q.flush(ctx, act)
		default:
			return
		}
	}
}

// nextAction 推进队首：只读记录直接完成，其余需要存储写入的交给调用方在锁外执行
func (q *TransactionQueue[T]) nextAction() action[T] {
	act := action[T]{version: q.version, epoch: q.epoch}

loop:
	for q.commitQueue.Count() > 0 {
		head := q.commitQueue.First()
		switch head.Role {
		case RoleReadOnly:
			head.outcome.Resolve(gotx.StatusOk, nil)
			_ = q.commitQueue.RemoveFromFront(1)

		case RoleRemoteCommit:
			if !head.Voted {
				if head.HasCopiedState {
					act.kind, act.record, act.snapshot = actionPersistPrepare, head, q.snapshot(nil, head)
					return act
				}
				// 只读过的参与者没有需要持久化的内容
				head.Voted = true
				head.pingDeadline = time.Now().Add(q.opts.ConfirmTimeout)
				q.sendVote(head.Manager, head.TXID, head.Timestamp, gotx.StatusOk)
				break loop
			}
			if !head.Confirmed {
				break loop
			}
			if !head.HasCopiedState {
				head.outcome.Resolve(gotx.StatusOk, nil)
				_ = q.commitQueue.RemoveFromFront(1)
				continue
			}
			act.kind, act.record, act.snapshot = actionCommit, head, q.snapshot(head, nil)
			return act

		case RoleLocalCommit:
			if len(head.waitingVotes) > 0 {
				break loop
			}
			act.kind, act.record, act.snapshot = actionCommit, head, q.snapshot(head, nil)
			return act

		default:
			log.Errorf("%s: unexpected record role %s for tx %s in commit queue", q.id, head.Role, head.TXID)
			q.abortFrom(0, gotx.StatusAssertionFailed)
		}
	}
	q.observeQueue()

	if q.dirty {
		q.dirty = false
		act.kind, act.snapshot = actionFlush, q.snapshot(nil, nil)
	}
	return act
}

func (q *TransactionQueue[T]) persistPrepare(ctx context.Context, act action[T]) {
	version, err := q.save(ctx, act.snapshot, act.version)

	q.mu.Lock()
	defer q.mu.Unlock()
	if act.epoch != q.epoch {
		return
	}
	if err != nil {
		q.onStorageFailure(err)
		return
	}
	q.version = version

	record := act.record
	if record.aborted {
		// 持久化期间被取消，下次写入时清理掉
		q.dirty = true
		q.signal()
		return
	}
	record.prepareIsPersisted = true
	record.Voted = true
	record.pingDeadline = time.Now().Add(q.opts.ConfirmTimeout)
	log.Debugf("%s: tx %s prepared at %s", q.id, record.TXID, record.Timestamp)
	q.sendVote(record.Manager, record.TXID, record.Timestamp, gotx.StatusOk)
}

func (q *TransactionQueue[T]) commit(ctx context.Context, act action[T]) {
	record := act.record
	if err := q.inject(gotx.BeforeCommit, record.TXID); err != nil {
		return
	}

	if q.hook != nil && record.HasCopiedState && !record.effectApplied {
		err := q.hook(ctx, record)
		q.mu.Lock()
		if err != nil {
			defer q.mu.Unlock()
			if act.epoch == q.epoch {
				q.onCommitFailure(record, err)
			}
			return
		}
		record.effectApplied = true
		q.mu.Unlock()
	}

	version, err := q.save(ctx, act.snapshot, act.version)

	q.mu.Lock()
	if act.epoch != q.epoch {
		q.mu.Unlock()
		return
	}
	if err != nil {
		q.onStorageFailure(err)
		q.mu.Unlock()
		return
	}
	q.version = version
	if record.HasCopiedState {
		q.committedState = record.State
		q.committedSequence = record.SequenceNumber
	}
	_ = q.commitQueue.RemoveFromFront(1)
	if record.Role == RoleLocalCommit {
		if commitRecord, ok := act.snapshot.Metadata.CommitRecords[record.TXID]; ok {
			q.commitRecords[record.TXID] = commitRecord
			q.startConfirmations(commitRecord)
		}
	}
	record.outcome.Resolve(gotx.StatusOk, nil)
	q.observeQueue()
	q.mu.Unlock()

	log.Debugf("%s: tx %s (%s) committed, sequence %d", q.id, record.TXID, record.Role, record.SequenceNumber)
	_ = q.inject(gotx.AfterCommit, record.TXID)
}

func (q *TransactionQueue[T]) flush(ctx context.Context, act action[T]) {
	version, err := q.save(ctx, act.snapshot, act.version)

	q.mu.Lock()
	defer q.mu.Unlock()
	if act.epoch != q.epoch {
		return
	}
	if err != nil {
		q.onStorageFailure(err)
		return
	}
	q.version = version
}

// onCommitFailure 提交前的副作用失败：不推进持久化状态，后续记录级联中止
func (q *TransactionQueue[T]) onCommitFailure(record *TransactionRecord[T], err error) {
	log.Errorf("%s: commit hook of tx %s failed, err: %v", q.id, record.TXID, err)
	q.lastProblem = gotx.StatusCommitFailure
	if q.commitQueue.Count() == 0 || q.commitQueue.First() != record {
		return
	}
	q.abortFrom(0, gotx.StatusCommitFailure)
	q.dirty = true
	q.signal()
}

// onStorageFailure 存储写入失败：设置问题标记，worker 会中止未投票的事务并重新加载
func (q *TransactionQueue[T]) onStorageFailure(err error) {
	status := gotx.StatusUnknownException
	if errors.Is(err, storage.ErrStorageConflict) {
		status = gotx.StatusStorageConflict
	}
	log.Errorf("%s: storage write failed, status: %s, err: %v", q.id, status, err)
	q.problem = status
	q.lastProblem = status
	q.signal()
}

// startConfirmations 提交后异步向其余参与者发送 confirm，全部确认后清理提交记录
func (q *TransactionQueue[T]) startConfirmations(commitRecord *storage.CommitRecord) {
	if _, ok := q.confirming[commitRecord.TXID]; ok || q.runCtx == nil {
		return
	}
	q.confirming[commitRecord.TXID] = struct{}{}
	go q.confirmAll(q.runCtx, q.epoch, commitRecord)
}

func (q *TransactionQueue[T]) confirmAll(ctx context.Context, epoch int64, commitRecord *storage.CommitRecord) {
	remaining := commitRecord.Participants
	tick := q.opts.MonitorTick
	for len(remaining) > 0 {
		failed := make([]bool, len(remaining))
		_ = syncx.JoinAll(ctx, len(remaining), func(ctx context.Context, i int) error {
			if err := q.sendConfirm(ctx, remaining[i], commitRecord.TXID, commitRecord.TimeStamp); err != nil {
				log.Warnf("%s: confirm tx %s to %s failed, err: %v", q.id, commitRecord.TXID, remaining[i], err)
				failed[i] = true
				return err
			}
			return nil
		})
		if ctx.Err() != nil {
			return
		}

		var next []gotx.ParticipantID
		for i, participant := range remaining {
			if failed[i] {
				next = append(next, participant)
			}
		}
		if remaining = next; len(remaining) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
		tick = q.backOffTick(tick)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if epoch != q.epoch {
		return
	}
	delete(q.commitRecords, commitRecord.TXID)
	delete(q.confirming, commitRecord.TXID)
	q.dirty = true
	q.signal()
}
