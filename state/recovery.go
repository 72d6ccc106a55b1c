package state

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

// OnActivate 从存储加载状态并启动后台任务。收到任何消息时都会按需激活
func (q *TransactionQueue[T]) OnActivate(ctx context.Context) error {
	return q.ensureActive(ctx)
}

func (q *TransactionQueue[T]) isActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

func (q *TransactionQueue[T]) ensureActive(ctx context.Context) error {
	if q.isActive() {
		return nil
	}

	q.activateMux.Lock()
	defer q.activateMux.Unlock()
	if q.isActive() {
		return nil
	}

	record, version, err := q.storage.Load(ctx)
	if err != nil {
		log.ErrorContextf(ctx, "%s: load state failed, err: %v", q.id, err)
		return errors.Wrapf(err, "%s: activate", q.id)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.epoch++
	q.reset()
	q.load(record, version)

	runCtx, stop := context.WithCancel(context.Background())
	q.runCtx, q.stop = runCtx, stop
	q.active = true
	q.wg.Add(2)
	go q.run(runCtx)
	go q.monitor(runCtx)

	for _, commitRecord := range q.commitRecords {
		q.startConfirmations(commitRecord)
	}
	q.signal()
	log.Infof("%s: activated, version %d, sequence %d, pending %d, unconfirmed commits %d",
		q.id, version, q.committedSequence, q.commitQueue.Count(), len(q.commitRecords))
	return nil
}

// OnDeactivate 停止后台任务，等待进行中的存储写入完成，中止尚未 prepare 的事务并清空内存状态
func (q *TransactionQueue[T]) OnDeactivate(ctx context.Context) error {
	q.activateMux.Lock()
	defer q.activateMux.Unlock()

	q.mu.Lock()
	if !q.active {
		q.mu.Unlock()
		return nil
	}
	q.active = false
	stop := q.stop
	q.mu.Unlock()

	stop()
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.epoch++
	for _, record := range q.dropAll(gotx.StatusPresumedAbort) {
		if record.effectApplied {
			log.ErrorContextf(ctx, "%s: tx %s cancelled after its commit hook ran", q.id, record.TXID)
		}
		record.outcome.Resolve(gotx.StatusPresumedAbort, nil)
		q.sendCancel(record.Participants, record.TXID, record.Timestamp, gotx.StatusPresumedAbort)
	}
	q.reset()
	log.InfoContextf(ctx, "%s: deactivated", q.id)
	return nil
}

// crash 模拟宿主崩溃：不通知任何参与者，内存状态全部丢失
func (q *TransactionQueue[T]) crash() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.active {
		return
	}
	q.active = false
	q.epoch++
	if q.stop != nil {
		q.stop()
	}

	q.commitQueue.Elements(func(_ int, record *TransactionRecord[T]) bool {
		record.aborted = true
		record.outcome.Resolve(gotx.StatusUnknownException, nil)
		return true
	})
	q.rejectWaiters("", gotx.StatusUnknownException)
	q.reset()
	q.aborted = make(map[string]abortedEntry)
}

func (q *TransactionQueue[T]) reset() {
	q.commitQueue.Clear()
	q.lock = newReadWriteLock[T]()
	q.commitRecords = make(map[string]*storage.CommitRecord)
	q.earlyVotes = make(map[string]*earlyVote)
	q.confirming = make(map[string]struct{})
	q.problem = gotx.StatusOk
	q.dirty = false
	var zero T
	q.committedState, q.committedSequence = zero, 0
	q.observeQueue()
}

// load 恢复存储中的记录：
// 1 已提交状态作为基础
// 2 本资源管理的预提交记录，有提交记录则提交，否则推定中止
// 3 其余预提交记录以已投票的 RemoteCommit 重新入队，等待管理者的结论
func (q *TransactionQueue[T]) load(record *storage.Record[T], version int64) {
	q.version = version
	if record == nil {
		return
	}

	q.committedState = record.CommittedState
	q.committedSequence = record.CommittedSequenceID
	q.clock.Merge(record.Metadata.TimeStamp)
	for txID, commitRecord := range record.Metadata.CommitRecords {
		if commitRecord != nil {
			q.commitRecords[txID] = commitRecord
		}
	}

	pending := make([]storage.PendingState[T], len(record.PendingStates))
	copy(pending, record.PendingStates)
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].TimeStamp.Before(pending[j].TimeStamp)
	})

	now := time.Now()
	for _, p := range pending {
		q.clock.Merge(p.TimeStamp)
		if p.Manager == q.id {
			if _, ok := q.commitRecords[p.TXID]; ok && p.SequenceID > q.committedSequence {
				q.committedState, q.committedSequence = p.State, p.SequenceID
			} else {
				q.markAborted(p.TXID, gotx.StatusPresumedAbort)
			}
			q.dirty = true
			continue
		}

		r := &TransactionRecord[T]{
			TXID:               p.TXID,
			Timestamp:          p.TimeStamp,
			SequenceNumber:     p.SequenceID,
			State:              p.State,
			HasCopiedState:     p.HasState,
			Role:               RoleRemoteCommit,
			Manager:            p.Manager,
			Voted:              true,
			prepareIsPersisted: true,
			pingDeadline:       now,
			outcome:            newOutcome(),
		}
		if err := q.commitQueue.Add(r); err != nil {
			log.Errorf("%s: drop recovered tx %s, err: %v", q.id, p.TXID, err)
			q.dirty = true
		}
	}
	q.observeQueue()
}

// dropAll 清空提交队列和锁，返回被丢弃的 LocalCommit 记录，由调用方决定提交还是取消
func (q *TransactionQueue[T]) dropAll(status gotx.TransactionalStatus) []*TransactionRecord[T] {
	var locals []*TransactionRecord[T]
	q.commitQueue.Elements(func(_ int, record *TransactionRecord[T]) bool {
		record.aborted = true
		switch {
		case record.Role == RoleLocalCommit:
			locals = append(locals, record)
			if record.effectApplied {
				// 副作用已经生效，结果由调用方在重新加载后决定
				return true
			}
		case record.Role == RoleRemoteCommit && record.Voted:
			// 已投票的记录会从存储中恢复
		case record.Role == RoleRemoteCommit:
			q.markAborted(record.TXID, status)
			q.sendVote(record.Manager, record.TXID, record.Timestamp, status)
		default:
			q.markAborted(record.TXID, status)
		}
		record.outcome.Resolve(status, nil)
		return true
	})
	q.commitQueue.Clear()
	for txID := range q.lock.holders {
		q.breakLock(txID, status)
	}
	q.rejectWaiters("", status)
	return locals
}

// recoverFromProblem 存储故障后：中止未投票的事务，重新加载存储，清除问题标记。
// 提交钩子已执行的记录不取消：LocalCommit 在存储未前进时重新入队提交，RemoteCommit 恢复后不再执行钩子
func (q *TransactionQueue[T]) recoverFromProblem(ctx context.Context) bool {
	q.mu.Lock()
	status, epoch := q.problem, q.epoch
	applied := make(map[string]struct{})
	q.commitQueue.Elements(func(_ int, record *TransactionRecord[T]) bool {
		if record.effectApplied {
			applied[record.TXID] = struct{}{}
		}
		return true
	})
	locals := q.dropAll(status)
	q.mu.Unlock()

	record, version, err := q.storage.Load(ctx)

	q.mu.Lock()
	defer q.mu.Unlock()
	if epoch != q.epoch || err != nil {
		if err != nil {
			log.Errorf("%s: reload after %s failed, err: %v", q.id, status, err)
		}
		// 无法确认写入是否落盘，不再等待
		for _, local := range locals {
			if local.effectApplied && local.outcome.Resolve(gotx.StatusUnknownException, nil) {
				log.Errorf("%s: tx %s outcome unknown after its commit hook ran", q.id, local.TXID)
			}
		}
		return false
	}

	// 重新加载期间进入队列的事务同样中止
	locals = append(locals, q.dropAll(status)...)
	q.epoch++
	q.reset()
	requeued := q.requeueApplied(locals, record)
	q.load(record, version)
	q.commitQueue.Elements(func(_ int, r *TransactionRecord[T]) bool {
		if _, ok := applied[r.TXID]; ok {
			r.effectApplied = true
		}
		return true
	})

	for _, local := range locals {
		if _, ok := q.commitRecords[local.TXID]; ok {
			local.outcome.Resolve(gotx.StatusOk, nil)
			continue
		}
		if _, ok := requeued[local.TXID]; ok {
			continue
		}
		if local.effectApplied {
			log.Errorf("%s: tx %s cancelled after its commit hook ran", q.id, local.TXID)
		}
		local.outcome.Resolve(status, nil)
		q.markAborted(local.TXID, status)
		q.sendCancel(local.Participants, local.TXID, local.Timestamp, status)
	}
	for _, commitRecord := range q.commitRecords {
		q.startConfirmations(commitRecord)
	}
	log.Infof("%s: recovered from %s, version %d", q.id, status, version)
	return true
}

// requeueApplied 把钩子已执行、但写入没有落盘的 LocalCommit 记录放回队首重新提交
func (q *TransactionQueue[T]) requeueApplied(locals []*TransactionRecord[T], stored *storage.Record[T]) map[string]struct{} {
	var sequence int64
	var commitRecords map[string]*storage.CommitRecord
	if stored != nil {
		sequence = stored.CommittedSequenceID
		commitRecords = stored.Metadata.CommitRecords
	}

	requeued := make(map[string]struct{})
	for _, local := range locals {
		if !local.effectApplied || commitRecords[local.TXID] != nil {
			continue
		}
		// 存储已被其他写入推进，无法在原状态上重新提交
		if local.SequenceNumber != sequence+1 {
			continue
		}
		local.aborted = false
		if err := q.commitQueue.Add(local); err != nil {
			log.Errorf("%s: requeue tx %s, err: %v", q.id, local.TXID, err)
			continue
		}
		requeued[local.TXID] = struct{}{}
		log.Warnf("%s: tx %s requeued after storage failure, commit hook already ran", q.id, local.TXID)
	}
	return requeued
}
