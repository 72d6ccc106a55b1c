package state

import (
	"context"
	"time"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/metrics"
)

func (q *TransactionQueue[T]) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := q.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

// monitor 轮询超时的记录：打破过期的锁，对迟迟没有回应的一方发起 ping
func (q *TransactionQueue[T]) monitor(ctx context.Context) {
	defer q.wg.Done()
	var tick time.Duration
	var err error
	for {
		// 如果出现了失败，tick 需要避让，遵循退避策略增大 tick 间隔时长
		if err == nil {
			tick = q.opts.MonitorTick
		} else {
			tick = q.backOffTick(tick)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
			err = q.checkTimeouts(ctx)
		}
	}
}

type pingTarget[T any] struct {
	record    *TransactionRecord[T]
	target    gotx.ParticipantID
	toManager bool
}

func (q *TransactionQueue[T]) checkTimeouts(ctx context.Context) error {
	now := time.Now()
	q.mu.Lock()
	epoch := q.epoch

	// 1 持锁超时的事务
	for txID, holder := range q.lock.holders {
		if !holder.Deadline.IsZero() && now.After(holder.Deadline) {
			log.Warnf("%s: lock of tx %s expired", q.id, txID)
			q.breakLock(txID, gotx.StatusBrokenLock)
		}
	}
	q.promote()

	// 2 PrepareAndCommit 迟迟没有到达，早到的投票推定中止
	for txID, early := range q.earlyVotes {
		if now.Sub(early.at) <= q.opts.PrepareTimeout {
			continue
		}
		delete(q.earlyVotes, txID)
		q.markAborted(txID, gotx.StatusPresumedAbort)
		for participant, status := range early.votes {
			if status.IsOk() {
				q.sendCancel([]gotx.ParticipantID{participant}, txID, time.Time{}, gotx.StatusPresumedAbort)
			}
		}
	}

	// 3 清理已中止事务
	for txID, entry := range q.aborted {
		if now.Sub(entry.at) > q.opts.AbortedRetention {
			delete(q.aborted, txID)
		}
	}

	// 4 收集需要 ping 的对象
	var targets []pingTarget[T]
	q.commitQueue.Elements(func(_ int, record *TransactionRecord[T]) bool {
		switch {
		case record.Role == RoleLocalCommit && len(record.waitingVotes) > 0 && now.After(record.pingDeadline):
			for participant := range record.waitingVotes {
				targets = append(targets, pingTarget[T]{record: record, target: participant})
			}
		case record.Role == RoleRemoteCommit && record.Voted && !record.Confirmed && now.After(record.pingDeadline):
			targets = append(targets, pingTarget[T]{record: record, target: record.Manager, toManager: true})
		}
		return true
	})
	q.observeQueue()
	q.signal()
	q.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	resps := make([]*gotx.PingResp, len(targets))
	errs := make([]error, len(targets))
	_ = syncx.JoinAll(ctx, len(targets), func(ctx context.Context, i int) error {
		resps[i], errs[i] = q.sendPing(ctx, targets[i].target, targets[i].toManager, targets[i].record)
		return errs[i]
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if epoch != q.epoch {
		return nil
	}

	var firstErr error
	for i, target := range targets {
		record := target.record
		if record.aborted {
			continue
		}
		idx := q.commitQueue.Find(record.TXID, record.Timestamp)
		if idx < 0 || q.commitQueue.At(idx) != record {
			continue
		}

		if errs[i] != nil {
			metrics.PingCounter.WithLabelValues(metrics.PingFailed).Inc()
			log.Warnf("%s: ping %s for tx %s failed, err: %v", q.id, target.target, record.TXID, errs[i])
			if firstErr == nil {
				firstErr = errs[i]
			}
			record.pingFailures++
		} else {
			metrics.PingCounter.WithLabelValues(metrics.PingOk).Inc()
			q.applyPing(idx, target, resps[i])
			if record.aborted {
				continue
			}
		}

		if record.pingFailures >= q.opts.MaxPingFailures {
			status := gotx.StatusParticipantResponseTimeout
			if target.toManager {
				status = gotx.StatusTMResponseTimeout
			}
			log.Warnf("%s: tx %s gave up after %d pings, status: %s", q.id, record.TXID, record.pingFailures, status)
			q.abortFrom(idx, status)
		}
	}
	q.signal()
	return firstErr
}

// applyPing 根据对方对事务的了解推进本地记录
func (q *TransactionQueue[T]) applyPing(idx int, target pingTarget[T], resp *gotx.PingResp) {
	record := target.record
	if !target.toManager {
		// 管理者一侧：对方是尚未投票的参与者
		switch resp.Knowledge {
		case gotx.KnowledgePrepared, gotx.KnowledgeCommitted:
			delete(record.waitingVotes, target.target)
		case gotx.KnowledgeAborted:
			status := resp.Status
			if status.IsOk() {
				status = gotx.StatusPrepareTimeout
			}
			q.abortFrom(idx, status)
		case gotx.KnowledgeUnknown:
			q.abortFrom(idx, gotx.StatusPrepareTimeout)
		default:
			record.pingFailures++
		}
		return
	}

	// 资源一侧：对方是管理者
	switch resp.Knowledge {
	case gotx.KnowledgeCommitted:
		record.Confirmed = true
	case gotx.KnowledgeAborted:
		status := resp.Status
		if status.IsOk() {
			status = gotx.StatusPresumedAbort
		}
		q.abortFrom(idx, status)
	case gotx.KnowledgeUnknown:
		q.abortFrom(idx, gotx.StatusPresumedAbort)
	default:
		record.pingFailures = 0
		record.pingDeadline = time.Now().Add(q.opts.ConfirmTimeout)
	}
}
