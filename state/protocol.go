package state

import (
	"context"
	"time"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
	"github.com/xiaoxuxiansheng/gotx/log"
)

var errConfirmNotApplied = errors.New("confirm not applied")

// takeLocked 校验访问计数并释放事务持有的锁
func (q *TransactionQueue[T]) takeLocked(txID string, access gotx.AccessCounter) (*TransactionRecord[T], gotx.TransactionalStatus) {
	if entry, ok := q.aborted[txID]; ok {
		q.lock.release(txID)
		return nil, entry.status
	}
	record, ok := q.lock.release(txID)
	if !ok {
		log.Warnf("%s: tx %s holds no lock at prepare", q.id, txID)
		return nil, gotx.StatusLockValidationFailed
	}
	if record.AccessCount() != access {
		log.Warnf("%s: tx %s access count mismatch, local %s, remote %s", q.id, txID, record.AccessCount(), access)
		return nil, gotx.StatusLockValidationFailed
	}
	return record, gotx.StatusOk
}

// enqueue 以事务最终时间戳进入提交队列，时钟并入该时间戳，之后的持锁者时间戳都更大
func (q *TransactionQueue[T]) enqueue(record *TransactionRecord[T], timestamp time.Time, role CommitRole) gotx.TransactionalStatus {
	if timestamp.Before(record.Timestamp) {
		log.Errorf("%s: tx %s commit timestamp %s before lock timestamp %s", q.id, record.TXID, timestamp, record.Timestamp)
		return gotx.StatusAssertionFailed
	}
	record.Timestamp = timestamp
	record.Role = role
	q.clock.Merge(timestamp)
	if err := q.commitQueue.Add(record); err != nil {
		log.Warnf("%s: tx %s cannot join commit queue, err: %v", q.id, record.TXID, err)
		return gotx.StatusLockValidationFailed
	}
	q.observeQueue()
	return gotx.StatusOk
}

func (q *TransactionQueue[T]) Prepare(ctx context.Context, req *gotx.PrepareReq) error {
	if err := q.ensureActive(ctx); err != nil {
		return err
	}
	if err := q.inject(gotx.BeforePrepare, req.TXID); err != nil {
		return err
	}

	q.mu.Lock()
	record, status := q.takeLocked(req.TXID, req.AccessCount)
	if status.IsOk() {
		record.Manager = req.Manager
		status = q.enqueue(record, req.TimeStamp, RoleRemoteCommit)
	}
	if !status.IsOk() {
		q.markAborted(req.TXID, status)
		q.sendVote(req.Manager, req.TXID, req.TimeStamp, status)
	}
	q.promote()
	q.signal()
	q.mu.Unlock()

	log.DebugContextf(ctx, "%s: prepare tx %s, status: %s", q.id, req.TXID, status)
	return q.inject(gotx.AfterPrepare, req.TXID)
}

func (q *TransactionQueue[T]) PrepareAndCommit(ctx context.Context, req *gotx.PrepareAndCommitReq) (gotx.TransactionalStatus, error) {
	if err := q.ensureActive(ctx); err != nil {
		return gotx.StatusUnknownException, err
	}
	if err := q.inject(gotx.BeforePrepareAndCommit, req.TXID); err != nil {
		return gotx.StatusUnknownException, err
	}

	q.mu.Lock()
	record, status := q.takeLocked(req.TXID, req.AccessCount)
	if status.IsOk() {
		record.Participants = req.Participants
		record.waitingVotes = make(map[gotx.ParticipantID]struct{}, len(req.Participants))
		for _, participant := range req.Participants {
			record.waitingVotes[participant] = struct{}{}
		}
		record.pingDeadline = time.Now().Add(q.opts.PrepareTimeout)
		status = q.enqueue(record, req.TimeStamp, RoleLocalCommit)
	}
	if !status.IsOk() {
		q.markAborted(req.TXID, status)
		delete(q.earlyVotes, req.TXID)
		q.sendCancel(req.Participants, req.TXID, req.TimeStamp, status)
		q.promote()
		q.mu.Unlock()
		log.WarnContextf(ctx, "%s: prepare and commit tx %s rejected, status: %s", q.id, req.TXID, status)
		return status, nil
	}

	// 先到的投票
	failed := gotx.StatusOk
	if early, ok := q.earlyVotes[req.TXID]; ok {
		delete(q.earlyVotes, req.TXID)
		for participant, vote := range early.votes {
			if vote.IsOk() {
				delete(record.waitingVotes, participant)
			} else if failed.IsOk() {
				failed = vote
			}
		}
	}
	if !failed.IsOk() {
		q.abortFrom(q.commitQueue.Find(record.TXID, record.Timestamp), failed)
	}
	q.promote()
	q.signal()
	q.mu.Unlock()

	status, err := record.outcome.Wait(ctx)
	if err != nil {
		log.WarnContextf(ctx, "%s: wait for outcome of tx %s, err: %v", q.id, req.TXID, err)
		return gotx.StatusTMResponseTimeout, errors.Wrapf(err, "%s: prepare and commit", q.id)
	}
	if err = q.inject(gotx.AfterPrepareAndCommit, req.TXID); err != nil {
		return gotx.StatusTMResponseTimeout, err
	}
	log.DebugContextf(ctx, "%s: tx %s resolved, status: %s", q.id, req.TXID, status)
	return status, nil
}

func (q *TransactionQueue[T]) CommitReadOnly(ctx context.Context, req *gotx.CommitReadOnlyReq) (gotx.TransactionalStatus, error) {
	if err := q.ensureActive(ctx); err != nil {
		return gotx.StatusUnknownException, err
	}
	if err := q.inject(gotx.BeforeCommitReadOnly, req.TXID); err != nil {
		return gotx.StatusUnknownException, err
	}

	q.mu.Lock()
	record, status := q.takeLocked(req.TXID, req.AccessCount)
	if status.IsOk() {
		status = q.enqueue(record, req.TimeStamp, RoleReadOnly)
	}
	if !status.IsOk() {
		q.markAborted(req.TXID, status)
		q.promote()
		q.mu.Unlock()
		return status, nil
	}
	q.promote()
	q.signal()
	q.mu.Unlock()

	status, err := record.outcome.Wait(ctx)
	if err != nil {
		return gotx.StatusUnknownException, errors.Wrapf(err, "%s: commit read only", q.id)
	}
	if err = q.inject(gotx.AfterCommitReadOnly, req.TXID); err != nil {
		return gotx.StatusUnknownException, err
	}
	if status.IsOk() {
		return gotx.StatusCommitReadOnly, nil
	}
	return status, nil
}

// Confirm 在写入持久化生效后返回
func (q *TransactionQueue[T]) Confirm(ctx context.Context, req *gotx.ConfirmReq) error {
	if err := q.ensureActive(ctx); err != nil {
		return err
	}
	if err := q.inject(gotx.BeforeConfirm, req.TXID); err != nil {
		return err
	}

	q.mu.Lock()
	idx := q.commitQueue.Find(req.TXID, req.TimeStamp)
	if idx < 0 {
		idx = q.commitQueue.IndexOf(req.TXID)
	}
	if idx < 0 {
		q.mu.Unlock()
		log.DebugContextf(ctx, "%s: confirm of unknown tx %s, already applied", q.id, req.TXID)
		return q.inject(gotx.AfterConfirm, req.TXID)
	}
	record := q.commitQueue.At(idx)
	if record.Role != RoleRemoteCommit {
		q.mu.Unlock()
		log.ErrorContextf(ctx, "%s: confirm of tx %s with role %s", q.id, req.TXID, record.Role)
		return gotx.NewStatusError(gotx.StatusAssertionFailed, errConfirmNotApplied)
	}
	record.Confirmed = true
	q.signal()
	q.mu.Unlock()

	status, err := record.outcome.Wait(ctx)
	if err != nil {
		return errors.Wrapf(err, "%s: confirm", q.id)
	}
	if !status.IsOk() {
		return gotx.NewStatusError(status, errConfirmNotApplied)
	}
	return q.inject(gotx.AfterConfirm, req.TXID)
}

func (q *TransactionQueue[T]) Abort(ctx context.Context, req *gotx.AbortReq) error {
	if err := q.ensureActive(ctx); err != nil {
		return err
	}
	if err := q.inject(gotx.BeforeAbort, req.TXID); err != nil {
		return err
	}

	status := req.Status
	if status.IsOk() {
		status = gotx.StatusPresumedAbort
	}
	q.mu.Lock()
	q.abortTransaction(req.TXID, time.Time{}, status)
	q.signal()
	q.mu.Unlock()

	log.DebugContextf(ctx, "%s: abort tx %s, status: %s", q.id, req.TXID, status)
	return q.inject(gotx.AfterAbort, req.TXID)
}

func (q *TransactionQueue[T]) Cancel(ctx context.Context, req *gotx.CancelReq) error {
	if err := q.ensureActive(ctx); err != nil {
		return err
	}
	if err := q.inject(gotx.BeforeCancel, req.TXID); err != nil {
		return err
	}

	status := req.Status
	if status.IsOk() {
		status = gotx.StatusPresumedAbort
	}
	q.mu.Lock()
	q.abortTransaction(req.TXID, req.TimeStamp, status)
	q.signal()
	q.mu.Unlock()

	log.DebugContextf(ctx, "%s: cancel tx %s, status: %s", q.id, req.TXID, status)
	return q.inject(gotx.AfterCancel, req.TXID)
}

// Prepared 管理者收到投票
func (q *TransactionQueue[T]) Prepared(ctx context.Context, req *gotx.PreparedReq) error {
	if err := q.ensureActive(ctx); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.commitQueue.Find(req.TXID, req.TimeStamp)
	if idx < 0 {
		idx = q.commitQueue.IndexOf(req.TXID)
	}
	if idx >= 0 {
		record := q.commitQueue.At(idx)
		if record.Role != RoleLocalCommit || len(record.waitingVotes) == 0 {
			return nil
		}
		if !req.Status.IsOk() {
			q.abortFrom(idx, req.Status)
			return nil
		}
		delete(record.waitingVotes, req.Resource)
		if len(record.waitingVotes) == 0 {
			q.signal()
		}
		return nil
	}

	if _, ok := q.commitRecords[req.TXID]; ok {
		return nil
	}
	if entry, ok := q.aborted[req.TXID]; ok {
		if req.Status.IsOk() {
			q.sendCancel([]gotx.ParticipantID{req.Resource}, req.TXID, req.TimeStamp, entry.status)
		}
		return nil
	}

	early, ok := q.earlyVotes[req.TXID]
	if !ok {
		early = &earlyVote{at: time.Now(), votes: make(map[gotx.ParticipantID]gotx.TransactionalStatus)}
		q.earlyVotes[req.TXID] = early
	}
	early.votes[req.Resource] = req.Status
	return nil
}

// Ping 返回本资源对事务的了解
func (q *TransactionQueue[T]) Ping(ctx context.Context, req *gotx.PingReq) (*gotx.PingResp, error) {
	if err := q.ensureActive(ctx); err != nil {
		return nil, err
	}
	if err := q.inject(gotx.BeforePing, req.TXID); err != nil {
		return nil, err
	}

	q.mu.Lock()
	knowledge, status := q.knowledge(req.TXID, req.TimeStamp)
	q.mu.Unlock()

	if err := q.inject(gotx.AfterPing, req.TXID); err != nil {
		return nil, err
	}
	return &gotx.PingResp{TXID: req.TXID, Knowledge: knowledge, Status: status}, nil
}

func (q *TransactionQueue[T]) knowledge(txID string, timestamp time.Time) (gotx.Knowledge, gotx.TransactionalStatus) {
	if _, ok := q.commitRecords[txID]; ok {
		return gotx.KnowledgeCommitted, gotx.StatusOk
	}
	idx := q.commitQueue.Find(txID, timestamp)
	if idx < 0 {
		idx = q.commitQueue.IndexOf(txID)
	}
	if idx >= 0 {
		if record := q.commitQueue.At(idx); record.Role == RoleRemoteCommit && record.Voted {
			return gotx.KnowledgePrepared, gotx.StatusOk
		}
		return gotx.KnowledgePending, gotx.StatusOk
	}
	if _, ok := q.earlyVotes[txID]; ok {
		return gotx.KnowledgePending, gotx.StatusOk
	}
	if _, ok := q.lock.holders[txID]; ok {
		return gotx.KnowledgePending, gotx.StatusOk
	}
	if entry, ok := q.aborted[txID]; ok {
		return gotx.KnowledgeAborted, entry.status
	}
	return gotx.KnowledgeUnknown, gotx.StatusOk
}

func (q *TransactionQueue[T]) messageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.opts.MessageTimeout)
}

// sendVote 异步向管理者投票，投递失败时由管理者的 ping 兜底
func (q *TransactionQueue[T]) sendVote(manager gotx.ParticipantID, txID string, timestamp time.Time, status gotx.TransactionalStatus) {
	go func() {
		ctx, cancel := q.messageContext(context.Background())
		defer cancel()
		tm, err := q.transport.Manager(manager)
		if err == nil {
			err = tm.Prepared(ctx, &gotx.PreparedReq{
				TXID:      txID,
				TimeStamp: timestamp,
				Resource:  q.id,
				Status:    status,
			})
		}
		if err != nil {
			log.Warnf("%s: vote %s for tx %s to %s failed, err: %v", q.id, status, txID, manager, err)
		}
	}()
}

// sendCancel 异步通知参与者取消，投递失败时由参与者的 ping 兜底
func (q *TransactionQueue[T]) sendCancel(participants []gotx.ParticipantID, txID string, timestamp time.Time, status gotx.TransactionalStatus) {
	if len(participants) == 0 {
		return
	}
	go func() {
		ctx, cancel := q.messageContext(context.Background())
		defer cancel()
		_ = syncx.JoinAll(ctx, len(participants), func(ctx context.Context, i int) error {
			resource, err := q.transport.Resource(participants[i])
			if err == nil {
				err = resource.Cancel(ctx, &gotx.CancelReq{
					TXID:      txID,
					TimeStamp: timestamp,
					Status:    status,
				})
			}
			if err != nil {
				log.Warnf("%s: cancel tx %s on %s failed, err: %v", q.id, txID, participants[i], err)
			}
			return err
		})
	}()
}

func (q *TransactionQueue[T]) sendConfirm(ctx context.Context, participant gotx.ParticipantID, txID string, timestamp time.Time) error {
	ctx, cancel := q.messageContext(ctx)
	defer cancel()
	resource, err := q.transport.Resource(participant)
	if err != nil {
		return err
	}
	return resource.Confirm(ctx, &gotx.ConfirmReq{TXID: txID, TimeStamp: timestamp})
}

func (q *TransactionQueue[T]) sendPing(ctx context.Context, target gotx.ParticipantID, toManager bool,
	record *TransactionRecord[T]) (*gotx.PingResp, error) {
	ctx, cancel := q.messageContext(ctx)
	defer cancel()
	req := &gotx.PingReq{TXID: record.TXID, TimeStamp: record.Timestamp, From: q.id}
	if toManager {
		tm, err := q.transport.Manager(target)
		if err != nil {
			return nil, err
		}
		return tm.Ping(ctx, req)
	}
	resource, err := q.transport.Resource(target)
	if err != nil {
		return nil, err
	}
	return resource.Ping(ctx, req)
}
