package state

import (
	"context"
	"time"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/metrics"
)

var (
	errLockTimeout  = errors.New("lock wait timed out")
	errAborted      = errors.New("transaction aborted on this resource")
	errAfterPrepare = errors.New("access after prepare")
	errUpgradeLoses = errors.New("lock upgrade lost to a higher priority reader")
)

// waiter 一个排队等锁的请求，ready 被关闭时要么拿到了 record，要么 status 非 Ok
type waiter[T any] struct {
	info   *gotx.TransactionInfo
	isRead bool
	ready  chan struct{}
	record *TransactionRecord[T]
	status gotx.TransactionalStatus
}

// readWriteLock 读写锁：一组读者或单个写者持有，等待者按优先级排序
// 所有方法都在 TransactionQueue.mu 保护下调用
type readWriteLock[T any] struct {
	holders map[string]*TransactionRecord[T]
	writer  string
	waiters []*waiter[T]
}

func newReadWriteLock[T any]() *readWriteLock[T] {
	return &readWriteLock[T]{
		holders: make(map[string]*TransactionRecord[T]),
	}
}

func (l *readWriteLock[T]) outranked(c gotx.Contender) bool {
	return len(l.waiters) > 0 && l.waiters[0].info.Contender().Outranks(c)
}

func (l *readWriteLock[T]) compatible(c gotx.Contender, isRead bool) bool {
	if len(l.holders) == 0 || (isRead && l.writer == "") {
		return !l.outranked(c)
	}
	return false
}

func (l *readWriteLock[T]) grant(record *TransactionRecord[T], isRead bool) {
	l.holders[record.TXID] = record
	if !isRead {
		l.writer = record.TXID
	}
}

func (l *readWriteLock[T]) release(txID string) (*TransactionRecord[T], bool) {
	record, ok := l.holders[txID]
	if !ok {
		return nil, false
	}
	delete(l.holders, txID)
	if l.writer == txID {
		l.writer = ""
	}
	return record, true
}

func (l *readWriteLock[T]) enqueue(w *waiter[T]) {
	c := w.info.Contender()
	i := len(l.waiters)
	for j, other := range l.waiters {
		if c.Outranks(other.info.Contender()) {
			i = j
			break
		}
	}
	l.waiters = append(l.waiters, nil)
	copy(l.waiters[i+1:], l.waiters[i:])
	l.waiters[i] = w
}

func (l *readWriteLock[T]) removeWaiter(w *waiter[T]) bool {
	for i, other := range l.waiters {
		if other == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// conflicts 与请求冲突的持有者
func (l *readWriteLock[T]) conflicts(txID string, isRead bool) []*TransactionRecord[T] {
	var conflicts []*TransactionRecord[T]
	for id, holder := range l.holders {
		if id == txID {
			continue
		}
		if isRead && id != l.writer {
			continue
		}
		conflicts = append(conflicts, holder)
	}
	return conflicts
}

// tryEnter 尝试直接拿锁：拿到返回 record，需要等待返回 waiter
func (q *TransactionQueue[T]) tryEnter(info *gotx.TransactionInfo, isRead bool) (*TransactionRecord[T], *waiter[T], error) {
	if entry, ok := q.aborted[info.TXID]; ok {
		return nil, nil, gotx.NewStatusError(entry.status, errAborted)
	}
	if q.commitQueue.IndexOf(info.TXID) >= 0 {
		return nil, nil, gotx.NewStatusError(gotx.StatusAssertionFailed, errAfterPrepare)
	}

	l := q.lock
	c := info.Contender()
	if record, ok := l.holders[info.TXID]; ok {
		if isRead || l.writer == info.TXID {
			return record, nil, nil
		}
		if len(l.holders) == 1 {
			// 唯一的读者直接升级为写者
			l.writer = info.TXID
			return record, nil, nil
		}
		if q.woundAll(c, l.conflicts(info.TXID, false)) {
			l.writer = info.TXID
			return record, nil, nil
		}
		return nil, nil, gotx.NewStatusError(gotx.StatusLockUpgrade, errUpgradeLoses)
	}

	if l.compatible(c, isRead) {
		record := q.newRecord(info)
		l.grant(record, isRead)
		return record, nil, nil
	}

	if conflicts := l.conflicts(info.TXID, isRead); len(conflicts) > 0 && q.woundAll(c, conflicts) && l.compatible(c, isRead) {
		record := q.newRecord(info)
		l.grant(record, isRead)
		return record, nil, nil
	}

	w := &waiter[T]{
		info:   info,
		isRead: isRead,
		ready:  make(chan struct{}),
	}
	l.enqueue(w)
	return nil, w, nil
}

// woundAll 本资源有优先级裁决权且请求方胜过所有冲突持有者时，打破这些持有者的锁
func (q *TransactionQueue[T]) woundAll(c gotx.Contender, conflicts []*TransactionRecord[T]) bool {
	if !q.id.IsPriorityManager() || len(conflicts) == 0 {
		return false
	}
	for _, holder := range conflicts {
		if !c.Beats(holder.Contender) {
			return false
		}
	}
	for _, holder := range conflicts {
		log.Debugf("%s: tx %s wounds tx %s", q.id, c.TXID, holder.TXID)
		q.breakLock(holder.TXID, gotx.StatusBrokenLock)
		metrics.LockWaitCounter.WithLabelValues(metrics.LockWounded).Inc()
	}
	return true
}

// breakLock 打破持有者的锁，之后该事务在本资源上的操作和 prepare 都会失败
func (q *TransactionQueue[T]) breakLock(txID string, status gotx.TransactionalStatus) {
	if _, ok := q.lock.release(txID); ok {
		q.markAborted(txID, status)
	}
}

// promote 锁释放后按优先级依次唤醒兼容的等待者
func (q *TransactionQueue[T]) promote() {
	l := q.lock
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		if !(len(l.holders) == 0 || (w.isRead && l.writer == "")) {
			return
		}
		l.waiters = l.waiters[1:]
		w.record = q.newRecord(w.info)
		l.grant(w.record, w.isRead)
		close(w.ready)
	}
}

// rejectWaiters 移除 txID（为空时表示全部）的等待者
func (q *TransactionQueue[T]) rejectWaiters(txID string, status gotx.TransactionalStatus) {
	l := q.lock
	kept := l.waiters[:0]
	for _, w := range l.waiters {
		if txID != "" && w.info.TXID != txID {
			kept = append(kept, w)
			continue
		}
		w.status = status
		close(w.ready)
		metrics.LockWaitCounter.WithLabelValues(metrics.LockAborted).Inc()
	}
	for i := len(kept); i < len(l.waiters); i++ {
		l.waiters[i] = nil
	}
	l.waiters = kept
}

// acquire 拿到锁后返回 record，写操作会先复制最近的状态
func (q *TransactionQueue[T]) acquire(ctx context.Context, info *gotx.TransactionInfo, isRead bool) (*TransactionRecord[T], error) {
	q.mu.Lock()
	record, w, err := q.tryEnter(info, isRead)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if w != nil {
		q.mu.Unlock()
		if record, err = q.wait(ctx, w); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if current, ok := q.lock.holders[info.TXID]; !ok || current != record {
			status := q.abortedStatus(info.TXID)
			q.mu.Unlock()
			return nil, gotx.NewStatusError(status, errAborted)
		}
	}
	defer q.mu.Unlock()

	if isRead {
		if !record.HasCopiedState {
			current, _ := q.mostRecentState()
			var view T
			if err := q.opts.Copier(current, &view); err != nil {
				return nil, errors.Wrapf(err, "%s: copy state for reader of tx %s", q.id, info.TXID)
			}
			record.view = view
		}
		return record, nil
	}

	if !record.HasCopiedState {
		current, seq := q.mostRecentState()
		var copied T
		if err := q.opts.Copier(current, &copied); err != nil {
			return nil, errors.Wrapf(err, "%s: copy state for tx %s", q.id, info.TXID)
		}
		record.State = copied
		record.SequenceNumber = seq + 1
		record.HasCopiedState = true
	}
	return record, nil
}

func (q *TransactionQueue[T]) wait(ctx context.Context, w *waiter[T]) (*TransactionRecord[T], error) {
	timer := time.NewTimer(q.opts.LockTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-w.ready:
	case <-timer.C:
		cause = errLockTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if w.record != nil {
		metrics.LockWaitCounter.WithLabelValues(metrics.LockGranted).Inc()
		return w.record, nil
	}
	if w.status != gotx.StatusOk {
		return nil, gotx.NewStatusError(w.status, errAborted)
	}

	q.lock.removeWaiter(w)
	metrics.LockWaitCounter.WithLabelValues(metrics.LockTimeout).Inc()
	log.WarnContextf(ctx, "%s: lock wait for tx %s failed, err: %v", q.id, w.info.TXID, cause)
	return nil, gotx.NewStatusError(gotx.StatusLockTimeout, cause)
}
