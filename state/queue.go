package state

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/clock"
	"github.com/xiaoxuxiansheng/gotx/internal/commitqueue"
	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/metrics"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

var errInjectedStorage = errors.New("injected storage exception")

// CommitHook 记录提交前执行的副作用，失败时记录不会被提交
type CommitHook[T any] func(ctx context.Context, record *TransactionRecord[T]) error

type abortedEntry struct {
	status gotx.TransactionalStatus
	at     time.Time
}

// earlyVote 管理者还没收到 PrepareAndCommit 时先到达的投票
type earlyVote struct {
	at    time.Time
	votes map[gotx.ParticipantID]gotx.TransactionalStatus
}

// TransactionQueue 单个资源上的事务队列：
// 1. 读写锁，决定哪些事务可以访问状态
// 2. 提交队列，按时间戳顺序提交已 prepare 的事务
// 3. 存储 worker，串行地持久化投票和提交
// 4. 监控任务，对超时未响应的一方发起 ping
type TransactionQueue[T any] struct {
	id        gotx.ParticipantID
	opts      *Options
	clock     *clock.CausalClock
	storage   storage.Storage[T]
	transport gotx.Transport
	hook      CommitHook[T]

	activateMux sync.Mutex
	wg          sync.WaitGroup
	kick        chan struct{}

	mu                sync.Mutex
	active            bool
	epoch             int64
	runCtx            context.Context
	stop              context.CancelFunc
	committedState    T
	committedSequence int64
	version           int64
	commitRecords     map[string]*storage.CommitRecord
	commitQueue       *commitqueue.CommitQueue[*TransactionRecord[T]]
	lock              *readWriteLock[T]
	aborted           map[string]abortedEntry
	earlyVotes        map[string]*earlyVote
	confirming        map[string]struct{}
	problem           gotx.TransactionalStatus
	lastProblem       gotx.TransactionalStatus
	dirty             bool

	storageFault atomic.Bool

	execLock  syncx.SpinLock
	executing map[string]struct{}
}

func newTransactionQueue[T any](id gotx.ParticipantID, store storage.Storage[T], transport gotx.Transport, opts ...Option) *TransactionQueue[T] {
	q := TransactionQueue[T]{
		id:            id,
		opts:          &Options{},
		storage:       store,
		transport:     transport,
		kick:          make(chan struct{}, 1),
		commitRecords: make(map[string]*storage.CommitRecord),
		commitQueue:   commitqueue.New[*TransactionRecord[T]](recordKey[T]),
		lock:          newReadWriteLock[T](),
		aborted:       make(map[string]abortedEntry),
		earlyVotes:    make(map[string]*earlyVote),
		confirming:    make(map[string]struct{}),
		executing:     make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(q.opts)
	}

	repair(q.opts)
	q.clock = q.opts.Clock
	return &q
}

func (q *TransactionQueue[T]) ID() gotx.ParticipantID {
	return q.id
}

// Problem 最近一次记录到的队列级故障
func (q *TransactionQueue[T]) Problem() gotx.TransactionalStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProblem
}

// Committed 已持久化提交的状态和序列号
func (q *TransactionQueue[T]) Committed(ctx context.Context) (T, int64, error) {
	if err := q.ensureActive(ctx); err != nil {
		var zero T
		return zero, 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.committedState, q.committedSequence, nil
}

// EnterLock 拿到读锁或写锁后执行 continuation，返回其结果
// continuation 执行期间由事务锁保证独占，不持有队列互斥锁
func (q *TransactionQueue[T]) EnterLock(ctx context.Context, info *gotx.TransactionInfo, isRead bool,
	continuation func(record *TransactionRecord[T]) error) error {
	if err := q.ensureActive(ctx); err != nil {
		return err
	}
	if !q.beginExecution(info.TXID) {
		log.ErrorContextf(ctx, "%s: reentrant access by tx %s", q.id, info.TXID)
		return errors.WithStack(gotx.ErrReentrant)
	}
	defer q.endExecution(info.TXID)

	record, err := q.acquire(ctx, info, isRead)
	if err != nil {
		info.RecordFailure(gotx.StatusOf(err), err)
		return err
	}

	err = continuation(record)

	q.mu.Lock()
	if current, ok := q.lock.holders[info.TXID]; !ok || current != record {
		status := q.abortedStatus(info.TXID)
		q.mu.Unlock()
		abortErr := gotx.NewStatusError(status, errAborted)
		info.RecordFailure(status, abortErr)
		return abortErr
	}
	if isRead {
		record.NumberReads++
	} else {
		record.NumberWrites++
	}
	timestamp := record.Timestamp
	q.mu.Unlock()

	if isRead {
		info.RecordRead(q.id, timestamp)
	} else {
		info.RecordWrite(q.id, timestamp)
	}
	return err
}

func (q *TransactionQueue[T]) beginExecution(txID string) bool {
	q.execLock.Lock()
	defer q.execLock.Unlock()
	if _, ok := q.executing[txID]; ok {
		return false
	}
	q.executing[txID] = struct{}{}
	return true
}

func (q *TransactionQueue[T]) endExecution(txID string) {
	q.execLock.Lock()
	defer q.execLock.Unlock()
	delete(q.executing, txID)
}

func (q *TransactionQueue[T]) newRecord(info *gotx.TransactionInfo) *TransactionRecord[T] {
	return newRecord[T](info, q.clock.MergeUtcNow(info.TimeStamp()))
}

// mostRecentState 最新的状态（可能尚未提交）及其序列号
func (q *TransactionQueue[T]) mostRecentState() (T, int64) {
	for i := q.commitQueue.Count() - 1; i >= 0; i-- {
		if record := q.commitQueue.At(i); record.HasCopiedState {
			return record.State, record.SequenceNumber
		}
	}
	return q.committedState, q.committedSequence
}

func (q *TransactionQueue[T]) markAborted(txID string, status gotx.TransactionalStatus) {
	if _, ok := q.aborted[txID]; ok {
		return
	}
	q.aborted[txID] = abortedEntry{status: status, at: time.Now()}
}

func (q *TransactionQueue[T]) abortedStatus(txID string) gotx.TransactionalStatus {
	if entry, ok := q.aborted[txID]; ok {
		return entry.status
	}
	return gotx.StatusCascadingAbort
}

// abortFrom 中止提交队列中 idx 及之后的所有记录，之后的记录基于被中止的状态，级联中止
func (q *TransactionQueue[T]) abortFrom(idx int, status gotx.TransactionalStatus) {
	count := q.commitQueue.Count()
	if idx < 0 || idx >= count {
		return
	}
	var dirty bool
	for i := idx; i < count; i++ {
		record := q.commitQueue.At(i)
		dirty = dirty || record.HasCopiedState
		if i == idx {
			q.finish(record, status)
		} else {
			q.finish(record, gotx.StatusCascadingAbort)
		}
	}
	_ = q.commitQueue.RemoveFromBack(count - idx)

	// 持锁者可能读到了被中止的状态
	if dirty {
		for txID := range q.lock.holders {
			q.breakLock(txID, gotx.StatusCascadingAbort)
		}
		q.promote()
	}
	q.observeQueue()
}

// finish 记录以中止告终，通知等待结果的各方
func (q *TransactionQueue[T]) finish(record *TransactionRecord[T], status gotx.TransactionalStatus) {
	record.aborted = true
	q.markAborted(record.TXID, status)
	record.outcome.Resolve(status, nil)
	log.Warnf("%s: tx %s (%s) aborted, status: %s", q.id, record.TXID, record.Role, status)
	if record.prepareIsPersisted {
		// 存储中的预提交记录需要清理
		q.dirty = true
		q.signal()
	}

	switch record.Role {
	case RoleLocalCommit:
		q.sendCancel(record.Participants, record.TXID, record.Timestamp, status)
	case RoleRemoteCommit:
		if !record.Voted {
			q.sendVote(record.Manager, record.TXID, record.Timestamp, status)
		}
	}
}

// abortTransaction 处理 abort/cancel：移除等待、打破锁、中止提交队列中的记录
func (q *TransactionQueue[T]) abortTransaction(txID string, timestamp time.Time, status gotx.TransactionalStatus) {
	q.rejectWaiters(txID, status)
	q.breakLock(txID, status)

	idx := -1
	if !timestamp.IsZero() {
		idx = q.commitQueue.Find(txID, timestamp)
	}
	if idx < 0 {
		idx = q.commitQueue.IndexOf(txID)
	}
	if idx >= 0 {
		record := q.commitQueue.At(idx)
		switch {
		case record.Role == RoleLocalCommit:
			log.Errorf("%s: ignore abort of tx %s managed here", q.id, txID)
		case record.Confirmed:
			log.Errorf("%s: ignore abort of confirmed tx %s", q.id, txID)
		default:
			q.abortFrom(idx, status)
		}
	} else {
		q.markAborted(txID, status)
	}
	q.promote()
}

func (q *TransactionQueue[T]) signal() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

func (q *TransactionQueue[T]) observeQueue() {
	metrics.CommitQueueGauge.WithLabelValues(q.id.String()).Set(float64(q.commitQueue.Count()))
}

// snapshot 生成待持久化的记录：commit 为即将提交的记录，prepare 为即将投票的记录
func (q *TransactionQueue[T]) snapshot(commit, prepare *TransactionRecord[T]) *storage.Record[T] {
	record := storage.Record[T]{
		CommittedState:      q.committedState,
		CommittedSequenceID: q.committedSequence,
		Metadata: storage.Metadata{
			TimeStamp:     q.clock.HighWaterMark(),
			CommitRecords: make(map[string]*storage.CommitRecord, len(q.commitRecords)+1),
		},
	}
	for txID, commitRecord := range q.commitRecords {
		record.Metadata.CommitRecords[txID] = commitRecord
	}

	if commit != nil {
		if commit.HasCopiedState {
			record.CommittedState = commit.State
			record.CommittedSequenceID = commit.SequenceNumber
		}
		if commit.Role == RoleLocalCommit && len(commit.Participants) > 0 {
			record.Metadata.CommitRecords[commit.TXID] = &storage.CommitRecord{
				TXID:         commit.TXID,
				TimeStamp:    commit.Timestamp,
				Participants: commit.Participants,
			}
		}
	}

	q.commitQueue.Elements(func(_ int, r *TransactionRecord[T]) bool {
		if r == commit || r.Role != RoleRemoteCommit || !r.HasCopiedState {
			return true
		}
		if r.prepareIsPersisted || r == prepare {
			record.PendingStates = append(record.PendingStates, storage.PendingState[T]{
				TXID:       r.TXID,
				TimeStamp:  r.Timestamp,
				SequenceID: r.SequenceNumber,
				HasState:   true,
				State:      r.State,
				Manager:    r.Manager,
			})
		}
		return true
	})
	return &record
}

func (q *TransactionQueue[T]) save(ctx context.Context, record *storage.Record[T], version int64) (int64, error) {
	if q.storageFault.CompareAndSwap(true, false) {
		return 0, errors.Wrapf(errInjectedStorage, "%s: save", q.id)
	}
	return q.storage.Save(ctx, record, version)
}

// inject 在 point 处执行注入的故障
func (q *TransactionQueue[T]) inject(point gotx.FaultPoint, txID string) error {
	switch q.opts.FaultInjector.Inject(point, q.id, txID) {
	case gotx.FaultDeactivation:
		log.Warnf("%s: injected deactivation at %s, tx %s", q.id, point, txID)
		q.crash()
		return errors.Wrapf(gotx.ErrParticipantUnavailable, "%s: deactivated at %s", q.id, point)
	case gotx.FaultStorageException:
		log.Warnf("%s: injected storage exception at %s, tx %s", q.id, point, txID)
		q.storageFault.Store(true)
	}
	return nil
}
