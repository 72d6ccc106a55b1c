package state

import (
	"time"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
)

// CommitRole 记录进入提交队列后的角色
type CommitRole int

const (
	RoleNotYetDetermined CommitRole = iota
	// RoleReadOnly 只读事务，到达队首即提交
	RoleReadOnly
	// RoleLocalCommit 本资源是事务管理者，收齐投票后在本地提交
	RoleLocalCommit
	// RoleRemoteCommit 等待远端管理者的 confirm
	RoleRemoteCommit
)

func (r CommitRole) String() string {
	switch r {
	case RoleReadOnly:
		return "ReadOnly"
	case RoleLocalCommit:
		return "LocalCommit"
	case RoleRemoteCommit:
		return "RemoteCommit"
	default:
		return "NotYetDetermined"
	}
}

// TransactionRecord 一笔事务在一个资源上的全部状态
type TransactionRecord[T any] struct {
	TXID      string
	Timestamp time.Time
	Contender gotx.Contender
	// Deadline 持锁截止时间，超时后锁被打破
	Deadline time.Time

	SequenceNumber int64
	State          T
	HasCopiedState bool
	NumberReads    int
	NumberWrites   int

	Role         CommitRole
	Manager      gotx.ParticipantID
	Participants []gotx.ParticipantID
	Voted        bool
	Confirmed    bool

	prepareIsPersisted bool
	// effectApplied 提交钩子已执行，之后的存储失败只重试写入
	effectApplied bool
	waitingVotes       map[gotx.ParticipantID]struct{}
	aborted            bool
	pingDeadline       time.Time
	pingFailures       int
	view               T
	outcome            *syncx.Promise[gotx.TransactionalStatus]
}

func newRecord[T any](info *gotx.TransactionInfo, timestamp time.Time) *TransactionRecord[T] {
	return &TransactionRecord[T]{
		TXID:      info.TXID,
		Timestamp: timestamp,
		Contender: info.Contender(),
		Deadline:  info.Deadline,
		outcome:   newOutcome(),
	}
}

func newOutcome() *syncx.Promise[gotx.TransactionalStatus] {
	return syncx.NewPromise[gotx.TransactionalStatus]()
}

// View 事务在本资源上看到的状态：写过则是自己的副本，否则是最近的状态
func (r *TransactionRecord[T]) View() T {
	if r.HasCopiedState {
		return r.State
	}
	return r.view
}

func (r *TransactionRecord[T]) AccessCount() gotx.AccessCounter {
	return gotx.AccessCounter{Reads: r.NumberReads, Writes: r.NumberWrites}
}

func recordKey[T any](r *TransactionRecord[T]) (string, time.Time) {
	return r.TXID, r.Timestamp
}
