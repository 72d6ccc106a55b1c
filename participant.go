package gotx

import (
	"context"
	"time"
)

// PrepareReq 协调者发往资源的 prepare 请求
type PrepareReq struct {
	TXID        string        `json:"txID"`
	AccessCount AccessCounter `json:"accessCount"`
	// TimeStamp 事务最终的提交时间戳
	TimeStamp time.Time     `json:"timeStamp"`
	Manager   ParticipantID `json:"manager"`
}

// PrepareAndCommitReq 发往事务管理者，由其收集投票并提交
type PrepareAndCommitReq struct {
	TXID        string        `json:"txID"`
	AccessCount AccessCounter `json:"accessCount"`
	TimeStamp   time.Time     `json:"timeStamp"`
	// Participants 除管理者外的全部参与者，均需投票并在提交后收到 confirm
	Participants []ParticipantID `json:"participants"`
	// WriterCount 写参与者个数（含管理者）
	WriterCount int `json:"writerCount"`
}

type CommitReadOnlyReq struct {
	TXID        string        `json:"txID"`
	AccessCount AccessCounter `json:"accessCount"`
	TimeStamp   time.Time     `json:"timeStamp"`
}

type ConfirmReq struct {
	TXID      string    `json:"txID"`
	TimeStamp time.Time `json:"timeStamp"`
}

// AbortReq 事务解析前由发起方下发
type AbortReq struct {
	TXID   string              `json:"txID"`
	Status TransactionalStatus `json:"status"`
}

// CancelReq 投票失败后由管理者下发
type CancelReq struct {
	TXID      string              `json:"txID"`
	TimeStamp time.Time           `json:"timeStamp"`
	Status    TransactionalStatus `json:"status"`
}

// PreparedReq 资源向管理者投票
type PreparedReq struct {
	TXID      string              `json:"txID"`
	TimeStamp time.Time           `json:"timeStamp"`
	Resource  ParticipantID       `json:"resource"`
	Status    TransactionalStatus `json:"status"`
}

type PingReq struct {
	TXID      string        `json:"txID"`
	TimeStamp time.Time     `json:"timeStamp"`
	From      ParticipantID `json:"from"`
}

// Knowledge 被 ping 方对事务的了解
type Knowledge int

const (
	KnowledgeUnknown Knowledge = iota
	KnowledgePending
	KnowledgePrepared
	KnowledgeCommitted
	KnowledgeAborted
)

func (k Knowledge) String() string {
	switch k {
	case KnowledgePending:
		return "pending"
	case KnowledgePrepared:
		return "prepared"
	case KnowledgeCommitted:
		return "committed"
	case KnowledgeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

type PingResp struct {
	TXID      string              `json:"txID"`
	Knowledge Knowledge           `json:"knowledge"`
	Status    TransactionalStatus `json:"status"`
}

// Participant 协议参与者
type Participant interface {
	// 返回参与者唯一 id
	ID() ParticipantID
}

// Resource 持有事务状态的参与者
type Resource interface {
	Participant
	// 校验锁并进入提交队列，轮到自己时投票
	Prepare(ctx context.Context, req *PrepareReq) error
	// 只读事务跳过两阶段直接提交
	CommitReadOnly(ctx context.Context, req *CommitReadOnlyReq) (TransactionalStatus, error)
	// 管理者提交后下发，使预提交的写入生效
	Confirm(ctx context.Context, req *ConfirmReq) error
	Abort(ctx context.Context, req *AbortReq) error
	Cancel(ctx context.Context, req *CancelReq) error
	Ping(ctx context.Context, req *PingReq) (*PingResp, error)
}

// TransactionManager 能够担任事务管理者的参与者
type TransactionManager interface {
	Participant
	PrepareAndCommit(ctx context.Context, req *PrepareAndCommitReq) (TransactionalStatus, error)
	Prepared(ctx context.Context, req *PreparedReq) error
	Ping(ctx context.Context, req *PingReq) (*PingResp, error)
}

// Transport 把参与者 id 解析成可调用的端点
type Transport interface {
	Resource(id ParticipantID) (Resource, error)
	Manager(id ParticipantID) (TransactionManager, error)
}
