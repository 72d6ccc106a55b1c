// Package storage 定义事务状态的持久化接口。
// 一个资源对应一条记录：已提交状态 + 元数据 + 已投票但尚未确认的预提交状态。
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
)

// ErrStorageConflict 保存时记录版本与期望版本不一致
var ErrStorageConflict = errors.New("storage: version conflict")

// PendingState 已投票 prepared、等待管理者确认的状态
type PendingState[T any] struct {
	TXID       string             `json:"txID"`
	TimeStamp  time.Time          `json:"timeStamp"`
	SequenceID int64              `json:"sequenceID"`
	HasState   bool               `json:"hasState"`
	State      T                  `json:"state"`
	Manager    gotx.ParticipantID `json:"manager"`
}

// CommitRecord 管理者提交后保留，直到所有参与者确认
type CommitRecord struct {
	TXID         string               `json:"txID"`
	TimeStamp    time.Time            `json:"timeStamp"`
	Participants []gotx.ParticipantID `json:"participants"`
}

type Metadata struct {
	// TimeStamp 时钟高水位，恢复后时钟不会倒退
	TimeStamp     time.Time                `json:"timeStamp"`
	CommitRecords map[string]*CommitRecord `json:"commitRecords"`
}

type Record[T any] struct {
	CommittedState      T                 `json:"committedState"`
	CommittedSequenceID int64             `json:"committedSequenceID"`
	Metadata            Metadata          `json:"metadata"`
	PendingStates       []PendingState[T] `json:"pendingStates"`
}

// Storage 事务状态存储，Save 使用乐观并发控制
type Storage[T any] interface {
	// Load 读取记录，记录不存在时返回 (nil, 0, nil)
	Load(ctx context.Context) (*Record[T], int64, error)
	// Save 当存储中的版本等于 expectedVersion 时写入，返回新版本；否则返回 ErrStorageConflict
	Save(ctx context.Context, record *Record[T], expectedVersion int64) (int64, error)
}
