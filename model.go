package gotx

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/gotx/clock"
)

// Role 参与者在协议中承担的角色，可以同时承担多个
type Role uint8

const (
	// RoleResource 持有事务状态，对 prepare 投票
	RoleResource Role = 1 << iota
	// RoleManager 可以作为事务管理者，收集投票并推动提交
	RoleManager
	// RolePriorityManager 发生锁冲突时按优先级裁决，低优先级的持有者被中止
	RolePriorityManager

	RoleAll = RoleResource | RoleManager | RolePriorityManager
)

func (r Role) Has(role Role) bool {
	return r&role == role
}

func (r Role) String() string {
	var s string
	for _, item := range []struct {
		role Role
		name string
	}{
		{RoleResource, "resource"},
		{RoleManager, "manager"},
		{RolePriorityManager, "priority-manager"},
	} {
		if !r.Has(item.role) {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += item.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// ParticipantID 标识协议中的一个参与者：逻辑名称 + 宿主 actor 引用 + 角色
type ParticipantID struct {
	Name      string `json:"name"`
	Reference string `json:"reference"`
	Roles     Role   `json:"roles"`
}

func NewParticipantID(reference, name string, roles Role) ParticipantID {
	return ParticipantID{
		Name:      name,
		Reference: reference,
		Roles:     roles,
	}
}

func (p ParticipantID) String() string {
	return p.Reference + "/" + p.Name
}

func (p ParticipantID) IsResource() bool {
	return p.Roles.Has(RoleResource)
}

func (p ParticipantID) IsManager() bool {
	return p.Roles.Has(RoleManager)
}

func (p ParticipantID) IsPriorityManager() bool {
	return p.Roles.Has(RolePriorityManager)
}

// Less 参与者之间的确定性顺序，用于选择事务管理者
func (p ParticipantID) Less(other ParticipantID) bool {
	if p.Reference != other.Reference {
		return p.Reference < other.Reference
	}
	return p.Name < other.Name
}

func SortParticipants(ids []ParticipantID) {
	sort.Slice(ids, func(i, j int) bool {
		return ids[i].Less(ids[j])
	})
}

// AccessCounter 一笔事务在一个参与者上的读写次数
type AccessCounter struct {
	Reads  int `json:"reads"`
	Writes int `json:"writes"`
}

func (a AccessCounter) Add(other AccessCounter) AccessCounter {
	return AccessCounter{
		Reads:  a.Reads + other.Reads,
		Writes: a.Writes + other.Writes,
	}
}

func (a AccessCounter) String() string {
	return fmt.Sprintf("r%d/w%d", a.Reads, a.Writes)
}

// NewTXID 全局唯一的事务 id
func NewTXID() string {
	return uuid.NewString()
}

// TransactionInfo 随调用链传递的事务上下文
type TransactionInfo struct {
	TXID string
	// StartTime 事务开始时间，作为冲突裁决的优先级时间戳，不会变化
	StartTime time.Time
	// Priority 显式优先级，时间戳相同时数值大者胜出
	Priority   int64
	IsReadOnly bool
	// Deadline 超过该时间仍未提交的事务会被中止
	Deadline time.Time

	mux          sync.Mutex
	timeStamp    time.Time
	participants map[ParticipantID]*AccessCounter
	preferred    map[ParticipantID]struct{}
	failure      TransactionalStatus
	failureErr   error
	token        *CancellationToken
}

func NewTransactionInfo(txID string, startTime time.Time, readOnly bool, deadline time.Time) *TransactionInfo {
	startTime = clock.Truncate(startTime)
	return &TransactionInfo{
		TXID:         txID,
		StartTime:    startTime,
		IsReadOnly:   readOnly,
		Deadline:     deadline,
		timeStamp:    startTime,
		participants: make(map[ParticipantID]*AccessCounter),
		preferred:    make(map[ParticipantID]struct{}),
		token:        NewCancellationToken(),
	}
}

// TimeStamp 目前为止所有参与者时间戳的最大值，即事务的提交时间戳
func (t *TransactionInfo) TimeStamp() time.Time {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.timeStamp
}

// MergeTimeStamp 时间戳只前进不后退
func (t *TransactionInfo) MergeTimeStamp(ts time.Time) time.Time {
	t.mux.Lock()
	defer t.mux.Unlock()
	if ts.After(t.timeStamp) {
		t.timeStamp = ts
	}
	return t.timeStamp
}

// RecordRead 记录一次读，可被多个 goroutine 并发调用
func (t *TransactionInfo) RecordRead(participant ParticipantID, ts time.Time) {
	t.record(participant, ts, AccessCounter{Reads: 1})
}

// RecordWrite 记录一次写
func (t *TransactionInfo) RecordWrite(participant ParticipantID, ts time.Time) {
	t.record(participant, ts, AccessCounter{Writes: 1})
}

func (t *TransactionInfo) record(participant ParticipantID, ts time.Time, access AccessCounter) {
	t.mux.Lock()
	counter, ok := t.participants[participant]
	if !ok {
		counter = &AccessCounter{}
		t.participants[participant] = counter
	}
	*counter = counter.Add(access)
	if ts.After(t.timeStamp) {
		t.timeStamp = ts
	}
	t.mux.Unlock()

	t.token.Register(participant)
}

// Participants 参与者及访问计数的快照
func (t *TransactionInfo) Participants() map[ParticipantID]AccessCounter {
	t.mux.Lock()
	defer t.mux.Unlock()
	participants := make(map[ParticipantID]AccessCounter, len(t.participants))
	for id, counter := range t.participants {
		participants[id] = *counter
	}
	return participants
}

// PreferManager participant 的提交结果需要决定事务结果，解析时优先作为管理者
func (t *TransactionInfo) PreferManager(participant ParticipantID) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.preferred[participant] = struct{}{}
}

func (t *TransactionInfo) isPreferredManager(participant ParticipantID) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	_, ok := t.preferred[participant]
	return ok
}

// RecordFailure 记录事务执行过程中的第一个失败，事务解析时会据此中止
func (t *TransactionInfo) RecordFailure(status TransactionalStatus, err error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.failure != StatusOk {
		return
	}
	t.failure, t.failureErr = status, err
}

func (t *TransactionInfo) Failure() (TransactionalStatus, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.failure, t.failureErr
}

func (t *TransactionInfo) Token() *CancellationToken {
	return t.token
}

func (t *TransactionInfo) String() string {
	return fmt.Sprintf("tx %s ts %s prio %d ro %t", t.TXID, t.TimeStamp().Format(time.RFC3339Nano), t.Priority, t.IsReadOnly)
}

// Contender 锁冲突裁决的依据
type Contender struct {
	TXID      string
	StartTime time.Time
	Priority  int64
}

func (t *TransactionInfo) Contender() Contender {
	return Contender{
		TXID:      t.TXID,
		StartTime: t.StartTime,
		Priority:  t.Priority,
	}
}

// Beats 判断 c（请求方）是否优先于 incumbent（当前持有者）：
// 时间戳早者胜；时间戳相同比较显式优先级；完全相同则先持有者让出
func (c Contender) Beats(incumbent Contender) bool {
	if !c.StartTime.Equal(incumbent.StartTime) {
		return c.StartTime.Before(incumbent.StartTime)
	}
	if c.Priority != incumbent.Priority {
		return c.Priority > incumbent.Priority
	}
	return true
}

// Outranks 排队等待时使用的严格顺序，保证等待队列排序稳定
func (c Contender) Outranks(other Contender) bool {
	if !c.StartTime.Equal(other.StartTime) {
		return c.StartTime.Before(other.StartTime)
	}
	if c.Priority != other.Priority {
		return c.Priority > other.Priority
	}
	return c.TXID < other.TXID
}
