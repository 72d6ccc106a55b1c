package example

import (
	"context"
	"fmt"
	"sync"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/state"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

const AuditKind = "audit"

// AuditEntry 一笔已提交转账的流水
type AuditEntry struct {
	TXID   string `json:"txID"`
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

func (e AuditEntry) String() string {
	return fmt.Sprintf("%s: %s -> %s %d", e.TXID, e.From, e.To, e.Amount)
}

// AuditLog 流水的落地服务，只在事务提交后写入
type AuditLog struct {
	mutex   sync.Mutex
	entries []AuditEntry
	// 为 true 时拒绝写入
	reject bool
}

func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) Append(entry AuditEntry) bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.reject {
		return false
	}
	l.entries = append(l.entries, entry)
	return true
}

func (l *AuditLog) SetReject(reject bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.reject = reject
}

func (l *AuditLog) Entries() []AuditEntry {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return append([]AuditEntry(nil), l.entries...)
}

type appendEntry struct {
	Entry AuditEntry `json:"entry"`
}

func (a appendEntry) Commit(ctx context.Context, txID string, service *AuditLog) (bool, error) {
	entry := a.Entry
	entry.TXID = txID
	return service.Append(entry), nil
}

// Auditor 把流水写入纳入转账事务
type Auditor struct {
	*state.TransactionCommitter[*AuditLog]
}

func NewAuditor(name string, service *AuditLog, store storage.Storage[state.OperationState], transport gotx.Transport, opts ...state.Option) *Auditor {
	return &Auditor{
		TransactionCommitter: state.NewTransactionCommitter[*AuditLog](
			gotx.NewParticipantID(AuditKind, name, gotx.RoleAll), service,
			state.JSONCodec[*AuditLog, appendEntry]{}, store, transport, opts...),
	}
}

func (a *Auditor) Record(ctx context.Context, from, to string, amount int64) error {
	return a.OnCommit(ctx, appendEntry{Entry: AuditEntry{From: from, To: to, Amount: amount}})
}
