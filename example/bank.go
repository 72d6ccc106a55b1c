// Package example 用事务性状态实现的转账：账户余额 + 流水记录，
// 两者在同一笔分布式事务里提交或一起回滚。
package example

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/state"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

var ErrUnknownAccount = errors.New("unknown account")

// Stores 按参与者名称构造存储
type Stores struct {
	Balance func(name string) storage.Storage[Balance]
	Audit   func(name string) storage.Storage[state.OperationState]
}

type Bank struct {
	agent    *gotx.TransactionAgent
	dir      *gotx.Directory
	accounts map[string]*Account
	auditor  *Auditor
	audit    *AuditLog
	// 转账被确定中止时的重试次数
	retries int
}

// NewBank 在 dir 中注册账户与流水参与者，协议消息经 transport 投递
func NewBank(dir *gotx.Directory, transport gotx.Transport, names []string, stores Stores,
	agentOpts []gotx.Option, stateOpts ...state.Option) (*Bank, error) {
	b := &Bank{
		agent:    gotx.NewTransactionAgent(transport, agentOpts...),
		dir:      dir,
		accounts: make(map[string]*Account, len(names)),
		audit:    NewAuditLog(),
		retries:  10,
	}
	for _, name := range names {
		if _, ok := b.accounts[name]; ok {
			return nil, errors.Errorf("repeat account name: %s", name)
		}
		account := NewAccount(name, stores.Balance(name), transport, stateOpts...)
		if err := dir.Register(account); err != nil {
			return nil, err
		}
		b.accounts[name] = account
	}

	b.auditor = NewAuditor("ledger", b.audit, stores.Audit("ledger"), transport, stateOpts...)
	if err := dir.Register(b.auditor); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bank) Agent() *gotx.TransactionAgent {
	return b.agent
}

func (b *Bank) AuditLog() *AuditLog {
	return b.audit
}

func (b *Bank) Account(name string) (*Account, error) {
	account, ok := b.accounts[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownAccount, name)
	}
	return account, nil
}

func (b *Bank) Names() []string {
	names := make([]string, 0, len(b.accounts))
	for name := range b.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transfer 一笔转账：扣款、入账、记流水
func (b *Bank) Transfer(ctx context.Context, from, to string, amount int64) error {
	source, err := b.Account(from)
	if err != nil {
		return err
	}
	target, err := b.Account(to)
	if err != nil {
		return err
	}

	return b.agent.Transaction(ctx, func(ctx context.Context) error {
		if err := source.Withdraw(ctx, amount); err != nil {
			return err
		}
		if err := target.Deposit(ctx, amount); err != nil {
			return err
		}
		return b.auditor.Record(ctx, from, to, amount)
	})
}

// TransferWithRetry 对确定中止的转账重试，业务错误和结果未知的情况直接返回
func (b *Bank) TransferWithRetry(ctx context.Context, from, to string, amount int64) error {
	var err error
	for i := 0; i <= b.retries; i++ {
		if err = b.Transfer(ctx, from, to, amount); err == nil {
			return nil
		}
		if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrUnknownAccount) {
			return err
		}
		if !gotx.StatusOf(err).IsDefinitelyAborted() {
			return err
		}
		log.Debugf("transfer %s -> %s aborted, retry %d, err: %v", from, to, i+1, err)
	}
	return err
}

// Balances 在一笔只读事务中读取所有账户
func (b *Bank) Balances(ctx context.Context) (map[string]int64, error) {
	balances := make(map[string]int64, len(b.accounts))
	err := b.agent.Transaction(ctx, func(ctx context.Context) error {
		for name, account := range b.accounts {
			value, err := account.Balance(ctx)
			if err != nil {
				return err
			}
			balances[name] = value
		}
		return nil
	}, gotx.ReadOnly())
	if err != nil {
		return nil, err
	}
	return balances, nil
}

func (b *Bank) Total(ctx context.Context) (int64, error) {
	balances, err := b.Balances(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, value := range balances {
		total += value
	}
	return total, nil
}

// Fund 给每个账户存入 amount
func (b *Bank) Fund(ctx context.Context, amount int64) error {
	for _, name := range b.Names() {
		account := b.accounts[name]
		err := b.agent.Transaction(ctx, func(ctx context.Context) error {
			return account.Deposit(ctx, amount)
		})
		if err != nil {
			return errors.Wrapf(err, "fund %s", name)
		}
	}
	return nil
}

// Close 停用所有参与者，未完成的事务按推定中止处理
func (b *Bank) Close(ctx context.Context) error {
	var firstErr error
	for _, name := range b.Names() {
		account := b.accounts[name]
		if err := account.OnDeactivate(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		b.dir.Unregister(account.ID())
	}
	if err := b.auditor.OnDeactivate(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	b.dir.Unregister(b.auditor.ID())
	return firstErr
}
