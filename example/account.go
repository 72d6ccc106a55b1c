package example

import (
	"context"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/state"
	"github.com/xiaoxuxiansheng/gotx/storage"
)

const AccountKind = "account"

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Balance 账户的持久化状态
type Balance struct {
	Value int64 `json:"value"`
}

// Account 银行账户，余额是一份事务性状态
type Account struct {
	*state.TransactionalState[Balance]
}

func NewAccount(name string, store storage.Storage[Balance], transport gotx.Transport, opts ...state.Option) *Account {
	return &Account{
		TransactionalState: state.NewTransactionalState[Balance](
			gotx.NewParticipantID(AccountKind, name, gotx.RoleAll), store, transport, opts...),
	}
}

func (a *Account) Deposit(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return errors.WithStack(ErrInvalidAmount)
	}
	return a.PerformUpdate(ctx, func(balance *Balance) error {
		balance.Value += amount
		return nil
	})
}

// Withdraw 余额不足时返回 ErrInsufficientBalance，不修改状态
func (a *Account) Withdraw(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return errors.WithStack(ErrInvalidAmount)
	}
	return a.PerformUpdate(ctx, func(balance *Balance) error {
		if balance.Value < amount {
			return errors.Wrapf(ErrInsufficientBalance, "%s: balance %d, withdraw %d", a.ID(), balance.Value, amount)
		}
		balance.Value -= amount
		return nil
	})
}

func (a *Account) Balance(ctx context.Context) (int64, error) {
	var value int64
	err := a.PerformRead(ctx, func(balance Balance) error {
		value = balance.Value
		return nil
	})
	return value, err
}
