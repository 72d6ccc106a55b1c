package gotx

import (
	"time"

	"github.com/xiaoxuxiansheng/gotx/clock"
)

type Options struct {
	// 事务执行时长限制
	Timeout time.Duration
	// 事务解析（prepare/commit）的时长限制
	ResolveTimeout time.Duration
	// 因果时钟，同进程内的参与者可以共享
	Clock *clock.CausalClock
}

type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithResolveTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(o *Options) {
		o.ResolveTimeout = timeout
	}
}

func WithClock(c *clock.CausalClock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func repair(o *Options) {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 10 * time.Second
	}

	if o.Clock == nil {
		o.Clock = clock.NewCausalClock(nil)
	}
}

// TxOptions 单笔事务的选项
type TxOptions struct {
	ReadOnly bool
	Priority int64
	Timeout  time.Duration
}

type TxOption func(*TxOptions)

// ReadOnly 只读事务，写操作会返回 ErrReadOnlyViolation
func ReadOnly() TxOption {
	return func(o *TxOptions) {
		o.ReadOnly = true
	}
}

// WithPriority 时间戳相同时，数值大的事务在锁冲突中胜出
func WithPriority(priority int64) TxOption {
	return func(o *TxOptions) {
		o.Priority = priority
	}
}

func WithTxTimeout(timeout time.Duration) TxOption {
	return func(o *TxOptions) {
		if timeout > 0 {
			o.Timeout = timeout
		}
	}
}
