package gotx

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
)

// CancellationToken 记录事务触达过的参与者，取消时向每个参与者下发一次 Abort
type CancellationToken struct {
	ID string

	mux       sync.Mutex
	targets   map[ParticipantID]struct{}
	order     []ParticipantID
	cancelled atomic.Bool
}

func NewCancellationToken() *CancellationToken {
	return &CancellationToken{
		ID:      uuid.NewString(),
		targets: make(map[ParticipantID]struct{}),
	}
}

// Register 可并发调用，重复注册会被忽略
func (c *CancellationToken) Register(target ParticipantID) {
	c.mux.Lock()
	defer c.mux.Unlock()
	if _, ok := c.targets[target]; ok {
		return
	}
	c.targets[target] = struct{}{}
	c.order = append(c.order, target)
}

func (c *CancellationToken) Targets() []ParticipantID {
	c.mux.Lock()
	defer c.mux.Unlock()
	targets := make([]ParticipantID, len(c.order))
	copy(targets, c.order)
	return targets
}

func (c *CancellationToken) IsCancelled() bool {
	return c.cancelled.Load()
}

// seal 之后 Cancel 不再生效
func (c *CancellationToken) seal() {
	c.cancelled.Store(true)
}

// Cancel 只有第一次调用会真正通知，返回通知过程中的第一个错误
func (c *CancellationToken) Cancel(ctx context.Context, notify func(ctx context.Context, target ParticipantID) error) error {
	if !c.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	targets := c.Targets()
	return syncx.JoinAll(ctx, len(targets), func(ctx context.Context, i int) error {
		return notify(ctx, targets[i])
	})
}
