// Package clock 提供事务时间戳：可注入的墙上时钟，以及在其上合并远端时间戳的因果时钟
package clock

import (
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotx/internal/syncx"
)

// TicksPerSecond 时间戳精度为 100ns 一个 tick
const (
	TickDuration   = 100 * time.Nanosecond
	TicksPerSecond = int64(time.Second / TickDuration)
)

// Clock 墙上时钟
type Clock interface {
	UtcNow() time.Time
}

// SystemClock 使用本机时间
type SystemClock struct{}

func (SystemClock) UtcNow() time.Time {
	return time.Now().UTC()
}

// ToTicks 把时间换算成 tick 数
func ToTicks(t time.Time) int64 {
	return t.UnixNano() / int64(TickDuration)
}

// FromTicks tick 数换算回 UTC 时间
func FromTicks(ticks int64) time.Time {
	return time.Unix(0, ticks*int64(TickDuration)).UTC()
}

// Truncate 把时间截断到 tick 精度，并去掉单调时钟读数
func Truncate(t time.Time) time.Time {
	return FromTicks(ToTicks(t))
}

// CausalClock 合并本地墙上时间与远端时间戳，保证连续产出的时间戳严格递增，
// 且大于所有 merge 进来的时间戳
type CausalClock struct {
	clock         Clock
	lock          syncx.SpinLock
	previousTicks int64
}

func NewCausalClock(clock Clock) *CausalClock {
	if clock == nil {
		clock = SystemClock{}
	}
	return &CausalClock{clock: clock}
}

// UtcNow 严格大于此前返回或合并过的所有时间戳，且不小于墙上时间
func (c *CausalClock) UtcNow() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	ticks := ToTicks(c.clock.UtcNow())
	c.previousTicks = max64(ticks, c.previousTicks+1)
	return FromTicks(c.previousTicks)
}

// Merge 把外部时间戳并入高水位
func (c *CausalClock) Merge(timestamp time.Time) time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	ticks := ToTicks(timestamp)
	c.previousTicks = max64(ticks, c.previousTicks+1)
	return FromTicks(c.previousTicks)
}

// MergeUtcNow 结果同时大于墙上时间、高水位以及外部时间戳
func (c *CausalClock) MergeUtcNow(timestamp time.Time) time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := ToTicks(c.clock.UtcNow())
	c.previousTicks = max64(max64(now, ToTicks(timestamp)+1), c.previousTicks+1)
	return FromTicks(c.previousTicks)
}

// HighWaterMark 当前高水位，不推进
func (c *CausalClock) HighWaterMark() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return FromTicks(c.previousTicks)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ManualClock 手动推进的时钟，测试用
type ManualClock struct {
	mux sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start.UTC()}
}

func (m *ManualClock) UtcNow() time.Time {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.now
}

func (m *ManualClock) Advance(d time.Duration) time.Time {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

func (m *ManualClock) Set(t time.Time) {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.now = t.UTC()
}
