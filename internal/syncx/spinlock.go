package syncx

import (
	"runtime"

	"go.uber.org/atomic"
)

// SpinLock 单槽位自旋锁，只适合保护极短的临界区
type SpinLock struct {
	held atomic.Bool
}

func (s *SpinLock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

// TryLock 不自旋，抢不到直接返回 false
func (s *SpinLock) TryLock() bool {
	return s.held.CompareAndSwap(false, true)
}

func (s *SpinLock) Unlock() {
	if !s.held.CompareAndSwap(true, false) {
		panic("syncx: unlock of unlocked SpinLock")
	}
}
