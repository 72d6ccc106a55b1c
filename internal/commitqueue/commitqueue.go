// Package commitqueue 按时间戳有序的环形缓冲区，存放某个资源上待提交的事务记录
package commitqueue

import (
	"time"

	"github.com/pkg/errors"
)

const defaultCapacity = 4

var (
	// ErrOutOfOrder 追加的时间戳小于队尾时间戳
	ErrOutOfOrder = errors.New("commit queue: timestamp out of order")
	// ErrOutOfRange 删除的条目数超过队列长度
	ErrOutOfRange = errors.New("commit queue: remove count out of range")
)

// KeyFunc 取出条目的事务 id 与时间戳
type KeyFunc[T any] func(entry T) (txID string, timestamp time.Time)

// CommitQueue 非并发安全，由所属的事务队列串行访问
type CommitQueue[T any] struct {
	key      KeyFunc[T]
	buffer   []T
	position int
	count    int
}

func New[T any](key KeyFunc[T]) *CommitQueue[T] {
	return &CommitQueue[T]{
		key:    key,
		buffer: make([]T, defaultCapacity),
	}
}

func (q *CommitQueue[T]) txID(entry T) string {
	id, _ := q.key(entry)
	return id
}

func (q *CommitQueue[T]) timestamp(entry T) time.Time {
	_, ts := q.key(entry)
	return ts
}

func (q *CommitQueue[T]) Count() int {
	return q.count
}

func (q *CommitQueue[T]) index(i int) int {
	return (q.position + i) % len(q.buffer)
}

// At 第 i 个条目（按时间戳顺序）
func (q *CommitQueue[T]) At(i int) T {
	if i < 0 || i >= q.count {
		panic(errors.Errorf("commit queue: index %d out of range [0,%d)", i, q.count))
	}
	return q.buffer[q.index(i)]
}

// First 队首，调用前需要确认 Count() > 0
func (q *CommitQueue[T]) First() T {
	return q.At(0)
}

// Last 队尾，调用前需要确认 Count() > 0
func (q *CommitQueue[T]) Last() T {
	return q.At(q.count - 1)
}

// Add 追加条目，时间戳必须不小于队尾
func (q *CommitQueue[T]) Add(entry T) error {
	if q.count > 0 {
		last := q.Last()
		if q.timestamp(entry).Before(q.timestamp(last)) {
			return errors.Wrapf(ErrOutOfOrder, "tx %s at %v after tx %s at %v",
				q.txID(entry), q.timestamp(entry), q.txID(last), q.timestamp(last))
		}
	}
	if q.buffer == nil {
		q.buffer = make([]T, defaultCapacity)
	}
	if q.count == len(q.buffer) {
		q.grow()
	}
	q.buffer[q.index(q.count)] = entry
	q.count++
	return nil
}

// grow 容量翻倍，按逻辑顺序搬迁
func (q *CommitQueue[T]) grow() {
	buffer := make([]T, 2*len(q.buffer))
	for i := 0; i < q.count; i++ {
		buffer[i] = q.buffer[q.index(i)]
	}
	q.buffer = buffer
	q.position = 0
}

// Find 二分查找时间戳，再在相同时间戳的条目中左右线性扫描事务 id，未找到返回 -1
func (q *CommitQueue[T]) Find(txID string, timestamp time.Time) int {
	lo, hi := 0, q.count-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		ts := q.timestamp(q.At(mid))
		switch {
		case ts.Before(timestamp):
			lo = mid + 1
		case ts.After(timestamp):
			hi = mid - 1
		default:
			for i := mid; i >= 0 && q.timestamp(q.At(i)).Equal(timestamp); i-- {
				if q.txID(q.At(i)) == txID {
					return i
				}
			}
			for i := mid + 1; i < q.count && q.timestamp(q.At(i)).Equal(timestamp); i++ {
				if q.txID(q.At(i)) == txID {
					return i
				}
			}
			return -1
		}
	}
	return -1
}

// IndexOf 按事务 id 线性查找，时间戳未知时使用
func (q *CommitQueue[T]) IndexOf(txID string) int {
	for i := 0; i < q.count; i++ {
		if q.txID(q.At(i)) == txID {
			return i
		}
	}
	return -1
}

// RemoveFromFront 从队首删除 n 个条目
func (q *CommitQueue[T]) RemoveFromFront(n int) error {
	if n < 0 || n > q.count {
		return errors.Wrapf(ErrOutOfRange, "remove %d of %d", n, q.count)
	}
	var zero T
	for i := 0; i < n; i++ {
		q.buffer[q.index(i)] = zero
	}
	q.position = q.index(n)
	q.count -= n
	return nil
}

// RemoveFromBack 从队尾删除 n 个条目
func (q *CommitQueue[T]) RemoveFromBack(n int) error {
	if n < 0 || n > q.count {
		return errors.Wrapf(ErrOutOfRange, "remove %d of %d", n, q.count)
	}
	var zero T
	for i := q.count - n; i < q.count; i++ {
		q.buffer[q.index(i)] = zero
	}
	q.count -= n
	return nil
}

// Elements 按时间戳顺序遍历，遍历过程中不能修改队列。fn 返回 false 时停止
func (q *CommitQueue[T]) Elements(fn func(i int, entry T) bool) {
	for i := 0; i < q.count; i++ {
		if !fn(i, q.buffer[q.index(i)]) {
			return
		}
	}
}

// Slice 按时间戳顺序拷贝出所有条目
func (q *CommitQueue[T]) Slice() []T {
	entries := make([]T, 0, q.count)
	q.Elements(func(_ int, entry T) bool {
		entries = append(entries, entry)
		return true
	})
	return entries
}

// Clear 清空队列，释放对条目的引用
func (q *CommitQueue[T]) Clear() {
	q.buffer = make([]T, defaultCapacity)
	q.position = 0
	q.count = 0
}
