package commitqueue

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id string
	ts time.Time
}

func itemKey(i *item) (string, time.Time) {
	return i.id, i.ts
}

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func Test_CommitQueue_add_and_elements(t *testing.T) {
	q := New[*item](itemKey)
	rander := rand.New(rand.NewSource(42))

	var added []*item
	seconds := 0
	for i := 0; i < 37; i++ {
		// 时间戳非递减，部分条目时间戳相同
		seconds += rander.Intn(2)
		it := &item{id: cast.ToString(i), ts: at(seconds)}
		require.NoError(t, q.Add(it))
		added = append(added, it)
	}

	assert.Equal(t, len(added), q.Count())
	assert.Equal(t, added, q.Slice())
	assert.Equal(t, added[0], q.First())
	assert.Equal(t, added[len(added)-1], q.Last())

	for i, it := range added {
		assert.Equal(t, i, q.Find(it.id, it.ts), "find %s", it.id)
	}
	assert.Equal(t, -1, q.Find("missing", added[3].ts))
	assert.Equal(t, -1, q.Find(added[3].id, at(1000)))
	assert.Equal(t, 5, q.IndexOf(added[5].id))
	assert.Equal(t, -1, q.IndexOf("missing"))
}

func Test_CommitQueue_rejects_out_of_order(t *testing.T) {
	q := New[*item](itemKey)
	require.NoError(t, q.Add(&item{id: "a", ts: at(5)}))
	require.NoError(t, q.Add(&item{id: "b", ts: at(5)}))
	err := q.Add(&item{id: "c", ts: at(4)})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, 2, q.Count())
}

func Test_CommitQueue_remove(t *testing.T) {
	tests := []struct {
		name string
		f    func()
	}{
		{
			name: "remove from front and back with wraparound",
			f: func() {
				q := New[*item](itemKey)
				for i := 0; i < 3; i++ {
					require.NoError(t, q.Add(&item{id: cast.ToString(i), ts: at(i)}))
				}
				require.NoError(t, q.RemoveFromFront(2))
				// 写入位置绕回缓冲区头部
				for i := 3; i < 9; i++ {
					require.NoError(t, q.Add(&item{id: cast.ToString(i), ts: at(i)}))
				}
				require.NoError(t, q.RemoveFromBack(2))
				ids := make([]string, 0)
				q.Elements(func(_ int, it *item) bool {
					ids = append(ids, it.id)
					return true
				})
				assert.Equal(t, []string{"2", "3", "4", "5", "6"}, ids)
				assert.Equal(t, 4, q.Find("6", at(6)))
			},
		},
		{
			name: "remove too many",
			f: func() {
				q := New[*item](itemKey)
				require.NoError(t, q.Add(&item{id: "a", ts: at(1)}))
				assert.ErrorIs(t, q.RemoveFromFront(2), ErrOutOfRange)
				assert.ErrorIs(t, q.RemoveFromBack(2), ErrOutOfRange)
				assert.ErrorIs(t, q.RemoveFromBack(-1), ErrOutOfRange)
				assert.Equal(t, 1, q.Count())
			},
		},
		{
			name: "clear",
			f: func() {
				q := New[*item](itemKey)
				for i := 0; i < 10; i++ {
					require.NoError(t, q.Add(&item{id: cast.ToString(i), ts: at(i)}))
				}
				q.Clear()
				assert.Equal(t, 0, q.Count())
				require.NoError(t, q.Add(&item{id: "x", ts: at(0)}))
				assert.Equal(t, "x", q.First().id)
			},
		},
		{
			name: "elements stops early",
			f: func() {
				q := New[*item](itemKey)
				for i := 0; i < 5; i++ {
					require.NoError(t, q.Add(&item{id: cast.ToString(i), ts: at(i)}))
				}
				visited := 0
				q.Elements(func(i int, _ *item) bool {
					visited++
					return i < 1
				})
				assert.Equal(t, 2, visited)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f()
		})
	}
}

func Test_CommitQueue_At_panics(t *testing.T) {
	q := New[*item](itemKey)
	assert.PanicsWithError(t, fmt.Sprintf("commit queue: index %d out of range [0,%d)", 0, 0), func() {
		q.First()
	})
}
