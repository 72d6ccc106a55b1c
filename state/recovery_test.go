package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/storage"
	"github.com/xiaoxuxiansheng/gotx/storage/memstore"
)

func saveRecord(t *testing.T, store *memstore.Store[account], record *storage.Record[account]) {
	_, err := store.Save(context.Background(), record, store.Version())
	require.NoError(t, err)
}

func eventuallyFlushed(t *testing.T, store *memstore.Store[account]) {
	assert.Eventually(t, func() bool {
		record, _, err := store.Load(context.Background())
		return err == nil && record != nil && len(record.PendingStates) == 0 && len(record.Metadata.CommitRecords) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func Test_recovery_confirms_committed_pending(t *testing.T) {
	f := newFixture(t)
	idA := gotx.NewParticipantID("account", "a", gotx.RoleAll)
	idB := gotx.NewParticipantID("account", "b", gotx.RoleAll)
	ts := time.Now().UTC()

	storeA, storeB := memstore.New[account](), memstore.New[account]()
	saveRecord(t, storeA, &storage.Record[account]{
		CommittedState:      account{Balance: 90},
		CommittedSequenceID: 2,
		Metadata: storage.Metadata{
			TimeStamp: ts,
			CommitRecords: map[string]*storage.CommitRecord{
				"tx-1": {TXID: "tx-1", TimeStamp: ts, Participants: []gotx.ParticipantID{idB}},
			},
		},
	})
	saveRecord(t, storeB, &storage.Record[account]{
		CommittedState:      account{Balance: 50},
		CommittedSequenceID: 1,
		Metadata:            storage.Metadata{TimeStamp: ts},
		PendingStates: []storage.PendingState[account]{
			{TXID: "tx-1", TimeStamp: ts, SequenceID: 2, HasState: true, State: account{Balance: 60}, Manager: idA},
		},
	})

	a := f.newAccount("a", gotx.RoleAll, storeA)
	b := f.newAccount("b", gotx.RoleAll, storeB)
	// 激活管理者后补发 confirm，参与者在收到消息时被动激活
	require.NoError(t, a.OnActivate(context.Background()))

	eventuallyBalance(t, b, 60)
	assert.Equal(t, int64(90), balance(t, a))
	eventuallyFlushed(t, storeA)
	eventuallyFlushed(t, storeB)

	_, sequence, err := b.Committed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), sequence)
}

func Test_recovery_presumes_abort_without_commit_record(t *testing.T) {
	f := newFixture(t)
	idA := gotx.NewParticipantID("account", "a", gotx.RoleAll)
	ts := time.Now().UTC()

	storeB := memstore.New[account]()
	saveRecord(t, storeB, &storage.Record[account]{
		CommittedState:      account{Balance: 50},
		CommittedSequenceID: 1,
		Metadata:            storage.Metadata{TimeStamp: ts},
		PendingStates: []storage.PendingState[account]{
			{TXID: "tx-1", TimeStamp: ts, SequenceID: 2, HasState: true, State: account{Balance: 60}, Manager: idA},
		},
	})

	f.newAccount("a", gotx.RoleAll, nil)
	b := f.newAccount("b", gotx.RoleAll, storeB)
	require.NoError(t, b.OnActivate(context.Background()))

	assert.Eventually(t, func() bool {
		resp := ping(t, b, "tx-1")
		return resp.Knowledge == gotx.KnowledgeAborted && resp.Status == gotx.StatusPresumedAbort
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(50), balance(t, b))
	eventuallyFlushed(t, storeB)
}

func Test_recovery_participant_crash_before_confirm(t *testing.T) {
	f := newFixture(t)
	a := f.newAccount("a", gotx.RoleAll, nil)
	b := f.newAccount("b", gotx.RoleAll, nil)
	require.NoError(t, f.deposit(a, 100))
	require.NoError(t, f.deposit(b, 50))

	f.faults.SetOnce(gotx.BeforeConfirm, "b", gotx.FaultDeactivation)
	require.NoError(t, f.transfer(a, b, 10))

	eventuallyBalance(t, b, 60)
	assert.Equal(t, int64(90), balance(t, a))
	assert.Equal(t, 1, f.faults.Hits(gotx.BeforeConfirm))
}

func Test_recovery_manager_crash_before_commit(t *testing.T) {
	f := newFixture(t)
	a := f.newAccount("a", gotx.RoleAll, nil)
	b := f.newAccount("b", gotx.RoleAll, nil)
	require.NoError(t, f.deposit(a, 100))
	require.NoError(t, f.deposit(b, 50))

	f.faults.SetOnce(gotx.BeforeCommit, "a", gotx.FaultDeactivation)
	err := f.transfer(a, b, 10)
	var txErr *gotx.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, gotx.StatusUnknownException, txErr.Status)
	assert.False(t, txErr.IsRetryable())

	// 管理者没有留下提交记录，参与者 ping 之后推定中止
	eventuallyBalance(t, a, 100)
	eventuallyBalance(t, b, 50)
	assert.Eventually(t, func() bool {
		return ping(t, b, txErr.TXID).Knowledge == gotx.KnowledgeAborted
	}, 3*time.Second, 10*time.Millisecond)
}

func Test_recovery_storage_exception(t *testing.T) {
	f := newFixture(t)
	a := f.newAccount("a", gotx.RoleAll, nil)
	b := f.newAccount("b", gotx.RoleAll, nil)
	require.NoError(t, f.deposit(a, 100))
	require.NoError(t, f.deposit(b, 50))

	f.faults.SetOnce(gotx.BeforeCommit, "a", gotx.FaultStorageException)
	err := f.transfer(a, b, 10)
	var txErr *gotx.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, gotx.StatusUnknownException, txErr.Status)
	assert.Equal(t, gotx.StatusUnknownException, a.Problem())

	eventuallyBalance(t, a, 100)
	eventuallyBalance(t, b, 50)

	// 重新加载之后恢复服务
	require.NoError(t, retry(func() error { return f.transfer(a, b, 10) }))
	assert.Equal(t, int64(90), balance(t, a))
	eventuallyBalance(t, b, 60)
}

func Test_recovery_storage_conflict(t *testing.T) {
	f := newFixture(t)
	store := memstore.New[account]()
	a := f.newAccount("a", gotx.RoleAll, store)
	require.NoError(t, f.deposit(a, 100))

	// 其他激活实例抢先写入
	saveRecord(t, store, &storage.Record[account]{
		CommittedState:      account{Balance: 500},
		CommittedSequenceID: 7,
	})

	err := f.deposit(a, 1)
	var txErr *gotx.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, gotx.StatusStorageConflict, txErr.Status)
	assert.True(t, txErr.IsRetryable())
	assert.Equal(t, gotx.StatusStorageConflict, a.Problem())

	eventuallyBalance(t, a, 500)
	require.NoError(t, retry(func() error { return f.deposit(a, 1) }))
	state, sequence, err := a.Committed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(501), state.Balance)
	assert.Equal(t, int64(8), sequence)
}

func Test_recovery_activation_failure(t *testing.T) {
	f := newFixture(t)
	store := memstore.New[account]()
	a := f.newAccount("a", gotx.RoleAll, store)

	store.FailNext(errors.New("storage offline"))
	_, _, err := a.Committed(context.Background())
	assert.Error(t, err)

	require.NoError(t, f.deposit(a, 10))
	assert.Equal(t, int64(10), balance(t, a))
}

func Test_recovery_deactivate_aborts_unprepared(t *testing.T) {
	f := newFixture(t)
	a := f.newAccount("a", gotx.RoleAll, nil)
	require.NoError(t, f.deposit(a, 100))

	ctx, _ := newInfo(gotx.NewTXID(), time.Now(), false)
	require.NoError(t, increment(ctx, a))
	require.NoError(t, a.OnDeactivate(context.Background()))

	assert.Equal(t, gotx.StatusPresumedAbort, gotx.StatusOf(increment(ctx, a)))
	assert.Equal(t, int64(100), balance(t, a))
}
