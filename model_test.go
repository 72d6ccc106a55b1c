package gotx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_role(t *testing.T) {
	assert.Equal(t, "resource|manager|priority-manager", RoleAll.String())
	assert.Equal(t, "none", Role(0).String())

	id := NewParticipantID("account", "a", RoleResource|RoleManager)
	assert.True(t, id.IsResource())
	assert.True(t, id.IsManager())
	assert.False(t, id.IsPriorityManager())
	assert.Equal(t, "account/a", id.String())
}

func Test_sort_participants(t *testing.T) {
	ids := []ParticipantID{
		NewParticipantID("b", "0", RoleAll),
		NewParticipantID("a", "1", RoleAll),
		NewParticipantID("a", "0", RoleAll),
	}
	SortParticipants(ids)
	assert.Equal(t, []string{"a/0", "a/1", "b/0"}, []string{ids[0].String(), ids[1].String(), ids[2].String()})
}

func Test_contender(t *testing.T) {
	base := time.Now()
	older := Contender{TXID: "b", StartTime: base}
	younger := Contender{TXID: "a", StartTime: base.Add(time.Millisecond)}
	higher := Contender{TXID: "c", StartTime: base, Priority: 1}

	tests := []struct {
		name      string
		requester Contender
		incumbent Contender
		beats     bool
	}{
		{name: "older beats younger", requester: older, incumbent: younger, beats: true},
		{name: "younger loses", requester: younger, incumbent: older, beats: false},
		{name: "priority breaks tie", requester: higher, incumbent: older, beats: true},
		{name: "lower priority loses", requester: older, incumbent: higher, beats: false},
		{name: "requester wins exact tie", requester: older, incumbent: Contender{TXID: "z", StartTime: base}, beats: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.beats, tt.requester.Beats(tt.incumbent))
		})
	}

	// 排队顺序严格，完全相同时按事务 id
	same := Contender{TXID: "a", StartTime: base}
	assert.True(t, same.Outranks(older))
	assert.False(t, older.Outranks(same))
	assert.True(t, older.Outranks(younger))
}

func Test_transaction_info(t *testing.T) {
	start := time.Now()
	info := NewTransactionInfo("tx", start, false, start.Add(time.Second))
	a := NewParticipantID("account", "a", RoleAll)
	b := NewParticipantID("account", "b", RoleAll)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			info.RecordRead(a, start.Add(time.Duration(i)*time.Millisecond))
			info.RecordWrite(b, start)
		}()
	}
	wg.Wait()

	participants := info.Participants()
	assert.Equal(t, AccessCounter{Reads: 10}, participants[a])
	assert.Equal(t, AccessCounter{Writes: 10}, participants[b])
	assert.True(t, info.TimeStamp().Equal(start.Add(9*time.Millisecond)))
	assert.Len(t, info.Token().Targets(), 2)

	// 时间戳只前进
	assert.True(t, info.MergeTimeStamp(start).Equal(start.Add(9*time.Millisecond)))

	info.RecordFailure(StatusBrokenLock, nil)
	info.RecordFailure(StatusLockTimeout, nil)
	status, _ := info.Failure()
	assert.Equal(t, StatusBrokenLock, status)
}

func Test_context(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	info := NewTransactionInfo(NewTXID(), time.Now(), true, time.Now().Add(time.Second))
	got, ok := FromContext(WithTransaction(context.Background(), info))
	require.True(t, ok)
	assert.Equal(t, info, got)
}

func Test_status(t *testing.T) {
	tests := []struct {
		status  TransactionalStatus
		ok      bool
		aborted bool
	}{
		{status: StatusOk, ok: true},
		{status: StatusCommitReadOnly, ok: true},
		{status: StatusPrepareTimeout, aborted: true},
		{status: StatusCascadingAbort, aborted: true},
		{status: StatusBrokenLock, aborted: true},
		{status: StatusLockValidationFailed, aborted: true},
		{status: StatusParticipantResponseTimeout, aborted: true},
		{status: StatusTMResponseTimeout},
		{status: StatusStorageConflict, aborted: true},
		{status: StatusPresumedAbort, aborted: true},
		{status: StatusUnknownException},
		{status: StatusAssertionFailed},
		{status: StatusCommitFailure},
		{status: StatusLockUpgrade, aborted: true},
		{status: StatusLockTimeout, aborted: true},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.status.IsOk())
			assert.Equal(t, tt.aborted, tt.status.IsDefinitelyAborted())
			assert.Equal(t, !tt.ok && !tt.aborted, tt.status.IsOutcomeUnknown())
		})
	}
	assert.Equal(t, "TransactionalStatus(99)", TransactionalStatus(99).String())
}

func Test_status_of(t *testing.T) {
	errBoom := errors.New("boom")
	assert.Equal(t, StatusOk, StatusOf(nil))
	assert.Equal(t, StatusUnknownException, StatusOf(errBoom))
	assert.Equal(t, StatusBrokenLock, StatusOf(pkgerrors.Wrap(NewStatusError(StatusBrokenLock, errBoom), "wrapped")))

	txErr := NewTransactionError("tx", StatusPrepareTimeout, NewStatusError(StatusBrokenLock, errBoom))
	assert.Equal(t, StatusPrepareTimeout, StatusOf(txErr))
	assert.True(t, errors.Is(txErr, errBoom))
	assert.True(t, txErr.IsRetryable())
	assert.Contains(t, txErr.Error(), "PrepareTimeout")
	assert.Equal(t, "transaction tx failed: CommitFailure", NewTransactionError("tx", StatusCommitFailure, nil).Error())
}

func Test_cancellation_token(t *testing.T) {
	token := NewCancellationToken()
	for i := 0; i < 3; i++ {
		token.Register(NewParticipantID("mock", cast.ToString(i), RoleAll))
	}
	token.Register(NewParticipantID("mock", "0", RoleAll))
	assert.Len(t, token.Targets(), 3)

	var mutex sync.Mutex
	notified := make(map[string]int)
	notify := func(ctx context.Context, target ParticipantID) error {
		mutex.Lock()
		defer mutex.Unlock()
		notified[target.Name]++
		if target.Name == "1" {
			return ErrParticipantUnavailable
		}
		return nil
	}

	err := token.Cancel(context.Background(), notify)
	assert.True(t, errors.Is(err, ErrParticipantUnavailable))
	assert.True(t, token.IsCancelled())
	// 重复取消不会再次通知
	assert.NoError(t, token.Cancel(context.Background(), notify))
	assert.Equal(t, map[string]int{"0": 1, "1": 1, "2": 1}, notified)

	sealed := NewCancellationToken()
	sealed.Register(NewParticipantID("mock", "0", RoleAll))
	sealed.seal()
	assert.NoError(t, sealed.Cancel(context.Background(), notify))
	assert.Equal(t, 1, notified["0"])
}
