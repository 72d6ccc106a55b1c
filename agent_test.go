package gotx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockParticipant struct {
	id    ParticipantID
	mutex sync.Mutex

	prepared   []*PrepareReq
	committed  []*PrepareAndCommitReq
	readOnly   []*CommitReadOnlyReq
	aborted    map[string]TransactionalStatus
	prepareErr error
	pacStatus  TransactionalStatus
	pacErr     error
	roStatus   TransactionalStatus
}

func newMockParticipant(name string, roles Role) *mockParticipant {
	return &mockParticipant{
		id:       NewParticipantID("mock", name, roles),
		aborted:  make(map[string]TransactionalStatus),
		roStatus: StatusCommitReadOnly,
	}
}

func (m *mockParticipant) ID() ParticipantID {
	return m.id
}

func (m *mockParticipant) Prepare(ctx context.Context, req *PrepareReq) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.prepared = append(m.prepared, req)
	return m.prepareErr
}

func (m *mockParticipant) CommitReadOnly(ctx context.Context, req *CommitReadOnlyReq) (TransactionalStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = append(m.readOnly, req)
	return m.roStatus, nil
}

func (m *mockParticipant) Confirm(ctx context.Context, req *ConfirmReq) error {
	return nil
}

func (m *mockParticipant) Abort(ctx context.Context, req *AbortReq) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.aborted[req.TXID] = req.Status
	return nil
}

func (m *mockParticipant) Cancel(ctx context.Context, req *CancelReq) error {
	return nil
}

func (m *mockParticipant) Ping(ctx context.Context, req *PingReq) (*PingResp, error) {
	return &PingResp{TXID: req.TXID}, nil
}

func (m *mockParticipant) PrepareAndCommit(ctx context.Context, req *PrepareAndCommitReq) (TransactionalStatus, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.committed = append(m.committed, req)
	return m.pacStatus, m.pacErr
}

func (m *mockParticipant) Prepared(ctx context.Context, req *PreparedReq) error {
	return nil
}

func (m *mockParticipant) abortStatus(txID string) (TransactionalStatus, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	status, ok := m.aborted[txID]
	return status, ok
}

func newMockAgent(t *testing.T, participants ...*mockParticipant) *TransactionAgent {
	dir := NewDirectory()
	for _, participant := range participants {
		require.NoError(t, dir.Register(participant))
	}
	return NewTransactionAgent(dir, WithTimeout(time.Second), WithResolveTimeout(time.Second))
}

// write 模拟资源上的一次写：时间戳取自事务所在的时钟
func write(ctx context.Context, a *TransactionAgent, participant *mockParticipant) {
	info, _ := FromContext(ctx)
	info.RecordWrite(participant.ID(), a.Clock().MergeUtcNow(info.TimeStamp()))
}

func readFrom(ctx context.Context, a *TransactionAgent, participant *mockParticipant) {
	info, _ := FromContext(ctx)
	info.RecordRead(participant.ID(), a.Clock().MergeUtcNow(info.TimeStamp()))
}

func Test_agent_transaction_success(t *testing.T) {
	first, second := newMockParticipant("0", RoleAll), newMockParticipant("1", RoleAll)
	agent := newMockAgent(t, first, second)

	var txID string
	err := agent.Transaction(context.Background(), func(ctx context.Context) error {
		info, ok := FromContext(ctx)
		require.True(t, ok)
		txID = info.TXID
		write(ctx, agent, second)
		write(ctx, agent, first)
		return nil
	})
	require.NoError(t, err)

	// 排序最小的写参与者作为管理者
	require.Len(t, first.committed, 1)
	assert.Equal(t, txID, first.committed[0].TXID)
	assert.Equal(t, []ParticipantID{second.ID()}, first.committed[0].Participants)
	assert.Equal(t, 2, first.committed[0].WriterCount)
	assert.Equal(t, AccessCounter{Writes: 1}, first.committed[0].AccessCount)

	require.Len(t, second.prepared, 1)
	assert.Equal(t, first.ID(), second.prepared[0].Manager)
	assert.Equal(t, first.committed[0].TimeStamp, second.prepared[0].TimeStamp)
	assert.Empty(t, second.committed)
}

func Test_agent_manager_role_required(t *testing.T) {
	resource := newMockParticipant("0", RoleResource)
	manager := newMockParticipant("1", RoleResource|RoleManager)
	agent := newMockAgent(t, resource, manager)

	require.NoError(t, agent.Transaction(context.Background(), func(ctx context.Context) error {
		write(ctx, agent, resource)
		write(ctx, agent, manager)
		return nil
	}))
	assert.Len(t, manager.committed, 1)
	assert.Len(t, resource.prepared, 1)

	var txErr *TransactionError
	err := agent.Transaction(context.Background(), func(ctx context.Context) error {
		write(ctx, agent, resource)
		return nil
	})
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, StatusAssertionFailed, txErr.Status)
	assert.True(t, errors.Is(err, ErrNoManager))
	status, ok := resource.abortStatus(txErr.TXID)
	assert.True(t, ok)
	assert.Equal(t, StatusAssertionFailed, status)
}

func Test_agent_preferred_manager(t *testing.T) {
	tests := []struct {
		name   string
		roles  Role
		expect string
	}{
		{name: "preferred writer", roles: RoleAll, expect: "1"},
		{name: "preferred writer without manager role", roles: RoleResource, expect: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, second := newMockParticipant("0", RoleAll), newMockParticipant("1", tt.roles)
			agent := newMockAgent(t, first, second)
			require.NoError(t, agent.Transaction(context.Background(), func(ctx context.Context) error {
				info, _ := FromContext(ctx)
				write(ctx, agent, first)
				write(ctx, agent, second)
				info.PreferManager(second.ID())
				return nil
			}))

			manager, resource := first, second
			if tt.expect == second.ID().Name {
				manager, resource = second, first
			}
			assert.Len(t, manager.committed, 1)
			assert.Empty(t, manager.prepared)
			require.Len(t, resource.prepared, 1)
			assert.Equal(t, manager.ID(), resource.prepared[0].Manager)
		})
	}
}

func Test_agent_read_only_fast_path(t *testing.T) {
	first, second := newMockParticipant("0", RoleAll), newMockParticipant("1", RoleAll)
	agent := newMockAgent(t, first, second)

	require.NoError(t, agent.Transaction(context.Background(), func(ctx context.Context) error {
		readFrom(ctx, agent, first)
		readFrom(ctx, agent, second)
		readFrom(ctx, agent, second)
		return nil
	}, ReadOnly()))
	require.Len(t, first.readOnly, 1)
	require.Len(t, second.readOnly, 1)
	assert.Equal(t, AccessCounter{Reads: 2}, second.readOnly[0].AccessCount)
	assert.Empty(t, first.committed)

	// 没有触达任何参与者
	require.NoError(t, agent.Transaction(context.Background(), func(ctx context.Context) error {
		return nil
	}))
}

func Test_agent_read_only_failure(t *testing.T) {
	first, second := newMockParticipant("0", RoleAll), newMockParticipant("1", RoleAll)
	second.roStatus = StatusCascadingAbort
	agent := newMockAgent(t, first, second)

	err := agent.Transaction(context.Background(), func(ctx context.Context) error {
		readFrom(ctx, agent, first)
		readFrom(ctx, agent, second)
		return nil
	})
	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, StatusCascadingAbort, txErr.Status)
	assert.True(t, txErr.IsRetryable())
	status, ok := first.abortStatus(txErr.TXID)
	assert.True(t, ok)
	assert.Equal(t, StatusCascadingAbort, status)
}

func Test_agent_user_error_aborts(t *testing.T) {
	first, second := newMockParticipant("0", RoleAll), newMockParticipant("1", RoleAll)
	agent := newMockAgent(t, first, second)

	errBoom := errors.New("boom")
	var txID string
	err := agent.Transaction(context.Background(), func(ctx context.Context) error {
		info, _ := FromContext(ctx)
		txID = info.TXID
		write(ctx, agent, first)
		readFrom(ctx, agent, second)
		return errBoom
	})
	assert.Equal(t, errBoom, err)
	for _, participant := range []*mockParticipant{first, second} {
		status, ok := participant.abortStatus(txID)
		assert.True(t, ok)
		assert.Equal(t, StatusPresumedAbort, status)
	}
	assert.Empty(t, first.committed)

	// 携带状态的错误以该状态中止
	err = agent.Transaction(context.Background(), func(ctx context.Context) error {
		info, _ := FromContext(ctx)
		txID = info.TXID
		write(ctx, agent, first)
		return NewStatusError(StatusBrokenLock, errBoom)
	})
	assert.True(t, errors.Is(err, errBoom))
	status, _ := first.abortStatus(txID)
	assert.Equal(t, StatusBrokenLock, status)
}

func Test_agent_prepare_failure(t *testing.T) {
	first, second := newMockParticipant("0", RoleAll), newMockParticipant("1", RoleAll)
	second.prepareErr = ErrParticipantUnavailable
	agent := newMockAgent(t, first, second)

	err := agent.Transaction(context.Background(), func(ctx context.Context) error {
		write(ctx, agent, first)
		write(ctx, agent, second)
		return nil
	})
	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, StatusPrepareTimeout, txErr.Status)
	assert.True(t, errors.Is(err, ErrParticipantUnavailable))
	assert.Empty(t, first.committed)
	status, ok := first.abortStatus(txErr.TXID)
	assert.True(t, ok)
	assert.Equal(t, StatusPrepareTimeout, status)
}

func Test_agent_manager_outcome(t *testing.T) {
	tests := []struct {
		name   string
		status TransactionalStatus
		err    error
		expect TransactionalStatus
	}{
		{
			name:   "aborted by manager",
			status: StatusParticipantResponseTimeout,
			expect: StatusParticipantResponseTimeout,
		},
		{
			name:   "manager unreachable",
			status: StatusUnknownException,
			err:    ErrParticipantUnavailable,
			expect: StatusTMResponseTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, second := newMockParticipant("0", RoleAll), newMockParticipant("1", RoleAll)
			first.pacStatus, first.pacErr = tt.status, tt.err
			agent := newMockAgent(t, first, second)

			err := agent.Transaction(context.Background(), func(ctx context.Context) error {
				write(ctx, agent, first)
				write(ctx, agent, second)
				return nil
			})
			var txErr *TransactionError
			require.True(t, errors.As(err, &txErr))
			assert.Equal(t, tt.expect, txErr.Status)
			// 交给管理者之后发起方不再下发 abort
			_, ok := second.abortStatus(txErr.TXID)
			assert.False(t, ok)
		})
	}
}

func Test_agent_recorded_failure(t *testing.T) {
	first := newMockParticipant("0", RoleAll)
	agent := newMockAgent(t, first)

	err := agent.Transaction(context.Background(), func(ctx context.Context) error {
		info, _ := FromContext(ctx)
		write(ctx, agent, first)
		info.RecordFailure(StatusLockTimeout, nil)
		info.RecordFailure(StatusBrokenLock, nil)
		return nil
	})
	var txErr *TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, StatusLockTimeout, txErr.Status)
	assert.Empty(t, first.committed)
}

func Test_agent_transaction_options(t *testing.T) {
	agent := newMockAgent(t)
	err := agent.Transaction(context.Background(), func(ctx context.Context) error {
		info, ok := FromContext(ctx)
		require.True(t, ok)
		assert.True(t, info.IsReadOnly)
		assert.Equal(t, int64(7), info.Priority)
		assert.WithinDuration(t, time.Now().Add(time.Minute), info.Deadline, 5*time.Second)
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.Equal(t, info.Deadline, deadline)
		return nil
	}, ReadOnly(), WithPriority(7), WithTxTimeout(time.Minute))
	require.NoError(t, err)
}
