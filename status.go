package gotx

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransactionalStatus 事务的结果状态，在某个参与者上一旦确定便不再变化
type TransactionalStatus int

const (
	StatusOk TransactionalStatus = iota
	// StatusCommitReadOnly 只读事务直接提交
	StatusCommitReadOnly
	StatusPrepareTimeout
	// StatusCascadingAbort 依赖的前序事务被中止
	StatusCascadingAbort
	// StatusBrokenLock 锁被更高优先级的事务抢占
	StatusBrokenLock
	StatusLockValidationFailed
	StatusParticipantResponseTimeout
	StatusTMResponseTimeout
	StatusStorageConflict
	StatusPresumedAbort
	StatusUnknownException
	StatusAssertionFailed
	StatusCommitFailure
	StatusLockUpgrade
	StatusLockTimeout
)

var statusNames = map[TransactionalStatus]string{
	StatusOk:                         "Ok",
	StatusCommitReadOnly:             "CommitReadOnly",
	StatusPrepareTimeout:             "PrepareTimeout",
	StatusCascadingAbort:             "CascadingAbort",
	StatusBrokenLock:                 "BrokenLock",
	StatusLockValidationFailed:       "LockValidationFailed",
	StatusParticipantResponseTimeout: "ParticipantResponseTimeout",
	StatusTMResponseTimeout:          "TMResponseTimeout",
	StatusStorageConflict:            "StorageConflict",
	StatusPresumedAbort:              "PresumedAbort",
	StatusUnknownException:           "UnknownException",
	StatusAssertionFailed:            "AssertionFailed",
	StatusCommitFailure:              "CommitFailure",
	StatusLockUpgrade:                "LockUpgrade",
	StatusLockTimeout:                "LockTimeout",
}

func (s TransactionalStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("TransactionalStatus(%d)", int(s))
}

// IsOk 事务已提交
func (s TransactionalStatus) IsOk() bool {
	return s == StatusOk || s == StatusCommitReadOnly
}

// IsDefinitelyAborted 事务确定没有生效，调用方可以安全重试
func (s TransactionalStatus) IsDefinitelyAborted() bool {
	switch s {
	case StatusOk, StatusCommitReadOnly:
		return false
	case StatusTMResponseTimeout, StatusUnknownException, StatusCommitFailure, StatusAssertionFailed:
		// 结果未知
		return false
	default:
		return true
	}
}

// IsOutcomeUnknown 事务可能已提交也可能已中止
func (s TransactionalStatus) IsOutcomeUnknown() bool {
	return !s.IsOk() && !s.IsDefinitelyAborted()
}

var (
	ErrNoTransaction          = errors.New("gotx: no ambient transaction in context")
	ErrReentrant              = errors.New("gotx: reentrant call within the same transaction")
	ErrReadOnlyViolation      = errors.New("gotx: write attempted in a read-only transaction")
	ErrParticipantUnavailable = errors.New("gotx: participant unavailable")
	ErrNoManager              = errors.New("gotx: no writer can act as transaction manager")
	ErrAlreadyResolved        = errors.New("gotx: transaction already resolved")
)

// TransactionError 事务失败时返回给调用方的错误
type TransactionError struct {
	TXID   string
	Status TransactionalStatus
	Err    error
}

func NewTransactionError(txID string, status TransactionalStatus, err error) *TransactionError {
	return &TransactionError{
		TXID:   txID,
		Status: status,
		Err:    err,
	}
}

func (e *TransactionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transaction %s failed: %s", e.TXID, e.Status)
	}
	return fmt.Sprintf("transaction %s failed: %s: %v", e.TXID, e.Status, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

// IsRetryable 事务确定已中止，重新执行是安全的
func (e *TransactionError) IsRetryable() bool {
	return e.Status.IsDefinitelyAborted()
}

// StatusError 参与者内部用于把状态码随 error 一起传递
type StatusError struct {
	Status TransactionalStatus
	Err    error
}

func NewStatusError(status TransactionalStatus, err error) *StatusError {
	return &StatusError{Status: status, Err: err}
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusOf 从 error 中提取事务状态，无法识别的错误视为 UnknownException
func StatusOf(err error) TransactionalStatus {
	if err == nil {
		return StatusOk
	}
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return txErr.Status
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return StatusUnknownException
}
