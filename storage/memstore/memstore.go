package memstore

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/xiaoxuxiansheng/gotx/storage"
)

// Store 进程内存储，写入时序列化一份副本，读写互不影响
type Store[T any] struct {
	mux      sync.Mutex
	body     []byte
	version  int64
	failures []error
	saves    int
}

func New[T any]() *Store[T] {
	return &Store[T]{}
}

// FailNext 下一次 Load/Save 返回 err，可多次调用依次排队
func (s *Store[T]) FailNext(err error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.failures = append(s.failures, err)
}

func (s *Store[T]) popFailure() error {
	if len(s.failures) == 0 {
		return nil
	}
	err := s.failures[0]
	s.failures = s.failures[1:]
	return err
}

func (s *Store[T]) Load(ctx context.Context) (*storage.Record[T], int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if err := s.popFailure(); err != nil {
		return nil, 0, err
	}
	if s.body == nil {
		return nil, s.version, nil
	}
	var record storage.Record[T]
	if err := json.Unmarshal(s.body, &record); err != nil {
		return nil, 0, errors.Wrap(err, "memstore: decode record")
	}
	return &record, s.version, nil
}

func (s *Store[T]) Save(ctx context.Context, record *storage.Record[T], expectedVersion int64) (int64, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if err := s.popFailure(); err != nil {
		return 0, err
	}
	if expectedVersion != s.version {
		return 0, errors.Wrapf(storage.ErrStorageConflict, "memstore: expected version %d, got %d", expectedVersion, s.version)
	}
	body, err := json.Marshal(record)
	if err != nil {
		return 0, errors.Wrap(err, "memstore: encode record")
	}
	s.body = body
	s.version++
	s.saves++
	return s.version, nil
}

func (s *Store[T]) Version() int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.version
}

// Saves 成功写入的次数
func (s *Store[T]) Saves() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.saves
}
