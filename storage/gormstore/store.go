// Package gormstore 基于 gorm + mysql 的事务状态存储。
// 每个资源一行，保存时对该行加写锁并校验版本号。
package gormstore

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotx/storage"
)

type Store[T any] struct {
	name string
	dao  *StateDAO
}

// New name 通常取参与者 id
func New[T any](db *gorm.DB, name string) *Store[T] {
	return &Store[T]{
		name: name,
		dao:  NewStateDAO(db),
	}
}

func (s *Store[T]) Load(ctx context.Context) (*storage.Record[T], int64, error) {
	states, err := s.dao.GetStates(ctx, WithName(s.name))
	if err != nil {
		return nil, 0, errors.Wrapf(err, "gormstore: load %s", s.name)
	}
	if len(states) == 0 {
		return nil, 0, nil
	}

	var record storage.Record[T]
	if err := json.Unmarshal([]byte(states[0].Body), &record); err != nil {
		return nil, 0, errors.Wrapf(err, "gormstore: decode %s", s.name)
	}
	return &record, states[0].Version, nil
}

func (s *Store[T]) Save(ctx context.Context, record *storage.Record[T], expectedVersion int64) (int64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, errors.Wrapf(err, "gormstore: encode %s", s.name)
	}

	var version int64
	do := func(ctx context.Context, dao *StateDAO, state *StatePO) error {
		var current int64
		if state != nil {
			current = state.Version
		}
		if current != expectedVersion {
			return errors.Wrapf(storage.ErrStorageConflict, "gormstore: %s expected version %d, got %d", s.name, expectedVersion, current)
		}

		version = current + 1
		if state == nil {
			_, err := dao.CreateState(ctx, &StatePO{
				Name:    s.name,
				Version: version,
				Body:    string(body),
			})
			return err
		}
		state.Version = version
		state.Body = string(body)
		return dao.UpdateState(ctx, state)
	}

	if err := s.dao.LockAndDo(ctx, s.name, do); err != nil {
		// 行不存在时 FOR UPDATE 锁不住，并发创建由唯一索引兜底
		if IsDuplicateKey(err) {
			return 0, errors.Wrapf(storage.ErrStorageConflict, "gormstore: %s created concurrently, err: %v", s.name, err)
		}
		return 0, err
	}
	return version, nil
}
