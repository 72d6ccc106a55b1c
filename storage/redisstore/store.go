// Package redisstore 基于 redis 的事务状态存储，读写都在分布式锁内完成。
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/demdxx/gocast"
	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/gotx/storage"
)

type Store[T any] struct {
	name       string
	client     *redis_lock.Client
	lockExpire time.Duration
}

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// New lockExpire 小于 1s 时按 1s 处理
func New[T any](client *redis_lock.Client, name string, lockExpire time.Duration) *Store[T] {
	if lockExpire < time.Second {
		lockExpire = time.Second
	}
	return &Store[T]{
		name:       name,
		client:     client,
		lockExpire: lockExpire,
	}
}

func (s *Store[T]) lockAndDo(ctx context.Context, do func(ctx context.Context) error) error {
	lock := redis_lock.NewRedisLock(BuildStateLockKey(s.name), s.client, redis_lock.WithExpireSeconds(int64(s.lockExpire.Seconds())))
	if err := lock.Lock(ctx); err != nil {
		return pkgerrors.Wrapf(err, "redisstore: lock %s", s.name)
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()
	return do(ctx)
}

func (s *Store[T]) version(ctx context.Context) (int64, error) {
	reply, err := s.client.Get(ctx, BuildStateVersionKey(s.name))
	if errors.Is(err, redis_lock.ErrNil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cast.ToInt64E(reply)
}

func (s *Store[T]) Load(ctx context.Context) (*storage.Record[T], int64, error) {
	var (
		record  *storage.Record[T]
		version int64
	)
	err := s.lockAndDo(ctx, func(ctx context.Context) error {
		var err error
		if version, err = s.version(ctx); err != nil || version == 0 {
			return err
		}

		body, err := s.client.Get(ctx, BuildStateKey(s.name))
		if err != nil {
			return err
		}
		record = new(storage.Record[T])
		return json.Unmarshal([]byte(body), record)
	})
	if err != nil {
		return nil, 0, pkgerrors.Wrapf(err, "redisstore: load %s", s.name)
	}
	return record, version, nil
}

func (s *Store[T]) Save(ctx context.Context, record *storage.Record[T], expectedVersion int64) (int64, error) {
	body, err := json.Marshal(record)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "redisstore: encode %s", s.name)
	}

	var version int64
	err = s.lockAndDo(ctx, func(ctx context.Context) error {
		current, err := s.version(ctx)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return pkgerrors.Wrapf(storage.ErrStorageConflict, "redisstore: %s expected version %d, got %d", s.name, expectedVersion, current)
		}

		if _, err = s.client.Set(ctx, BuildStateKey(s.name), string(body)); err != nil {
			return err
		}
		version = current + 1
		_, err = s.client.Set(ctx, BuildStateVersionKey(s.name), gocast.ToString(version))
		return err
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}
