package main

import (
	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotx/config"
	"github.com/xiaoxuxiansheng/gotx/example"
	"github.com/xiaoxuxiansheng/gotx/state"
	"github.com/xiaoxuxiansheng/gotx/storage"
	"github.com/xiaoxuxiansheng/gotx/storage/gormstore"
	"github.com/xiaoxuxiansheng/gotx/storage/memstore"
	"github.com/xiaoxuxiansheng/gotx/storage/redisstore"
)

func accountKey(name string) string {
	return example.AccountKind + "/" + name
}

func auditKey(name string) string {
	return example.AuditKind + "/" + name
}

func newStores(c *config.Config) (example.Stores, error) {
	switch c.Backend {
	case config.BackendMemory:
		return example.Stores{
			Balance: func(name string) storage.Storage[example.Balance] {
				return memstore.New[example.Balance]()
			},
			Audit: func(name string) storage.Storage[state.OperationState] {
				return memstore.New[state.OperationState]()
			},
		}, nil

	case config.BackendMySQL:
		db, err := gormstore.NewDB(c.MySQL.DSN, &gorm.Config{})
		if err != nil {
			return example.Stores{}, errors.Wrap(err, "connect mysql")
		}
		if c.MySQL.Migrate {
			if err := gormstore.Migrate(db); err != nil {
				return example.Stores{}, errors.Wrap(err, "migrate mysql")
			}
		}
		return example.Stores{
			Balance: func(name string) storage.Storage[example.Balance] {
				return gormstore.New[example.Balance](db, accountKey(name))
			},
			Audit: func(name string) storage.Storage[state.OperationState] {
				return gormstore.New[state.OperationState](db, auditKey(name))
			},
		}, nil

	case config.BackendRedis:
		client := redisstore.NewRedisClient(c.Redis.Network, c.Redis.Address, c.Redis.Password)
		expire := c.Redis.LockExpire.Duration
		return example.Stores{
			Balance: func(name string) storage.Storage[example.Balance] {
				return redisstore.New[example.Balance](client, accountKey(name), expire)
			},
			Audit: func(name string) storage.Storage[state.OperationState] {
				return redisstore.New[state.OperationState](client, auditKey(name), expire)
			},
		}, nil
	}
	return example.Stores{}, errors.Errorf("unknown backend %q", c.Backend)
}
