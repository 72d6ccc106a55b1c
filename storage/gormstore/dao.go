package gormstore

import (
	"context"
	"errors"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatePO 一个资源的事务状态，body 为 json 编码的 storage.Record
type StatePO struct {
	gorm.Model
	Name    string `gorm:"column:name;uniqueIndex;size:191"`
	Version int64  `gorm:"column:version"`
	Body    string `gorm:"column:body;type:longtext"`
}

func (s StatePO) TableName() string {
	return "tx_state"
}

type QueryOption func(db *gorm.DB) *gorm.DB

func WithName(name string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("name = ?", name)
	}
}

func WithVersion(version int64) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("version = ?", version)
	}
}

type StateDAO struct {
	db *gorm.DB
}

func NewStateDAO(db *gorm.DB) *StateDAO {
	return &StateDAO{
		db: db,
	}
}

func (s *StateDAO) GetStates(ctx context.Context, opts ...QueryOption) ([]*StatePO, error) {
	db := s.db.WithContext(ctx).Model(&StatePO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var states []*StatePO
	return states, db.Scan(&states).Error
}

func (s *StateDAO) CreateState(ctx context.Context, state *StatePO) (uint, error) {
	err := s.db.WithContext(ctx).Model(&StatePO{}).Create(state).Error
	return state.ID, err
}

func (s *StateDAO) UpdateState(ctx context.Context, state *StatePO) error {
	return s.db.WithContext(ctx).Updates(state).Error
}

// LockAndDo 在事务中对 name 对应的行加写锁后执行 do，记录不存在时 state 为 nil
func (s *StateDAO) LockAndDo(ctx context.Context, name string, do func(ctx context.Context, dao *StateDAO, state *StatePO) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var state StatePO
		err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", name).First(&state).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		stateDAO := NewStateDAO(tx)
		if err != nil {
			return do(ctx, stateDAO, nil)
		}
		return do(ctx, stateDAO, &state)
	})
}

// mysql 唯一键冲突
const errDuplicateEntry = 1062

// IsDuplicateKey 首次写入时并发创建同名记录
func IsDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry
}
