package gormstore

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/agiledragon/gomonkey/v2"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotx/storage"
)

type balance struct {
	Amount int64 `json:"amount"`
}

const lockQuery = "SELECT \\* FROM `tx_state` WHERE name = \\? AND `tx_state`.`deleted_at` IS NULL ORDER BY `tx_state`.`id` LIMIT 1 FOR UPDATE"

func newMockDB(t *testing.T, now time.Time) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	mock.ExpectQuery("SELECT VERSION()").WillReturnRows(sqlmock.NewRows([]string{"VERSION"}).AddRow("1"))

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{
		DisableAutomaticPing: true,
		NowFunc: func() time.Time {
			return now
		},
	})
	require.NoError(t, err)
	return gdb, mock
}

func stateRows(id uint, name string, version int64, body string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "version", "body"}).AddRow(id, name, version, body)
}

func Test_Store_Load(t *testing.T) {
	gdb, mock := newMockDB(t, time.Now())
	ctx := context.Background()
	store := New[balance](gdb, "account/a")
	loadQuery := "SELECT \\* FROM `tx_state` WHERE name = \\? AND `tx_state`.`deleted_at` IS NULL"

	tests := []struct {
		name string
		f    func()
	}{
		{
			name: "missing record",
			f: func() {
				mock.ExpectQuery(loadQuery).WithArgs("account/a").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "body"}))
				record, version, err := store.Load(ctx)
				assert.NoError(t, err)
				assert.Nil(t, record)
				assert.Equal(t, int64(0), version)
			},
		},
		{
			name: "existing record",
			f: func() {
				body, _ := json.Marshal(&storage.Record[balance]{
					CommittedState:      balance{Amount: 100},
					CommittedSequenceID: 4,
				})
				mock.ExpectQuery(loadQuery).WithArgs("account/a").WillReturnRows(stateRows(1, "account/a", 3, string(body)))
				record, version, err := store.Load(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(3), version)
				assert.Equal(t, int64(100), record.CommittedState.Amount)
				assert.Equal(t, int64(4), record.CommittedSequenceID)
			},
		},
		{
			name: "broken body",
			f: func() {
				mock.ExpectQuery(loadQuery).WithArgs("account/a").WillReturnRows(stateRows(1, "account/a", 3, "{"))
				_, _, err := store.Load(ctx)
				assert.Error(t, err)
			},
		},
		{
			name: "query error",
			f: func() {
				mock.ExpectQuery(loadQuery).WithArgs("account/a").WillReturnError(errors.New("connection refused"))
				_, _, err := store.Load(ctx)
				assert.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f()
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func Test_Store_Save(t *testing.T) {
	now := time.Now()
	gdb, mock := newMockDB(t, now)
	ctx := context.Background()
	store := New[balance](gdb, "account/a")
	record := &storage.Record[balance]{
		CommittedState:      balance{Amount: 90},
		CommittedSequenceID: 5,
	}
	body, _ := json.Marshal(record)

	tests := []struct {
		name string
		f    func()
	}{
		{
			name: "create",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectQuery(lockQuery).WithArgs("account/a").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "body"}))
				mock.ExpectExec("INSERT INTO `tx_state`").WithArgs(now, now, nil, "account/a", int64(1), string(body)).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
				version, err := store.Save(ctx, record, 0)
				assert.NoError(t, err)
				assert.Equal(t, int64(1), version)
			},
		},
		{
			name: "update",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectQuery(lockQuery).WithArgs("account/a").WillReturnRows(stateRows(1, "account/a", 1, "{}"))
				mock.ExpectExec("UPDATE `tx_state` SET").WillReturnResult(driver.ResultNoRows)
				mock.ExpectCommit()
				version, err := store.Save(ctx, record, 1)
				assert.NoError(t, err)
				assert.Equal(t, int64(2), version)
			},
		},
		{
			name: "version conflict",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectQuery(lockQuery).WithArgs("account/a").WillReturnRows(stateRows(1, "account/a", 3, "{}"))
				mock.ExpectRollback()
				_, err := store.Save(ctx, record, 1)
				assert.True(t, errors.Is(err, storage.ErrStorageConflict))
			},
		},
		{
			name: "missing record with version",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectQuery(lockQuery).WithArgs("account/a").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "body"}))
				mock.ExpectRollback()
				_, err := store.Save(ctx, record, 2)
				assert.True(t, errors.Is(err, storage.ErrStorageConflict))
			},
		},
		{
			name: "created concurrently",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectQuery(lockQuery).WithArgs("account/a").WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "body"}))
				mock.ExpectExec("INSERT INTO `tx_state`").WillReturnError(&mysqldriver.MySQLError{
					Number:  1062,
					Message: "Duplicate entry 'account/a' for key 'tx_state.idx_tx_state_name'",
				})
				mock.ExpectRollback()
				_, err := store.Save(ctx, record, 0)
				assert.True(t, errors.Is(err, storage.ErrStorageConflict))
			},
		},
		{
			name: "lock error",
			f: func() {
				mock.ExpectBegin()
				mock.ExpectQuery(lockQuery).WithArgs("account/a").WillReturnError(errors.New("deadlock"))
				mock.ExpectRollback()
				_, err := store.Save(ctx, record, 1)
				assert.Error(t, err)
				assert.False(t, errors.Is(err, storage.ErrStorageConflict))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f()
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func Test_IsDuplicateKey(t *testing.T) {
	assert.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKey(fmt.Errorf("create: %w", &mysqldriver.MySQLError{Number: 1062})))
	assert.False(t, IsDuplicateKey(&mysqldriver.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicateKey(errors.New("deadlock")))
}

func Test_NewDB(t *testing.T) {
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&mysql.Dialector{}), "Initialize", func(_ *mysql.Dialector, db *gorm.DB) error {
		return nil
	})
	defer patch.Reset()

	db, err := NewDB("", &gorm.Config{
		DisableAutomaticPing: true,
	})
	assert.NoError(t, err)
	assert.NotNil(t, db)
}
