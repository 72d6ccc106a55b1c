package gormstore

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func NewDB(dsn string, opts ...gorm.Option) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), opts...)
}

// Migrate 建表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&StatePO{})
}
