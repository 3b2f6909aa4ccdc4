package pkg

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func NewDB(dsn string, opts ...gorm.Option) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), opts...)
}
