package dao

import (
	"gorm.io/gorm"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithGlobalID(globalID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("global_id = ?", globalID)
	}
}

func WithStatus(status DecisionStatus) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status = ?", status.String())
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Limit(limit)
	}
}
