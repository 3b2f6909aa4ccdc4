package dao

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xiaoxuxiansheng/goxa/log"
)

// 决议记录的状态
type DecisionStatus string

func (d DecisionStatus) String() string {
	return string(d)
}

const (
	// 存在未确认的分支
	StatusUnfinished DecisionStatus = "unfinished"
	// 所有分支均已确认
	StatusFinished DecisionStatus = "finished"
)

// DecisionPO 决议日志的一行. global_id 上的唯一索引保证整批重试不会重复写入
type DecisionPO struct {
	gorm.Model
	GlobalID string `gorm:"column:global_id;type:varchar(36);uniqueIndex;not null"`
	Trid     string `gorm:"column:trid;type:varchar(128);not null"`
	// 发起方进程 pid, 以文本保存
	OwnerPID  string `gorm:"column:owner_pid;type:varchar(32)"`
	OwnerName string `gorm:"column:owner_name;type:varchar(128)"`
	Decision  string `gorm:"column:decision;type:varchar(16);not null"`
	Status    string `gorm:"column:status;type:varchar(16);index;not null"`
	Branches  string `gorm:"column:branches;type:text"`
}

func (d DecisionPO) TableName() string {
	return "xa_decision_log"
}

type BranchPO struct {
	Resource int    `json:"resource"`
	Trid     string `json:"trid"`
	Acked    bool   `json:"acked"`
}

type DecisionDAO struct {
	db *gorm.DB
}

func NewDecisionDAO(db *gorm.DB) *DecisionDAO {
	return &DecisionDAO{
		db: db,
	}
}

func (d *DecisionDAO) GetDecisions(ctx context.Context, opts ...QueryOption) ([]*DecisionPO, error) {
	db := d.db.WithContext(ctx).Model(&DecisionPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*DecisionPO
	return records, db.Scan(&records).Error
}

// Migrate 建表以及 global_id 唯一索引
func (d *DecisionDAO) Migrate(ctx context.Context) error {
	return d.db.WithContext(ctx).AutoMigrate(&DecisionPO{})
}

// CreateDecisions 批量写入. global_id 上有唯一索引, 重复写入同一决议时忽略
func (d *DecisionDAO) CreateDecisions(ctx context.Context, records ...*DecisionPO) error {
	if len(records) == 0 {
		return nil
	}
	return d.db.WithContext(ctx).Model(&DecisionPO{}).Clauses(clause.OnConflict{DoNothing: true}).Create(records).Error
}

func (d *DecisionDAO) UpdateDecision(ctx context.Context, record *DecisionPO) error {
	return d.db.WithContext(ctx).Updates(record).Error
}

// AckBranches 标记分支已确认, 全部确认后决议置为 finished
func (d *DecisionDAO) AckBranches(ctx context.Context, globalID string, acks ...BranchPO) error {
	return d.LockAndDo(ctx, globalID, func(ctx context.Context, dao *DecisionDAO, record *DecisionPO) error {
		var branches []*BranchPO
		if err := json.Unmarshal([]byte(record.Branches), &branches); err != nil {
			return err
		}

		var changed int
		for _, ack := range acks {
			var found bool
			for _, branch := range branches {
				if branch.Resource != ack.Resource || branch.Trid != ack.Trid {
					continue
				}
				found = true
				if !branch.Acked {
					branch.Acked = true
					changed++
				}
			}
			// 不在决议中的分支 (例如推定回滚的应答) 直接忽略
			if !found {
				log.WarnContextf(ctx, "ignore ack of branch %d %s, not in decision: %s", ack.Resource, ack.Trid, globalID)
			}
		}
		if changed == 0 {
			return nil
		}

		finished := true
		for _, branch := range branches {
			finished = finished && branch.Acked
		}
		if finished {
			record.Status = StatusFinished.String()
		}
		body, _ := json.Marshal(branches)
		record.Branches = string(body)
		return dao.UpdateDecision(ctx, record)
	})
}

func (d *DecisionDAO) LockAndDo(ctx context.Context, globalID string, do func(ctx context.Context, dao *DecisionDAO, record *DecisionPO) error) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		// 加写锁
		var record DecisionPO
		if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("global_id = ?", globalID).First(&record).Error; err != nil {
			return err
		}

		decisionDAO := NewDecisionDAO(tx)
		return do(ctx, decisionDAO, &record)
	})
}

// IsNotFound 决议已被清理或从未写入
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
