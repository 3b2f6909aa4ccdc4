// Package sqlstore 基于 mysql 的决议日志存储, 恢复任务之间以 redis 分布式锁互斥.
package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/demdxx/gocast"
	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/ledger/dao"
	"github.com/xiaoxuxiansheng/goxa/log"
	"github.com/xiaoxuxiansheng/goxa/pkg"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

// 单次恢复扫描的决议条数上限
const recoverLimit = 1000

type DecisionDAO interface {
	GetDecisions(ctx context.Context, opts ...dao.QueryOption) ([]*dao.DecisionPO, error)
	CreateDecisions(ctx context.Context, records ...*dao.DecisionPO) error
	AckBranches(ctx context.Context, globalID string, acks ...dao.BranchPO) error
}

type Store struct {
	client *redis_lock.Client
	dao    DecisionDAO
}

func New(dao DecisionDAO, client *redis_lock.Client) *Store {
	return &Store{
		dao:    dao,
		client: client,
	}
}

// Persist 先写决议再写确认. 失败后整批重试, 两步都是幂等的
func (s *Store) Persist(ctx context.Context, batch ledger.Batch) error {
	records := make([]*dao.DecisionPO, 0, len(batch.Decisions))
	for _, decision := range batch.Decisions {
		records = append(records, toPO(decision))
	}
	if err := s.dao.CreateDecisions(ctx, records...); err != nil {
		return err
	}

	// 同一决议的确认合并为一次更新
	order := make([]uuid.UUID, 0)
	acks := make(map[uuid.UUID][]dao.BranchPO)
	for _, ack := range batch.Acks {
		if _, ok := acks[ack.Trid.Global]; !ok {
			order = append(order, ack.Trid.Global)
		}
		acks[ack.Trid.Global] = append(acks[ack.Trid.Global], dao.BranchPO{
			Resource: ack.Resource,
			Trid:     ack.Trid.String(),
		})
	}
	for _, global := range order {
		err := s.dao.AckBranches(ctx, global.String(), acks[global]...)
		if dao.IsNotFound(err) {
			log.WarnContextf(ctx, "ack unknown decision: %s", global)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Unfinished(ctx context.Context) ([]*ledger.Decision, error) {
	records, err := s.dao.GetDecisions(ctx, dao.WithStatus(dao.StatusUnfinished), dao.WithLimit(recoverLimit))
	if err != nil {
		return nil, err
	}

	decisions := make([]*ledger.Decision, 0, len(records))
	for _, record := range records {
		decision, err := fromPO(record)
		if err != nil {
			log.ErrorContextf(ctx, "skip invalid decision record: %s, err: %v", gocast.ToString(record.ID), err)
			continue
		}
		decisions = append(decisions, decision)
	}
	return decisions, nil
}

func (s *Store) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(pkg.BuildRecoveryLockKey(), s.client, redis_lock.WithExpireSeconds(int64(expireDuration.Seconds())))
	return lock.Lock(ctx)
}

func (s *Store) Unlock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(pkg.BuildRecoveryLockKey(), s.client)
	return lock.Unlock(ctx)
}

func toPO(d *ledger.Decision) *dao.DecisionPO {
	branches := make([]*dao.BranchPO, 0, len(d.Branches))
	status := dao.StatusFinished
	for _, branch := range d.Branches {
		branches = append(branches, &dao.BranchPO{
			Resource: branch.Resource,
			Trid:     branch.Trid.String(),
			Acked:    branch.Acked,
		})
		if !branch.Acked {
			status = dao.StatusUnfinished
		}
	}
	body, _ := json.Marshal(branches)

	record := dao.DecisionPO{
		GlobalID:  d.Trid.Global.String(),
		Trid:      d.Trid.String(),
		OwnerPID:  gocast.ToString(d.Trid.Owner.PID),
		OwnerName: d.Trid.Owner.Name,
		Decision:  d.Decision.String(),
		Status:    status.String(),
		Branches:  string(body),
	}
	record.CreatedAt = d.CreatedAt
	return &record
}

func fromPO(record *dao.DecisionPO) (*ledger.Decision, error) {
	id, err := trid.Parse(record.Trid)
	if err != nil {
		return nil, err
	}
	pid := gocast.ToInt64(record.OwnerPID)
	if pid <= 0 {
		return nil, fmt.Errorf("invalid owner pid: %q", record.OwnerPID)
	}
	id.Owner = process.Handle{PID: pid, Name: record.OwnerName}

	var decision xa.Decision
	switch record.Decision {
	case xa.DecisionCommit.String():
		decision = xa.DecisionCommit
	case xa.DecisionRollback.String():
		decision = xa.DecisionRollback
	default:
		return nil, fmt.Errorf("invalid decision: %s", record.Decision)
	}

	var branches []*dao.BranchPO
	if err = json.Unmarshal([]byte(record.Branches), &branches); err != nil {
		return nil, err
	}
	d := ledger.Decision{
		Trid:      id,
		Decision:  decision,
		CreatedAt: record.CreatedAt,
		Branches:  make([]*ledger.Branch, 0, len(branches)),
	}
	for _, branch := range branches {
		branchID, err := trid.Parse(branch.Trid)
		if err != nil {
			return nil, err
		}
		branchID.Owner = id.Owner
		d.Branches = append(d.Branches, &ledger.Branch{
			Resource: branch.Resource,
			Trid:     branchID,
			Acked:    branch.Acked,
		})
	}
	return &d, nil
}
