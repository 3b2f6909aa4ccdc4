package sqlstore

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/goxa/ledger"
	"github.com/xiaoxuxiansheng/goxa/ledger/dao"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type mockDecisionDAO struct {
	records []*dao.DecisionPO
	acks    map[string][]dao.BranchPO
	err     error
}

func newMockDecisionDAO() *mockDecisionDAO {
	return &mockDecisionDAO{
		acks: make(map[string][]dao.BranchPO),
	}
}

func (m *mockDecisionDAO) GetDecisions(ctx context.Context, opts ...dao.QueryOption) ([]*dao.DecisionPO, error) {
	return m.records, m.err
}

func (m *mockDecisionDAO) CreateDecisions(ctx context.Context, records ...*dao.DecisionPO) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, records...)
	return nil
}

func (m *mockDecisionDAO) AckBranches(ctx context.Context, globalID string, acks ...dao.BranchPO) error {
	for _, record := range m.records {
		if record.GlobalID == globalID {
			m.acks[globalID] = append(m.acks[globalID], acks...)
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func Test_Store_Lock(t *testing.T) {
	locked := false
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		if locked {
			return errors.New("lock held")
		}
		locked = true
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		locked = false
		return nil
	})
	defer patch.Reset()

	ctx := context.Background()
	store := New(newMockDecisionDAO(), &redis_lock.Client{})
	assert.Nil(t, store.Lock(ctx, 3*time.Second))
	assert.NotNil(t, store.Lock(ctx, time.Second))
	assert.Nil(t, store.Unlock(ctx))
	assert.Nil(t, store.Lock(ctx, time.Second))
}

func Test_Store_Persist(t *testing.T) {
	ctx := context.Background()
	owner := process.New("tm")
	id := trid.New(owner)
	decision := ledger.Decision{
		Trid:      id,
		Decision:  xa.DecisionCommit,
		CreatedAt: time.Now(),
		Branches: []*ledger.Branch{
			{Resource: 1, Trid: id},
			{Resource: 2, Trid: id},
		},
	}

	mockDAO := newMockDecisionDAO()
	store := New(mockDAO, &redis_lock.Client{})
	err := store.Persist(ctx, ledger.Batch{
		Decisions: []*ledger.Decision{&decision},
		Acks: []ledger.Ack{
			{Trid: id, Resource: 1},
			// 已被清理的决议, 确认直接忽略
			{Trid: trid.New(owner), Resource: 1},
		},
	})
	assert.Nil(t, err)
	assert.Equal(t, 1, len(mockDAO.records))
	record := mockDAO.records[0]
	assert.Equal(t, id.Global.String(), record.GlobalID)
	assert.Equal(t, "commit", record.Decision)
	assert.Equal(t, dao.StatusUnfinished.String(), record.Status)
	assert.Equal(t, strconv.FormatInt(owner.PID, 10), record.OwnerPID)
	assert.Equal(t, []dao.BranchPO{{Resource: 1, Trid: id.String()}}, mockDAO.acks[id.Global.String()])

	mockDAO.err = errors.New("db down")
	assert.NotNil(t, store.Persist(ctx, ledger.Batch{Decisions: []*ledger.Decision{&decision}}))
}

func Test_Store_Unfinished(t *testing.T) {
	ctx := context.Background()
	owner := process.New("tm")
	id := trid.New(owner)
	decision := ledger.Decision{
		Trid:      id,
		Decision:  xa.DecisionRollback,
		CreatedAt: time.Now(),
		Branches: []*ledger.Branch{
			{Resource: 1, Trid: id, Acked: true},
			{Resource: 3, Trid: id},
		},
	}

	// 发起方 pid 无法解析的记录同样跳过
	orphan := toPO(&ledger.Decision{Trid: trid.New(owner), Decision: xa.DecisionCommit})
	orphan.OwnerPID = "tm"

	mockDAO := newMockDecisionDAO()
	mockDAO.records = []*dao.DecisionPO{
		toPO(&decision),
		{GlobalID: "broken", Trid: "broken", Decision: "commit", Branches: "[]"},
		orphan,
	}
	store := New(mockDAO, &redis_lock.Client{})
	decisions, err := store.Unfinished(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(decisions))
	got := decisions[0]
	assert.True(t, id.Equal(got.Trid))
	assert.Equal(t, owner, got.Trid.Owner)
	assert.Equal(t, xa.DecisionRollback, got.Decision)
	assert.Equal(t, 1, len(got.Unacked()))
	assert.Equal(t, 3, got.Unacked()[0].Resource)

	mockDAO.err = errors.New("db down")
	_, err = store.Unfinished(ctx)
	assert.NotNil(t, err)
}

func Test_fromPO_invalid_decision(t *testing.T) {
	id := trid.New(process.New("tm"))
	_, err := fromPO(&dao.DecisionPO{Trid: id.String(), Decision: "none", Branches: "[]"})
	assert.NotNil(t, err)
}
