package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrLocked = errors.New("ledger: decision log locked")

// MemoryStore 进程内的决议日志, 用于测试以及不要求持久化的部署
type MemoryStore struct {
	mux       sync.Mutex
	decisions map[uuid.UUID]*Decision
	lockedTil time.Time
	persisted int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions: make(map[uuid.UUID]*Decision),
	}
}

func (m *MemoryStore) Persist(ctx context.Context, batch Batch) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	for _, decision := range batch.Decisions {
		m.decisions[decision.Trid.Global] = clone(decision)
	}
	for _, ack := range batch.Acks {
		decision, ok := m.decisions[ack.Trid.Global]
		if !ok {
			continue
		}
		for _, branch := range decision.Branches {
			if branch.Resource == ack.Resource && branch.Trid.Equal(ack.Trid) {
				branch.Acked = true
			}
		}
		if decision.Finished() {
			delete(m.decisions, ack.Trid.Global)
		}
	}
	m.persisted += batch.Size()
	return nil
}

func (m *MemoryStore) Unfinished(ctx context.Context) ([]*Decision, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	decisions := make([]*Decision, 0, len(m.decisions))
	for _, decision := range m.decisions {
		decisions = append(decisions, clone(decision))
	}
	sort.Slice(decisions, func(i, j int) bool {
		return decisions[i].CreatedAt.Before(decisions[j].CreatedAt)
	})
	return decisions, nil
}

func (m *MemoryStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	now := time.Now()
	if now.Before(m.lockedTil) {
		return ErrLocked
	}
	m.lockedTil = now.Add(expireDuration)
	return nil
}

func (m *MemoryStore) Unlock(ctx context.Context) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.lockedTil = time.Time{}
	return nil
}

// Persisted 累计写入的条目数
func (m *MemoryStore) Persisted() int {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.persisted
}

func clone(d *Decision) *Decision {
	c := *d
	c.Branches = make([]*Branch, 0, len(d.Branches))
	for _, branch := range d.Branches {
		b := *branch
		c.Branches = append(c.Branches, &b)
	}
	return &c
}
