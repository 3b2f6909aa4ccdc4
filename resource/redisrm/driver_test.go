package redisrm

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/goxa/pkg"
	"github.com/xiaoxuxiansheng/goxa/process"
	"github.com/xiaoxuxiansheng/goxa/resource"
	"github.com/xiaoxuxiansheng/goxa/trid"
	"github.com/xiaoxuxiansheng/goxa/xa"
)

type mockRedis struct {
	sync.Mutex
	kv      map[string]string
	down    bool
	lockErr bool
}

func (m *mockRedis) patch() *gomonkey.Patches {
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		m.Lock()
		defer m.Unlock()
		if m.lockErr {
			return errors.New("lock err")
		}
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Get", func(_ *redis_lock.Client, ctx context.Context, key string) (string, error) {
		m.Lock()
		defer m.Unlock()
		if m.down {
			return "", errors.New("conn refused")
		}
		v, ok := m.kv[key]
		if !ok {
			return "", redis_lock.ErrNil
		}
		return v, nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "Set", func(_ *redis_lock.Client, ctx context.Context, key string, value string) (int64, error) {
		m.Lock()
		defer m.Unlock()
		if m.down {
			return -1, errors.New("conn refused")
		}
		m.kv[key] = value
		return 1, nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.Client{}), "SetNX", func(_ *redis_lock.Client, ctx context.Context, key string, value string) (int64, error) {
		m.Lock()
		defer m.Unlock()
		if m.down {
			return -1, errors.New("conn refused")
		}
		if _, ok := m.kv[key]; ok {
			return 0, nil
		}
		m.kv[key] = value
		return 1, nil
	})
	return patch
}

func newMockRedis(t *testing.T) *mockRedis {
	m := &mockRedis{kv: make(map[string]string)}
	patch := m.patch()
	t.Cleanup(patch.Reset)
	return m
}

func Test_Driver_two_phase(t *testing.T) {
	m := newMockRedis(t)
	ctx := context.Background()
	driver := New("cache", &redis_lock.Client{})
	assert.Equal(t, "cache", driver.Name())
	assert.Equal(t, resource.Static, driver.Registration())

	id := trid.New(process.New("app"))
	assert.Equal(t, xa.OK, driver.Open(ctx, "", 1, xa.TMNoFlags))
	assert.Equal(t, xa.OK, driver.Start(ctx, id, 1, xa.TMNoFlags))
	assert.Equal(t, xa.DuplicateID, driver.Start(ctx, id, 1, xa.TMNoFlags))
	assert.Equal(t, xa.OK, driver.Start(ctx, id, 1, xa.TMJoin))
	assert.Equal(t, xa.OK, driver.End(ctx, id, 1, xa.TMSuccess))
	assert.Equal(t, xa.ProtocolViolation, driver.Commit(ctx, id, 1, xa.TMNoFlags))
	assert.Equal(t, xa.OK, driver.Prepare(ctx, id, 1, xa.TMNoFlags))
	assert.Equal(t, BranchPrepared.String(), m.kv[pkg.BuildBranchKey("cache", id.String())])

	ids, code := driver.Recover(ctx, 1)
	assert.Equal(t, xa.OK, code)
	assert.Equal(t, 1, len(ids))
	assert.True(t, id.Equal(ids[0]))

	assert.Equal(t, xa.OK, driver.Commit(ctx, id, 1, xa.TMNoFlags))
	assert.Equal(t, xa.OK, driver.Commit(ctx, id, 1, xa.TMNoFlags))
	assert.Equal(t, xa.HeuristicCommit, driver.Rollback(ctx, id, 1, xa.TMNoFlags))

	ids, code = driver.Recover(ctx, 1)
	assert.Equal(t, xa.OK, code)
	assert.Equal(t, 0, len(ids))
}

func Test_Driver_rollback(t *testing.T) {
	newMockRedis(t)
	ctx := context.Background()
	driver := New("cache", &redis_lock.Client{})
	owner := process.New("app")

	tests := []struct {
		name    string
		flags   xa.Flag
		prepare xa.Code
	}{
		{name: "prepared", flags: xa.TMSuccess, prepare: xa.OK},
		{name: "rollback only", flags: xa.TMFail, prepare: xa.RollbackUnspecified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := trid.New(owner)
			assert.Equal(t, xa.OK, driver.Start(ctx, id, 1, xa.TMNoFlags))
			assert.Equal(t, xa.OK, driver.End(ctx, id, 1, tt.flags))
			assert.Equal(t, tt.prepare, driver.Prepare(ctx, id, 1, xa.TMNoFlags))
			assert.Equal(t, xa.OK, driver.Rollback(ctx, id, 1, xa.TMNoFlags))
			assert.Equal(t, xa.OK, driver.Rollback(ctx, id, 1, xa.TMNoFlags))
			assert.Equal(t, xa.RollbackUnspecified, driver.Commit(ctx, id, 1, xa.TMNoFlags))
		})
	}

	// 未知分支回滚视为成功
	assert.Equal(t, xa.OK, driver.Rollback(ctx, trid.New(owner), 1, xa.TMNoFlags))
}

func Test_Driver_one_phase(t *testing.T) {
	newMockRedis(t)
	ctx := context.Background()
	driver := New("cache", &redis_lock.Client{})
	id := trid.New(process.New("app"))

	assert.Equal(t, xa.OK, driver.Start(ctx, id, 1, xa.TMNoFlags))
	assert.Equal(t, xa.OK, driver.End(ctx, id, 1, xa.TMSuccess))
	assert.Equal(t, xa.OK, driver.Commit(ctx, id, 1, xa.TMOnePhase))
	assert.Equal(t, xa.DuplicateID, driver.Start(ctx, id, 1, xa.TMJoin))
}

func Test_Driver_failures(t *testing.T) {
	m := newMockRedis(t)
	ctx := context.Background()
	driver := New("cache", &redis_lock.Client{})
	id := trid.New(process.New("app"))

	assert.Equal(t, xa.InvalidArgument, driver.End(ctx, id, 1, xa.TMSuccess))
	assert.Equal(t, xa.InvalidArgument, driver.Prepare(ctx, id, 1, xa.TMNoFlags))

	m.down = true
	assert.Equal(t, xa.RMFail, driver.Open(ctx, "", 1, xa.TMNoFlags))
	assert.Equal(t, xa.RMFail, driver.Start(ctx, id, 1, xa.TMNoFlags))
	_, code := driver.Recover(ctx, 1)
	assert.Equal(t, xa.RMFail, code)
	m.down = false

	m.lockErr = true
	assert.Equal(t, xa.RMError, driver.Start(ctx, id, 1, xa.TMNoFlags))
	m.lockErr = false

	m.kv[pkg.BuildPreparedKey("cache")] = "not json"
	_, code = driver.Recover(ctx, 1)
	assert.Equal(t, xa.RMError, code)
}
