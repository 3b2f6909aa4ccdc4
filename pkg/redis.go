package pkg

import (
	"fmt"

	"github.com/xiaoxuxiansheng/redis_lock"
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// 分支状态 key
func BuildBranchKey(rm, txID string) string {
	return fmt.Sprintf("goxa:branch:%s:%s", rm, txID)
}

// 分支锁 key
func BuildBranchLockKey(rm, txID string) string {
	return fmt.Sprintf("goxa:branchLock:%s:%s", rm, txID)
}

// 资源管理器已 prepare 分支列表 key, 供 recover 使用
func BuildPreparedKey(rm string) string {
	return fmt.Sprintf("goxa:prepared:%s", rm)
}

func BuildPreparedLockKey(rm string) string {
	return fmt.Sprintf("goxa:preparedLock:%s", rm)
}

// 资源管理器连通性探测 key
func BuildPingKey(rm string) string {
	return fmt.Sprintf("goxa:ping:%s", rm)
}

// 事务管理器恢复任务的分布式锁 key
func BuildRecoveryLockKey() string {
	return "goxa:decisionLog:lock"
}
