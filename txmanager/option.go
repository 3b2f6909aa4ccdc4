package txmanager

import "time"

// ResourceConfig 预先配置的资源管理器代理
type ResourceConfig struct {
	ID  int
	Key string
	// 期望的实例数, 仅用于诊断
	Instances int
}

type Options struct {
	// 进程名称
	Name string
	// 单个子请求 (prepare/commit/rollback) 的时长限制
	Timeout time.Duration
	// 恢复扫描的间隔时长
	MonitorTick time.Duration
	// 决议日志批量落盘的条目数上限
	BatchSize int
	// 决议日志的落盘间隔, 同时也是检查子请求超时的间隔
	FlushInterval time.Duration
	// active 状态的事务记录在没有任何消息时的存活时长
	TransactionTimeout time.Duration
	// 无法送达的应答的保留时长
	RetainDuration time.Duration
	Resources      []ResourceConfig
}

type Option func(*Options)

func WithName(name string) Option {
	return func(o *Options) {
		o.Name = name
	}
}

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithBatchSize(size int) Option {
	if size <= 0 {
		size = 100
	}

	return func(o *Options) {
		o.BatchSize = size
	}
}

func WithFlushInterval(interval time.Duration) Option {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}

	return func(o *Options) {
		o.FlushInterval = interval
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return func(o *Options) {
		o.TransactionTimeout = timeout
	}
}

func WithRetainDuration(duration time.Duration) Option {
	if duration <= 0 {
		duration = 10 * time.Minute
	}

	return func(o *Options) {
		o.RetainDuration = duration
	}
}

func WithResources(resources ...ResourceConfig) Option {
	return func(o *Options) {
		o.Resources = append(o.Resources, resources...)
	}
}

func repair(o *Options) {
	if o.Name == "" {
		o.Name = "xatm"
	}

	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}

	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}

	if o.FlushInterval <= 0 {
		o.FlushInterval = 10 * time.Millisecond
	}

	if o.TransactionTimeout <= 0 {
		o.TransactionTimeout = 10 * time.Minute
	}

	if o.RetainDuration <= 0 {
		o.RetainDuration = 10 * time.Minute
	}
}
