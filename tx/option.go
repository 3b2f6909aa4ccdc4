package tx

import "time"

type Options struct {
	// 等待事务管理器应答的时长限制
	CallTimeout time.Duration
	// 事务时长限制, 为 0 时不限制
	TransactionTimeout time.Duration
	// begin 时向事务管理器申请 trid, 此时即使只涉及一个本地资源也由事务管理器完成提交
	CoordinatorBegin bool
}

type Option func(*Options)

func WithCallTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return func(o *Options) {
		o.CallTimeout = timeout
	}
}

func WithTransactionTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.TransactionTimeout = timeout
	}
}

func WithCoordinatorBegin() Option {
	return func(o *Options) {
		o.CoordinatorBegin = true
	}
}

func repair(o *Options) {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 10 * time.Second
	}

	if o.TransactionTimeout < 0 {
		o.TransactionTimeout = 0
	}
}
