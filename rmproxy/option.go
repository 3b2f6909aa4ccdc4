package rmproxy

import "time"

type Options struct {
	// 等待事务管理器接受注册的时长限制
	ConnectTimeout time.Duration
	// 单次资源操作的时长限制
	OpTimeout time.Duration
	// 收件箱容量
	InboxSize int
}

type Option func(*Options)

func WithConnectTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.ConnectTimeout = timeout
	}
}

func WithOpTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(o *Options) {
		o.OpTimeout = timeout
	}
}

func WithInboxSize(size int) Option {
	return func(o *Options) {
		o.InboxSize = size
	}
}

func repair(o *Options) {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 5 * time.Second
	}

	if o.OpTimeout <= 0 {
		o.OpTimeout = 30 * time.Second
	}
}
