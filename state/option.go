package state

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	gotx "github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/clock"
)

// Copier 把 src 深拷贝到 dst（dst 为指针）
type Copier func(src interface{}, dst interface{}) error

// JSONCopier 默认的深拷贝实现，状态需要能被 json 序列化
func JSONCopier(src interface{}, dst interface{}) error {
	body, err := json.Marshal(src)
	if err != nil {
		return errors.Wrap(err, "copy state: marshal")
	}
	return errors.Wrap(json.Unmarshal(body, dst), "copy state: unmarshal")
}

type Options struct {
	// 轮询监控任务间隔时长
	MonitorTick time.Duration
	// 等锁超时时长
	LockTimeout time.Duration
	// 管理者等待投票的时长，超时后开始 ping
	PrepareTimeout time.Duration
	// 资源投票后等待 confirm 的时长，超时后开始 ping
	ConfirmTimeout time.Duration
	// ping 连续失败次数上限，超过后单方面中止
	MaxPingFailures int
	// 发往其他参与者的单条消息超时时长
	MessageTimeout time.Duration
	// 已中止事务的保留时长，期间迟到的消息可以得到正确答复
	AbortedRetention time.Duration
	Copier           Copier
	FaultInjector    gotx.FaultInjector
	Clock            *clock.CausalClock
}

type Option func(*Options)

func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithLockTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.LockTimeout = timeout
	}
}

func WithPrepareTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.PrepareTimeout = timeout
	}
}

func WithConfirmTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.ConfirmTimeout = timeout
	}
}

func WithMaxPingFailures(n int) Option {
	if n <= 0 {
		n = 3
	}

	return func(o *Options) {
		o.MaxPingFailures = n
	}
}

func WithMessageTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.MessageTimeout = timeout
	}
}

func WithCopier(copier Copier) Option {
	return func(o *Options) {
		o.Copier = copier
	}
}

func WithFaultInjector(injector gotx.FaultInjector) Option {
	return func(o *Options) {
		o.FaultInjector = injector
	}
}

func WithClock(c *clock.CausalClock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func repair(o *Options) {
	if o.MonitorTick <= 0 {
		o.MonitorTick = 500 * time.Millisecond
	}

	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}

	if o.PrepareTimeout <= 0 {
		o.PrepareTimeout = 5 * time.Second
	}

	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = 5 * time.Second
	}

	if o.MaxPingFailures <= 0 {
		o.MaxPingFailures = 3
	}

	if o.MessageTimeout <= 0 {
		o.MessageTimeout = 5 * time.Second
	}

	if o.AbortedRetention <= 0 {
		o.AbortedRetention = time.Minute
	}

	if o.Copier == nil {
		o.Copier = JSONCopier
	}

	if o.FaultInjector == nil {
		o.FaultInjector = gotx.NoopFaultInjector()
	}

	if o.Clock == nil {
		o.Clock = clock.NewCausalClock(nil)
	}
}
