package gotx

import (
	"sync"
)

// FaultPoint 协议消息处理前后可注入故障的位置
type FaultPoint int

const (
	BeforePrepare FaultPoint = iota
	AfterPrepare
	BeforePrepareAndCommit
	AfterPrepareAndCommit
	BeforeCommit
	AfterCommit
	BeforeCommitReadOnly
	AfterCommitReadOnly
	BeforeAbort
	AfterAbort
	BeforeCancel
	AfterCancel
	BeforeConfirm
	AfterConfirm
	BeforePing
	AfterPing
)

var faultPointNames = [...]string{
	"BeforePrepare", "AfterPrepare",
	"BeforePrepareAndCommit", "AfterPrepareAndCommit",
	"BeforeCommit", "AfterCommit",
	"BeforeCommitReadOnly", "AfterCommitReadOnly",
	"BeforeAbort", "AfterAbort",
	"BeforeCancel", "AfterCancel",
	"BeforeConfirm", "AfterConfirm",
	"BeforePing", "AfterPing",
}

func (p FaultPoint) String() string {
	if p >= 0 && int(p) < len(faultPointNames) {
		return faultPointNames[p]
	}
	return "FaultPoint(?)"
}

type Fault int

const (
	FaultNone Fault = iota
	// FaultDeactivation 模拟宿主崩溃：内存状态全部丢失
	FaultDeactivation
	// FaultStorageException 下一次存储写入失败
	FaultStorageException
)

func (f Fault) String() string {
	switch f {
	case FaultDeactivation:
		return "Deactivation"
	case FaultStorageException:
		return "StorageException"
	default:
		return "None"
	}
}

// FaultInjector 在 point 处返回需要注入的故障
type FaultInjector interface {
	Inject(point FaultPoint, resource ParticipantID, txID string) Fault
}

type noopFaultInjector struct{}

func (noopFaultInjector) Inject(FaultPoint, ParticipantID, string) Fault {
	return FaultNone
}

// NoopFaultInjector 默认实现，从不注入故障
func NoopFaultInjector() FaultInjector {
	return noopFaultInjector{}
}

type faultKey struct {
	point    FaultPoint
	resource string
}

type faultRule struct {
	fault     Fault
	remaining int
}

// ControlledFaultInjector 按 (位置, 参与者名称) 独立开关的故障注入器
type ControlledFaultInjector struct {
	mux   sync.Mutex
	rules map[faultKey]*faultRule
	hits  map[FaultPoint]int
}

func NewControlledFaultInjector() *ControlledFaultInjector {
	return &ControlledFaultInjector{
		rules: make(map[faultKey]*faultRule),
		hits:  make(map[FaultPoint]int),
	}
}

// Set 在 resource 的 point 处持续注入 fault，resource 为空表示所有参与者
func (c *ControlledFaultInjector) Set(point FaultPoint, resource string, fault Fault) {
	c.set(point, resource, fault, -1)
}

// SetOnce 只注入一次
func (c *ControlledFaultInjector) SetOnce(point FaultPoint, resource string, fault Fault) {
	c.set(point, resource, fault, 1)
}

func (c *ControlledFaultInjector) set(point FaultPoint, resource string, fault Fault, times int) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.rules[faultKey{point: point, resource: resource}] = &faultRule{fault: fault, remaining: times}
}

func (c *ControlledFaultInjector) Clear() {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.rules = make(map[faultKey]*faultRule)
}

// Hits point 被触发故障的次数
func (c *ControlledFaultInjector) Hits(point FaultPoint) int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.hits[point]
}

func (c *ControlledFaultInjector) Inject(point FaultPoint, resource ParticipantID, txID string) Fault {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, key := range []faultKey{{point, resource.Name}, {point, ""}} {
		rule, ok := c.rules[key]
		if !ok || rule.remaining == 0 {
			continue
		}
		if rule.remaining > 0 {
			rule.remaining--
		}
		c.hits[point]++
		return rule.fault
	}
	return FaultNone
}
