// Package statetest 提供 state.Probe 的测试替身
package statetest

import (
	"sync"

	"github.com/Hara602/deviceNotifier/internal/state"
	"github.com/Hara602/deviceNotifier/pkg/event"
)

type subscription struct {
	kinds event.KindSet
	sink  state.Sink
}

// Probe 是内存中的探测层，测试通过 Set/Emit 驱动设备
type Probe struct {
	mu      sync.Mutex
	devices map[string]state.Capabilities
	subs    map[string]subscription

	Unsubscribed []string
}

func NewProbe() *Probe {
	return &Probe{
		devices: make(map[string]state.Capabilities),
		subs:    make(map[string]subscription),
	}
}

// Set 添加或替换设备能力
func (p *Probe) Set(udi string, caps state.Capabilities) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[udi] = caps
}

// Remove 模拟设备拔出，使 IsValid 返回 false
func (p *Probe) Remove(udi string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, udi)
}

// SetAccessible 更新挂载状态但不发事件
func (p *Probe) SetAccessible(udi string, accessible bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps := p.devices[udi]
	caps.Accessible = accessible
	p.devices[udi] = caps
}

// Subscribed 返回设备当前订阅的事件集合
func (p *Probe) Subscribed(udi string) (event.KindSet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subs[udi]
	return s.kinds, ok
}

// Emit 把事件转发给订阅了该类型的 sink，返回是否被投递
func (p *Probe) Emit(ev event.DeviceEvent) bool {
	p.mu.Lock()
	s, ok := p.subs[ev.UDI]
	p.mu.Unlock()
	if !ok || !s.kinds.Has(ev.Kind) {
		return false
	}
	s.sink.HandleEvent(ev)
	return true
}

func (p *Probe) Capabilities(udi string) (state.Capabilities, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	caps, ok := p.devices[udi]
	if !ok {
		return state.Capabilities{}, state.ErrUnknownDevice
	}
	return caps, nil
}

func (p *Probe) IsValid(udi string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.devices[udi]
	return ok
}

func (p *Probe) IsAccessible(udi string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[udi].Accessible
}

func (p *Probe) CanRepair(udi string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.devices[udi].CanRepair
}

func (p *Probe) Subscribe(udi string, kinds event.KindSet, sink state.Sink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[udi] = subscription{kinds: kinds, sink: sink}
	return nil
}

func (p *Probe) Unsubscribe(udi string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, udi)
	p.Unsubscribed = append(p.Unsubscribed, udi)
}
