// Package state 跟踪可移除存储和媒体设备的生命周期状态。
//
// Tracker 为每个设备标识维护一条 DeviceRecord，由探测层转发的生命周期事件驱动，
// 每次被接受的变更只发出一次 stateChanged 通知，观察者收到通知后重新查询完整状态。
package state

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/pkg/event"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

// Tracker 持有设备标识到状态记录的映射。
// 探测层的方法不得在调用期间同步回调 Tracker。
type Tracker struct {
	probe Probe
	log   *zap.Logger
	now   func() time.Time

	mu      sync.RWMutex
	devices map[string]*DeviceRecord

	obsMu     sync.Mutex
	observers map[uint64]func(udi string)
	nextObs   uint64
}

// Option 配置 Tracker
type Option func(*Tracker)

// WithLogger 指定日志对象
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithClock 指定时间源，测试中用于固定 LastUpdated
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker 创建一个 Tracker，由程序的组合根持有并注入给所有观察者
func NewTracker(probe Probe, opts ...Option) *Tracker {
	t := &Tracker{
		probe:     probe,
		log:       logging.Named("state"),
		now:       func() time.Time { return time.Now().UTC() },
		devices:   make(map[string]*DeviceRecord),
		observers: make(map[uint64]func(string)),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log.Debug("Devices State Monitor created")
	return t
}

// OnStateChanged 注册观察者，返回取消函数。
// 回调在 Tracker 释放锁之后执行，可以在回调中重新查询状态。
func (t *Tracker) OnStateChanged(fn func(udi string)) (cancel func()) {
	t.obsMu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.obsMu.Unlock()

	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

func (t *Tracker) notify(udi string) {
	t.obsMu.Lock()
	ids := make([]uint64, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.observers[id])
	}
	t.obsMu.Unlock()

	for _, fn := range fns {
		fn(udi)
	}
}

// Register 开始跟踪设备。已跟踪的设备直接返回，不重置状态也不发通知。
func (t *Tracker) Register(udi string) {
	t.log.Debug("addDevice signal arrived", zap.String("udi", udi))

	t.mu.Lock()
	if _, ok := t.devices[udi]; ok {
		t.mu.Unlock()
		t.log.Debug("device is already monitored", zap.String("udi", udi))
		return
	}

	caps, err := t.probe.Capabilities(udi)
	if err != nil {
		// 探测失败时能力标志保持默认值，注册照常进行
		t.log.Debug("capability probe unavailable", zap.String("udi", udi), zap.Error(err))
		caps = Capabilities{}
	}

	rec := &DeviceRecord{
		ID:                  udi,
		State:               Idle,
		LastOperationResult: event.Success,
		IsRemovable:         caps.Removable(),
		LastUpdated:         t.now(),
	}
	if caps.StorageVolume {
		rec.IsMounted = caps.Accessible
	}
	t.devices[udi] = rec

	if kinds := caps.Subscriptions(); !kinds.Empty() {
		if err := t.probe.Subscribe(udi, kinds, t); err != nil {
			t.log.Warn("failed to subscribe device events", zap.String("udi", udi), zap.Error(err))
		}
	}
	t.mu.Unlock()

	t.log.Debug("device successfully added",
		zap.String("udi", udi),
		zap.Bool("removable", rec.IsRemovable),
		zap.Bool("mounted", rec.IsMounted))
	t.notify(udi)
}

// Unregister 停止跟踪设备：先取消订阅，再丢弃记录，最后发通知。
// 无论是否有操作在进行都会立即移除。
func (t *Tracker) Unregister(udi string) {
	t.log.Debug("remove signal arrived", zap.String("udi", udi))

	t.mu.Lock()
	if _, ok := t.devices[udi]; !ok {
		t.mu.Unlock()
		t.log.Debug("device was not monitored", zap.String("udi", udi))
		return
	}
	t.probe.Unsubscribe(udi)
	delete(t.devices, udi)
	t.mu.Unlock()

	t.notify(udi)
	t.log.Debug("device successfully removed", zap.String("udi", udi))
}

// HandleEvent 实现 Sink，按事件类型推进状态机
func (t *Tracker) HandleEvent(ev event.DeviceEvent) {
	switch k := ev.Kind; {
	case k == event.DeviceAdded:
		t.Register(ev.UDI)
	case k == event.DeviceRemoved:
		t.Unregister(ev.UDI)
	case k == event.MountRequested:
		t.setBusy(ev.UDI, Mounting)
	case k == event.UnmountRequested, k == event.EjectRequested:
		t.setBusy(ev.UDI, Unmounting)
	case k == event.CheckRequested:
		t.setBusy(ev.UDI, Checking)
	case k == event.RepairRequested:
		t.setBusy(ev.UDI, Repairing)
	case k.IsDone():
		t.setDone(ev.UDI, ev.Result, ev.Info)
	case k == event.AccessibilityChanged:
		t.setAccessibility(ev.UDI, ev.Accessible)
	default:
		t.log.Debug("ignoring event", zap.String("udi", ev.UDI), zap.Stringer("kind", k))
	}
}

func (t *Tracker) setBusy(udi string, s State) {
	t.mu.Lock()
	rec, ok := t.devices[udi]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.IsBusy = true
	rec.State = s
	rec.LastUpdated = t.now()
	t.mu.Unlock()

	t.log.Debug("device state changed", zap.String("udi", udi), zap.Stringer("state", s))
	t.notify(udi)
}

func (t *Tracker) setAccessibility(udi string, accessible bool) {
	t.mu.Lock()
	rec, ok := t.devices[udi]
	if !ok || rec.IsMounted == accessible {
		t.mu.Unlock()
		return
	}
	rec.IsMounted = accessible
	rec.LastUpdated = t.now()
	t.mu.Unlock()

	t.log.Debug("device accessibility changed", zap.String("udi", udi), zap.Bool("accessible", accessible))
	t.notify(udi)
}

func (t *Tracker) setDone(udi string, result Result, info event.Info) {
	// 操作完成时设备已被拔出，直接丢弃
	if !t.probe.IsValid(udi) {
		return
	}

	t.mu.Lock()
	rec, ok := t.devices[udi]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.IsBusy = false
	rec.LastOperationResult = result
	rec.LastOperationInfo = info

	switch rec.State {
	case Checking:
		rec.IsChecked = true
		rec.NeedsRepair = result == event.Success && !info.Bool() && t.probe.CanRepair(udi)
		rec.State = CheckDone
	case Repairing:
		rec.NeedsRepair = result != event.Success
		rec.State = RepairDone
	case Mounting:
		rec.IsMounted = t.probe.IsAccessible(udi)
		rec.State = MountDone
	case Unmounting:
		rec.IsMounted = t.probe.IsAccessible(udi)
		rec.State = UnmountDone
	default:
		rec.State = Idle
	}
	rec.LastUpdated = t.now()
	snapshot := *rec
	t.mu.Unlock()

	t.log.Debug("operation finished",
		zap.String("udi", udi),
		zap.Stringer("state", snapshot.State),
		zap.Stringer("result", result),
		zap.Stringer("info", info),
		zap.Bool("mounted", snapshot.IsMounted),
		zap.Bool("needRepair", snapshot.NeedsRepair))
	t.notify(udi)
}

func (t *Tracker) lookup(udi string) (DeviceRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.devices[udi]; ok {
		return *rec, true
	}
	return DeviceRecord{}, false
}

// Snapshot 返回设备记录的副本
func (t *Tracker) Snapshot(udi string) (DeviceRecord, bool) {
	return t.lookup(udi)
}

// Devices 返回当前跟踪的全部设备标识（已排序）
func (t *Tracker) Devices() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) IsBusy(udi string) bool {
	rec, _ := t.lookup(udi)
	return rec.IsBusy
}

func (t *Tracker) IsRemovable(udi string) bool {
	rec, _ := t.lookup(udi)
	return rec.IsRemovable
}

func (t *Tracker) IsMounted(udi string) bool {
	rec, _ := t.lookup(udi)
	return rec.IsMounted
}

func (t *Tracker) IsChecked(udi string) bool {
	rec, _ := t.lookup(udi)
	return rec.IsChecked
}

func (t *Tracker) NeedsRepair(udi string) bool {
	rec, _ := t.lookup(udi)
	return rec.NeedsRepair
}

// State 返回设备状态，未跟踪时为 NotPresent
func (t *Tracker) State(udi string) State {
	rec, _ := t.lookup(udi)
	return rec.State
}

// LastOperationResult 未跟踪时为 Success
func (t *Tracker) LastOperationResult(udi string) Result {
	rec, _ := t.lookup(udi)
	return rec.LastOperationResult
}

func (t *Tracker) LastOperationInfo(udi string) event.Info {
	rec, _ := t.lookup(udi)
	return rec.LastOperationInfo
}

// LastUpdated 未跟踪时为零值时间
func (t *Tracker) LastUpdated(udi string) time.Time {
	rec, _ := t.lookup(udi)
	return rec.LastUpdated
}
