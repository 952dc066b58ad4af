// Package space 维护每个设备的总容量和可用容量
package space

import (
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/pkg/logging"
)

// Unknown 表示容量未知或设备不可访问
const Unknown int64 = -1

// Sizer 查询设备挂载点和容量
type Sizer interface {
	MountPoint(udi string) (string, bool)
	Usage(udi string) (total, free uint64, err error)
}

// StateNotifier 由 state.Tracker 实现
type StateNotifier interface {
	OnStateChanged(fn func(udi string)) (cancel func())
}

type sizes struct {
	full int64
	free int64
}

// Monitor 在设备状态变化时刷新容量，界面可见时按固定间隔刷新全部设备
type Monitor struct {
	sizer    Sizer
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	sizes   map[string]sizes
	visible bool
	running bool
	stop    chan struct{}
	wg      sync.WaitGroup

	obsMu     sync.Mutex
	observers []func(udi string)

	cancelState func()
}

func NewMonitor(notifier StateNotifier, sizer Sizer, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	m := &Monitor{
		sizer:    sizer,
		interval: interval,
		log:      logging.Named("space"),
		sizes:    make(map[string]sizes),
		stop:     make(chan struct{}),
	}
	m.cancelState = notifier.OnStateChanged(m.deviceStateChanged)
	m.log.Debug("Space Monitor initialized")
	return m
}

// OnSizeChanged 注册容量变化观察者
func (m *Monitor) OnSizeChanged(fn func(udi string)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Monitor) notify(udi string) {
	m.obsMu.Lock()
	fns := slices.Clone(m.observers)
	m.obsMu.Unlock()
	for _, fn := range fns {
		fn(udi)
	}
}

// FullSize 返回总容量（字节），未知时为 Unknown
func (m *Monitor) FullSize(udi string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sizes[udi]; ok {
		return s.full
	}
	return Unknown
}

// FreeSize 返回可用容量（字节），未知时为 Unknown
func (m *Monitor) FreeSize(udi string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sizes[udi]; ok {
		return s.free
	}
	return Unknown
}

// Add 开始监控设备容量并立即刷新一次
func (m *Monitor) Add(udi string) {
	m.log.Debug("adding new device", zap.String("udi", udi))
	m.mu.Lock()
	if _, ok := m.sizes[udi]; !ok {
		m.sizes[udi] = sizes{full: Unknown, free: Unknown}
	}
	m.mu.Unlock()
	m.update(udi)
}

// Remove 停止监控设备容量
func (m *Monitor) Remove(udi string) {
	m.mu.Lock()
	_, ok := m.sizes[udi]
	delete(m.sizes, udi)
	m.mu.Unlock()

	if !ok {
		m.log.Debug("device not found", zap.String("udi", udi))
		return
	}
	m.log.Debug("remove device", zap.String("udi", udi))
	m.notify(udi)
}

// ForceUpdate 立即刷新已监控设备的容量
func (m *Monitor) ForceUpdate(udi string) {
	if !m.known(udi) {
		m.log.Debug("device not found", zap.String("udi", udi))
		return
	}
	m.update(udi)
}

func (m *Monitor) known(udi string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sizes[udi]
	return ok
}

func (m *Monitor) deviceStateChanged(udi string) {
	if m.known(udi) {
		m.update(udi)
	}
}

// SetVisible 控制周期刷新：可见时立即刷新全部设备并启动定时器，
// 不可见时定时器再触发一次后停止
func (m *Monitor) SetVisible(visible bool) {
	m.log.Debug("visibility changed", zap.Bool("visible", visible))
	m.mu.Lock()
	m.visible = visible
	start := visible && !m.running
	if start {
		m.running = true
		m.wg.Add(1)
	}
	m.mu.Unlock()

	if start {
		m.updateAll()
		go m.loop()
	}
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.updateAll()

			m.mu.Lock()
			if !m.visible {
				m.running = false
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
		}
	}
}

func (m *Monitor) updateAll() {
	m.mu.Lock()
	udis := make([]string, 0, len(m.sizes))
	for udi := range m.sizes {
		udis = append(udis, udi)
	}
	m.mu.Unlock()

	sort.Strings(udis)
	for _, udi := range udis {
		m.update(udi)
	}
}

func (m *Monitor) update(udi string) {
	if _, mounted := m.sizer.MountPoint(udi); !mounted {
		m.log.Debug("failed to get storage access", zap.String("udi", udi))
		m.set(udi, sizes{full: Unknown, free: Unknown})
		return
	}

	total, free, err := m.sizer.Usage(udi)
	if err != nil {
		// 查询失败时保留上一次的结果
		m.log.Debug("failed to get size", zap.String("udi", udi), zap.Error(err))
		return
	}
	m.log.Debug("storage space updated", zap.String("udi", udi), zap.Uint64("size", total), zap.Uint64("free", free))
	m.set(udi, sizes{full: int64(total), free: int64(free)})
}

func (m *Monitor) set(udi string, s sizes) {
	m.mu.Lock()
	if _, ok := m.sizes[udi]; !ok {
		// 刷新期间设备已被移除
		m.mu.Unlock()
		return
	}
	m.sizes[udi] = s
	m.mu.Unlock()
	m.notify(udi)
}

// Close 停止定时刷新并取消对状态变化的订阅
func (m *Monitor) Close() {
	m.cancelState()
	m.mu.Lock()
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
