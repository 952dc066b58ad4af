package freespace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/disk"
	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/pkg/logging"
)

const mib = 1024 * 1024

// ErrNoWarning 表示当前没有打开的警告
var ErrNoWarning = errors.New("no low space warning is open")

// Settings 对应 free_space 配置段
type Settings struct {
	Enabled           bool
	MinimumSpaceMiB   int64
	MinimumPercentage int64
	Interval          time.Duration
	RearmAfter        time.Duration
}

// UsageFunc 返回路径所在文件系统的容量，默认是 disk.Usage
type UsageFunc func(path string) (*disk.UsageStat, error)

// Watcher 周期检查一个路径的可用空间
type Watcher struct {
	name     string
	path     string
	settings Settings
	usage    UsageFunc
	notifier Notifier
	explorer Explorer
	log      *zap.Logger

	enabled atomic.Bool

	mu        sync.Mutex
	lastAvail int64 // MiB，-1 表示从未检查过
	warning   *Warning
	rearm     *time.Timer
}

type WatcherOption func(*Watcher)

func WithUsage(fn UsageFunc) WatcherOption { return func(w *Watcher) { w.usage = fn } }

// WithExplorer 替换警告上“打开”操作的实现
func WithExplorer(e Explorer) WatcherOption { return func(w *Watcher) { w.explorer = e } }

func NewWatcher(name, path string, settings Settings, notifier Notifier, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		name:      name,
		path:      path,
		settings:  settings,
		usage:     disk.Usage,
		notifier:  notifier,
		explorer:  DefaultExplorer(),
		log:       logging.Named("freespace").With(zap.String("path", path)),
		lastAvail: -1,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.settings.Interval <= 0 {
		w.settings.Interval = time.Minute
	}
	if w.settings.RearmAfter <= 0 {
		w.settings.RearmAfter = time.Hour
	}
	w.enabled.Store(settings.Enabled)
	return w
}

// SetEnabled 开关检查，关闭后 Run 在下一次检查时退出
func (w *Watcher) SetEnabled(enabled bool) { w.enabled.Store(enabled) }

// Run 立即检查一次，之后按间隔检查，直到 ctx 取消或检查被关闭
func (w *Watcher) Run(ctx context.Context) {
	defer w.stopRearm()

	if !w.Check() {
		return
	}
	ticker := time.NewTicker(w.settings.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.Check() {
				w.log.Info("free space notification disabled")
				return
			}
		}
	}
}

// Check 执行一次检查，返回 false 表示检查已被关闭
func (w *Watcher) Check() bool {
	if !w.enabled.Load() {
		return false
	}

	u, err := w.usage(w.path)
	if err != nil {
		w.log.Debug("failed to get free space", zap.Error(err))
		return true
	}
	if u.Total == 0 {
		return true
	}

	totalMiB := int64(u.Total / mib)
	percLimit := w.settings.MinimumPercentage * totalMiB / 100
	limit := min(w.settings.MinimumSpaceMiB, percLimit)
	avail := int64(u.Free / mib)

	w.mu.Lock()
	defer w.mu.Unlock()

	if avail >= limit {
		w.closeLocked()
		w.lastAvail = avail
		return true
	}

	availPercent := int(100 * u.Free / u.Total)
	text := fmt.Sprintf("%s is running out of space: %d MiB (%d%%) remaining", w.name, avail, availPercent)
	w.log.Debug("available percentage", zap.Int("percent", availPercent))

	if w.warning != nil {
		w.warning.AvailMiB = avail
		w.warning.AvailPercent = availPercent
		w.warning.Text = text
		w.notifier.Update(*w.warning)
	}

	// 用户释放了空间，等再次变低时才警告
	if w.lastAvail > -1 && avail > w.lastAvail {
		w.lastAvail = avail
		return true
	}

	// 首次低于阈值，或可用空间跌到上次警告时的一半以下
	warn := w.lastAvail < 0 || w.lastAvail >= limit || avail < w.lastAvail/2
	if !warn {
		return true
	}
	w.lastAvail = avail

	if w.warning == nil {
		w.warning = &Warning{
			ID:           uuid.New(),
			Name:         w.name,
			Path:         w.path,
			AvailMiB:     avail,
			AvailPercent: availPercent,
			Text:         text,
			ActionText:   w.explorer.Text,
		}
		w.notifier.Show(*w.warning)
	}
	return true
}

// Dismiss 由用户关闭当前警告
func (w *Watcher) Dismiss() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
}

// Explore 响应警告上的“打开”操作：打开路径并关闭警告
func (w *Watcher) Explore(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warning == nil {
		return ErrNoWarning
	}
	if err := w.explorer.Open(ctx, w.path); err != nil {
		return fmt.Errorf("explore %s: %w", w.path, err)
	}
	w.log.Debug("explore requested")
	w.closeLocked()
	return nil
}

// Warning 返回当前打开的警告
func (w *Watcher) Warning() (Warning, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warning == nil {
		return Warning{}, false
	}
	return *w.warning, true
}

func (w *Watcher) closeLocked() {
	if w.warning == nil {
		return
	}
	w.notifier.Close(w.warning.ID)
	w.warning = nil

	// 持续低于阈值过久时再次警告
	if w.rearm == nil {
		w.rearm = time.AfterFunc(w.settings.RearmAfter, w.resetLastAvailable)
	} else {
		w.rearm.Reset(w.settings.RearmAfter)
	}
}

func (w *Watcher) resetLastAvailable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastAvail = w.settings.MinimumSpaceMiB
	w.rearm = nil
}

func (w *Watcher) stopRearm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.rearm != nil {
		w.rearm.Stop()
		w.rearm = nil
	}
}
