// Package app 组装探测层、Tracker、引擎和各个监控组件
package app

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Hara602/deviceNotifier/internal/actions"
	"github.com/Hara602/deviceNotifier/internal/config"
	"github.com/Hara602/deviceNotifier/internal/core"
	"github.com/Hara602/deviceNotifier/internal/freespace"
	linux_monitor "github.com/Hara602/deviceNotifier/internal/monitor/linux"
	"github.com/Hara602/deviceNotifier/internal/space"
	"github.com/Hara602/deviceNotifier/internal/state"
	"github.com/Hara602/deviceNotifier/pkg/event"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

// App 持有一次运行所需的全部组件
type App struct {
	cfg     *config.Config
	Probe   *linux_monitor.Probe
	Tracker *state.Tracker
	log     *zap.Logger
}

func New(cfg *config.Config, opts ...linux_monitor.ProbeOption) *App {
	probeOpts := append([]linux_monitor.ProbeOption{
		linux_monitor.WithSysRoot(cfg.Monitor.SysRoot),
		linux_monitor.WithUdevRoot(cfg.Monitor.UdevRoot),
	}, opts...)
	probe := linux_monitor.NewProbe(probeOpts...)

	return &App{
		cfg:     cfg,
		Probe:   probe,
		Tracker: state.NewTracker(probe),
		log:     logging.Named("app"),
	}
}

// RegisterPresent 注册当前已经接入的全部设备
func (a *App) RegisterPresent() error {
	udis, err := a.Probe.Devices()
	if err != nil {
		return err
	}
	for _, udi := range udis {
		a.Tracker.Register(udi)
	}
	return nil
}

// Resolve 接受 UDI、设备名（sdb1）或设备节点（/dev/sdb1）
func (a *App) Resolve(arg string) (string, error) {
	udi := arg
	if _, ok := linux_monitor.NameFromUDI(arg); !ok {
		udi = linux_monitor.UDIFor(strings.TrimPrefix(arg, "/dev/"))
	}
	if !a.Probe.IsValid(udi) {
		return "", fmt.Errorf("%w: %s", state.ErrUnknownDevice, arg)
	}
	return udi, nil
}

// Trigger 在设备上执行指定名称的操作
func (a *App) Trigger(ctx context.Context, arg, name string) error {
	udi, err := a.Resolve(arg)
	if err != nil {
		return err
	}
	a.Tracker.Register(udi)

	set := actions.ForDevice(udi, a.Tracker, a.Probe)
	action, ok := set.Get(name)
	if !ok {
		return fmt.Errorf("unknown action %q", name)
	}
	if !action.IsValid() {
		return fmt.Errorf("%s is not available for %s (available: %s)", name, arg, strings.Join(set.Valid(), ", "))
	}

	if timeout := a.cfg.OperationTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	a.log.Info("triggering action", zap.String("udi", udi), zap.String("action", name))
	if err := action.Trigger(ctx); err != nil {
		return err
	}
	a.log.Info("action finished",
		zap.String("udi", udi),
		zap.String("action", name),
		zap.Stringer("state", a.Tracker.State(udi)),
		zap.Stringer("result", a.Tracker.LastOperationResult(udi)))
	return nil
}

// Run 启动设备引擎、容量监控和低空间警告，直到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	roots := MediaRoots(a.cfg)
	a.log.Info("device notifier started", zap.Strings("media_roots", roots))

	spaceMon := space.NewMonitor(a.Tracker, a.Probe, a.cfg.SpaceRefresh())
	defer spaceMon.Close()
	spaceMon.OnSizeChanged(func(udi string) {
		a.log.Debug("size changed",
			zap.String("udi", udi),
			zap.Int64("size", spaceMon.FullSize(udi)),
			zap.Int64("free", spaceMon.FreeSize(udi)))
	})

	cancelState := a.Tracker.OnStateChanged(func(udi string) {
		rec, ok := a.Tracker.Snapshot(udi)
		if !ok {
			return
		}
		a.log.Info("device state",
			zap.String("udi", udi),
			zap.Stringer("state", rec.State),
			zap.Bool("mounted", rec.IsMounted),
			zap.Bool("removable", rec.IsRemovable),
			zap.Bool("busy", rec.IsBusy))
	})
	defer cancelState()

	engine := core.NewEngine(a.Tracker, a.Probe)
	engine.AddMonitor(linux_monitor.NewDeviceMonitor(a.cfg.Monitor.SysRoot, a.cfg.PollInterval()))
	engine.AddMonitor(linux_monitor.NewFSMonitor(a.Probe, a.cfg.MountSettle(), roots...))
	engine.OnEvent = func(ev event.DeviceEvent) {
		switch ev.Kind {
		case event.DeviceAdded:
			spaceMon.Add(ev.UDI)
		case event.DeviceRemoved:
			spaceMon.Remove(ev.UDI)
		}
	}
	spaceMon.SetVisible(true)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.FreeSpace.Enabled {
		notifier := freespace.NewLogNotifier()
		for _, target := range FreeSpaceTargets(a.cfg) {
			w := freespace.NewWatcher(target.Name, target.Path, freeSpaceSettings(a.cfg), notifier)
			g.Go(func() error {
				w.Run(ctx)
				return nil
			})
		}
	}

	g.Go(func() error {
		// 引擎退出时同时停止低空间检查
		defer cancel()
		return engine.Run(ctx)
	})
	return g.Wait()
}

// MediaRoots 返回需要监听挂载点变化的目录：
// 非 root 用户优先使用 /media/<user>，其余使用配置中的目录
func MediaRoots(cfg *config.Config) []string {
	var roots []string
	seen := map[string]bool{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			roots = append(roots, p)
		}
	}

	if u, err := user.Current(); err == nil && u.Username != "root" {
		for _, base := range cfg.Monitor.MediaRoots {
			p := filepath.Join(base, u.Username)
			if _, err := os.Stat(p); err == nil {
				add(p)
			}
		}
	}
	for _, base := range cfg.Monitor.MediaRoots {
		add(base)
	}
	return roots
}

// Target 是一个需要检查可用空间的路径
type Target struct {
	Name string
	Path string
}

// FreeSpaceTargets 返回配置的路径，未配置时为根目录和家目录
func FreeSpaceTargets(cfg *config.Config) []Target {
	if len(cfg.FreeSpace.Paths) > 0 {
		targets := make([]Target, 0, len(cfg.FreeSpace.Paths))
		for _, p := range cfg.FreeSpace.Paths {
			targets = append(targets, Target{Name: p, Path: p})
		}
		return targets
	}

	targets := []Target{{Name: "Root", Path: "/"}}
	if home, err := os.UserHomeDir(); err == nil && home != "/" {
		targets = append(targets, Target{Name: "Home", Path: home})
	}
	return targets
}

func freeSpaceSettings(cfg *config.Config) freespace.Settings {
	return freespace.Settings{
		Enabled:           cfg.FreeSpace.Enabled,
		MinimumSpaceMiB:   cfg.FreeSpace.MinimumSpaceMiB,
		MinimumPercentage: cfg.FreeSpace.MinimumPercentage,
		Interval:          cfg.FreeSpaceInterval(),
		RearmAfter:        cfg.FreeSpaceRearm(),
	}
}
