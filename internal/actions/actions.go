// Package actions 提供设备上可执行的操作，操作是否可用由 Tracker 的状态决定
package actions

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/internal/state"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

const (
	NameMount    = "Mount"
	NameUnmount  = "Unmount"
	NameCheck    = "Check"
	NameRepair   = "Repair"
	NameOpenWith = "openWithFileManager"
)

// StateQuery 是 Tracker 的查询接口
type StateQuery interface {
	IsBusy(udi string) bool
	IsRemovable(udi string) bool
	IsMounted(udi string) bool
	IsChecked(udi string) bool
	NeedsRepair(udi string) bool
	OnStateChanged(fn func(udi string)) (cancel func())
}

// Operator 执行设备操作
type Operator interface {
	Capabilities(udi string) (state.Capabilities, error)
	IsAccessible(udi string) bool
	Mount(ctx context.Context, udi string) error
	Unmount(ctx context.Context, udi string) error
	Check(ctx context.Context, udi string) error
	Repair(ctx context.Context, udi string) error
}

// Opener 用文件管理器打开路径
type Opener func(ctx context.Context, path string) error

// XDGOpen 用桌面默认的文件管理器打开路径
func XDGOpen(ctx context.Context, path string) error {
	return exec.CommandContext(ctx, "xdg-open", path).Start()
}

// Action 是一个设备操作
type Action interface {
	Name() string
	Text() string
	IsValid() bool
	Trigger(ctx context.Context) error
}

type base struct {
	udi     string
	tracker StateQuery
	op      Operator
	log     *zap.Logger
}

func (b base) caps() (state.Capabilities, bool) {
	caps, err := b.op.Capabilities(b.udi)
	if err != nil {
		b.log.Debug("failed to probe device", zap.String("udi", b.udi), zap.Error(err))
		return state.Capabilities{}, false
	}
	return caps, true
}

type mountAction struct{ base }

func (a mountAction) Name() string { return NameMount }
func (a mountAction) Text() string { return "Mount" }

func (a mountAction) IsValid() bool {
	caps, ok := a.caps()
	return ok && caps.StorageVolume && !a.tracker.IsMounted(a.udi) && !a.tracker.IsBusy(a.udi)
}

func (a mountAction) Trigger(ctx context.Context) error {
	return a.op.Mount(ctx, a.udi)
}

type unmountAction struct{ base }

func (a unmountAction) Name() string { return NameUnmount }
func (a unmountAction) Text() string { return "Safely remove" }

func (a unmountAction) IsValid() bool {
	caps, ok := a.caps()
	if !ok || !caps.StorageVolume {
		return false
	}
	return a.tracker.IsRemovable(a.udi) && caps.FilePath != "/" && a.tracker.IsMounted(a.udi)
}

// Trigger 弹出光盘，或卸载已挂载的存储卷
func (a unmountAction) Trigger(ctx context.Context) error {
	caps, ok := a.caps()
	if !ok {
		return fmt.Errorf("unmount %s: %w", a.udi, state.ErrUnknownDevice)
	}
	if !caps.OpticalDisc && !a.op.IsAccessible(a.udi) {
		a.log.Debug("device is not mounted", zap.String("udi", a.udi))
		return nil
	}
	return a.op.Unmount(ctx, a.udi)
}

type checkAction struct{ base }

func (a checkAction) Name() string { return NameCheck }
func (a checkAction) Text() string { return "Check for Errors" }

func (a checkAction) IsValid() bool {
	caps, ok := a.caps()
	return ok && caps.StorageVolume && caps.CanCheck && !a.op.IsAccessible(a.udi) && !a.tracker.IsChecked(a.udi)
}

func (a checkAction) Trigger(ctx context.Context) error {
	a.log.Debug("check action triggered", zap.String("udi", a.udi))
	caps, ok := a.caps()
	if !ok || !caps.CanCheck {
		return nil
	}
	return a.op.Check(ctx, a.udi)
}

type repairAction struct{ base }

func (a repairAction) Name() string { return NameRepair }
func (a repairAction) Text() string { return "Repair" }

func (a repairAction) IsValid() bool {
	caps, ok := a.caps()
	return ok && caps.StorageVolume && caps.CanRepair && a.tracker.NeedsRepair(a.udi) && !a.op.IsAccessible(a.udi)
}

func (a repairAction) Trigger(ctx context.Context) error {
	caps, ok := a.caps()
	if !ok || !caps.CanRepair {
		return nil
	}
	return a.op.Repair(ctx, a.udi)
}

type openAction struct {
	base
	open Opener
}

func (a openAction) Name() string { return NameOpenWith }
func (a openAction) Text() string { return "Open with File Manager" }

func (a openAction) IsValid() bool {
	return a.tracker.IsRemovable(a.udi) && a.tracker.IsMounted(a.udi)
}

func (a openAction) Trigger(ctx context.Context) error {
	caps, ok := a.caps()
	if !ok || caps.FilePath == "" {
		return fmt.Errorf("open %s: device is not mounted", a.udi)
	}
	return a.open(ctx, caps.FilePath)
}

// Option 配置 ForDevice
type Option func(*options)

type options struct {
	open Opener
}

// WithOpener 替换文件管理器启动方式
func WithOpener(fn Opener) Option { return func(o *options) { o.open = fn } }

// Set 是一个设备的全部操作
type Set struct {
	udi     string
	tracker StateQuery
	actions []Action
}

// ForDevice 为设备构造操作集合
func ForDevice(udi string, tracker StateQuery, op Operator, opts ...Option) *Set {
	o := options{open: XDGOpen}
	for _, opt := range opts {
		opt(&o)
	}
	b := base{udi: udi, tracker: tracker, op: op, log: logging.Named("actions")}
	return &Set{
		udi:     udi,
		tracker: tracker,
		actions: []Action{
			mountAction{b},
			unmountAction{b},
			checkAction{b},
			repairAction{b},
			openAction{base: b, open: o.open},
		},
	}
}

// All 返回全部操作
func (s *Set) All() []Action {
	return append([]Action(nil), s.actions...)
}

// Get 按名称查找操作
func (s *Set) Get(name string) (Action, bool) {
	for _, a := range s.actions {
		if a.Name() == name {
			return a, true
		}
	}
	return nil, false
}

// Valid 返回当前可用操作的名称，已排序
func (s *Set) Valid() []string {
	var names []string
	for _, a := range s.actions {
		if a.IsValid() {
			names = append(names, a.Name())
		}
	}
	sort.Strings(names)
	return names
}

// WatchValidity 在设备状态变化导致某个操作的可用性改变时调用 fn，
// 返回取消函数
func (s *Set) WatchValidity(fn func(name string, valid bool)) (cancel func()) {
	var mu sync.Mutex
	last := make(map[string]bool, len(s.actions))
	for _, a := range s.actions {
		last[a.Name()] = a.IsValid()
	}
	return s.tracker.OnStateChanged(func(udi string) {
		if udi != s.udi {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for _, a := range s.actions {
			valid := a.IsValid()
			if valid == last[a.Name()] {
				continue
			}
			last[a.Name()] = valid
			fn(a.Name(), valid)
		}
	})
}
