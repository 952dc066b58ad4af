package linux_monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"
	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/internal/state"
	"github.com/Hara602/deviceNotifier/pkg/event"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

const probeSource = "PROBE (Linux)"

type subscription struct {
	kinds event.KindSet
	sink  state.Sink
}

// Probe 基于 sysfs、udev 数据库和挂载表实现 state.Probe，
// 并按设备把生命周期事件转发给订阅者。
type Probe struct {
	sysRoot  string
	udevRoot string

	listMounts func() ([]disk.PartitionStat, error)
	usage      func(path string) (*disk.UsageStat, error)
	run        Runner
	log        *zap.Logger

	mu      sync.Mutex
	subs    map[string]subscription
	mounted map[string]bool // 订阅设备上一次已知的可访问状态
}

// ProbeOption 配置 Probe
type ProbeOption func(*Probe)

func WithSysRoot(path string) ProbeOption { return func(p *Probe) { p.sysRoot = path } }

func WithUdevRoot(path string) ProbeOption { return func(p *Probe) { p.udevRoot = path } }

// WithMountLister 替换挂载表来源，测试中使用
func WithMountLister(fn func() ([]disk.PartitionStat, error)) ProbeOption {
	return func(p *Probe) { p.listMounts = fn }
}

// WithUsage 替换容量查询
func WithUsage(fn func(path string) (*disk.UsageStat, error)) ProbeOption {
	return func(p *Probe) { p.usage = fn }
}

// WithRunner 替换外部命令执行器
func WithRunner(r Runner) ProbeOption { return func(p *Probe) { p.run = r } }

func NewProbe(opts ...ProbeOption) *Probe {
	p := &Probe{
		sysRoot:    "/sys",
		udevRoot:   "/run/udev",
		listMounts: func() ([]disk.PartitionStat, error) { return disk.Partitions(true) },
		usage:      disk.Usage,
		run:        execRunner,
		log:        logging.Named("probe"),
		subs:       make(map[string]subscription),
		mounted:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Probe) mountFor(name string) (disk.PartitionStat, bool) {
	mounts, err := p.listMounts()
	if err != nil {
		p.log.Debug("failed to read mount table", zap.Error(err))
		return disk.PartitionStat{}, false
	}
	node := "/dev/" + name
	for _, m := range mounts {
		if m.Device == node {
			return m, true
		}
	}
	return disk.PartitionStat{}, false
}

func (p *Probe) lookup(udi string) (blockDevice, error) {
	name, ok := NameFromUDI(udi)
	if !ok {
		return blockDevice{}, fmt.Errorf("%w: %s", state.ErrUnknownDevice, udi)
	}
	dev, ok := lookupBlockDevice(p.sysRoot, name)
	if !ok {
		return blockDevice{}, fmt.Errorf("%w: %s", state.ErrUnknownDevice, udi)
	}
	return dev, nil
}

// Devices 返回当前 sysfs 中全部块设备的 UDI，按名字排序
func (p *Probe) Devices() ([]string, error) {
	devices, err := scanBlockDevices(p.sysRoot)
	if err != nil {
		return nil, fmt.Errorf("scan block devices: %w", err)
	}
	added, _ := diffDevices(nil, devices)
	udis := make([]string, 0, len(added))
	for _, name := range added {
		udis = append(udis, UDIFor(name))
	}
	return udis, nil
}

// Describe 返回设备的厂商和型号
func (p *Probe) Describe(udi string) string {
	dev, err := p.lookup(udi)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(dev.Vendor + " " + dev.Model)
}

func (p *Probe) Capabilities(udi string) (state.Capabilities, error) {
	dev, err := p.lookup(udi)
	if err != nil {
		return state.Capabilities{}, err
	}

	mount, mounted := p.mountFor(dev.Name)
	fsType := p.fsTypeOf(dev, mount, mounted)

	caps := state.Capabilities{
		OpticalDisc:         dev.Optical,
		StorageDrive:        !dev.IsPartition(),
		DriveRemovable:      !dev.IsPartition() && dev.Removable,
		AncestorDrive:       dev.IsPartition(),
		Camera:              dev.Camera,
		PortableMediaPlayer: dev.MediaPlayer,
	}
	if dev.IsPartition() {
		caps.AncestorRemovable = dev.Removable
		caps.AncestorHotpluggable = dev.Hotpluggable
	}

	caps.StorageVolume = (dev.IsPartition() || fsType != "" || mounted) && fsType != "swap"
	if caps.StorageVolume {
		caps.Accessible = mounted
		caps.FilePath = mount.Mountpoint
		tool, ok := fsckTools[fsType]
		caps.CanCheck = ok
		caps.CanRepair = ok && len(tool.repair) > 0
	}
	return caps, nil
}

func (p *Probe) fsTypeOf(dev blockDevice, mount disk.PartitionStat, mounted bool) string {
	if mounted {
		return mount.Fstype
	}
	return readFSType(p.sysRoot, p.udevRoot, dev)
}

func (p *Probe) IsValid(udi string) bool {
	_, err := p.lookup(udi)
	return err == nil
}

func (p *Probe) IsAccessible(udi string) bool {
	name, ok := NameFromUDI(udi)
	if !ok {
		return false
	}
	_, mounted := p.mountFor(name)
	return mounted
}

func (p *Probe) CanRepair(udi string) bool {
	caps, err := p.Capabilities(udi)
	return err == nil && caps.CanRepair
}

// MountPoint 返回当前挂载点
func (p *Probe) MountPoint(udi string) (string, bool) {
	name, ok := NameFromUDI(udi)
	if !ok {
		return "", false
	}
	m, mounted := p.mountFor(name)
	return m.Mountpoint, mounted
}

// Usage 返回已挂载设备的总容量和可用容量（字节）
func (p *Probe) Usage(udi string) (total, free uint64, err error) {
	path, ok := p.MountPoint(udi)
	if !ok {
		return 0, 0, fmt.Errorf("%s is not mounted", udi)
	}
	u, err := p.usage(path)
	if err != nil {
		return 0, 0, fmt.Errorf("usage of %s: %w", path, err)
	}
	return u.Total, u.Free, nil
}

func (p *Probe) Subscribe(udi string, kinds event.KindSet, sink state.Sink) error {
	if sink == nil {
		return fmt.Errorf("subscribe %s: nil sink", udi)
	}
	accessible := p.IsAccessible(udi)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs[udi] = subscription{kinds: kinds, sink: sink}
	p.mounted[udi] = accessible
	return nil
}

func (p *Probe) Unsubscribe(udi string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, udi)
	delete(p.mounted, udi)
}

// Dispatch 把事件转发给订阅了该类型的 sink，返回是否被投递
func (p *Probe) Dispatch(ev event.DeviceEvent) bool {
	p.mu.Lock()
	sub, ok := p.subs[ev.UDI]
	p.mu.Unlock()
	if !ok || !sub.kinds.Has(ev.Kind) {
		return false
	}
	sub.sink.HandleEvent(ev)
	return true
}

// RescanMounts 重新读取挂载表，为可访问状态发生变化的订阅设备生成事件
func (p *Probe) RescanMounts() []event.DeviceEvent {
	mounts, err := p.listMounts()
	if err != nil {
		p.log.Warn("failed to read mount table", zap.Error(err))
		return nil
	}
	nodes := make(map[string]bool, len(mounts))
	for _, m := range mounts {
		nodes[m.Device] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	udis := make([]string, 0, len(p.mounted))
	for udi := range p.mounted {
		udis = append(udis, udi)
	}
	sort.Strings(udis)

	var events []event.DeviceEvent
	for _, udi := range udis {
		name, _ := NameFromUDI(udi)
		now := nodes["/dev/"+name]
		if now == p.mounted[udi] {
			continue
		}
		p.mounted[udi] = now
		events = append(events, event.DeviceEvent{
			Timestamp:  time.Now(),
			Kind:       event.AccessibilityChanged,
			Source:     probeSource,
			UDI:        udi,
			Accessible: now,
			Message:    fmt.Sprintf("Accessibility changed: %s mounted=%t", name, now),
		})
	}
	return events
}
