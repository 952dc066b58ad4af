package state

import (
	"errors"

	"github.com/Hara602/deviceNotifier/pkg/event"
)

// ErrUnknownDevice 表示设备标识未被跟踪或探测层不认识
var ErrUnknownDevice = errors.New("unknown device")

// Capabilities 是探测层在注册时一次性返回的能力标志
type Capabilities struct {
	StorageVolume bool // 可挂载的存储卷（有 StorageAccess）
	OpticalDisc   bool

	// 设备自身是存储驱动器
	StorageDrive   bool
	DriveRemovable bool

	// 祖先链上存在存储驱动器
	AncestorDrive        bool
	AncestorRemovable    bool
	AncestorHotpluggable bool

	Camera              bool
	PortableMediaPlayer bool

	Accessible bool
	CanCheck   bool
	CanRepair  bool
	FilePath   string // 当前挂载点，未挂载时为空
}

// Removable 按并集规则计算是否可移除：
// 驱动器可移除，或祖先驱动器可移除/热插拔，或相机，或便携媒体播放器。
// 祖先驱动器的判断会覆盖自身驱动器的结果，与下游 UI 的既有行为保持一致。
func (c Capabilities) Removable() bool {
	removable := false
	if c.StorageDrive {
		removable = c.DriveRemovable
	}
	if c.AncestorDrive {
		// 等下游同时检查两个属性后再去掉 hotpluggable
		removable = c.AncestorRemovable || c.AncestorHotpluggable
	}
	if c.Camera || c.PortableMediaPlayer {
		removable = true
	}
	return removable
}

// Subscriptions 返回该能力集需要订阅的事件类型
func (c Capabilities) Subscriptions() event.KindSet {
	var kinds event.KindSet
	if c.OpticalDisc {
		kinds = kinds.With(event.EjectRequested).With(event.EjectDone)
	}
	if c.StorageVolume {
		kinds |= event.Kinds(
			event.AccessibilityChanged,
			event.MountRequested, event.MountDone,
			event.UnmountRequested, event.UnmountDone,
		)
		if c.CanCheck {
			kinds = kinds.With(event.CheckRequested).With(event.CheckDone)
		}
		if c.CanRepair {
			kinds = kinds.With(event.RepairRequested).With(event.RepairDone)
		}
	}
	return kinds
}

// Sink 接收探测层按设备转发的生命周期事件
type Sink interface {
	HandleEvent(ev event.DeviceEvent)
}

// Probe 是设备能力探测接口，Tracker 只依赖它而不依赖具体驱动类型
type Probe interface {
	// Capabilities 返回设备的能力标志，设备不可用时返回错误
	Capabilities(udi string) (Capabilities, error)
	// IsValid 报告设备当前是否仍然存在
	IsValid(udi string) bool
	IsAccessible(udi string) bool
	CanRepair(udi string) bool
	// Subscribe 将该设备的 kinds 类事件转发给 sink
	Subscribe(udi string, kinds event.KindSet, sink Sink) error
	// Unsubscribe 取消该设备的全部订阅
	Unsubscribe(udi string)
}
