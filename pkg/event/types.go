package event

import (
	"fmt"
	"time"
)

// Kind 标识设备生命周期事件的类型
type Kind uint16

const (
	KindUnknown Kind = iota
	DeviceAdded
	DeviceRemoved
	MountRequested
	MountDone
	UnmountRequested
	UnmountDone
	EjectRequested
	EjectDone
	CheckRequested
	CheckDone
	RepairRequested
	RepairDone
	AccessibilityChanged
)

var kindNames = map[Kind]string{
	KindUnknown:          "UNKNOWN",
	DeviceAdded:          "DEVICE_ADD",
	DeviceRemoved:        "DEVICE_REMOVE",
	MountRequested:       "MOUNT_REQUESTED",
	MountDone:            "MOUNT_DONE",
	UnmountRequested:     "UNMOUNT_REQUESTED",
	UnmountDone:          "UNMOUNT_DONE",
	EjectRequested:       "EJECT_REQUESTED",
	EjectDone:            "EJECT_DONE",
	CheckRequested:       "CHECK_REQUESTED",
	CheckDone:            "CHECK_DONE",
	RepairRequested:      "REPAIR_REQUESTED",
	RepairDone:           "REPAIR_DONE",
	AccessibilityChanged: "ACCESSIBILITY_CHANGED",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KIND(%d)", uint16(k))
}

// IsDone 报告该事件是否表示一个操作已经结束
func (k Kind) IsDone() bool {
	switch k {
	case MountDone, UnmountDone, EjectDone, CheckDone, RepairDone:
		return true
	}
	return false
}

// KindSet 是事件类型的位集合，用于按能力订阅
type KindSet uint32

// Kinds 由若干事件类型构造集合
func Kinds(kinds ...Kind) KindSet {
	var s KindSet
	for _, k := range kinds {
		s = s.With(k)
	}
	return s
}

func (s KindSet) With(k Kind) KindSet { return s | 1<<k }

func (s KindSet) Has(k Kind) bool { return s&(1<<k) != 0 }

func (s KindSet) Empty() bool { return s == 0 }

// Result 是操作完成的结果码
type Result int

const (
	Success Result = iota
	Failure
	PermissionDenied
	DriverMissing
	UserCanceled
	DeviceBusy
	Timeout
	InvalidOption
)

var resultNames = [...]string{
	Success:          "Success",
	Failure:          "Failure",
	PermissionDenied: "PermissionDenied",
	DriverMissing:    "DriverMissing",
	UserCanceled:     "UserCanceled",
	DeviceBusy:       "DeviceBusy",
	Timeout:          "Timeout",
	InvalidOption:    "InvalidOption",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Info 是操作完成时附带的不透明数据（例如检查是否发现问题）
type Info struct {
	set   bool
	value bool
}

// BoolInfo 构造一个布尔型的操作附加信息
func BoolInfo(v bool) Info { return Info{set: true, value: v} }

// Bool 返回布尔值，未设置时为 false
func (i Info) Bool() bool { return i.set && i.value }

// IsSet 报告是否携带了附加信息
func (i Info) IsSet() bool { return i.set }

func (i Info) String() string {
	if !i.set {
		return "<none>"
	}
	return fmt.Sprintf("%t", i.value)
}

// DeviceEvent 定义标准化的设备事件结构
type DeviceEvent struct {
	Timestamp time.Time
	Kind      Kind
	Source    string // "DEVICE_MONITOR", "FS_MONITOR", "PROBE"
	UDI       string // 设备标识
	Result    Result // 仅对 *Done 事件有意义
	Info      Info
	// Accessible 仅对 AccessibilityChanged 有意义
	Accessible bool
	Message    string // 人类可读的消息
}
