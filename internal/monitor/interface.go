package monitor

import "github.com/Hara602/deviceNotifier/pkg/event"

// MonitorInterface 是所有事件源必须实现的接口
// 核心层不需要知道底层是 sysfs 轮询还是 fsnotify
type MonitorInterface interface {
	Start() (<-chan event.DeviceEvent, error)
	Stop()
}
