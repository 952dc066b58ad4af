package linux_monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/pkg/event"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

const deviceSource = "DEVICE_MONITOR (Linux)"

// DeviceMonitor 轮询 sysfs 中的块设备，产生设备接入/移除事件
type DeviceMonitor struct {
	sysRoot  string
	interval time.Duration
	log      *zap.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewDeviceMonitor(sysRoot string, interval time.Duration) *DeviceMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &DeviceMonitor{
		sysRoot:  sysRoot,
		interval: interval,
		log:      logging.Named("device-monitor"),
		stopChan: make(chan struct{}),
	}
}

// diffDevices 比较前后两次扫描，返回新增和移除的设备名。
// 新增按名字升序（磁盘先于分区），移除按降序（分区先于磁盘）。
func diffDevices(prev, next map[string]blockDevice) (added, removed []string) {
	for name := range next {
		if _, ok := prev[name]; !ok {
			added = append(added, name)
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Sort(sort.Reverse(sort.StringSlice(removed)))
	return added, removed
}

func addedEvent(dev blockDevice) event.DeviceEvent {
	return event.DeviceEvent{
		Timestamp: time.Now(),
		Kind:      event.DeviceAdded,
		Source:    deviceSource,
		UDI:       UDIFor(dev.Name),
		Message:   fmt.Sprintf("Device Added: %s (%s %s)", dev.Name, dev.Vendor, dev.Model),
	}
}

func removedEvent(name string) event.DeviceEvent {
	return event.DeviceEvent{
		Timestamp: time.Now(),
		Kind:      event.DeviceRemoved,
		Source:    deviceSource,
		UDI:       UDIFor(name),
		Message:   "Device Removed: " + name,
	}
}

func (d *DeviceMonitor) Start() (<-chan event.DeviceEvent, error) {
	// 获取当前设备列表，启动时已接入的设备也要上报
	currentDevices, err := scanBlockDevices(d.sysRoot)
	if err != nil {
		return nil, fmt.Errorf("scan block devices: %w", err)
	}

	eventChan := make(chan event.DeviceEvent)

	go func() {
		defer close(eventChan)

		send := func(ev event.DeviceEvent) bool {
			select {
			case eventChan <- ev:
				return true
			case <-d.stopChan:
				return false
			}
		}

		initial, _ := diffDevices(nil, currentDevices)
		for _, name := range initial {
			if !send(addedEvent(currentDevices[name])) {
				return
			}
		}

		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-d.stopChan:
				return
			case <-ticker.C:
				newDevices, err := scanBlockDevices(d.sysRoot)
				if err != nil {
					d.log.Warn("failed to scan block devices", zap.Error(err))
					continue
				}

				added, removed := diffDevices(currentDevices, newDevices)
				// 先处理移除，同名设备重新接入时不会被吞掉
				for _, name := range removed {
					if !send(removedEvent(name)) {
						return
					}
				}
				for _, name := range added {
					if !send(addedEvent(newDevices[name])) {
						return
					}
				}

				currentDevices = newDevices
			}
		}
	}()
	return eventChan, nil
}

func (d *DeviceMonitor) Stop() {
	d.stopOnce.Do(func() { close(d.stopChan) })
}
