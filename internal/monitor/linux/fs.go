package linux_monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/pkg/event"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

// Rescanner 在挂载点目录变化后重新计算设备的可访问状态
type Rescanner interface {
	RescanMounts() []event.DeviceEvent
}

// FSMonitor 监控挂载根目录（通常是 /media 或 /run/media/username），
// 挂载点目录的创建和删除会触发一次挂载表重扫
type FSMonitor struct {
	watchRoots []string
	rescanner  Rescanner
	settle     time.Duration
	log        *zap.Logger

	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	stopOnce sync.Once
}

// settle 是目录出现到挂载完成之间的等待时间
func NewFSMonitor(rescanner Rescanner, settle time.Duration, roots ...string) *FSMonitor {
	return &FSMonitor{
		watchRoots: roots,
		rescanner:  rescanner,
		settle:     settle,
		log:        logging.Named("fs-monitor"),
		stopChan:   make(chan struct{}),
	}
}

// Helper: 添加目录及其直接子目录到监控列表。
// 挂载点一般位于根目录的一到两层之下，不需要递归整个文件系统。
func (f *FSMonitor) addTree(path string, depth int) {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}
	if err := f.watcher.Add(path); err != nil {
		f.log.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
		return
	}
	if depth == 0 {
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			f.addTree(filepath.Join(path, e.Name()), depth-1)
		}
	}
}

func (f *FSMonitor) Start() (<-chan event.DeviceEvent, error) {
	var err error
	f.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	// 1. 初始扫描：添加根目录及其当前子目录
	watched := 0
	for _, root := range f.watchRoots {
		if _, err := os.Stat(root); err != nil {
			f.log.Debug("watch root unavailable", zap.String("root", root), zap.Error(err))
			continue
		}
		f.addTree(root, 1)
		watched++
	}
	if watched == 0 {
		f.watcher.Close()
		return nil, fmt.Errorf("none of the watch roots exist: %v", f.watchRoots)
	}

	eventChan := make(chan event.DeviceEvent)

	go func() {
		defer close(eventChan)
		defer f.watcher.Close()

		for {
			select {
			case <-f.stopChan:
				return

			case fsEvent, ok := <-f.watcher.Events:
				if !ok {
					return
				}

				// 只关心目录的出现和消失，忽略写入和权限变化等噪音
				if !fsEvent.Has(fsnotify.Create) && !fsEvent.Has(fsnotify.Remove) && !fsEvent.Has(fsnotify.Rename) {
					continue
				}

				// 2. 新建的目录（用户名目录或挂载点）加入监控
				if fsEvent.Has(fsnotify.Create) {
					f.addTree(fsEvent.Name, 1)
				}

				// 系统创建目录到挂载文件系统通常需要几十到几百毫秒
				if f.settle > 0 {
					select {
					case <-time.After(f.settle):
					case <-f.stopChan:
						return
					}
				}

				f.log.Debug("mount root changed", zap.String("path", fsEvent.Name), zap.String("op", fsEvent.Op.String()))

				for _, ev := range f.rescanner.RescanMounts() {
					select {
					case eventChan <- ev:
					case <-f.stopChan:
						return
					}
				}

			case err, ok := <-f.watcher.Errors:
				if !ok {
					return
				}
				f.log.Warn("fs monitor error", zap.Error(err))
			}
		}
	}()

	return eventChan, nil
}

func (f *FSMonitor) Stop() {
	f.stopOnce.Do(func() { close(f.stopChan) })
}
