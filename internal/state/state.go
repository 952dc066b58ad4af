package state

import (
	"fmt"
	"time"

	"github.com/Hara602/deviceNotifier/pkg/event"
)

// State 是设备的生命周期状态
type State int

const (
	// NotPresent 表示设备未被跟踪，仅作为查询默认值
	NotPresent State = iota
	Idle
	Mounting
	Unmounting
	Checking
	Repairing
	MountDone
	UnmountDone
	CheckDone
	RepairDone
)

var stateNames = [...]string{
	NotPresent:  "NotPresent",
	Idle:        "Idle",
	Mounting:    "Mounting",
	Unmounting:  "Unmounting",
	Checking:    "Checking",
	Repairing:   "Repairing",
	MountDone:   "MountDone",
	UnmountDone: "UnmountDone",
	CheckDone:   "CheckDone",
	RepairDone:  "RepairDone",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Busy 报告该状态下是否有操作正在进行
func (s State) Busy() bool {
	switch s {
	case Mounting, Unmounting, Checking, Repairing:
		return true
	}
	return false
}

// Result 是最近一次操作的结果
type Result = event.Result

// DeviceRecord 是每个被跟踪设备的状态记录
type DeviceRecord struct {
	ID          string
	IsBusy      bool
	IsRemovable bool
	IsMounted   bool
	IsChecked   bool
	NeedsRepair bool

	LastOperationResult Result
	LastOperationInfo   event.Info

	State       State
	LastUpdated time.Time
}
