package linux_monitor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Hara602/deviceNotifier/internal/state"
	"github.com/Hara602/deviceNotifier/pkg/event"
)

// ErrUnsupported 表示设备不支持所请求的操作
var ErrUnsupported = errors.New("operation not supported by device")

// Runner 执行外部命令并返回合并后的输出
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// fsck 的退出码（按位组合）
const (
	fsckErrorsCorrected   = 1
	fsckRebootRequired    = 2
	fsckErrorsUncorrected = 4
	fsckOperationalError  = 8
	fsckUsageError        = 16
	fsckCanceled          = 32
)

// fsckTool 描述一种文件系统的检查和修复命令
type fsckTool struct {
	check  []string
	repair []string // 为空表示不支持修复
	// fsckCodes 为 true 时退出码遵循 fsck(8) 的位定义，
	// 否则任何非零退出码都表示发现问题
	fsckCodes bool
}

// xfs 和 btrfs 的 fsck.* 只是空壳，总是返回 0，需要调用各自的工具；
// btrfs check --repair 可能损坏数据，不提供修复
var fsckTools = map[string]fsckTool{
	"ext2":  {check: []string{"fsck", "-n"}, repair: []string{"fsck", "-y"}, fsckCodes: true},
	"ext3":  {check: []string{"fsck", "-n"}, repair: []string{"fsck", "-y"}, fsckCodes: true},
	"ext4":  {check: []string{"fsck", "-n"}, repair: []string{"fsck", "-y"}, fsckCodes: true},
	"vfat":  {check: []string{"fsck", "-n"}, repair: []string{"fsck", "-y"}, fsckCodes: true},
	"exfat": {check: []string{"fsck", "-n"}, repair: []string{"fsck", "-y"}, fsckCodes: true},
	"ntfs":  {check: []string{"ntfsfix", "--no-action"}, repair: []string{"ntfsfix"}},
	"xfs":   {check: []string{"xfs_repair", "-n"}, repair: []string{"xfs_repair"}},
	"btrfs": {check: []string{"btrfs", "check", "--readonly"}},
}

// argv 把设备节点追加到命令行末尾
func argv(cmd []string, devNode string) (string, []string) {
	args := append(append([]string(nil), cmd[1:]...), devNode)
	return cmd[0], args
}

func exitCode(err error) (int, bool) {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

// classify 把命令执行错误映射为操作结果
func classify(ctx context.Context, out []byte, err error) event.Result {
	if err == nil {
		return event.Success
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return event.Timeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return event.UserCanceled
	}
	if errors.Is(err, exec.ErrNotFound) {
		return event.DriverMissing
	}
	msg := strings.ToLower(string(out))
	switch {
	case strings.Contains(msg, "not authorized"), strings.Contains(msg, "permission denied"):
		return event.PermissionDenied
	case strings.Contains(msg, "busy"):
		return event.DeviceBusy
	case strings.Contains(msg, "unknown option"), strings.Contains(msg, "invalid option"):
		return event.InvalidOption
	}
	return event.Failure
}

// classifyCheck 解释检查命令的结果：返回结果码以及文件系统是否干净
func classifyCheck(ctx context.Context, tool fsckTool, out []byte, err error) (event.Result, bool) {
	if err == nil {
		return event.Success, true
	}
	code, ok := exitCode(err)
	if !ok {
		return classify(ctx, out, err), false
	}
	if !tool.fsckCodes {
		if res := classify(ctx, out, err); res != event.Failure {
			return res, false
		}
		return event.Success, false
	}
	switch {
	case code&fsckCanceled != 0:
		return event.UserCanceled, false
	case code&fsckUsageError != 0:
		return event.InvalidOption, false
	case code&fsckOperationalError != 0:
		return classify(ctx, out, err), false
	case code&(fsckErrorsCorrected|fsckRebootRequired|fsckErrorsUncorrected) != 0:
		// 检查本身成功，但发现了问题
		return event.Success, false
	}
	return event.Failure, false
}

// classifyRepair 解释修复命令的结果
func classifyRepair(ctx context.Context, tool fsckTool, out []byte, err error) event.Result {
	if err == nil {
		return event.Success
	}
	code, ok := exitCode(err)
	if !ok || !tool.fsckCodes {
		return classify(ctx, out, err)
	}
	switch {
	case code&fsckCanceled != 0:
		return event.UserCanceled
	case code&(fsckErrorsUncorrected|fsckOperationalError|fsckUsageError) != 0:
		return classify(ctx, out, err)
	case code&(fsckErrorsCorrected|fsckRebootRequired) != 0:
		return event.Success
	}
	return event.Failure
}

type operation struct {
	name      string
	requested event.Kind
	done      event.Kind
	allowed   func(state.Capabilities) bool
	command   func(dev blockDevice, tool fsckTool) (string, []string)
	result    func(ctx context.Context, tool fsckTool, out []byte, err error) (event.Result, event.Info)
}

func plainResult(ctx context.Context, _ fsckTool, out []byte, err error) (event.Result, event.Info) {
	return classify(ctx, out, err), event.Info{}
}

var (
	opMount = operation{
		name: "mount", requested: event.MountRequested, done: event.MountDone,
		allowed: func(c state.Capabilities) bool { return c.StorageVolume && !c.Accessible },
		command: func(dev blockDevice, _ fsckTool) (string, []string) {
			return "udisksctl", []string{"mount", "--no-user-interaction", "-b", dev.DevNode()}
		},
		result: plainResult,
	}
	opUnmount = operation{
		name: "unmount", requested: event.UnmountRequested, done: event.UnmountDone,
		allowed: func(c state.Capabilities) bool { return c.StorageVolume && c.Accessible },
		command: func(dev blockDevice, _ fsckTool) (string, []string) {
			return "udisksctl", []string{"unmount", "--no-user-interaction", "-b", dev.DevNode()}
		},
		result: plainResult,
	}
	opEject = operation{
		name: "eject", requested: event.EjectRequested, done: event.EjectDone,
		allowed: func(c state.Capabilities) bool { return c.OpticalDisc },
		command: func(dev blockDevice, _ fsckTool) (string, []string) {
			return "eject", []string{dev.DevNode()}
		},
		result: plainResult,
	}
	opCheck = operation{
		name: "check", requested: event.CheckRequested, done: event.CheckDone,
		allowed: func(c state.Capabilities) bool { return c.CanCheck && !c.Accessible },
		command: func(dev blockDevice, tool fsckTool) (string, []string) {
			return argv(tool.check, dev.DevNode())
		},
		result: func(ctx context.Context, tool fsckTool, out []byte, err error) (event.Result, event.Info) {
			res, clean := classifyCheck(ctx, tool, out, err)
			return res, event.BoolInfo(clean)
		},
	}
	opRepair = operation{
		name: "repair", requested: event.RepairRequested, done: event.RepairDone,
		allowed: func(c state.Capabilities) bool { return c.CanRepair && !c.Accessible },
		command: func(dev blockDevice, tool fsckTool) (string, []string) {
			return argv(tool.repair, dev.DevNode())
		},
		result: func(ctx context.Context, tool fsckTool, out []byte, err error) (event.Result, event.Info) {
			return classifyRepair(ctx, tool, out, err), event.Info{}
		},
	}
)

// perform 发出 *Requested 事件，执行系统工具，再发出 *Done 事件。
// 操作失败以结果码的形式告知订阅者，同时作为错误返回给调用方。
func (p *Probe) perform(ctx context.Context, udi string, op operation) error {
	dev, err := p.lookup(udi)
	if err != nil {
		return err
	}
	caps, err := p.Capabilities(udi)
	if err != nil {
		return err
	}
	if !op.allowed(caps) {
		return fmt.Errorf("%s %s: %w", op.name, udi, ErrUnsupported)
	}

	p.Dispatch(event.DeviceEvent{
		Timestamp: time.Now(),
		Kind:      op.requested,
		Source:    probeSource,
		UDI:       udi,
		Message:   fmt.Sprintf("%s requested: %s", op.name, dev.Name),
	})

	mount, mounted := p.mountFor(dev.Name)
	tool := fsckTools[p.fsTypeOf(dev, mount, mounted)]
	name, args := op.command(dev, tool)
	p.log.Debug("running device operation", zap.String("udi", udi), zap.String("cmd", name), zap.Strings("args", args))
	out, runErr := p.run(ctx, name, args...)
	result, info := op.result(ctx, tool, out, runErr)

	p.Dispatch(event.DeviceEvent{
		Timestamp: time.Now(),
		Kind:      op.done,
		Source:    probeSource,
		UDI:       udi,
		Result:    result,
		Info:      info,
		Message:   fmt.Sprintf("%s done: %s (%s)", op.name, dev.Name, result),
	})

	// 同步挂载表缓存，必要时补发可访问状态变化
	for _, ev := range p.RescanMounts() {
		p.Dispatch(ev)
	}

	if result != event.Success {
		p.log.Info("device operation failed",
			zap.String("udi", udi),
			zap.String("op", op.name),
			zap.Stringer("result", result),
			zap.ByteString("output", out))
		return fmt.Errorf("%s %s: %s", op.name, udi, result)
	}
	return nil
}

func (p *Probe) Mount(ctx context.Context, udi string) error { return p.perform(ctx, udi, opMount) }

// Unmount 对光盘执行弹出，对其它存储卷执行卸载
func (p *Probe) Unmount(ctx context.Context, udi string) error {
	caps, err := p.Capabilities(udi)
	if err != nil {
		return err
	}
	if caps.OpticalDisc {
		return p.perform(ctx, udi, opEject)
	}
	return p.perform(ctx, udi, opUnmount)
}

func (p *Probe) Check(ctx context.Context, udi string) error { return p.perform(ctx, udi, opCheck) }

func (p *Probe) Repair(ctx context.Context, udi string) error { return p.perform(ctx, udi, opRepair) }
