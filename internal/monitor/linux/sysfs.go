package linux_monitor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UDIPrefix 是块设备标识的前缀，与 UDisks2 的对象路径保持一致
const UDIPrefix = "/org/freedesktop/UDisks2/block_devices/"

// UDIFor 由块设备名构造设备标识
func UDIFor(name string) string { return UDIPrefix + name }

// NameFromUDI 从设备标识取出块设备名
func NameFromUDI(udi string) (string, bool) {
	name, ok := strings.CutPrefix(udi, UDIPrefix)
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

// blockDevice 是从 sysfs 读出的块设备信息
type blockDevice struct {
	Name   string
	Parent string // 分区所属磁盘，磁盘本身为空

	Removable    bool
	Hotpluggable bool
	Optical      bool
	Camera       bool
	MediaPlayer  bool

	Vendor string
	Model  string
}

func (b blockDevice) IsPartition() bool { return b.Parent != "" }

func (b blockDevice) DevNode() string { return "/dev/" + b.Name }

// 读取 sysfs 属性，失败返回空字符串
func readAttr(path string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(content))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// scanBlockDevices 扫描 <sysRoot>/block 下的磁盘及其分区
func scanBlockDevices(sysRoot string) (map[string]blockDevice, error) {
	blockRoot := filepath.Join(sysRoot, "block")
	entries, err := os.ReadDir(blockRoot)
	if err != nil {
		return nil, err
	}

	devices := make(map[string]blockDevice)
	for _, e := range entries {
		name := e.Name()
		// 过滤掉 loop、ram、zram 等虚拟设备
		if isVirtual(name) {
			continue
		}
		disk := readDisk(sysRoot, name)
		devices[name] = disk

		parts, err := os.ReadDir(filepath.Join(blockRoot, name))
		if err != nil {
			continue
		}
		for _, p := range parts {
			if !exists(filepath.Join(blockRoot, name, p.Name(), "partition")) {
				continue
			}
			part := disk
			part.Name = p.Name()
			part.Parent = name
			devices[part.Name] = part
		}
	}
	return devices, nil
}

// lookupBlockDevice 读取单个块设备（磁盘或分区）
func lookupBlockDevice(sysRoot, name string) (blockDevice, bool) {
	blockRoot := filepath.Join(sysRoot, "block")
	if isVirtual(name) {
		return blockDevice{}, false
	}
	if exists(filepath.Join(blockRoot, name)) {
		return readDisk(sysRoot, name), true
	}
	// 分区位于 /sys/block/<disk>/<part>
	matches, _ := filepath.Glob(filepath.Join(blockRoot, "*", name, "partition"))
	if len(matches) == 0 {
		return blockDevice{}, false
	}
	sort.Strings(matches)
	parent := filepath.Base(filepath.Dir(filepath.Dir(matches[0])))
	dev := readDisk(sysRoot, parent)
	dev.Name = name
	dev.Parent = parent
	return dev, true
}

func isVirtual(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "dm-", "md", "nbd"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func readDisk(sysRoot, name string) blockDevice {
	diskPath := filepath.Join(sysRoot, "block", name)
	dev := blockDevice{
		Name:      name,
		Removable: readAttr(filepath.Join(diskPath, "removable")) == "1",
		Vendor:    readAttr(filepath.Join(diskPath, "device", "vendor")),
		Model:     readAttr(filepath.Join(diskPath, "device", "model")),
	}

	// SCSI 设备类型 5 为光驱
	dev.Optical = strings.HasPrefix(name, "sr") || readAttr(filepath.Join(diskPath, "device", "type")) == "5"

	resolved, err := filepath.EvalSymlinks(diskPath)
	if err != nil {
		return dev
	}
	// 挂在 USB 总线上的磁盘视为可热插拔
	dev.Hotpluggable = strings.Contains(resolved, "/usb")

	if usbDev := findUSBDevice(sysRoot, resolved); usbDev != "" {
		dev.Camera, dev.MediaPlayer = classifyUSBInterfaces(usbDev)
	}
	return dev
}

// findUSBDevice 沿路径向上查找带 idVendor 的 USB 设备目录
func findUSBDevice(sysRoot, path string) string {
	root := filepath.Clean(sysRoot)
	for dir := path; dir != root && dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		if exists(filepath.Join(dir, "idVendor")) {
			return dir
		}
	}
	return ""
}

// classifyUSBInterfaces 按接口类别识别相机（Still Image，0x06）和 MTP 播放器
func classifyUSBInterfaces(usbDev string) (camera, mediaPlayer bool) {
	entries, err := os.ReadDir(usbDev)
	if err != nil {
		return false, false
	}
	for _, e := range entries {
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		ifPath := filepath.Join(usbDev, e.Name())
		desc := strings.ToUpper(readAttr(filepath.Join(ifPath, "interface")))
		if strings.Contains(desc, "MTP") {
			mediaPlayer = true
			continue
		}
		if readAttr(filepath.Join(ifPath, "bInterfaceClass")) == "06" {
			camera = true
		}
	}
	return camera, mediaPlayer
}

// sysPath 返回块设备在 sysfs 中的目录
func (b blockDevice) sysPath(sysRoot string) string {
	if b.IsPartition() {
		return filepath.Join(sysRoot, "block", b.Parent, b.Name)
	}
	return filepath.Join(sysRoot, "block", b.Name)
}

// readFSType 从 udev 数据库读取文件系统类型（ID_FS_TYPE），未知时为空
func readFSType(sysRoot, udevRoot string, dev blockDevice) string {
	majMin := readAttr(filepath.Join(dev.sysPath(sysRoot), "dev"))
	if majMin == "" {
		return ""
	}
	content, err := os.ReadFile(filepath.Join(udevRoot, "data", "b"+majMin))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(content), "\n") {
		if v, ok := strings.CutPrefix(line, "E:ID_FS_TYPE="); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
