package linux_monitor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSys 在临时目录中构造一棵最小的 sysfs/udev 目录树
type fakeSys struct {
	t        *testing.T
	sysRoot  string
	udevRoot string
}

func newFakeSys(t *testing.T) *fakeSys {
	t.Helper()
	base := t.TempDir()
	fs := &fakeSys{
		t:        t,
		sysRoot:  filepath.Join(base, "sys"),
		udevRoot: filepath.Join(base, "udev"),
	}
	require.NoError(t, os.MkdirAll(filepath.Join(fs.sysRoot, "block"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(fs.udevRoot, "data"), 0o755))
	return fs
}

func (fs *fakeSys) write(path, content string) {
	fs.t.Helper()
	require.NoError(fs.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(fs.t, os.WriteFile(path, []byte(content+"\n"), 0o644))
}

// addDisk 在 devPath 下创建磁盘并在 block/ 下建立符号链接
func (fs *fakeSys) addDisk(name, devPath string, removable bool, majMin string) string {
	fs.t.Helper()
	diskDir := filepath.Join(fs.sysRoot, "devices", devPath, "block", name)
	flag := "0"
	if removable {
		flag = "1"
	}
	fs.write(filepath.Join(diskDir, "removable"), flag)
	fs.write(filepath.Join(diskDir, "dev"), majMin)
	fs.write(filepath.Join(diskDir, "device", "vendor"), "Vendor")
	fs.write(filepath.Join(diskDir, "device", "model"), "Model")
	require.NoError(fs.t, os.Symlink(diskDir, filepath.Join(fs.sysRoot, "block", name)))
	return diskDir
}

func (fs *fakeSys) addPartition(disk, name, majMin, fsType string) {
	fs.t.Helper()
	partDir := filepath.Join(fs.sysRoot, "block", disk, name)
	fs.write(filepath.Join(partDir, "partition"), "1")
	fs.write(filepath.Join(partDir, "dev"), majMin)
	if fsType != "" {
		fs.write(filepath.Join(fs.udevRoot, "data", "b"+majMin), "E:ID_FS_USAGE=filesystem\nE:ID_FS_TYPE="+fsType)
	}
}

func (fs *fakeSys) removeDisk(name string) {
	fs.t.Helper()
	require.NoError(fs.t, os.Remove(filepath.Join(fs.sysRoot, "block", name)))
}

// standardTree: sda 为内部 SATA 盘，sdb 为 U 盘，sr0 为光驱，loop0 为虚拟设备
func standardTree(t *testing.T) *fakeSys {
	fs := newFakeSys(t)
	fs.addDisk("sda", "pci0000:00/ata1/host0/target0:0:0/0:0:0:0", false, "8:0")
	fs.addPartition("sda", "sda1", "8:1", "ext4")

	usbDev := filepath.Join(fs.sysRoot, "devices", "pci0000:00", "usb1", "1-1")
	fs.write(filepath.Join(usbDev, "idVendor"), "0781")
	fs.write(filepath.Join(usbDev, "1-1:1.0", "bInterfaceClass"), "08")
	fs.addDisk("sdb", "pci0000:00/usb1/1-1/1-1:1.0/host6/target6:0:0/6:0:0:0", true, "8:16")
	fs.addPartition("sdb", "sdb1", "8:17", "vfat")

	fs.addDisk("sr0", "pci0000:00/ata2/host1/target1:0:0/1:0:0:0", true, "11:0")
	fs.write(filepath.Join(fs.sysRoot, "block", "sr0", "device", "type"), "5")

	require.NoError(t, os.MkdirAll(filepath.Join(fs.sysRoot, "block", "loop0"), 0o755))
	return fs
}

func TestUDIRoundTrip(t *testing.T) {
	name, ok := NameFromUDI(UDIFor("sdb1"))
	assert.True(t, ok)
	assert.Equal(t, "sdb1", name)

	for _, bad := range []string{"", "sdb1", UDIPrefix, UDIPrefix + "a/b", "/org/other/sdb1"} {
		_, ok := NameFromUDI(bad)
		assert.False(t, ok, bad)
	}
}

func TestScanBlockDevices(t *testing.T) {
	fs := standardTree(t)

	devices, err := scanBlockDevices(fs.sysRoot)
	require.NoError(t, err)

	assert.Len(t, devices, 5)
	assert.NotContains(t, devices, "loop0")

	sda := devices["sda"]
	assert.False(t, sda.Removable)
	assert.False(t, sda.Hotpluggable)
	assert.False(t, sda.IsPartition())

	sdb1 := devices["sdb1"]
	assert.Equal(t, "sdb", sdb1.Parent)
	assert.True(t, sdb1.Removable)
	assert.True(t, sdb1.Hotpluggable)
	assert.Equal(t, "/dev/sdb1", sdb1.DevNode())
	assert.Equal(t, "Vendor", sdb1.Vendor)

	assert.True(t, devices["sr0"].Optical)
	assert.False(t, devices["sdb"].Optical)
}

func TestLookupBlockDevice(t *testing.T) {
	fs := standardTree(t)

	part, ok := lookupBlockDevice(fs.sysRoot, "sdb1")
	require.True(t, ok)
	assert.Equal(t, "sdb", part.Parent)
	assert.True(t, part.Hotpluggable)

	_, ok = lookupBlockDevice(fs.sysRoot, "sdz")
	assert.False(t, ok)
	_, ok = lookupBlockDevice(fs.sysRoot, "loop0")
	assert.False(t, ok)
}

func TestReadFSType(t *testing.T) {
	fs := standardTree(t)

	part, ok := lookupBlockDevice(fs.sysRoot, "sdb1")
	require.True(t, ok)
	assert.Equal(t, "vfat", readFSType(fs.sysRoot, fs.udevRoot, part))

	disk, ok := lookupBlockDevice(fs.sysRoot, "sdb")
	require.True(t, ok)
	assert.Empty(t, readFSType(fs.sysRoot, fs.udevRoot, disk))
}

func TestClassifyUSBInterfaces(t *testing.T) {
	fs := newFakeSys(t)
	camDev := filepath.Join(fs.sysRoot, "devices", "usb1", "1-2")
	fs.write(filepath.Join(camDev, "idVendor"), "04a9")
	fs.write(filepath.Join(camDev, "1-2:1.0", "bInterfaceClass"), "06")

	mtpDev := filepath.Join(fs.sysRoot, "devices", "usb1", "1-3")
	fs.write(filepath.Join(mtpDev, "idVendor"), "18d1")
	fs.write(filepath.Join(mtpDev, "1-3:1.0", "bInterfaceClass"), "06")
	fs.write(filepath.Join(mtpDev, "1-3:1.0", "interface"), "MTP")

	camera, player := classifyUSBInterfaces(camDev)
	assert.True(t, camera)
	assert.False(t, player)

	camera, player = classifyUSBInterfaces(mtpDev)
	assert.False(t, camera)
	assert.True(t, player)
}
