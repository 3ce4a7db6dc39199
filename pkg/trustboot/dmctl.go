// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/anatol/devmapper.go"
	"golang.org/x/sys/unix"
)

// Raw device-mapper ioctl protocol constants, generalized from the
// verity-only reference implementation to accept an arbitrary target
// type and params string (verity, integrity, or crypt tables are all
// plain strings by the time DmComposer hands them to DmCtl).
const (
	dmIoctlMagic      = 0xfd
	dmVersionMajor    = 4
	dmVersionMinor    = 0
	dmVersionPatch    = 0
	dmDevCreateCmd    = 0x03
	dmDevRemoveCmd    = 0x04
	dmDevSuspendCmd   = 0x06
	dmTableLoadCmd    = 0x09
	dmNameLen         = 128
	dmUUIDLen         = 129
	dmStructSize      = 312
	dmReadonlyFlag    = 1 << 0
	dmSuspendFlag     = 1 << 1
	dmExistsFlag      = 1 << 2
	dmPersistentDevFlag = 1 << 3
)

type dmIoctlData struct {
	Version     [3]uint32
	DataSize    uint32
	DataStart   uint32
	TargetCount uint32
	OpenCount   int32
	Flags       uint32
	EventNr     uint32
	_padding    uint32
	Dev         uint64
	Name        [dmNameLen]byte
	UUID        [dmUUIDLen]byte
	_pad2       [7]byte
}

type dmTargetSpec struct {
	SectorStart uint64
	Length      uint64
	Status      int32
	Next        uint32
	TargetType  [dmNameLen]byte
}

// DmDriver is the interface Orchestrator depends on for the external
// dm_create/dm_remove collaborator named in the original spec (§4.5).
// The production implementation below backs it with the real device-
// mapper ioctl protocol; tests substitute a fake.
type DmDriver interface {
	Create(name, uuidStr, targetType, table string, sectors uint64, readonly bool) (devicePath string, err error)
	Remove(name string) error
	Exists(name string) bool
}

// KernelDmDriver is the production DmDriver: device bookkeeping through
// github.com/anatol/devmapper.go (the teacher's own dependency), table
// activation through a raw DM_* ioctl sequence against /dev/mapper/control.
type KernelDmDriver struct{}

// NewKernelDmDriver returns the production DmDriver.
func NewKernelDmDriver() *KernelDmDriver {
	return &KernelDmDriver{}
}

// Exists reports whether a device-mapper device by this name is already
// live. Create uses it to refuse a name that is already taken.
func (d *KernelDmDriver) Exists(name string) bool {
	if _, err := devmapper.InfoByName(name); err == nil {
		return true
	}
	if fi, err := os.Stat(fmt.Sprintf("/dev/mapper/%s", name)); err == nil {
		return fi.Mode()&os.ModeDevice != 0
	}
	return false
}

// Create atomically creates a dm device, loads table into it, and resumes
// it. On any failure the partially-created device is removed before the
// error is returned, so the device either ends up live or leaves no
// residue, matching the atomicity contract in §4.5.
func (d *KernelDmDriver) Create(name, uuidStr, targetType, table string, sectors uint64, readonly bool) (string, error) {
	if d.Exists(name) {
		return "", Wrap(ErrKindInternal, "dm_create", ErrDmDeviceExists)
	}

	if err := dmControlIoctl(dmDevCreateCmd, name, uuidStr, 0, nil); err != nil {
		return "", Wrap(ErrKindIO, "dm_create", err)
	}

	spec := dmTargetSpec{SectorStart: 0, Length: sectors}
	copy(spec.TargetType[:], targetType)

	flags := uint32(0)
	if readonly {
		flags |= dmReadonlyFlag
	}

	if err := dmLoadTable(name, spec, table, flags); err != nil {
		_ = d.Remove(name)
		return "", Wrap(ErrKindIO, "dm_create", err)
	}

	if err := dmControlIoctl(dmDevSuspendCmd, name, "", 0, nil); err != nil {
		_ = d.Remove(name)
		return "", Wrap(ErrKindIO, "dm_create", err)
	}

	info, err := devmapper.InfoByName(name)
	if err != nil {
		_ = d.Remove(name)
		return "", Wrap(ErrKindIO, "dm_create", err)
	}
	_ = ensureDmDeviceNode(name, info.DevNo)

	return fmt.Sprintf("/dev/mapper/%s", name), nil
}

// Remove tears down a dm device by name.
func (d *KernelDmDriver) Remove(name string) error {
	if err := devmapper.Remove(name); err != nil {
		return Wrap(ErrKindIO, "dm_remove", err)
	}
	_ = os.Remove(fmt.Sprintf("/dev/mapper/%s", name))
	return nil
}

func ensureDmDeviceNode(name string, devNo uint64) error {
	mapperPath := fmt.Sprintf("/dev/mapper/%s", name)
	if _, err := os.Stat(mapperPath); err == nil {
		return nil
	}
	major := uint32((devNo >> 8) & 0xFFF) // #nosec G115 -- masked to 12 bits
	minor := uint32(devNo & 0xFF)         // #nosec G115 -- masked to 8 bits
	dev := unix.Mkdev(major, minor)
	devInt, err := SafeUint64ToInt(dev)
	if err != nil {
		return err
	}
	return unix.Mknod(mapperPath, unix.S_IFBLK|0660, devInt)
}

// dmControlIoctl issues a simple control command (create/remove/suspend)
// against /dev/mapper/control that carries no target specs.
func dmControlIoctl(cmd uint32, name, uuidStr string, flags uint32, _ *dmTargetSpec) error {
	f, err := os.OpenFile("/dev/mapper/control", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open /dev/mapper/control: %w", err)
	}
	defer func() { _ = f.Close() }()

	data := dmIoctlData{
		Version: [3]uint32{dmVersionMajor, dmVersionMinor, dmVersionPatch},
		Flags:   flags,
	}
	data.DataSize = uint32(unsafe.Sizeof(data)) // #nosec G115 -- struct size fits uint32
	copy(data.Name[:], name)
	copy(data.UUID[:], uuidStr)

	ioctlNo := dmIoctlNumber(cmd)
	// #nosec G103 -- unsafe.Pointer required for the ioctl syscall
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), ioctlNo, uintptr(unsafe.Pointer(&data))); errno != 0 {
		return fmt.Errorf("dm ioctl 0x%x: %v", cmd, errno)
	}
	return nil
}

// dmLoadTable issues DM_TABLE_LOAD with a single target spec and its
// params string appended after the struct, exactly the layout the
// verity-mapper reference builds for its own single-target tables.
func dmLoadTable(name string, spec dmTargetSpec, params string, flags uint32) error {
	f, err := os.OpenFile("/dev/mapper/control", os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open /dev/mapper/control: %w", err)
	}
	defer func() { _ = f.Close() }()

	paramsPadded := params + "\x00"
	specSize := int(unsafe.Sizeof(spec)) + len(paramsPadded)
	baseSize := dmStructSize + specSize

	buf := make([]byte, baseSize)

	header := (*dmIoctlData)(unsafe.Pointer(&buf[0])) // #nosec G103 -- struct overlay matches kernel ABI
	header.Version = [3]uint32{dmVersionMajor, dmVersionMinor, dmVersionPatch}
	header.DataSize = uint32(baseSize) // #nosec G115 -- bounded by DmTableMax well under uint32
	header.DataStart = dmStructSize    // #nosec G115
	header.TargetCount = 1
	header.Flags = flags
	copy(header.Name[:], name)

	spec.Next = 0
	specPtr := (*dmTargetSpec)(unsafe.Pointer(&buf[dmStructSize])) // #nosec G103
	*specPtr = spec
	copy(buf[dmStructSize+int(unsafe.Sizeof(spec)):], paramsPadded)

	ioctlNo := dmIoctlNumber(dmTableLoadCmd)
	// #nosec G103 -- unsafe.Pointer required for the ioctl syscall
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), ioctlNo, uintptr(unsafe.Pointer(&buf[0]))); errno != 0 {
		return fmt.Errorf("dm table load: %v", errno)
	}
	return nil
}

// dmIoctlNumber reconstructs the _IOWR(DM_IOCTL, cmd, struct dm_ioctl) macro
// Linux's device-mapper UAPI header expands to.
func dmIoctlNumber(cmd uint32) uintptr {
	const iocWrite = 1
	const iocRead = 2
	size := uintptr(unsafe.Sizeof(dmIoctlData{}))
	return (uintptr(iocWrite|iocRead) << 30) | (uintptr(dmIoctlMagic) << 8) | uintptr(cmd) | (size << 16)
}
