// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package trustboot

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

// attachLoopDevice backs a fresh loop device with a zeroed file, for
// exercising KernelDmDriver against a real block device. Grounded on the
// LOOP_CTL_GET_FREE/LOOP_SET_FD sequence the teacher's own loop device
// helper used.
func attachLoopDevice(t *testing.T, sizeBytes int64) string {
	t.Helper()

	backingPath := filepath.Join(t.TempDir(), "backing.img")
	backing, err := os.OpenFile(backingPath, os.O_RDWR|os.O_CREATE, 0600) // #nosec G304 -- test-generated temp path
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	defer func() { _ = backing.Close() }()
	if err := backing.Truncate(sizeBytes); err != nil {
		t.Fatalf("truncate backing file: %v", err)
	}

	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("loop-control unavailable, skipping: %v", err)
	}
	defer func() { _ = ctl.Close() }()

	devNum, _, errno := unix.Syscall(unix.SYS_IOCTL, ctl.Fd(), unix.LOOP_CTL_GET_FREE, 0)
	if errno != 0 {
		t.Fatalf("LOOP_CTL_GET_FREE: %v", errno)
	}

	loopPath := fmt.Sprintf("/dev/loop%d", devNum)
	loopFile, err := os.OpenFile(loopPath, os.O_RDWR, 0) // #nosec G304 -- kernel-assigned loop device path
	if err != nil {
		t.Fatalf("open %s: %v", loopPath, err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), unix.LOOP_SET_FD, backing.Fd()); errno != 0 {
		_ = loopFile.Close()
		t.Fatalf("LOOP_SET_FD: %v", errno)
	}
	_ = loopFile.Close()

	t.Cleanup(func() {
		f, err := os.OpenFile(loopPath, os.O_RDWR, 0) // #nosec G304 -- kernel-assigned loop device path
		if err != nil {
			return
		}
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.LOOP_CLR_FD, 0)
		_ = f.Close()
	})

	return loopPath
}

func TestKernelDmDriverCreateAndRemoveLinearTarget(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root to drive /dev/mapper/control")
	}

	const sizeBytes = 8 * 1024 * 1024
	loopPath := attachLoopDevice(t, sizeBytes)
	sectors := uint64(sizeBytes / 512)

	dm := NewKernelDmDriver()
	name := "trustboot-it-linear"
	uuidStr := "TRUSTBOOT-IT-" + name

	if dm.Exists(name) {
		t.Fatalf("device %s already exists before the test ran", name)
	}

	table := fmt.Sprintf("%s 0", loopPath)
	path, err := dm.Create(name, uuidStr, "linear", table, sectors, false)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if path != "/dev/mapper/"+name {
		t.Errorf("path = %q, want /dev/mapper/%s", path, name)
	}
	if !dm.Exists(name) {
		t.Error("Exists() should report true after Create()")
	}

	if err := dm.Remove(name); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if dm.Exists(name) {
		t.Error("Exists() should report false after Remove()")
	}
}
