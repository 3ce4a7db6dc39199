// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"crypto/subtle"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ValidateDevicePath validates a block-device or file path for the early
// boot context: must be absolute, must not contain traversal, must exist,
// and must be a regular file or device node.
func ValidateDevicePath(path string) error {
	if path == "" {
		return Wrap(ErrKindInternal, "validate_device_path", ErrInvalidDevicePath)
	}

	if strings.Contains(path, "..") {
		return Wrap(ErrKindInternal, "validate_device_path", ErrInvalidDevicePath)
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return Wrap(ErrKindInternal, "validate_device_path", ErrInvalidDevicePath)
	}

	info, err := os.Stat(cleaned)
	if err != nil {
		if os.IsNotExist(err) {
			return Wrap(ErrKindIO, "validate_device_path", ErrDeviceNotFound)
		}
		return Wrap(ErrKindIO, "validate_device_path", err)
	}

	mode := info.Mode()
	if !mode.IsRegular() && mode&os.ModeDevice == 0 {
		return Wrap(ErrKindInternal, "validate_device_path", ErrInvalidDevicePath)
	}

	return nil
}

// ValidateKeyfilePath validates a PEM-encoded public keyfile path.
func ValidateKeyfilePath(path string) error {
	if path == "" {
		return Wrap(ErrKindCryptoKey, "validate_keyfile_path", fmt.Errorf("empty keyfile path"))
	}
	cleaned := filepath.Clean(path)
	if !filepath.IsAbs(cleaned) {
		return Wrap(ErrKindCryptoKey, "validate_keyfile_path", fmt.Errorf("keyfile path must be absolute"))
	}
	info, err := os.Stat(cleaned)
	if err != nil {
		return Wrap(ErrKindCryptoKey, "validate_keyfile_path", err)
	}
	if !info.Mode().IsRegular() {
		return Wrap(ErrKindCryptoKey, "validate_keyfile_path", fmt.Errorf("%s is not a regular file", cleaned))
	}
	return nil
}

// ConstantTimeEqual compares two byte slices in constant time.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// CheckOverflow reports whether a*b would overflow an int.
func CheckOverflow(a, b int) error {
	if a > 0 && b > 0 && a > math.MaxInt/b {
		return ErrIntegerOverflow
	}
	return nil
}

// SafeUint64ToInt64 converts uint64 to int64, erroring on overflow.
func SafeUint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, ErrIntegerOverflow
	}
	return int64(v), nil
}

// SafeUint64ToInt converts uint64 to int, erroring on overflow.
func SafeUint64ToInt(v uint64) (int, error) {
	if v > uint64(math.MaxInt) {
		return 0, ErrIntegerOverflow
	}
	return int(v), nil
}

// FileLock is an exclusive advisory lock on a file descriptor, held for
// the duration of a metadata read or sealed-blob write.
type FileLock struct {
	file *os.File
}

// AcquireFileLock opens path and takes a non-blocking exclusive flock.
func AcquireFileLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0) // #nosec G304 -- path validated by caller
	if err != nil {
		return nil, Wrap(ErrKindIO, "acquire_file_lock", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, Wrap(ErrKindIO, "acquire_file_lock", err)
	}
	return &FileLock{file: f}, nil
}

// Release unlocks and closes the held file descriptor.
func (l *FileLock) Release() error {
	if l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	return l.file.Close()
}
