// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LoadAndVerify opens meta.DevicePath, reads the trailing MetaSize bytes,
// verifies the signature against keyfilePath, and parses the text
// sections into meta. It is the only public entry point of MetaCodec.
func LoadAndVerify(meta *PartitionMetadata, keyfilePath string) error {
	if meta == nil || meta.DevicePath == "" {
		return Wrap(ErrKindInternal, "load_and_verify", fmt.Errorf("nil metadata or empty device_path"))
	}
	if err := ValidateDevicePath(meta.DevicePath); err != nil {
		return err
	}

	size, err := blockDeviceSize(meta.DevicePath)
	if err != nil {
		return Wrap(ErrKindIO, "load_and_verify", err)
	}
	if size < MetaSize {
		return Wrap(ErrKindIO, "load_and_verify", fmt.Errorf("device smaller than MetaSize"))
	}

	trailer, err := readTrailer(meta.DevicePath, size)
	if err != nil {
		return Wrap(ErrKindIO, "load_and_verify", err)
	}

	textLen, err := trailerTextLen(trailer)
	if err != nil {
		return Wrap(ErrKindMetaFormat, "load_and_verify", err)
	}

	sigStart := textLen + 1
	sig := trailer[sigStart : sigStart+SigLen]
	if err := VerifySignature(trailer[:textLen+1], sig, keyfilePath); err != nil {
		return err
	}

	text := make([]byte, textLen)
	copy(text, trailer[:textLen])

	if err := parseMetadataText(text, meta); err != nil {
		return Wrap(ErrKindMetaFormat, "load_and_verify", err)
	}

	return nil
}

// readTrailer reads the final MetaSize bytes of the backing device, holding
// an exclusive flock for the duration so a concurrent re-provisioning pass
// can't interleave a partial trailer write with this read.
func readTrailer(devicePath string, size int64) ([]byte, error) {
	lock, err := AcquireFileLock(devicePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lock.Release() }()

	f, err := os.Open(devicePath) // #nosec G304 -- device path validated upstream
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, MetaSize)
	if _, err := f.ReadAt(buf, size-MetaSize); err != nil {
		return nil, err
	}
	return buf, nil
}

// trailerTextLen computes the NUL-terminated length of the text prefix,
// rejecting a trailer whose text leaves no room in the block for the
// SigLen-byte signature that follows its NUL terminator (boundary test:
// text_len == MetaSize-SigLen-1 is rejected, MetaSize-SigLen-2 is accepted).
func trailerTextLen(trailer []byte) (int, error) {
	limit := MetaSize - SigLen - 1
	idx := bytes.IndexByte(trailer[:limit+1], 0)
	if idx == -1 || idx >= limit {
		return 0, fmt.Errorf("metadata text missing terminator within bound or too long")
	}
	return idx, nil
}

// parseMetadataText splits text on the three section separators and
// mutates an owned copy of the buffer in place, replacing 0xFF bytes with
// NUL to produce three independent C-style substrings (Design Note
// option (a): in-place mutation of a local owned buffer).
func parseMetadataText(text []byte, meta *PartitionMetadata) error {
	sepCount := bytes.Count(text, []byte{sectionSep})
	if sepCount != 2 {
		return fmt.Errorf("expected 2 section separators, found %d", sepCount)
	}

	for i, b := range text {
		if b == sectionSep {
			text[i] = 0
		}
	}

	parts := bytes.SplitN(text, []byte{0}, 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed section layout")
	}

	if err := parseHeaderSection(string(parts[0]), meta); err != nil {
		return err
	}
	meta.verintTokens = strings.Fields(string(parts[1]))
	meta.cryptTokens = strings.Fields(string(parts[2]))

	return nil
}

func parseHeaderSection(section string, meta *PartitionMetadata) error {
	tokens := strings.Fields(section)
	if len(tokens) != 4 {
		return fmt.Errorf("%w: header section needs 4 tokens, got %d", ErrTableTokenShort, len(tokens))
	}

	version, fsType, roMode, cryptModeToken := tokens[0], tokens[1], tokens[2], tokens[3]

	if version != VersionPrefix {
		return fmt.Errorf("unsupported version %q", version)
	}
	if len(fsType) > 32 {
		return fmt.Errorf("fs_type exceeds 32 bytes")
	}
	if roMode != "ro" && roMode != "rw" {
		return fmt.Errorf("invalid mode token %q", roMode)
	}

	mode, err := ParseCryptMode(cryptModeToken)
	if err != nil {
		return err
	}
	if mode.HasVerity() && mode.HasIntegrity() {
		return ErrVerityIntegrity
	}

	meta.FsType = fsType
	meta.RO = roMode == "ro"
	meta.Crypt = mode

	return nil
}

// blockDeviceSize queries a device's size via BLKGETSIZE64, falling back
// to a plain stat for regular files used in tests.
func blockDeviceSize(path string) (int64, error) {
	f, err := os.Open(path) // #nosec G304 -- device path validated upstream
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	var size int64
	// #nosec G103 -- unsafe.Pointer required for the ioctl syscall
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno == 0 {
		return size, nil
	}

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}

// parseUintToken is a small helper shared by DmComposer for the many
// decimal integer tokens the verity and integrity grammars carry.
func parseUintToken(tok string) (uint64, error) {
	v, err := strconv.ParseUint(tok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrTableTokenShort, err)
	}
	return v, nil
}
