// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"encoding/hex"
	"fmt"
)

// BytesToHex renders src as lowercase hex, matching the "bytes_to_hex"
// primitive used when embedding keyring payloads into dm-integrity
// option strings.
func BytesToHex(src []byte) string {
	return hex.EncodeToString(src)
}

// HexToBytes is the inverse of BytesToHex. Round-tripping the two must be
// the identity for every byte sequence (testable property #4).
func HexToBytes(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, Wrap(ErrKindMetaFormat, "hex_to_bytes", err)
	}
	return b, nil
}

// ClearBytes zeroes a byte slice in place, used to scrub key material and
// passphrase-derived buffers as soon as they're no longer needed.
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsPowerOf2 reports whether n is a power of two.
func IsPowerOf2(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NextPowerOf2 rounds n up to the next power of two.
func NextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// AlignTo rounds n up to the nearest multiple of align.
func AlignTo(n, align int) (int, error) {
	if align <= 0 {
		return 0, fmt.Errorf("invalid alignment %d", align)
	}
	rem := n % align
	if rem == 0 {
		return n, nil
	}
	aligned := n + (align - rem)
	if aligned < n {
		return 0, ErrIntegerOverflow
	}
	return aligned, nil
}
