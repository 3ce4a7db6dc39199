// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package trustboot

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap(ErrKindIO, "op", nil); err != nil {
		t.Errorf("Wrap with nil err should return nil, got %v", err)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := errors.New("boom")
	wrapped := Wrap(ErrKindMetaFormat, "load_and_verify", inner)

	if !errors.Is(wrapped, inner) {
		t.Error("errors.Is should find the inner error through Unwrap")
	}
	if got := KindOf(wrapped); got != ErrKindMetaFormat {
		t.Errorf("KindOf() = %v, want %v", got, ErrKindMetaFormat)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if got := KindOf(errors.New("unwrapped")); got != ErrKindInternal {
		t.Errorf("KindOf(plain error) = %v, want %v", got, ErrKindInternal)
	}
	if got := KindOf(nil); got != ErrKindInternal {
		t.Errorf("KindOf(nil) = %v, want %v", got, ErrKindInternal)
	}
}

func TestErrorKindString(t *testing.T) {
	tests := map[ErrorKind]string{
		ErrKindIO:              "IO",
		ErrKindMetaFormat:      "META_FORMAT",
		ErrKindMetaSig:         "META_SIG",
		ErrKindCryptoKey:       "CRYPTO_KEY",
		ErrKindDmTableOverflow: "DM_TABLE_OVERFLOW",
		ErrKindKeyringLookup:   "KEYRING_LOOKUP",
		ErrKindTpmTransport:    "TPM_TRANSPORT",
		ErrKindTpmPolicy:       "TPM_POLICY",
		ErrKindTpmState:        "TPM_STATE",
		ErrKindInternal:        "INTERNAL",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", kind, got, want)
		}
	}
}

func TestTrustbootErrorMessageContainsOp(t *testing.T) {
	err := Wrap(ErrKindTpmState, "create_primary", fmt.Errorf("handle exhausted"))
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	if !strings.Contains(msg, "create_primary") {
		t.Errorf("Error() = %q, expected it to contain the op", msg)
	}
}

func TestSentinelErrorsNonNil(t *testing.T) {
	sentinels := []error{
		ErrDeviceNotFound, ErrKeyNotFound, ErrKeyTooLarge, ErrBadPcrIndex,
		ErrVerityIntegrity, ErrDmDeviceExists, ErrSealedBlobEmpty,
		ErrTableTokenShort, ErrIntegerOverflow, ErrInvalidDevicePath,
	}
	for _, err := range sentinels {
		if err == nil || err.Error() == "" {
			t.Errorf("sentinel error is nil or empty: %v", err)
		}
	}
}
