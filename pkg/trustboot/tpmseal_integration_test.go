// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build integration

package trustboot

import (
	"bytes"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport/simulator"
	"github.com/google/go-tpm/tpmutil"
)

func newSimulatorSealer(t *testing.T) *TpmSealer {
	t.Helper()
	sim, err := simulator.OpenSimulator()
	if err != nil {
		t.Fatalf("OpenSimulator() error: %v", err)
	}
	t.Cleanup(func() { _ = sim.Close() })
	return &TpmSealer{transport: sim, logger: NopLogger{}}
}

func TestTpmSealUnsealRoundTrip(t *testing.T) {
	s := newSimulatorSealer(t)

	digest := [32]byte{0x01, 0x02, 0x03}
	policy := PcrPolicy{Bank: "sha256", PCRs: []int{7}}
	plaintext := []byte("rootfs-volume-key-0123456789abcdef")

	blob, err := s.TpmSeal(digest, policy, plaintext)
	if err != nil {
		t.Fatalf("TpmSeal() error: %v", err)
	}
	if blob.Empty() {
		t.Fatal("TpmSeal() returned an empty blob")
	}

	got, err := s.TpmUnseal(digest, policy, blob)
	if err != nil {
		t.Fatalf("TpmUnseal() error: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("TpmUnseal() = %q, want %q", got, plaintext)
	}
}

func TestTpmUnsealDeniedByChangedPCRExtendsFailurePCR(t *testing.T) {
	s := newSimulatorSealer(t)

	digest := [32]byte{0x0a, 0x0b}
	policy := PcrPolicy{Bank: "sha256", PCRs: []int{7}}
	plaintext := []byte("another-volume-key")

	blob, err := s.TpmSeal(digest, policy, plaintext)
	if err != nil {
		t.Fatalf("TpmSeal() error: %v", err)
	}

	before, err := readPCR(s, 7)
	if err != nil {
		t.Fatalf("readPCR(7) error: %v", err)
	}

	// Extend the policy PCR after sealing so the session's PolicyPCR
	// check no longer matches the digest the blob was sealed under.
	if err := tpm2.PCRExtend(s.transport, tpmutil.Handle(7), tpm2.AlgSHA256, bytes.Repeat([]byte{0xff}, 32), ""); err != nil {
		t.Fatalf("PCRExtend(7) error: %v", err)
	}

	failureBefore, err := readPCR(s, failurePcrIndex)
	if err != nil {
		t.Fatalf("readPCR(failure) error: %v", err)
	}

	if _, err := s.TpmUnseal(digest, policy, blob); err == nil {
		t.Fatal("expected TpmUnseal to fail after the policy PCR changed")
	} else if KindOf(err) != ErrKindTpmPolicy {
		t.Errorf("KindOf(err) = %v, want ErrKindTpmPolicy", KindOf(err))
	}

	failureAfter, err := readPCR(s, failurePcrIndex)
	if err != nil {
		t.Fatalf("readPCR(failure) error: %v", err)
	}
	if bytes.Equal(failureBefore, failureAfter) {
		t.Error("failure PCR was not extended after a denied unseal")
	}

	changed, err := readPCR(s, 7)
	if err != nil {
		t.Fatalf("readPCR(7) error: %v", err)
	}
	if bytes.Equal(before, changed) {
		t.Error("sanity check: PCR 7 should have changed after PCRExtend")
	}
}

func readPCR(s *TpmSealer, index int) ([]byte, error) {
	sel := tpm2.PCRSelection{Hash: tpm2.AlgSHA256, PCRs: []int{index}}
	values, err := tpm2.ReadPCRs(s.transport, sel)
	if err != nil {
		return nil, err
	}
	return values[index], nil
}
