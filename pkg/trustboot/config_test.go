// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package trustboot

import "testing"

func TestParseArgsRequiresThreePositionals(t *testing.T) {
	if _, err := ParseArgs([]string{"/dev/sda2", "/etc/key.pub"}); err == nil {
		t.Error("expected error for fewer than 3 positional args")
	}
}

func TestParseArgsDefaultsPcrSelection(t *testing.T) {
	cfg, err := ParseArgs([]string{"/dev/sda2", "/etc/key.pub", "/var/lib/sealed.blob"})
	if err != nil {
		t.Fatalf("ParseArgs() error: %v", err)
	}
	if cfg.PcrSelection != "sha256:7" {
		t.Errorf("PcrSelection = %q, want default sha256:7", cfg.PcrSelection)
	}
	if cfg.TpmDevice != "" {
		t.Errorf("TpmDevice = %q, want empty default", cfg.TpmDevice)
	}
}

func TestParseArgsOverridesPcrAndTpmDevice(t *testing.T) {
	cfg, err := ParseArgs([]string{
		"/dev/sda2", "/etc/key.pub", "/var/lib/sealed.blob", "sha256:0,7", "/dev/tpm0",
	})
	if err != nil {
		t.Fatalf("ParseArgs() error: %v", err)
	}
	if cfg.PcrSelection != "sha256:0,7" {
		t.Errorf("PcrSelection = %q, want sha256:0,7", cfg.PcrSelection)
	}
	if cfg.TpmDevice != "/dev/tpm0" {
		t.Errorf("TpmDevice = %q, want /dev/tpm0", cfg.TpmDevice)
	}
}
