// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

//go:build !integration

package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/jeremyhahn/trustboot/pkg/trustboot"
)

// mockTrustbootOperations implements TrustbootOperations for testing.
type mockTrustbootOperations struct {
	ActivateFunc func(cfg trustboot.Config) (string, error)
}

func (m *mockTrustbootOperations) Activate(cfg trustboot.Config) (string, error) {
	if m.ActivateFunc != nil {
		return m.ActivateFunc(cfg)
	}
	return "/dev/mapper/rootfs-verint", nil
}

func newTestCLI(ops TrustbootOperations) (*CLI, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	cli := &CLI{
		Args:      []string{"trustboot"},
		Stdout:    &stdout,
		Stderr:    &stderr,
		Trustboot: ops,
		ExitFunc:  func(int) {},
	}
	return cli, &stdout, &stderr
}

func TestCLIRunNoArgsShowsUsage(t *testing.T) {
	cli, stdout, _ := newTestCLI(&mockTrustbootOperations{})
	code := cli.Run()
	if code != 1 {
		t.Errorf("Run() code = %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "USAGE") {
		t.Error("expected usage text on stdout")
	}
}

func TestCLIRunUnknownCommand(t *testing.T) {
	cli, _, stderr := newTestCLI(&mockTrustbootOperations{})
	cli.Args = []string{"trustboot", "bogus"}
	code := cli.Run()
	if code != 1 {
		t.Errorf("Run() code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "Unknown command") {
		t.Errorf("stderr = %q, expected unknown command message", stderr.String())
	}
}

func TestCLIRunVersion(t *testing.T) {
	cli, stdout, _ := newTestCLI(&mockTrustbootOperations{})
	cli.Args = []string{"trustboot", "version"}
	if code := cli.Run(); code != 0 {
		t.Errorf("Run() code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "trustboot") {
		t.Errorf("stdout = %q, expected version string", stdout.String())
	}
}

func TestCLIRunActivateSuccess(t *testing.T) {
	ops := &mockTrustbootOperations{
		ActivateFunc: func(cfg trustboot.Config) (string, error) {
			if cfg.DevicePath != "/dev/sda2" {
				t.Errorf("DevicePath = %q, want /dev/sda2", cfg.DevicePath)
			}
			return "/dev/mapper/rootfs-crypt", nil
		},
	}
	cli, stdout, _ := newTestCLI(ops)
	cli.Args = []string{"trustboot", "activate", "/dev/sda2", "/etc/key.pub", "/var/lib/sealed.blob"}

	if code := cli.Run(); code != 0 {
		t.Errorf("Run() code = %d, want 0", code)
	}
	if strings.TrimSpace(stdout.String()) != "/dev/mapper/rootfs-crypt" {
		t.Errorf("stdout = %q, want device path", stdout.String())
	}
}

func TestCLIRunActivateMissingArgs(t *testing.T) {
	cli, _, stderr := newTestCLI(&mockTrustbootOperations{})
	cli.Args = []string{"trustboot", "activate", "/dev/sda2"}

	if code := cli.Run(); code != 1 {
		t.Errorf("Run() code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "usage") {
		t.Errorf("stderr = %q, expected usage message", stderr.String())
	}
}

func TestCLIRunActivateFailureMapsExitCode(t *testing.T) {
	tests := []struct {
		kind trustboot.ErrorKind
		want int
	}{
		{trustboot.ErrKindMetaFormat, 2},
		{trustboot.ErrKindMetaSig, 2},
		{trustboot.ErrKindTpmState, 3},
		{trustboot.ErrKindDmTableOverflow, 4},
		{trustboot.ErrKindKeyringLookup, 5},
		{trustboot.ErrKindIO, 6},
		{trustboot.ErrKindInternal, 1},
	}

	for _, tt := range tests {
		ops := &mockTrustbootOperations{
			ActivateFunc: func(cfg trustboot.Config) (string, error) {
				return "", trustboot.Wrap(tt.kind, "activate", errors.New("boom"))
			},
		}
		cli, _, stderr := newTestCLI(ops)
		cli.Args = []string{"trustboot", "activate", "/dev/sda2", "/etc/key.pub", "/var/lib/sealed.blob"}

		code := cli.Run()
		if code != tt.want {
			t.Errorf("kind %v: Run() code = %d, want %d", tt.kind, code, tt.want)
		}
		if !strings.Contains(stderr.String(), "activation failed") {
			t.Errorf("kind %v: stderr = %q, expected activation failure message", tt.kind, stderr.String())
		}
	}
}
