// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import "fmt"

// Config is the runtime configuration the external CLI entrypoint
// assembles before handing control to the Orchestrator. It is
// deliberately thin: device path, keyfile path, sealed-blob path, PCR
// selection string, an optional TPM device node and a verbosity flag,
// matching §6's "environment/config, not part of the core spec" boundary.
type Config struct {
	DevicePath     string
	KeyfilePath    string
	SealedBlobPath string
	PcrSelection   string
	TpmDevice      string
	Verbose        bool
}

// ParseArgs hand-parses positional CLI arguments, matching the teacher's
// cmd/luks2/cli.go style of plain os.Args dispatch rather than a flags or
// cobra framework:
//
//	trustboot activate <device> <keyfile> <sealed-blob> [pcr-selection] [tpm-device]
func ParseArgs(args []string) (Config, error) {
	if len(args) < 3 {
		return Config{}, fmt.Errorf("usage: trustboot activate <device> <keyfile> <sealed-blob> [pcr-selection] [tpm-device]")
	}

	cfg := Config{
		DevicePath:     args[0],
		KeyfilePath:    args[1],
		SealedBlobPath: args[2],
		PcrSelection:   "sha256:7",
	}
	if len(args) > 3 {
		cfg.PcrSelection = args[3]
	}
	if len(args) > 4 {
		cfg.TpmDevice = args[4]
	}

	return cfg, nil
}
