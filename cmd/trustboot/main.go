// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

// Version is set at build time via -ldflags
var Version = "dev"

const banner = `
Trustboot Rootfs Activator
`

const usage = `
USAGE:
    trustboot <command> [options]

COMMANDS:
    activate <device> <keyfile> <sealed-blob> [pcr-selection] [tpm-device]
                                  Verify partition metadata, unseal the
                                  volume key if required, stack the
                                  device-mapper targets, and print the
                                  top-level device path.
    help                          Show this help message
    version                       Show version information

EXAMPLES:
    trustboot activate /dev/sda2 /etc/trustboot/rootfs.pub /var/lib/trustboot/sealed.blob
    trustboot activate /dev/sda2 /etc/trustboot/rootfs.pub /var/lib/trustboot/sealed.blob sha256:0,7
`

func main() {
	cli := NewCLI()
	code := cli.Run()
	if code != 0 {
		cli.ExitFunc(code)
	}
}
