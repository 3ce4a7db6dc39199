// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/jeremyhahn/trustboot/pkg/trustboot"
)

// TrustbootOperations defines the interface cli.go depends on, mirroring
// the teacher's LuksOperations seam so Run can be exercised without real
// device-mapper or TPM access.
type TrustbootOperations interface {
	Activate(cfg trustboot.Config) (string, error)
}

// DefaultTrustbootOperations wires the production Orchestrator.
type DefaultTrustbootOperations struct{}

func (d *DefaultTrustbootOperations) Activate(cfg trustboot.Config) (string, error) {
	log, err := trustboot.NewLogger(cfg.Verbose)
	if err != nil {
		return "", err
	}

	orch := trustboot.NewOrchestrator(
		trustboot.NewKernelDmDriver(),
		trustboot.NewKeyring(),
		func(devicePath string) (trustboot.TpmClient, error) {
			return trustboot.OpenTpmSealer(devicePath, log)
		},
		log,
	)

	return orch.Run(cfg)
}

// CLI represents the command-line interface application.
type CLI struct {
	Args      []string
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	Trustboot TrustbootOperations
	ExitFunc  func(code int)
}

// NewCLI constructs the production CLI bound to os.Args and os.Stdin/out/err.
func NewCLI() *CLI {
	return &CLI{
		Args:      os.Args,
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Trustboot: &DefaultTrustbootOperations{},
		ExitFunc:  os.Exit,
	}
}

func (c *CLI) showBanner() {
	_, _ = fmt.Fprintln(c.Stdout, banner)
}

// Run dispatches on the first positional argument and returns a process
// exit code, matching the teacher's cli.go Run() convention.
func (c *CLI) Run() int {
	if len(c.Args) < 2 {
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}

	switch c.Args[1] {
	case "activate":
		return c.cmdActivate()
	case "version":
		_, _ = fmt.Fprintf(c.Stdout, "trustboot %s\n", Version)
		return 0
	case "help", "-h", "--help":
		c.showBanner()
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 0
	default:
		_, _ = fmt.Fprintf(c.Stderr, "Unknown command: %s\n\n", c.Args[1])
		_, _ = fmt.Fprint(c.Stdout, usage)
		return 1
	}
}

func (c *CLI) cmdActivate() int {
	cfg, err := trustboot.ParseArgs(c.Args[2:])
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "%v\n", err)
		return 1
	}

	path, err := c.Trustboot.Activate(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(c.Stderr, "activation failed (%s): %v\n", trustboot.KindOf(err).String(), err)
		return exitCodeFor(trustboot.KindOf(err))
	}

	_, _ = fmt.Fprintln(c.Stdout, path)
	return 0
}

// exitCodeFor maps an ErrorKind onto a small, stable set of process exit
// codes so init scripts can branch without parsing error text.
func exitCodeFor(kind trustboot.ErrorKind) int {
	switch kind {
	case trustboot.ErrKindMetaFormat, trustboot.ErrKindMetaSig:
		return 2
	case trustboot.ErrKindTpmTransport, trustboot.ErrKindTpmPolicy, trustboot.ErrKindTpmState:
		return 3
	case trustboot.ErrKindDmTableOverflow:
		return 4
	case trustboot.ErrKindKeyringLookup, trustboot.ErrKindCryptoKey:
		return 5
	case trustboot.ErrKindIO:
		return 6
	default:
		return 1
	}
}
