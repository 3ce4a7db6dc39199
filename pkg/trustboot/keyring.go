// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// KeyringClient is the interface DmComposer depends on, letting tests
// supply a fake keyring without touching the real kernel facility.
type KeyringClient interface {
	GetKey(description string) ([]byte, error)
}

// keyringIDSession is the well-known special keyring ID for the calling
// process's session keyring, as accepted by the keyctl(2) family of
// syscalls.
const keyringIDSession = -3

// Keyring is the opaque handle to kernel-provided symmetric keys the
// original spec describes as a single get_key(description) primitive.
// The real lookup goes through golang.org/x/sys/unix's raw keyctl
// wrappers rather than a higher-level keyring library, matching the
// corpus's preference for direct syscalls over frameworks in this area.
type Keyring struct {
	keyringID int
}

// NewKeyring returns a Keyring bound to the process's session keyring.
func NewKeyring() *Keyring {
	return &Keyring{keyringID: keyringIDSession}
}

// GetKey looks up a key by description and returns up to PayloadMax bytes
// of its payload.
func (k *Keyring) GetKey(description string) ([]byte, error) {
	id, err := unix.KeyctlSearch(k.keyringID, "user", description, 0)
	if err != nil {
		return nil, Wrap(ErrKindKeyringLookup, "get_key", fmt.Errorf("search %q: %w", description, err))
	}

	buf := make([]byte, PayloadMax)
	n, err := unix.KeyctlBuffer(unix.KEYCTL_READ, id, buf, 0)
	if err != nil {
		return nil, Wrap(ErrKindKeyringLookup, "get_key", fmt.Errorf("read %q: %w", description, err))
	}
	if n > PayloadMax {
		return nil, Wrap(ErrKindKeyringLookup, "get_key", fmt.Errorf("%w: %q is %d bytes", ErrKeyTooLarge, description, n))
	}

	return buf[:n], nil
}
