// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

const (
	verintDeviceName = "rootfs-verint"
	cryptDeviceName  = "rootfs-crypt"
)

// TpmClient is the interface Orchestrator depends on for TpmSealer,
// letting tests substitute a fake TPM.
type TpmClient interface {
	TpmUnseal(pubKeyDigest [32]byte, policy PcrPolicy, blob SealedBlob) ([]byte, error)
	Close() error
}

// Orchestrator drives the single end-to-end sequence described in the
// original spec's §4.7: load+verify metadata, optionally unseal a
// symmetric key, compose and activate the device-mapper stack, and hand
// back the top device path. Any failure unwinds previously-created
// devices in reverse order before returning.
//
// OpenTpm is invoked lazily, only for crypt-bearing modes, so plain and
// verity-only activations never touch the TPM device node.
type Orchestrator struct {
	Dm      DmDriver
	Keyring KeyringClient
	OpenTpm func(devicePath string) (TpmClient, error)
	Log     Logger
}

// NewOrchestrator wires the production collaborators. Tests construct an
// Orchestrator literal directly with fakes instead.
func NewOrchestrator(dm DmDriver, kr KeyringClient, openTpm func(string) (TpmClient, error), log Logger) *Orchestrator {
	if log == nil {
		log = NopLogger{}
	}
	return &Orchestrator{Dm: dm, Keyring: kr, OpenTpm: openTpm, Log: log}
}

// Run executes the happy path and returns the final device path.
func (o *Orchestrator) Run(cfg Config) (string, error) {
	if err := ValidateKeyfilePath(cfg.KeyfilePath); err != nil {
		return "", err
	}
	if err := ValidateKeyfilePath(cfg.SealedBlobPath); err != nil {
		return "", err
	}

	meta := &PartitionMetadata{DevicePath: cfg.DevicePath}

	if err := LoadAndVerify(meta, cfg.KeyfilePath); err != nil {
		o.Log.Error("metadata load failed", "error", err)
		return "", err
	}
	o.Log.Info("meta_loaded", "device", meta.DevicePath, "mode", meta.Crypt.String())

	var created []string
	teardown := func() {
		for i := len(created) - 1; i >= 0; i-- {
			if err := o.Dm.Remove(created[i]); err != nil {
				o.Log.Warn("teardown failed to remove device", "name", created[i], "error", err)
				continue
			}
			o.Log.Info("dm_removed", "name", created[i])
		}
	}

	finalPath, err := o.activate(cfg, meta, &created)
	if err != nil {
		teardown()
		return "", err
	}

	o.Log.Info("activation complete", "device", finalPath)
	return finalPath, nil
}

func (o *Orchestrator) activate(cfg Config, meta *PartitionMetadata, created *[]string) (string, error) {
	switch meta.Crypt {
	case ModePlain:
		return meta.DevicePath, nil

	case ModeVerity:
		return o.activateVerity(meta.DevicePath, meta, created)

	case ModeIntegrity:
		return o.activateIntegrity(meta.DevicePath, meta, created)

	case ModeCrypt:
		keyHex, err := o.unsealKeyHex(cfg, meta)
		if err != nil {
			return "", err
		}
		dataBytes, err := blockDeviceSize(meta.DevicePath)
		if err != nil {
			return "", Wrap(ErrKindIO, "activate", err)
		}
		return o.activateCrypt(meta.DevicePath, meta, uint64(dataBytes), keyHex, created)

	case ModeCryptIntegrity:
		integrityPath, dataBytes, err := o.activateIntegrityFor(meta, created)
		if err != nil {
			return "", err
		}
		keyHex, err := o.unsealKeyHex(cfg, meta)
		if err != nil {
			return "", err
		}
		return o.activateCrypt(integrityPath, meta, dataBytes, keyHex, created)

	case ModeCryptVerity:
		keyHex, err := o.unsealKeyHex(cfg, meta)
		if err != nil {
			return "", err
		}
		dataBytes, err := blockDeviceSize(meta.DevicePath)
		if err != nil {
			return "", Wrap(ErrKindIO, "activate", err)
		}
		cryptPath, err := o.activateCrypt(meta.DevicePath, meta, uint64(dataBytes), keyHex, created)
		if err != nil {
			return "", err
		}
		return o.activateVerity(cryptPath, meta, created)

	default:
		return "", Wrap(ErrKindInternal, "activate", fmt.Errorf("unhandled crypt mode %v", meta.Crypt))
	}
}

func (o *Orchestrator) activateVerity(backing string, meta *PartitionMetadata, created *[]string) (string, error) {
	table, dataBytes, sectors, err := ComposeVerityTable(meta, backing)
	if err != nil {
		return "", err
	}
	meta.DmTableVerint = table
	meta.DmVolumeDataBytes = dataBytes

	path, err := o.Dm.Create(verintDeviceName, dmUUID(verintDeviceName), "verity", table, sectors, true)
	if err != nil {
		return "", err
	}
	*created = append(*created, verintDeviceName)
	o.Log.Info("dm_created", "name", verintDeviceName, "target", "verity", "path", path)
	return path, nil
}

func (o *Orchestrator) activateIntegrity(backing string, meta *PartitionMetadata, created *[]string) (string, error) {
	path, _, err := o.activateIntegrityOn(backing, meta, created)
	return path, err
}

func (o *Orchestrator) activateIntegrityFor(meta *PartitionMetadata, created *[]string) (string, uint64, error) {
	return o.activateIntegrityOn(meta.DevicePath, meta, created)
}

func (o *Orchestrator) activateIntegrityOn(backing string, meta *PartitionMetadata, created *[]string) (string, uint64, error) {
	table, dataBytes, sectors, err := ComposeIntegrityTable(meta, backing, o.Keyring)
	if err != nil {
		return "", 0, err
	}
	meta.DmTableVerint = table
	meta.DmVolumeDataBytes = dataBytes

	path, err := o.Dm.Create(verintDeviceName, dmUUID(verintDeviceName), "integrity", table, sectors, false)
	if err != nil {
		return "", 0, err
	}
	*created = append(*created, verintDeviceName)
	o.Log.Info("dm_created", "name", verintDeviceName, "target", "integrity", "path", path)
	return path, dataBytes, nil
}

func (o *Orchestrator) activateCrypt(backing string, meta *PartitionMetadata, dataBytes uint64, keyHex string, created *[]string) (string, error) {
	table, sectors, err := ComposeCryptTable(meta, backing, keyHex, dataBytes)
	if err != nil {
		return "", err
	}
	meta.DmTableCrypt = table

	path, err := o.Dm.Create(cryptDeviceName, dmUUID(cryptDeviceName), "crypt", table, sectors, false)
	if err != nil {
		return "", err
	}
	*created = append(*created, cryptDeviceName)
	o.Log.Info("dm_created", "name", cryptDeviceName, "target", "crypt", "path", path)
	return path, nil
}

// unsealKeyHex reads the sealed blob from disk and unseals it against the
// metadata signer's digest and the configured PCR policy, hex-encoding
// the result for splicing into the crypt table, per §4.7's pseudocode.
func (o *Orchestrator) unsealKeyHex(cfg Config, meta *PartitionMetadata) (string, error) {
	digest, err := SHA256OfKeyfile(cfg.KeyfilePath)
	if err != nil {
		return "", err
	}

	policy, err := ParsePcrSelection(cfg.PcrSelection)
	if err != nil {
		return "", err
	}
	o.Log.Info("unseal_policy", "policy", policy.Describe())

	blob, err := ReadSealedBlob(cfg.SealedBlobPath)
	if err != nil {
		return "", Wrap(ErrKindIO, "unseal_key", err)
	}

	tpm, err := o.OpenTpm(cfg.TpmDevice)
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := tpm.Close(); cerr != nil {
			o.Log.Warn("tpm close failed", "error", cerr)
		}
	}()

	plaintext, err := tpm.TpmUnseal(digest, policy, blob)
	if err != nil {
		return "", err
	}
	defer ClearBytes(plaintext)

	return BytesToHex(plaintext), nil
}

func dmUUID(name string) string {
	return fmt.Sprintf("TRUSTBOOT-%s-%s", name, uuid.New().String())
}

// ReadSealedBlob reads a SealedBlob written by WriteSealedBlob: a 4-byte
// big-endian length prefix for the public area followed by the public
// bytes, then the remaining bytes as the private area. The read is held
// under an exclusive flock so it can't race a concurrent re-seal.
func ReadSealedBlob(path string) (SealedBlob, error) {
	lock, err := AcquireFileLock(path)
	if err != nil {
		return SealedBlob{}, err
	}
	defer func() { _ = lock.Release() }()

	data, err := os.ReadFile(path) // #nosec G304 -- sealed-blob path is an operator-supplied CLI argument
	if err != nil {
		return SealedBlob{}, err
	}
	if len(data) < 4 {
		return SealedBlob{}, fmt.Errorf("sealed blob file too small")
	}
	pubLen := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if 4+pubLen > len(data) {
		return SealedBlob{}, fmt.Errorf("sealed blob length prefix out of range")
	}
	pub := data[4 : 4+pubLen]
	priv := data[4+pubLen:]
	return SealedBlob{Public: pub, Private: priv}, nil
}

// WriteSealedBlob persists a SealedBlob atomically via tmpfile+rename,
// grounded in the teacher's writeHeaderInternal pattern. The rename target
// is held under an exclusive flock for the duration of the write so a
// concurrent reader can't observe a half-renamed file.
func WriteSealedBlob(path string, blob SealedBlob) error {
	placeholder, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) // #nosec G304 -- sealed-blob path is an operator-supplied CLI argument
	if err != nil {
		return err
	}
	_ = placeholder.Close()

	lock, err := AcquireFileLock(path)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	pubLen := len(blob.Public)
	out := make([]byte, 4+pubLen+len(blob.Private))
	out[0] = byte(pubLen >> 24)
	out[1] = byte(pubLen >> 16)
	out[2] = byte(pubLen >> 8)
	out[3] = byte(pubLen)
	copy(out[4:], blob.Public)
	copy(out[4+pubLen:], blob.Private)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304 -- sealed-blob path is an operator-supplied CLI argument
	if err != nil {
		return err
	}
	if _, err := f.Write(out); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
