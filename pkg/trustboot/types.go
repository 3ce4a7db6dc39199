// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import "fmt"

// Size constants governing the on-disk metadata trailer and generated
// device-mapper tables. Treated as configuration by callers that need a
// different layout, but fixed here to match the reference trailer format.
const (
	// MetaSize is the fixed size, in bytes, of the metadata trailer
	// occupying the end of the backing partition.
	MetaSize = 4096

	// SigLen is the fixed length of the RSA-PSS/SHA-256 signature appended
	// to the trailer.
	SigLen = 256

	// VersionPrefix is the literal version token every trailer must open
	// with.
	VersionPrefix = "v1"

	// DmTableMax bounds the length (including NUL) of any generated
	// device-mapper table string.
	DmTableMax = 512

	// PayloadMax bounds the size of a single keyring lookup result.
	PayloadMax = 4096

	sectionSep byte = 0xFF
)

// CryptMode is the tagged variant over the six CRYPT_MODE grammar values.
// Modeling it as a sum type rather than a bare bitfield makes the
// verity/integrity mutual exclusion structurally unrepresentable, per the
// stacking table each mode maps to.
type CryptMode int

const (
	ModePlain CryptMode = iota
	ModeVerity
	ModeIntegrity
	ModeCrypt
	ModeCryptIntegrity
	ModeCryptVerity
)

// Crypt bitfield flags, kept alongside CryptMode so pseudocode-shaped
// checks like "crypt & VERITY" remain expressible against the bits a mode
// implies.
const (
	BitNone      = 0
	BitVerity    = 1 << 0
	BitIntegrity = 1 << 1
	BitCrypt     = 1 << 2
)

// ParseCryptMode maps a CRYPT_MODE token to its tagged variant.
func ParseCryptMode(token string) (CryptMode, error) {
	switch token {
	case "plain":
		return ModePlain, nil
	case "verity":
		return ModeVerity, nil
	case "integrity":
		return ModeIntegrity, nil
	case "crypt":
		return ModeCrypt, nil
	case "crypt-integrity":
		return ModeCryptIntegrity, nil
	case "crypt-verity":
		return ModeCryptVerity, nil
	default:
		return 0, &TrustbootError{Kind: ErrKindMetaFormat, Op: "parse_crypt_mode", Err: fmt.Errorf("unknown cryptmode %q", token)}
	}
}

// Bits returns the bitfield view of a CryptMode, matching the original
// spec's `crypt` field.
func (m CryptMode) Bits() int {
	switch m {
	case ModePlain:
		return BitNone
	case ModeVerity:
		return BitVerity
	case ModeIntegrity:
		return BitIntegrity
	case ModeCrypt:
		return BitCrypt
	case ModeCryptIntegrity:
		return BitCrypt | BitIntegrity
	case ModeCryptVerity:
		return BitCrypt | BitVerity
	default:
		return BitNone
	}
}

// HasCrypt reports whether the mode includes a dm-crypt layer.
func (m CryptMode) HasCrypt() bool {
	return m.Bits()&BitCrypt != 0
}

// HasVerity reports whether the mode includes a dm-verity layer.
func (m CryptMode) HasVerity() bool {
	return m.Bits()&BitVerity != 0
}

// HasIntegrity reports whether the mode includes a dm-integrity layer.
func (m CryptMode) HasIntegrity() bool {
	return m.Bits()&BitIntegrity != 0
}

func (m CryptMode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeVerity:
		return "verity"
	case ModeIntegrity:
		return "integrity"
	case ModeCrypt:
		return "crypt"
	case ModeCryptIntegrity:
		return "crypt-integrity"
	case ModeCryptVerity:
		return "crypt-verity"
	default:
		return "unknown"
	}
}

// PartitionMetadata is the canonical in-memory record produced by
// MetaCodec and consumed read-only by DmComposer and DmCtl.
type PartitionMetadata struct {
	DevicePath string
	FsType     string
	RO         bool
	Crypt      CryptMode

	DmTableVerint string
	DmTableCrypt  string

	DmVolumeDataBytes uint64

	verintTokens []string
	cryptTokens  []string
}

// MetadataTrailer is the raw, on-disk representation read from the last
// MetaSize bytes of the backing partition.
type MetadataTrailer struct {
	Text      []byte // NUL-terminated metadata text, length <= MetaSize-SigLen-1
	Signature [SigLen]byte
}

// SealedBlob is the opaque TPM-produced ciphertext for a symmetric key.
type SealedBlob struct {
	Public  []byte
	Private []byte
}

// Empty reports whether the blob carries no TPM material.
func (b SealedBlob) Empty() bool {
	return len(b.Public) == 0 && len(b.Private) == 0
}

// PcrPolicy is a set of (bank, index) pairs bound into a sealed blob at
// creation time and re-evaluated at unseal time.
type PcrPolicy struct {
	Bank string
	PCRs []int
}

// Describe renders a PcrPolicy for diagnostic logging.
func (p PcrPolicy) Describe() string {
	bank := p.Bank
	if bank == "" {
		bank = "sha256"
	}
	s := bank + ":"
	for i, pcr := range p.PCRs {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", pcr)
	}
	return s
}
