// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// VerifySignature verifies an RSA-PSS/SHA-256 signature over msg against
// the PEM-encoded public key at keyfilePath. RSA-PSS is the single
// canonical scheme: its signature length is fixed for a given key size,
// which the trailer's constant SigLen depends on (an ECDSA signature's
// ASN.1 DER encoding would vary in length).
func VerifySignature(msg, sig []byte, keyfilePath string) error {
	pub, err := loadPublicKey(keyfilePath)
	if err != nil {
		return Wrap(ErrKindCryptoKey, "verify_signature", err)
	}

	digest := sha256.Sum256(msg)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts); err != nil {
		return Wrap(ErrKindMetaSig, "verify_signature", err)
	}
	return nil
}

// SHA256OfKeyfile computes the canonical SHA-256 digest of the raw keyfile
// bytes, used to derive the TPM primary-object authorization that binds
// sealed material to the metadata signer.
func SHA256OfKeyfile(path string) ([32]byte, error) {
	var out [32]byte
	data, err := os.ReadFile(path) // #nosec G304 -- keyfile path validated by caller
	if err != nil {
		return out, Wrap(ErrKindCryptoKey, "sha256_of_keyfile", err)
	}
	out = sha256.Sum256(data)
	return out, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- keyfile path validated by caller
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%s does not contain an RSA public key", path)
	}
	return rsaKey, nil
}
