// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"fmt"
	"strings"
)

// keyOptionPrefixes lists the section-2 option keys whose value may carry
// a "::<keydesc>" keyring reference that must be resolved and hex-encoded
// before the table string is emitted.
var keyOptionPrefixes = []string{"internal_hash", "journal_crypt", "journal_mac"}

// ComposeVerityTable builds the dm-verity target params string for a
// device whose verint tokens were parsed by MetaCodec. backingDevice is
// the already-activated device the verity layer reads from (the raw
// partition for a plain "verity" mode, or a just-created dm-crypt device
// for "crypt-verity", where crypt sits below verity so verity validates
// ciphertext).
func ComposeVerityTable(meta *PartitionMetadata, backingDevice string) (table string, dataBytes uint64, sectors uint64, err error) {
	tokens := meta.verintTokens
	if len(tokens) < 8 {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_verity_table", fmt.Errorf("%w: verity section needs at least 8 tokens, got %d", ErrTableTokenShort, len(tokens)))
	}

	ver, dataBlkSize, hashBlkSize, numDataBlks, hashStartBlk, hashAlgo, salt, rootHash := tokens[0], tokens[1], tokens[2], tokens[3], tokens[4], tokens[5], tokens[6], tokens[7]
	extras := tokens[8:]

	dataBlkSizeN, err := parseUintToken(dataBlkSize)
	if err != nil {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_verity_table", err)
	}
	numDataBlksN, err := parseUintToken(numDataBlks)
	if err != nil {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_verity_table", err)
	}

	fields := []string{ver, backingDevice, backingDevice, dataBlkSize, hashBlkSize, numDataBlks, hashStartBlk, hashAlgo, salt, rootHash}
	fields = append(fields, extras...)
	table = strings.Join(fields, " ")

	if len(table)+1 > DmTableMax {
		return "", 0, 0, Wrap(ErrKindDmTableOverflow, "compose_verity_table", fmt.Errorf("table length %d exceeds DmTableMax", len(table)+1))
	}

	dataBytes = dataBlkSizeN * numDataBlksN
	sectors, err = sectorsFromBytes(dataBytes)
	if err != nil {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_verity_table", err)
	}

	return table, dataBytes, sectors, nil
}

// ComposeIntegrityTable builds the dm-integrity target params string,
// resolving any keyring-backed options in the process.
func ComposeIntegrityTable(meta *PartitionMetadata, backingDevice string, kr KeyringClient) (table string, dataBytes uint64, sectors uint64, err error) {
	tokens := meta.verintTokens
	if len(tokens) < 3 {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_integrity_table", fmt.Errorf("%w: integrity section needs at least 3 tokens, got %d", ErrTableTokenShort, len(tokens)))
	}

	numBlks, blkSize, numOptsTok := tokens[0], tokens[1], tokens[2]
	numOpts, err := parseUintToken(numOptsTok)
	if err != nil {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_integrity_table", err)
	}
	opts := tokens[3:]
	if uint64(len(opts)) != numOpts {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_integrity_table", fmt.Errorf("%w: NUM_OPTS=%d but %d options present", ErrTableTokenShort, numOpts, len(opts)))
	}

	processed := make([]string, len(opts))
	for i, opt := range opts {
		resolved, err := resolveKeyOption(opt, kr)
		if err != nil {
			return "", 0, 0, err
		}
		processed[i] = resolved
	}

	fields := []string{backingDevice, "0", "-", "J", fmt.Sprintf("%d", numOpts+1), fmt.Sprintf("block_size:%s", blkSize)}
	fields = append(fields, processed...)
	table = strings.Join(fields, " ")

	if len(table)+1 > DmTableMax {
		return "", 0, 0, Wrap(ErrKindDmTableOverflow, "compose_integrity_table", fmt.Errorf("table length %d exceeds DmTableMax", len(table)+1))
	}

	numBlksN, err := parseUintToken(numBlks)
	if err != nil {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_integrity_table", err)
	}
	blkSizeN, err := parseUintToken(blkSize)
	if err != nil {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_integrity_table", err)
	}

	dataBytes = numBlksN * blkSizeN
	sectors, err = sectorsFromBytes(dataBytes)
	if err != nil {
		return "", 0, 0, Wrap(ErrKindMetaFormat, "compose_integrity_table", err)
	}

	return table, dataBytes, sectors, nil
}

// resolveKeyOption rewrites "<prefix>:<algo>::<keydesc>" into
// "<prefix>:<algo>:<hex>" for the three key-bearing option prefixes,
// using the matched prefix's own length rather than a shared constant
// (fixes the fragility the source's TODO calls out).
func resolveKeyOption(opt string, kr KeyringClient) (string, error) {
	var prefix string
	for _, p := range keyOptionPrefixes {
		if strings.HasPrefix(opt, p+":") {
			prefix = p
			break
		}
	}
	if prefix == "" || !strings.Contains(opt, "::") {
		return opt, nil
	}

	rest := opt[len(prefix)+1:]
	sepIdx := strings.Index(rest, "::")
	algo := rest[:sepIdx]
	keydesc := rest[sepIdx+2:]

	payload, err := kr.GetKey(keydesc)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s:%s:%s", prefix, algo, BytesToHex(payload)), nil
}

// ComposeCryptTable builds the dm-crypt target params string. cipher comes
// from meta's crypt section (a single CIPHER token, the resolution of the
// source's open TODO for dm-crypt-only case generation), keyHex from a
// prior TPM unseal or keyring lookup, and backingDevice from whatever
// device this layer sits atop per the stacking table (raw partition for
// "crypt" and "crypt-verity", the activated integrity device for
// "crypt-integrity").
func ComposeCryptTable(meta *PartitionMetadata, backingDevice, keyHex string, dataBytes uint64) (table string, sectors uint64, err error) {
	if len(meta.cryptTokens) < 1 {
		return "", 0, Wrap(ErrKindMetaFormat, "compose_crypt_table", fmt.Errorf("%w: crypt section needs a CIPHER token", ErrTableTokenShort))
	}
	cipher := meta.cryptTokens[0]
	if keyHex == "" {
		return "", 0, Wrap(ErrKindInternal, "compose_crypt_table", fmt.Errorf("dm-crypt table requires a symmetric key"))
	}

	table = fmt.Sprintf("%s %s 0 %s 0", cipher, keyHex, backingDevice)
	if len(table)+1 > DmTableMax {
		return "", 0, Wrap(ErrKindDmTableOverflow, "compose_crypt_table", fmt.Errorf("table length %d exceeds DmTableMax", len(table)+1))
	}

	sectors, err = sectorsFromBytes(dataBytes)
	if err != nil {
		return "", 0, Wrap(ErrKindMetaFormat, "compose_crypt_table", err)
	}

	return table, sectors, nil
}

func sectorsFromBytes(dataBytes uint64) (uint64, error) {
	if dataBytes%512 != 0 {
		return 0, fmt.Errorf("data region size %d is not a multiple of 512", dataBytes)
	}
	return dataBytes / 512, nil
}
