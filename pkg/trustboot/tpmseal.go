// Copyright (c) 2025 Jeremy Hahn
//
// SPDX-License-Identifier: Apache-2.0

package trustboot

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpmutil"
	"golang.org/x/crypto/hkdf"
)

// defaultTpmDevice is the kernel resource-managed TPM device node used
// when the caller doesn't override it via Config.
const defaultTpmDevice = "/dev/tpmrm0"

// failurePcrIndex is the designated "boot-failed" PCR extended when an
// unseal is denied, binding the outcome to future boot policy
// evaluations. Fixed and documented per the source's design note, not
// itself security-critical.
const failurePcrIndex = 23

// sealedObjectTemplate is the fixed KeyedHash template for sealed data
// objects: userWithAuth=false, adminWithPolicy=true, authPolicy supplied
// per call. Shape adapted from the canonical/secboot vendor tree's
// makeSealedKeyTemplate into google/go-tpm's tpm2.Public naming.
func sealedObjectTemplate(authPolicy []byte) tpm2.Public {
	return tpm2.Public{
		Type:       tpm2.AlgKeyedHash,
		NameAlg:    tpm2.AlgSHA256,
		Attributes: tpm2.FlagFixedTPM | tpm2.FlagFixedParent | tpm2.FlagAdminWithPolicy,
		AuthPolicy: authPolicy,
		KeyedHashParameters: &tpm2.KeyedHashParams{
			Alg: tpm2.AlgNull,
		},
	}
}

// primaryTemplate is the fixed RSA storage-primary template under the
// endorsement hierarchy, modeled on the go-attestation defaultSRKTemplate.
var primaryTemplate = tpm2.Public{
	Type:       tpm2.AlgRSA,
	NameAlg:    tpm2.AlgSHA256,
	Attributes: tpm2.FlagStorageDefault | tpm2.FlagNoDA,
	RSAParameters: &tpm2.RSAParams{
		Symmetric: &tpm2.SymScheme{Alg: tpm2.AlgAES, KeyBits: 128, Mode: tpm2.AlgCFB},
		KeyBits:   2048,
	},
}

// TpmSealer drives the ESAPI-style state machine described in the
// original spec over a google/go-tpm legacy transport: the io.ReadWriter
// itself stands in for the combined TCTI+ESYS context, since the legacy
// API issues commands directly against the transport rather than through
// a separate session object.
type TpmSealer struct {
	transport io.ReadWriteCloser
	logger    Logger
}

// OpenTpmSealer performs open_tcti against the given device path. Pass ""
// to use the default resource-managed TPM node.
func OpenTpmSealer(devicePath string, logger Logger) (*TpmSealer, error) {
	if devicePath == "" {
		devicePath = defaultTpmDevice
	}
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0) // #nosec G304 -- fixed/operator-supplied TPM device path
	if err != nil {
		return nil, Wrap(ErrKindTpmTransport, "open_tcti", err)
	}
	return &TpmSealer{transport: f, logger: logger}, nil
}

// Close performs finalize: TCTI teardown. ESYS has no separate context to
// finalize in the legacy transport-only API.
func (s *TpmSealer) Close() error {
	if s.transport == nil {
		return nil
	}
	return s.transport.Close()
}

func (s *TpmSealer) selfTest() error {
	if err := tpm2.SelfTest(s.transport, true); err != nil {
		return Wrap(ErrKindTpmState, "self_test", err)
	}
	return nil
}

func (s *TpmSealer) createPrimary(authValue []byte) (tpmutil.Handle, error) {
	handle, _, err := tpm2.CreatePrimary(s.transport, tpm2.HandleEndorsement, tpm2.PCRSelection{}, "", string(authValue), primaryTemplate)
	if err != nil {
		return 0, Wrap(ErrKindTpmState, "create_primary", err)
	}
	return handle, nil
}

// flushHandle is the structured guard's release step: every transient
// handle acquired on a TpmSeal/TpmUnseal call path must pass through
// here exactly once, in reverse order of acquisition. A flush failure is
// logged, never escalated, since the caller's own error (if any) already
// explains the failure.
func (s *TpmSealer) flushHandle(h tpmutil.Handle) {
	if h == 0 {
		return
	}
	if err := tpm2.FlushContext(s.transport, h); err != nil && s.logger != nil {
		s.logger.Warn("tpm handle flush failed", "handle", h, "error", err)
	}
}

func (s *TpmSealer) startPolicySession(trial bool) (tpmutil.Handle, error) {
	sessionType := tpm2.SessionPolicy
	if trial {
		sessionType = tpm2.SessionTrial
	}
	session, _, err := tpm2.StartAuthSession(
		s.transport,
		tpm2.HandleNull, tpm2.HandleNull,
		make([]byte, 32), nil,
		sessionType,
		tpm2.AlgNull, tpm2.AlgSHA256,
	)
	if err != nil {
		return 0, Wrap(ErrKindTpmState, "start_policy_session", err)
	}
	return session, nil
}

func (s *TpmSealer) policyPCR(session tpmutil.Handle, policy PcrPolicy) error {
	sel, err := buildPCRSelection(policy)
	if err != nil {
		return err
	}
	if err := tpm2.PolicyPCR(s.transport, session, nil, sel); err != nil {
		return Wrap(ErrKindTpmPolicy, "policy_pcr", err)
	}
	return nil
}

// TpmSeal implements §4.6's seal operation: derive auth from the
// metadata-signer digest, create the primary, bind a trial PCR policy,
// seal key_plaintext under it, and serialize the result.
func (s *TpmSealer) TpmSeal(pubKeyDigest [32]byte, policy PcrPolicy, keyPlaintext []byte) (SealedBlob, error) {
	if err := s.selfTest(); err != nil {
		return SealedBlob{}, err
	}

	primary, err := s.createPrimary(pubKeyDigest[:])
	if err != nil {
		return SealedBlob{}, err
	}
	defer s.flushHandle(primary)

	session, err := s.startPolicySession(true)
	if err != nil {
		return SealedBlob{}, err
	}
	defer s.flushHandle(session)

	if err := s.policyPCR(session, policy); err != nil {
		return SealedBlob{}, err
	}

	policyDigest, err := tpm2.PolicyGetDigest(s.transport, session)
	if err != nil {
		return SealedBlob{}, Wrap(ErrKindTpmState, "policy_get_digest", err)
	}

	template := sealedObjectTemplate(policyDigest)
	priv, pub, _, _, _, err := tpm2.CreateKeyWithSensitive(s.transport, primary, tpm2.PCRSelection{}, string(pubKeyDigest[:]), "", template, keyPlaintext)
	if err != nil {
		return SealedBlob{}, Wrap(ErrKindTpmState, "seal", err)
	}

	return SealedBlob{Public: pub, Private: priv}, nil
}

// TpmUnseal implements §4.6's unseal operation, including the best-effort
// PCR-extend-on-failure path: its own failure is logged but never
// overwrites the original error.
func (s *TpmSealer) TpmUnseal(pubKeyDigest [32]byte, policy PcrPolicy, blob SealedBlob) ([]byte, error) {
	if blob.Empty() {
		return nil, Wrap(ErrKindTpmState, "unseal", ErrSealedBlobEmpty)
	}
	if err := s.selfTest(); err != nil {
		return nil, err
	}

	primary, err := s.createPrimary(pubKeyDigest[:])
	if err != nil {
		return nil, err
	}
	defer s.flushHandle(primary)

	objHandle, _, err := tpm2.Load(s.transport, primary, string(pubKeyDigest[:]), blob.Public, blob.Private)
	if err != nil {
		return nil, Wrap(ErrKindTpmState, "load", err)
	}
	defer s.flushHandle(objHandle)

	session, err := s.startPolicySession(false)
	if err != nil {
		return nil, err
	}
	defer s.flushHandle(session)

	if err := s.policyPCR(session, policy); err != nil {
		s.extendFailurePCR()
		return nil, err
	}

	plaintext, err := tpm2.UnsealWithSession(s.transport, session, objHandle, "")
	if err != nil {
		s.extendFailurePCR()
		return nil, Wrap(ErrKindTpmPolicy, "unseal", err)
	}

	return plaintext, nil
}

// extendFailurePCR extends the designated boot-failed PCR with a fixed
// digest derived via HKDF over the version constant (keeping the
// module's golang.org/x/crypto dependency exercised); the derivation is
// deterministic and repeated on each call. Best-effort: logged, never
// surfaces as the call's error.
func (s *TpmSealer) extendFailurePCR() {
	digest, err := failureExtendDigest()
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to derive failure-pcr digest", "error", err)
		}
		return
	}
	if err := tpm2.PCRExtend(s.transport, tpmutil.Handle(failurePcrIndex), tpm2.AlgSHA256, digest, ""); err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to extend failure pcr", "pcr", failurePcrIndex, "error", err)
		}
	}
}

// failureExtendDigest derives the fixed 32-byte digest extended into
// failurePcrIndex on unseal denial. Fixed and documented, not itself
// security-critical, but must be stable across boots for policy
// evaluation to be meaningful.
func failureExtendDigest() ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(VersionPrefix), []byte("trustboot-boot-failed"), nil)
	out := make([]byte, 32)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// TpmGetRandom returns n bytes of TPM-sourced entropy, used when a fresh
// key needs generating before sealing.
func (s *TpmSealer) TpmGetRandom(n int) ([]byte, error) {
	out, err := tpm2.GetRandom(s.transport, uint16(n)) // #nosec G115 -- n bounded by key sizes in practice
	if err != nil {
		return nil, Wrap(ErrKindTpmState, "tpm_get_random", err)
	}
	return out, nil
}

// ParsePcrSelection parses the "bank:idx,idx,..." selection grammar,
// defaulting to the sha256 bank, deduplicating indices, and rejecting
// out-of-range values.
func ParsePcrSelection(s string) (PcrPolicy, error) {
	bank := "sha256"
	rest := s
	if idx := strings.Index(s, ":"); idx != -1 {
		bank = s[:idx]
		rest = s[idx+1:]
	}

	seen := make(map[int]bool)
	var pcrs []int
	for _, tok := range strings.Split(rest, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return PcrPolicy{}, Wrap(ErrKindInternal, "parse_pcr_selection", fmt.Errorf("bad pcr index %q: %w", tok, err))
		}
		if n < 0 || n > 23 {
			return PcrPolicy{}, Wrap(ErrKindInternal, "parse_pcr_selection", fmt.Errorf("%w: %d", ErrBadPcrIndex, n))
		}
		if !seen[n] {
			seen[n] = true
			pcrs = append(pcrs, n)
		}
	}

	sort.Ints(pcrs)
	return PcrPolicy{Bank: bank, PCRs: pcrs}, nil
}

func buildPCRSelection(policy PcrPolicy) (tpm2.PCRSelection, error) {
	alg := tpm2.AlgSHA256
	switch policy.Bank {
	case "", "sha256":
		alg = tpm2.AlgSHA256
	case "sha1":
		alg = tpm2.AlgSHA1
	case "sha384":
		alg = tpm2.AlgSHA384
	default:
		return tpm2.PCRSelection{}, Wrap(ErrKindInternal, "build_pcr_selection", fmt.Errorf("unsupported pcr bank %q", policy.Bank))
	}
	return tpm2.PCRSelection{Hash: alg, PCRs: policy.PCRs}, nil
}
