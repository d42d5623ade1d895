package proofs

import (
	"context"
	"errors"
	"testing"

	xerrors "AgentProof-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

func signedTwoCandidateProof(t *testing.T, signer Signer) (*Proof, []common.Hash) {
	t.Helper()
	decision := twoCandidateDecision(t)
	leaves, err := CandidateLeaves(decision.Candidates)
	if err != nil {
		t.Fatalf("leaves: %v", err)
	}
	tree, err := BuildTree(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	path, err := tree.ProofFor(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	commitment := Commitment(tree.Root(), leaves[0], decision.TimestampSeconds)
	sig, err := Sign(context.Background(), commitment, signer)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return &Proof{
		MerkleRoot:  tree.Root(),
		MerkleProof: path,
		LeafHash:    leaves[0],
		Timestamp:   decision.TimestampSeconds,
		Signature:   sig,
	}, leaves
}

func TestConcreteTwoCandidateScenario(t *testing.T) {
	signer := newKeySigner(t)
	proof, leaves := signedTwoCandidateProof(t, signer)

	if leaves[0] == leaves[1] {
		t.Fatalf("flag must distinguish the two leaves")
	}
	if proof.MerkleRoot != HashPair(leaves[0], leaves[1]) {
		t.Fatalf("root mismatch")
	}
	if len(proof.MerkleProof) != 1 || proof.MerkleProof[0] != leaves[1] {
		t.Fatalf("proof for index 0 should be [L1], got %v", proof.MerkleProof)
	}
	ok, err := Verify(proof, signer.Address())
	if err != nil || !ok {
		t.Fatalf("valid proof rejected: %v, %v", ok, err)
	}

	for i := 0; i < common.HashLength; i++ {
		tampered := proof.Clone()
		tampered.MerkleProof[0][i] ^= 0x01
		ok, err := Verify(tampered, signer.Address())
		if err != nil {
			t.Fatalf("tampered proof byte %d: %v", i, err)
		}
		if ok {
			t.Fatalf("corrupting byte %d of L1 was not detected", i)
		}
	}
}

func TestWrongSignerFailsAuthenticityOnly(t *testing.T) {
	signer := newKeySigner(t)
	proof, _ := signedTwoCandidateProof(t, signer)
	other := newRandomSigner(t)

	res, err := Check(proof, other.Address())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Inclusion {
		t.Fatalf("inclusion should still pass")
	}
	if res.Authentic || res.Valid() {
		t.Fatalf("wrong signer accepted")
	}
	if res.Recovered != signer.Address() {
		t.Fatalf("recovered %s, want %s", res.Recovered.Hex(), signer.Address().Hex())
	}
	if ok, _ := Verify(proof, other.Address()); ok {
		t.Fatalf("Verify should be false for the wrong signer")
	}
}

func TestTamperRootLeafAndTimestamp(t *testing.T) {
	signer := newKeySigner(t)
	proof, _ := signedTwoCandidateProof(t, signer)

	mutations := map[string]func(p *Proof){
		"root":      func(p *Proof) { p.MerkleRoot[31] ^= 0x80 },
		"leaf":      func(p *Proof) { p.LeafHash[0] ^= 0x01 },
		"timestamp": func(p *Proof) { p.Timestamp++ },
		"signature": func(p *Proof) { p.Signature[10] ^= 0x01 },
		"extra":     func(p *Proof) { p.MerkleProof = append(p.MerkleProof, common.Hash{1}) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			tampered := proof.Clone()
			mutate(tampered)
			ok, err := Verify(tampered, signer.Address())
			if err != nil {
				t.Fatalf("tampering is a mismatch, not an error: %v", err)
			}
			if ok {
				t.Fatalf("tampered %s accepted", name)
			}
		})
	}
}

func TestMalformedProofs(t *testing.T) {
	signer := newKeySigner(t)
	proof, _ := signedTwoCandidateProof(t, signer)

	if _, err := Verify(nil, signer.Address()); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("nil proof: %v", err)
	}
	short := proof.Clone()
	short.Signature = short.Signature[:64]
	if _, err := Verify(short, signer.Address()); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("short signature: %v", err)
	}
	badV := proof.Clone()
	badV.Signature[64] = 5
	if _, err := Check(badV, signer.Address()); !errors.Is(err, ErrMalformedProof) {
		t.Fatalf("bad recovery byte: %v", err)
	}
	if xerrors.RetryableError(ErrMalformedProof) {
		t.Fatalf("malformed proofs are terminal")
	}
}

func TestRecoverAcceptsZeroOneRecoveryByte(t *testing.T) {
	signer := newKeySigner(t)
	proof, _ := signedTwoCandidateProof(t, signer)
	raw := proof.Clone()
	raw.Signature[64] -= 27
	ok, err := Verify(raw, signer.Address())
	if err != nil || !ok {
		t.Fatalf("v in {0,1} should verify: %v, %v", ok, err)
	}
}

func TestSignNormalisesRecoveryByte(t *testing.T) {
	signer := newKeySigner(t)
	commitment := Commitment(common.Hash{1}, common.Hash{2}, 3)
	sig, err := Sign(context.Background(), commitment, rawSigner{signer})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v = %d", sig[64])
	}
}

func TestSignFailures(t *testing.T) {
	commitment := Commitment(common.Hash{1}, common.Hash{2}, 3)

	_, err := Sign(context.Background(), commitment, nil)
	if !errors.Is(err, ErrSigningUnavailable) {
		t.Fatalf("nil signer: %v", err)
	}

	_, err = Sign(context.Background(), commitment, failingSigner{err: errHardwareOffline})
	if !errors.Is(err, ErrSigningUnavailable) || !errors.Is(err, errHardwareOffline) {
		t.Fatalf("signer error should be wrapped unmodified: %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("signer outages are retryable")
	}

	// A signer claiming a different address than its key is not retried.
	impostor := &addressOverride{keySigner: newKeySigner(t), addr: common.Address{9}}
	_, err = Sign(context.Background(), commitment, impostor)
	if !errors.Is(err, ErrSigningUnavailable) || xerrors.RetryableError(err) {
		t.Fatalf("address mismatch: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Sign(ctx, commitment, newKeySigner(t)); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled context: %v", err)
	}
}

type addressOverride struct {
	*keySigner
	addr common.Address
}

func (a *addressOverride) Address() common.Address { return a.addr }

func TestCommitmentLayout(t *testing.T) {
	root := common.Hash{0xaa}
	leaf := common.Hash{0xbb}
	a := Commitment(root, leaf, 1)
	b := Commitment(root, leaf, 2)
	c := Commitment(leaf, root, 1)
	if a == b || a == c {
		t.Fatalf("commitment must bind timestamp and field order")
	}
	if PersonalDigest(a) == a {
		t.Fatalf("personal digest must differ from the commitment")
	}
}
