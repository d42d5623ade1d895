package proofs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEngineGenerateProducesVerifiableBundle(t *testing.T) {
	signer := newKeySigner(t)
	engine := NewEngine(signer)
	decision := twoCandidateDecision(t)

	bundle, err := engine.Generate(context.Background(), decision)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bundle.Signer != signer.Address() || bundle.Action != "rebalance" || bundle.ChosenIndex != 0 {
		t.Fatalf("unexpected bundle header: %+v", bundle)
	}
	if len(bundle.Leaves) != 2 || bundle.Proof.LeafHash != bundle.Leaves[0] {
		t.Fatalf("bundle leaves inconsistent")
	}
	if bundle.Proof.Timestamp != decision.TimestampSeconds {
		t.Fatalf("timestamp %d, want %d", bundle.Proof.Timestamp, decision.TimestampSeconds)
	}
	ok, err := Verify(bundle.Proof, signer.Address())
	if err != nil || !ok {
		t.Fatalf("generated proof rejected: %v %v", ok, err)
	}
	if !strings.Contains(bundle.Reasoning, "CHOSEN ACTION: rebalance") {
		t.Fatalf("reasoning missing chosen action:\n%s", bundle.Reasoning)
	}
}

func TestEngineUsesClockWhenTimestampMissing(t *testing.T) {
	fixed := time.Unix(1_800_000_000, 0)
	engine := NewEngine(newKeySigner(t), WithClock(func() time.Time { return fixed }))
	decision := twoCandidateDecision(t)
	decision.TimestampSeconds = 0

	bundle, err := engine.Generate(context.Background(), decision)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if bundle.Proof.Timestamp != uint64(fixed.Unix()) {
		t.Fatalf("timestamp = %d", bundle.Proof.Timestamp)
	}
	if decision.TimestampSeconds != 0 {
		t.Fatalf("engine mutated the caller's decision")
	}
	if !strings.Contains(bundle.Reasoning, "2027-01-15T08:00:00.000Z") {
		t.Fatalf("reasoning should carry the signed timestamp:\n%s", bundle.Reasoning)
	}
}

func TestEngineIsDeterministicApartFromSignature(t *testing.T) {
	engine := NewEngine(newKeySigner(t))
	a, err := engine.Generate(context.Background(), twoCandidateDecision(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, err := engine.Generate(context.Background(), twoCandidateDecision(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.Proof.MerkleRoot != b.Proof.MerkleRoot || a.Proof.LeafHash != b.Proof.LeafHash {
		t.Fatalf("root or leaf differ between runs")
	}
	if len(a.Proof.MerkleProof) != len(b.Proof.MerkleProof) || a.Proof.MerkleProof[0] != b.Proof.MerkleProof[0] {
		t.Fatalf("proof path differs between runs")
	}
}

func TestEngineRejectsInvalidDecisions(t *testing.T) {
	engine := NewEngine(newKeySigner(t))

	empty := twoCandidateDecision(t)
	empty.Candidates = nil
	if _, err := engine.Generate(context.Background(), empty); !errors.Is(err, ErrEmptyCandidateSet) {
		t.Fatalf("empty candidates: %v", err)
	}

	outOfRange := twoCandidateDecision(t)
	outOfRange.ChosenIndex = 2
	if _, err := engine.Generate(context.Background(), outOfRange); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("chosen index: %v", err)
	}

	badConfidence := twoCandidateDecision(t)
	badConfidence.Candidates[1].Confidence = 101
	if _, err := engine.Generate(context.Background(), badConfidence); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("confidence: %v", err)
	}

	if _, err := engine.Generate(context.Background(), nil); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("nil decision: %v", err)
	}
}

func TestEngineSurfacesSignerFailure(t *testing.T) {
	engine := NewEngine(failingSigner{err: errHardwareOffline})
	_, err := engine.Generate(context.Background(), twoCandidateDecision(t))
	if !errors.Is(err, ErrSigningUnavailable) || !errors.Is(err, errHardwareOffline) {
		t.Fatalf("expected wrapped signer failure, got %v", err)
	}

	if _, err := NewEngine(nil).Generate(context.Background(), twoCandidateDecision(t)); !errors.Is(err, ErrSigningUnavailable) {
		t.Fatalf("nil signer: %v", err)
	}
}

func TestEngineConcurrentUse(t *testing.T) {
	signer := newKeySigner(t)
	engine := NewEngine(signer)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		decision := twoCandidateDecision(t)
		decision.ChosenIndex = i % 2
		wg.Add(1)
		go func(decision *DecisionTree) {
			defer wg.Done()
			bundle, err := engine.Generate(context.Background(), decision)
			if err != nil {
				errs <- err
				return
			}
			if ok, err := Verify(bundle.Proof, signer.Address()); err != nil || !ok {
				errs <- errors.New("concurrent proof did not verify")
			}
		}(decision)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestEngineWithDuplicatePolicy(t *testing.T) {
	signer := newKeySigner(t)
	decision := twoCandidateDecision(t)
	decision.Candidates = append(decision.Candidates, DecisionCandidate{
		Action: "exit", Confidence: 10, Parameters: mustParams(t, idB, idA, 1, true),
	})
	decision.ChosenIndex = 2

	promote, err := NewEngine(signer).Generate(context.Background(), decision)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	dup, err := NewEngine(signer, WithTreeOptions(WithOddPolicy(OddDuplicate))).Generate(context.Background(), decision)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if promote.Proof.MerkleRoot == dup.Proof.MerkleRoot {
		t.Fatalf("odd policy should change the root")
	}
	for _, b := range []*Bundle{promote, dup} {
		if ok, err := Verify(b.Proof, signer.Address()); err != nil || !ok {
			t.Fatalf("bundle does not verify: %v", err)
		}
	}
}
