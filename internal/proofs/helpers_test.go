package proofs

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	idA = "0x" + strings.Repeat("aa", 20)
	idB = "0x" + strings.Repeat("bb", 20)
)

// keySigner signs like a wallet: personal-message prefix, v in {27, 28}.
type keySigner struct {
	key *ecdsa.PrivateKey
}

func newKeySigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	return &keySigner{key: key}
}

func newRandomSigner(t *testing.T) *keySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &keySigner{key: key}
}

func (s *keySigner) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

func (s *keySigner) SignPersonalMessage(_ context.Context, commitment common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(commitment[:]), s.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// rawSigner returns v in {0, 1} the way crypto.Sign does.
type rawSigner struct{ *keySigner }

func (s rawSigner) SignPersonalMessage(ctx context.Context, commitment common.Hash) ([]byte, error) {
	sig, err := s.keySigner.SignPersonalMessage(ctx, commitment)
	if err != nil {
		return nil, err
	}
	sig[64] -= 27
	return sig, nil
}

type failingSigner struct {
	addr common.Address
	err  error
}

func (s failingSigner) Address() common.Address { return s.addr }

func (s failingSigner) SignPersonalMessage(context.Context, common.Hash) ([]byte, error) {
	return nil, s.err
}

var errHardwareOffline = errors.New("hardware wallet offline")

func mustParams(t *testing.T, a, b string, amount int64, flag bool) ActionParameters {
	t.Helper()
	p, err := NewActionParameters(a, b, big.NewInt(amount), flag)
	if err != nil {
		t.Fatalf("new params: %v", err)
	}
	return p
}

func twoCandidateDecision(t *testing.T) *DecisionTree {
	t.Helper()
	return &DecisionTree{
		RootCause:      "pool imbalance after large sell",
		MarketSnapshot: []byte(`{"price":"1.02","liquidity":"1000"}`),
		RiskAssessment: []byte(`{"level":"low"}`),
		Candidates: []DecisionCandidate{
			{Action: "rebalance", Rationale: "restore peg", Confidence: 85, Parameters: mustParams(t, idA, idB, 100, true)},
			{Action: "hold", Rationale: "wait", Confidence: 40, Parameters: mustParams(t, idA, idB, 100, false)},
		},
		ChosenIndex:      0,
		TimestampSeconds: 1_700_000_000,
	}
}

func leavesOf(n int) []common.Hash {
	leaves := make([]common.Hash, n)
	for i := range leaves {
		leaves[i] = crypto.Keccak256Hash(big.NewInt(int64(i)).Bytes(), []byte("leaf"))
	}
	return leaves
}
