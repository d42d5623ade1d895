package agent

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/storage/mysql"
	"AgentProof-Chain/internal/web3"
	"AgentProof-Chain/internal/web3/signer"
)

type stubSubmitter struct {
	submitted atomic.Int32
	lastHook  []byte
	err       error
	valid     bool
}

func (s *stubSubmitter) Snapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: "local", ChainID: "0x1"}, nil
}

func (s *stubSubmitter) Submit(_ context.Context, hookData []byte) (common.Hash, error) {
	if s.err != nil {
		return common.Hash{}, s.err
	}
	s.submitted.Add(1)
	s.lastHook = append([]byte(nil), hookData...)
	return common.HexToHash("0xfeed"), nil
}

func (s *stubSubmitter) Check(context.Context, []byte) (bool, error) { return s.valid, nil }

func (s *stubSubmitter) Agent(_ context.Context, addr common.Address) (web3.AgentRecord, error) {
	return web3.AgentRecord{Address: addr, Active: true, Decisions: big.NewInt(3)}, nil
}

func (s *stubSubmitter) Close() {}

type stubChains struct {
	name   string
	client web3.Submitter
}

func (c stubChains) DefaultChain() string { return c.name }

func (c stubChains) Client(name string) (web3.Submitter, bool) {
	if name != c.name {
		return nil, false
	}
	return c.client, true
}

func newTestAgent(t *testing.T, opts ...Option) (*Agent, *signer.KeySigner, mysql.ProofRepository) {
	t.Helper()
	key, err := signer.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	repo, err := mysql.NewMemoryProofRepository(t.TempDir())
	if err != nil {
		t.Fatalf("memory repo: %v", err)
	}
	engine := proofs.NewEngine(key, proofs.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	return New(engine, repo, opts...), key, repo
}

func testDecision(t *testing.T) *proofs.DecisionTree {
	t.Helper()
	a := "0x" + strings.Repeat("aa", 20)
	b := "0x" + strings.Repeat("bb", 20)
	first, err := proofs.NewActionParameters(a, b, big.NewInt(1000), true)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	second, err := proofs.NewActionParameters(b, a, big.NewInt(-5), false)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return &proofs.DecisionTree{
		RootCause: "price deviation",
		Candidates: []proofs.DecisionCandidate{
			{Action: "rebalance", Rationale: "restore peg", Confidence: 85, Parameters: first},
			{Action: "hold", Rationale: "wait", Confidence: 40, Parameters: second},
		},
		ChosenIndex: 1,
	}
}

func TestAgentExecutePersistsProof(t *testing.T) {
	ag, key, repo := newTestAgent(t)
	ctx := context.Background()

	result, err := ag.Execute(ctx, Request{ID: "job-1", Decision: testDecision(t)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Action != "hold" || result.ChosenIndex != 1 || result.TxHash != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Signer != key.Address().Hex() {
		t.Fatalf("signer = %s", result.Signer)
	}
	ok, err := proofs.Verify(result.Proof, key.Address())
	if err != nil || !ok {
		t.Fatalf("stored proof should verify: %v %v", ok, err)
	}

	record, err := repo.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	hook, err := hexutil.Decode(record.HookData)
	if err != nil {
		t.Fatalf("decode hook: %v", err)
	}
	decoded, reasoning, err := proofs.DecodeHookData(hook)
	if err != nil {
		t.Fatalf("decode hook data: %v", err)
	}
	if decoded.MerkleRoot != result.Proof.MerkleRoot || !strings.Contains(reasoning, "CHOSEN ACTION: hold") {
		t.Fatalf("hook data mismatch: %s", reasoning)
	}
}

func TestAgentExecuteReusesExistingProof(t *testing.T) {
	sub := &stubSubmitter{}
	ag, _, _ := newTestAgent(t, WithChains(stubChains{name: "local", client: sub}))
	ctx := context.Background()

	first, err := ag.Execute(ctx, Request{ID: "job-1", Decision: testDecision(t)})
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := ag.Execute(ctx, Request{ID: "job-1", Decision: testDecision(t), Submit: true})
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if first.Proof.String() != second.Proof.String() {
		t.Fatalf("retry should reuse stored signature")
	}
	if second.TxHash != common.HexToHash("0xfeed").Hex() || second.Chain != "local" {
		t.Fatalf("unexpected submission result %+v", second)
	}
	if hexutil.Encode(sub.lastHook) != first.HookData {
		t.Fatalf("submitted hook data differs from stored payload")
	}

	if _, err := ag.Execute(ctx, Request{ID: "job-1", Decision: testDecision(t), Submit: true}); err != nil {
		t.Fatalf("third execute: %v", err)
	}
	if sub.submitted.Load() != 1 {
		t.Fatalf("submitted proofs should not be resent, got %d", sub.submitted.Load())
	}
}

func TestAgentExecuteSurfacesChainFailure(t *testing.T) {
	sub := &stubSubmitter{err: xerrors.New(xerrors.CodeChainFailure, "rpc down")}
	ag, _, repo := newTestAgent(t, WithChains(stubChains{name: "local", client: sub}))

	_, err := ag.Execute(context.Background(), Request{ID: "job-2", Decision: testDecision(t), Submit: true})
	if !xerrors.RetryableError(err) || xerrors.CodeOf(err) != xerrors.CodeChainFailure {
		t.Fatalf("expected retryable chain failure, got %v", err)
	}
	if _, err := repo.Get(context.Background(), "job-2"); err != nil {
		t.Fatalf("proof should be persisted before submission: %v", err)
	}
}

func TestAgentExecuteRejectsUnknownChain(t *testing.T) {
	ag, _, _ := newTestAgent(t, WithChains(stubChains{name: "local", client: &stubSubmitter{}}))
	_, err := ag.Execute(context.Background(), Request{ID: "job-3", Decision: testDecision(t), Submit: true, Chain: "mainnet"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	noChains, _, _ := newTestAgent(t)
	_, err = noChains.Execute(context.Background(), Request{ID: "job-4", Decision: testDecision(t), Submit: true})
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

func TestAgentExecuteInvalidDecision(t *testing.T) {
	ag, _, _ := newTestAgent(t)
	decision := testDecision(t)
	decision.ChosenIndex = 7
	if _, err := ag.Execute(context.Background(), Request{ID: "bad", Decision: decision}); !errors.Is(err, proofs.ErrInvalidDecision) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
	if _, err := ag.Execute(context.Background(), Request{ID: "nil"}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for nil decision, got %v", err)
	}
}

func TestAgentHistoryAndLookup(t *testing.T) {
	ag, key, _ := newTestAgent(t)
	ctx := context.Background()
	first, err := ag.Execute(ctx, Request{ID: "a", Decision: testDecision(t)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	history, err := ag.ListHistory(ctx, 10)
	if err != nil || len(history) != 1 || history[0].ID != "a" {
		t.Fatalf("history = %+v, %v", history, err)
	}
	byRoot, err := ag.FindByRoot(ctx, first.MerkleRoot)
	if err != nil || len(byRoot) != 1 {
		t.Fatalf("by root = %+v, %v", byRoot, err)
	}
	if _, err := ag.Get(ctx, "missing"); !errors.Is(err, mysql.ErrProofNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	verdict, err := ag.Verify(ctx, first.Proof, key.Address())
	if err != nil || !verdict.Valid() {
		t.Fatalf("verify = %+v, %v", verdict, err)
	}
	verdict, err = ag.Verify(ctx, first.Proof, common.HexToAddress("0x01"))
	if err != nil || verdict.Valid() || !verdict.Inclusion {
		t.Fatalf("wrong signer should fail authenticity only: %+v, %v", verdict, err)
	}
}

func TestAgentChainQueries(t *testing.T) {
	sub := &stubSubmitter{valid: true}
	ag, key, _ := newTestAgent(t, WithChains(stubChains{name: "local", client: sub}))
	ctx := context.Background()

	snapshot, err := ag.ChainSnapshot(ctx, "")
	if err != nil || snapshot.Name != "local" {
		t.Fatalf("snapshot = %+v, %v", snapshot, err)
	}
	record, err := ag.AgentRecord(ctx, "local", key.Address())
	if err != nil || !record.Active || record.Address != key.Address() {
		t.Fatalf("agent record = %+v, %v", record, err)
	}
	ok, err := ag.VerifyOnChain(ctx, "", []byte{0x01})
	if err != nil || !ok {
		t.Fatalf("on-chain check = %v, %v", ok, err)
	}
}
