package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AgentProof-Chain/internal/agent"
	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/observability/alerting"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/storage/mysql"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	failures  int32
	failWith  error
	onExecute func(req agent.Request)
}

func (f *fakeExecutor) Execute(ctx context.Context, req agent.Request) (*agent.Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.onExecute != nil {
		f.onExecute(req)
	}
	n := f.processed.Add(1)
	if f.failWith != nil && (f.failures < 0 || n <= f.failures) {
		return nil, f.failWith
	}
	chosen := req.Decision.Candidates[req.Decision.ChosenIndex]
	return &agent.Result{
		ID:          req.ID,
		MerkleRoot:  "0x" + strings.Repeat("ab", 32),
		Action:      chosen.Action,
		ChosenIndex: req.Decision.ChosenIndex,
		Chain:       req.Chain,
	}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Metadata["stage"])
	}
	return out
}

func sampleDecision(t *testing.T) *proofs.DecisionTree {
	t.Helper()
	a := "0x" + strings.Repeat("aa", 20)
	b := "0x" + strings.Repeat("bb", 20)
	first, err := proofs.NewActionParameters(a, b, big.NewInt(1000), true)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	second, err := proofs.NewActionParameters(b, a, big.NewInt(250), false)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return &proofs.DecisionTree{
		RootCause: "liquidity drift",
		Candidates: []proofs.DecisionCandidate{
			{Action: "rebalance", Rationale: "restore range", Confidence: 80, Parameters: first},
			{Action: "hold", Rationale: "wait", Confidence: 30, Parameters: second},
		},
		ChosenIndex: 0,
	}
}

func startProcessor(t *testing.T, ctx context.Context, processor *Processor) {
	t.Helper()
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithWorkerCount(8)))

	total := 100
	decision := sampleDecision(t)
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{ID: fmt.Sprintf("job-%d", i), Decision: decision}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := service.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Succeeded == total {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("jobs did not finish in time: %+v", stats)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if got := executor.processed.Load(); got != int32(total) {
		t.Fatalf("expected %d executions, got %d", total, got)
	}
	job, err := service.Get(ctx, "job-7")
	if err != nil || job.Result == nil || job.Result.Action != "rebalance" {
		t.Fatalf("unexpected job %+v, %v", job, err)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failures: 2,
		failWith: xerrors.New(xerrors.CodeStorageFailure, "temporary outage"),
	}
	alerts := &recordingDispatcher{}
	service := NewService(store, queue, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue, WithAlertDispatcher(alerts)))

	if _, err := service.Submit(ctx, SubmitRequest{ID: "retry", Decision: sampleDecision(t)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := service.WaitUntilCompleted(ctx, "retry", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != StatusSucceeded || job.Attempts != 3 {
		t.Fatalf("expected success on third attempt, got %+v", job)
	}
	if stages := alerts.stages(); len(stages) != 2 || stages[0] != "retry" {
		t.Fatalf("unexpected alert stages %v", stages)
	}
}

func TestProcessorStopsOnNonRetryableFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		failures: -1,
		failWith: xerrors.New(xerrors.CodeInvalidArgument, "bad decision", xerrors.WithRetryable(false)),
	}
	service := NewService(store, queue, 5)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue))

	if _, err := service.Submit(ctx, SubmitRequest{ID: "fatal", Decision: sampleDecision(t)}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := service.WaitUntilCompleted(ctx, "fatal", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != StatusFailed || job.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("unexpected job %+v", job)
	}
	if executor.processed.Load() != 1 {
		t.Fatalf("non-retryable failures must not be retried, got %d runs", executor.processed.Load())
	}
}

func TestProcessorDegradesToOffchainProof(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	repo, err := mysql.NewMemoryProofRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	root := "0x" + strings.Repeat("cd", 32)
	executor := &fakeExecutor{
		failures: -1,
		failWith: xerrors.New(xerrors.CodeChainFailure, "reverted", xerrors.WithRetryable(false)),
		onExecute: func(req agent.Request) {
			_ = repo.Save(context.Background(), mysql.ProofRecord{
				ID:         req.ID,
				MerkleRoot: root,
				Action:     "rebalance",
				CreatedAt:  1,
			})
		},
	}
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingDispatcher{}
	service := NewService(store, queue, 3)
	startProcessor(t, ctx, NewProcessor(executor, store, queue, queue,
		WithRecoveryHandler(OffchainFallback{Proofs: repo}),
		WithAlertDispatcher(alerts),
	))

	if _, err := service.Submit(ctx, SubmitRequest{ID: "chain", Decision: sampleDecision(t), Submit: true, Chain: "sepolia"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := service.WaitUntilCompleted(ctx, "chain", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != StatusSucceeded || job.Result == nil || job.Result.MerkleRoot != root || job.Result.TxHash != "" {
		t.Fatalf("expected degraded result, got %+v", job)
	}
	if !strings.Contains(job.Result.Note, "reverted") {
		t.Fatalf("note should carry the chain failure: %q", job.Result.Note)
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "degraded" {
		t.Fatalf("unexpected alert stages %v", stages)
	}
}

func TestOffchainFallbackIgnoresOtherFailures(t *testing.T) {
	repo, err := mysql.NewMemoryProofRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	fallback := OffchainFallback{Proofs: repo}
	ctx := context.Background()

	res, err := fallback.Recover(ctx, &Job{ID: "x", Submit: true}, xerrors.New(xerrors.CodeStorageFailure, "db down"))
	if res != nil || err != nil {
		t.Fatalf("storage failures must not degrade: %+v %v", res, err)
	}
	res, err = fallback.Recover(ctx, &Job{ID: "x"}, xerrors.New(xerrors.CodeChainFailure, "rpc"))
	if res != nil || err != nil {
		t.Fatalf("offchain-only jobs have nothing to degrade: %+v %v", res, err)
	}
	res, err = fallback.Recover(ctx, &Job{ID: "missing", Submit: true}, xerrors.New(xerrors.CodeChainFailure, "rpc"))
	if res != nil || err != nil {
		t.Fatalf("missing proof should fall through: %+v %v", res, err)
	}
}
