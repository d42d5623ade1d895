package task

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/storage/mysql"
)

func openSQLiteStore(t *testing.T) (*SQLStore, *sql.DB) {
	t.Helper()
	db, err := mysql.Open(context.Background(), mysql.Config{Driver: mysql.DialectSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db), db
}

func TestSQLStoreLifecycle(t *testing.T) {
	store, _ := openSQLiteStore(t)
	ctx := context.Background()

	job := &Job{
		ID:         "job-1",
		Decision:   *sampleDecision(t),
		Submit:     true,
		Chain:      "sepolia",
		Metadata:   map[string]any{"pool": "eth-usdc"},
		Status:     StatusPending,
		MaxRetries: 2,
	}
	if err := store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, job); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	stored, err := store.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.Submit || stored.Chain != "sepolia" || stored.Metadata["pool"] != "eth-usdc" {
		t.Fatalf("unexpected stored job %+v", stored)
	}
	if len(stored.Decision.Candidates) != 2 || stored.Decision.Candidates[0].Parameters.Amount.String() != "1000" {
		t.Fatalf("decision not round-tripped: %+v", stored.Decision)
	}

	claimed, err := store.Claim(ctx, "job-1")
	if err != nil || claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("claim = %+v, %v", claimed, err)
	}
	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobConflict) {
		t.Fatalf("running job should conflict, got %v", err)
	}

	if err := store.MarkFailed(ctx, "job-1", xerrors.CodeChainFailure, "rpc down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, _ := store.Get(ctx, "job-1")
	if failed.Status != StatusFailed || failed.LastError != "rpc down" || failed.ErrorCode != string(xerrors.CodeChainFailure) {
		t.Fatalf("unexpected failed job %+v", failed)
	}

	if _, err := store.Claim(ctx, "job-1"); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "job-1", Result{MerkleRoot: "0xroot", Action: "rebalance", TxHash: "0xfeed"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if _, err := store.Claim(ctx, "job-1"); !errors.Is(err, ErrJobCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}
	done, _ := store.Get(ctx, "job-1")
	if done.Result == nil || done.Result.TxHash != "0xfeed" || done.LastError != "" {
		t.Fatalf("unexpected result %+v", done)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.MarkSucceeded(ctx, "missing", Result{}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}
}

func TestSQLStoreTerminalFailureExhaustsRetries(t *testing.T) {
	store, _ := openSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, &Job{ID: "j", Decision: *sampleDecision(t), Status: StatusPending, MaxRetries: 4}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "j", CodeJobProcessing, "fatal", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "j"); !errors.Is(err, ErrJobExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestSQLStoreListAndStats(t *testing.T) {
	store, _ := openSQLiteStore(t)
	ctx := context.Background()

	clock := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return clock }

	for i, id := range []string{"a", "b", "c"} {
		clock = time.Unix(1_700_000_000+int64(i)*10, 0)
		if err := store.Create(ctx, &Job{ID: id, Decision: *sampleDecision(t), Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	clock = time.Unix(1_700_000_100, 0)
	if err := store.MarkSucceeded(ctx, "b", Result{Action: "rebalance", TxHash: "0xabc"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkFailed(ctx, "c", CodeJobProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	all, err := store.List(ctx, ListOptions{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list = %+v, %v", all, err)
	}
	if all[2].ID != "a" {
		t.Fatalf("oldest update should be last, got %s", all[2].ID)
	}

	submitted, err := store.List(ctx, buildListOptions([]ListOption{WithSubmitted(true)}))
	if err != nil || len(submitted) != 1 || submitted[0].ID != "b" {
		t.Fatalf("submitted = %+v, %v", submitted, err)
	}
	queried, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("boom")}))
	if err != nil || len(queried) != 1 || queried[0].ID != "c" {
		t.Fatalf("query = %+v, %v", queried, err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Succeeded != 1 || stats.Failed != 1 || stats.Submitted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.OldestUpdatedAt != 1_700_000_000 || stats.NewestUpdatedAt != 1_700_000_100 {
		t.Fatalf("unexpected bounds %+v", stats)
	}
}

func TestSQLStoreWrapsDriverErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE job_states SET status = ?")).
		WillReturnError(errors.New("connection reset"))

	store := NewSQLStore(db)
	_, err = store.Claim(context.Background(), "job")
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable storage failure, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
