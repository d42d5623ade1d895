package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AgentProof-Chain/internal/agent"
	"AgentProof-Chain/internal/auth"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/storage/mysql"
	"AgentProof-Chain/internal/task"
	"AgentProof-Chain/internal/web3/signer"
)

type fixture struct {
	server *Server
	store  *task.MemoryStore
	agent  *agent.Agent
	engine *proofs.Engine
	key    *signer.KeySigner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := signer.Generate()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	repo, err := mysql.NewMemoryProofRepository(t.TempDir())
	if err != nil {
		t.Fatalf("repo: %v", err)
	}
	engine := proofs.NewEngine(key, proofs.WithClock(func() time.Time { return time.Unix(1_700_000_000, 0) }))
	ag := agent.New(engine, repo)
	store := task.NewMemoryStore()
	svc := task.NewService(store, task.NewMemoryQueue(16), 3)
	return &fixture{
		server: NewServer(":0", svc, ag),
		store:  store,
		agent:  ag,
		engine: engine,
		key:    key,
	}
}

func decision(t *testing.T) *proofs.DecisionTree {
	t.Helper()
	a := "0x" + strings.Repeat("11", 20)
	b := "0x" + strings.Repeat("22", 20)
	first, err := proofs.NewActionParameters(a, b, big.NewInt(5_000), true)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	second, err := proofs.NewActionParameters(b, a, big.NewInt(7), false)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	third, err := proofs.NewActionParameters(a, b, big.NewInt(0), false)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	return &proofs.DecisionTree{
		RootCause: "volatility spike",
		Candidates: []proofs.DecisionCandidate{
			{Action: "widen_range", Confidence: 70, Parameters: first},
			{Action: "rebalance", Confidence: 60, Parameters: second},
			{Action: "hold", Confidence: 20, Parameters: third},
		},
		ChosenIndex: 0,
	}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestSubmitAndFetchJob(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/proofs", task.SubmitRequest{ID: "job-1", Decision: decision(t)})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	var job task.Job
	decodeInto(t, rec, &job)
	if job.ID != "job-1" || job.Status != task.StatusPending {
		t.Fatalf("unexpected job %+v", job)
	}

	if _, err := f.agent.Execute(context.Background(), agent.Request{ID: "job-1", Decision: decision(t)}); err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/proofs/job-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d body=%s", rec.Code, rec.Body.String())
	}
	var detail struct {
		ID    string        `json:"id"`
		Proof *agent.Result `json:"proof"`
	}
	decodeInto(t, rec, &detail)
	if detail.ID != "job-1" || detail.Proof == nil || detail.Proof.Action != "widen_range" {
		t.Fatalf("unexpected detail %+v", detail)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/proofs?status=pending", nil)
	var listed struct {
		Count int `json:"count"`
	}
	decodeInto(t, rec, &listed)
	if rec.Code != http.StatusOK || listed.Count != 1 {
		t.Fatalf("list status=%d count=%d", rec.Code, listed.Count)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/proofs/stats", nil)
	var stats task.JobStats
	decodeInto(t, rec, &stats)
	if stats.Total != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/history?root="+detail.Proof.MerkleRoot, nil)
	var history struct {
		Count int `json:"count"`
	}
	decodeInto(t, rec, &history)
	if rec.Code != http.StatusOK || history.Count != 1 {
		t.Fatalf("history status=%d count=%d", rec.Code, history.Count)
	}
}

func TestSubmitAndDetailErrors(t *testing.T) {
	f := newFixture(t)

	bad := decision(t)
	bad.ChosenIndex = 5
	cases := []struct {
		name   string
		method string
		target string
		body   any
		status int
		code   string
	}{
		{"invalid decision", http.MethodPost, "/api/v1/proofs", task.SubmitRequest{Decision: bad}, http.StatusBadRequest, string(task.CodeJobValidation)},
		{"missing decision", http.MethodPost, "/api/v1/proofs", map[string]any{}, http.StatusBadRequest, string(task.CodeJobValidation)},
		{"unknown job", http.MethodGet, "/api/v1/proofs/missing", nil, http.StatusNotFound, string(task.CodeJobNotFound)},
		{"missing id", http.MethodGet, "/api/v1/proofs/", nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"bad status filter", http.MethodGet, "/api/v1/proofs?status=done", nil, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"wrong method", http.MethodDelete, "/api/v1/proofs", nil, http.StatusMethodNotAllowed, "INVALID_ARGUMENT"},
		{"no chains", http.MethodGet, "/api/v1/chain", nil, http.StatusServiceUnavailable, "INITIALIZATION_FAILURE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.target, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("status = %d want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			var body errorBody
			decodeInto(t, rec, &body)
			if string(body.Code) != tc.code {
				t.Fatalf("code = %s want %s", body.Code, tc.code)
			}
		})
	}
}

func TestVerifyAndEncode(t *testing.T) {
	f := newFixture(t)
	bundle, err := f.engine.Generate(context.Background(), decision(t))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	proofJSON, err := json.Marshal(bundle.Proof)
	if err != nil {
		t.Fatalf("marshal proof: %v", err)
	}
	signerHex := f.key.Address().Hex()

	rec := f.do(t, http.MethodPost, "/api/v1/proofs/verify", map[string]any{
		"proof":  json.RawMessage(proofJSON),
		"signer": signerHex,
	})
	var verified verifyResponse
	decodeInto(t, rec, &verified)
	if rec.Code != http.StatusOK || !verified.Valid || verified.Recovered != f.key.Address() {
		t.Fatalf("verify status=%d body=%+v", rec.Code, verified)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/proofs/verify", map[string]any{
		"proof":  json.RawMessage(proofJSON),
		"signer": "0x" + strings.Repeat("99", 20),
	})
	decodeInto(t, rec, &verified)
	if rec.Code != http.StatusOK || verified.Valid || !verified.Inclusion || verified.Authentic {
		t.Fatalf("wrong signer should be a mismatch, got %+v", verified)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/proofs/encode", map[string]any{
		"proof":     json.RawMessage(proofJSON),
		"reasoning": bundle.Reasoning,
	})
	var encoded struct {
		HookData string `json:"hook_data"`
	}
	decodeInto(t, rec, &encoded)
	if rec.Code != http.StatusOK || !strings.HasPrefix(encoded.HookData, "0x") {
		t.Fatalf("encode status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/v1/proofs/verify", map[string]any{
		"hook_data": encoded.HookData,
		"signer":    signerHex,
	})
	decodeInto(t, rec, &verified)
	if !verified.Valid || !strings.Contains(verified.Reasoning, "CHOSEN ACTION: widen_range") {
		t.Fatalf("hook data verification failed: %+v", verified)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/proofs/verify", map[string]any{
		"proof":  map[string]any{"merkle_root": "0x01", "signature": "0x00"},
		"signer": signerHex,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed proof should be rejected, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/v1/proofs", nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "proofd_http_requests_total") {
		t.Fatalf("missing http request series in exposition")
	}

	disabled := NewServer(":0", nil, nil, WithMetrics(false))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	out := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(out, req)
	if out.Code != http.StatusNotFound {
		t.Fatalf("metrics should be disabled, got %d", out.Code)
	}
}

func TestAuthProtectsAPIRoutes(t *testing.T) {
	f := newFixture(t)
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.Key{{Name: "viewer", Token: "viewer-token", Permissions: []string{auth.PermProofsRead}}},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	WithAuth(svc)(f.server)

	rec := f.do(t, http.MethodGet, "/api/v1/proofs", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous list status = %d", rec.Code)
	}

	send := func(method, target string, body []byte) int {
		req := httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer viewer-token")
		out := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(out, req)
		return out.Code
	}
	if code := send(http.MethodGet, "/api/v1/proofs", nil); code != http.StatusOK {
		t.Fatalf("viewer list status = %d", code)
	}
	raw, _ := json.Marshal(task.SubmitRequest{Decision: decision(t)})
	if code := send(http.MethodPost, "/api/v1/proofs", raw); code != http.StatusForbidden {
		t.Fatalf("viewer submit status = %d", code)
	}
	if code := send(http.MethodGet, "/api/v1/chain", nil); code != http.StatusForbidden {
		t.Fatalf("viewer chain status = %d", code)
	}

	health := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, got %d", health.Code)
	}
}
