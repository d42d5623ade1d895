package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedSeries(t *testing.T) {
	ObserveHTTPRequest("/api/v1/proofs", "POST", 202, 30*time.Millisecond)
	ObserveHTTPRequest("/api/v1/proofs", "POST", 500, 2*time.Second)
	ObserveProofGenerated(nil)
	ObserveProofGenerated(errors.New("signer offline"))
	ObserveVerification(true)
	ObserveVerification(false)
	ObserveSubmission("sepolia", nil)
	ObserveJob("succeeded")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`proofd_http_requests_total{code="202",handler="/api/v1/proofs",method="POST"}`,
		`proofd_http_request_errors_total{handler="/api/v1/proofs",method="POST"}`,
		`proofd_http_request_duration_seconds_bucket{handler="/api/v1/proofs",method="POST",le="0.05"}`,
		`proofd_proofs_generated_total{outcome="error"}`,
		`proofd_proof_verifications_total{result="valid"}`,
		`proofd_chain_submissions_total{chain="sepolia",outcome="ok"}`,
		`proofd_jobs_finished_total{status="succeeded"}`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %s\n%s", want, text)
		}
	}
}
