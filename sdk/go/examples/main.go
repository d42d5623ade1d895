package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"AgentProof-Chain/sdk/go/proofs"
)

func main() {
	var polls int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/proofs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(proofs.Job{ID: "demo-job", Status: "pending", MaxRetries: 3, CreatedAt: time.Now().Unix()})
	})
	mux.HandleFunc("/api/v1/proofs/demo-job", func(w http.ResponseWriter, r *http.Request) {
		polls++
		job := proofs.Job{ID: "demo-job", Status: "running", Attempts: 1, MaxRetries: 3}
		if polls > 1 {
			job.Status = "succeeded"
			job.Result = &proofs.JobResult{
				MerkleRoot:  "0x" + strings.Repeat("ab", 32),
				Signer:      "0x" + strings.Repeat("11", 20),
				Action:      "rebalance",
				ChosenIndex: 1,
				Note:        "链上提交未开启",
			}
		}
		_ = json.NewEncoder(w).Encode(job)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := proofs.NewClient(server.URL, server.Client())
	if err != nil {
		panic(err)
	}
	client.SetToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	decision := json.RawMessage(`{"root_cause":"price drift","candidates":[],"chosen_index":0}`)
	job, err := client.SubmitDecision(ctx, proofs.DecisionSubmission{ID: "demo-job", Decision: decision})
	if err != nil {
		panic(err)
	}
	fmt.Printf("任务已提交: %s (%s)\n", job.ID, job.Status)

	done, err := client.WaitForJob(ctx, job.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("任务完成: %s action=%s root=%s\n", done.Status, done.Result.Action, done.Result.MerkleRoot)
}
