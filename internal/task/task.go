package task

import (
	stdErrors "errors"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/proofs"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次证明任务的执行结果。
type Result struct {
	MerkleRoot  string `json:"merkle_root"`
	LeafHash    string `json:"leaf_hash"`
	Signer      string `json:"signer"`
	Action      string `json:"action"`
	ChosenIndex int    `json:"chosen_index"`
	Chain       string `json:"chain,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Job 描述了排队执行的证明任务。
type Job struct {
	ID         string              `json:"id"`
	Decision   proofs.DecisionTree `json:"decision"`
	Submit     bool                `json:"submit"`
	Chain      string              `json:"chain,omitempty"`
	Metadata   map[string]any      `json:"metadata,omitempty"`
	Status     Status              `json:"status"`
	Attempts   int                 `json:"attempts"`
	MaxRetries int                 `json:"max_retries"`
	LastError  string              `json:"last_error,omitempty"`
	ErrorCode  string              `json:"error_code,omitempty"`
	Result     *Result             `json:"result,omitempty"`
	CreatedAt  int64               `json:"created_at"`
	UpdatedAt  int64               `json:"updated_at"`
}

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict")
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job retries exhausted")
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
	CodeJobProcessing xerrors.Code = "JOB_PROCESSING_FAILED"
	CodeJobCompensate xerrors.Code = "JOB_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobProcessing, xerrors.Attributes{
		Message:   "job execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobCompensate, xerrors.Attributes{
		Message:  "job compensation failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// IsJobError 判断错误是否为指定的任务错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrJobNotFound):
		return target == CodeJobNotFound
	case stdErrors.Is(err, ErrJobConflict):
		return target == CodeJobConflict
	case stdErrors.Is(err, ErrJobCompleted):
		return target == CodeJobCompleted
	case stdErrors.Is(err, ErrJobExhausted):
		return target == CodeJobExhausted
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Result != nil {
		resultCopy := *job.Result
		clone.Result = &resultCopy
	}
	clone.Decision.Candidates = append([]proofs.DecisionCandidate(nil), job.Decision.Candidates...)
	clone.Metadata = cloneMetadata(job.Metadata)
	return &clone
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
