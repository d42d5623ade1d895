package task

import (
	"context"
	stdErrors "errors"
	"fmt"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/storage/mysql"
)

// RecoveryHandler 定义了在任务执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因进行补偿或降级。
	// 返回的 Result 将作为降级结果写入任务；若返回 nil 则继续按照失败流程处理。
	Recover(ctx context.Context, job *Job, cause error) (*Result, error)
}

// OffchainFallback 在链上提交不可重试地失败时，以已签名并持久化的证明作为降级结果。
type OffchainFallback struct {
	Proofs mysql.ProofRepository
}

// Recover 实现 RecoveryHandler。
func (f OffchainFallback) Recover(ctx context.Context, job *Job, cause error) (*Result, error) {
	if f.Proofs == nil || job == nil || !job.Submit {
		return nil, nil
	}
	if xerrors.CodeOf(cause) != xerrors.CodeChainFailure {
		return nil, nil
	}
	record, err := f.Proofs.Get(ctx, job.ID)
	if err != nil {
		if stdErrors.Is(err, mysql.ErrProofNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &Result{
		MerkleRoot:  record.MerkleRoot,
		LeafHash:    record.LeafHash,
		Signer:      record.Signer,
		Action:      record.Action,
		ChosenIndex: record.ChosenIndex,
		Note:        fmt.Sprintf("链上提交失败，仅保留链下证明: %v", cause),
	}, nil
}
