package proofs

import (
	"context"
	"log/slog"
	"time"

	"AgentProof-Chain/pkg/logger"
)

// EngineOption 定义 Engine 的可选配置。
type EngineOption func(*Engine)

// WithClock 替换决策未携带时间戳时使用的时钟。
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTreeOptions 透传给每次构建的 Merkle 树。
func WithTreeOptions(opts ...TreeOption) EngineOption {
	return func(e *Engine) {
		e.treeOpts = append(e.treeOpts, opts...)
	}
}

// Engine 将决策转换为带签名的证明包，无调用级状态，可并发使用。
type Engine struct {
	signer   Signer
	now      func() time.Time
	log      *slog.Logger
	treeOpts []TreeOption
}

// NewEngine 创建绑定签名能力的引擎。
func NewEngine(signer Signer, opts ...EngineOption) *Engine {
	e := &Engine{
		signer: signer,
		now:    time.Now,
		log:    logger.Named("proofs"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Engine) Signer() Signer {
	return e.signer
}

// Generate 校验决策、对全部候选建树、为被选候选生成证明并签名承诺。
// 不修改传入的决策，推理文本使用实际签名的时间戳。
func (e *Engine) Generate(ctx context.Context, decision *DecisionTree) (*Bundle, error) {
	if err := decision.Validate(); err != nil {
		return nil, err
	}
	if e.signer == nil {
		return nil, ErrSigningUnavailable
	}

	leaves, err := CandidateLeaves(decision.Candidates)
	if err != nil {
		return nil, err
	}
	tree, err := BuildTree(leaves, e.treeOpts...)
	if err != nil {
		return nil, err
	}
	path, err := tree.ProofFor(decision.ChosenIndex)
	if err != nil {
		return nil, err
	}

	snapshot := *decision
	if snapshot.TimestampSeconds == 0 {
		snapshot.TimestampSeconds = uint64(e.now().Unix())
	}

	root := tree.Root()
	leaf := leaves[decision.ChosenIndex]
	commitment := Commitment(root, leaf, snapshot.TimestampSeconds)
	sig, err := Sign(ctx, commitment, e.signer)
	if err != nil {
		e.log.Warn("decision signing failed", slog.String("root", root.Hex()), slog.Any("error", err))
		return nil, err
	}

	proof := &Proof{
		MerkleRoot:  root,
		MerkleProof: path,
		LeafHash:    leaf,
		Timestamp:   snapshot.TimestampSeconds,
		Signature:   sig,
	}
	chosen := snapshot.Chosen()
	logger.Audit().Info("proof signed",
		slog.String("root", root.Hex()),
		slog.String("leaf", leaf.Hex()),
		slog.String("signer", e.signer.Address().Hex()),
		slog.Uint64("timestamp", proof.Timestamp),
		slog.Int("candidates", len(leaves)),
		slog.String("action", chosen.Action),
	)
	return &Bundle{
		Proof:       proof,
		Reasoning:   Explain(&snapshot),
		ChosenIndex: snapshot.ChosenIndex,
		Action:      chosen.Action,
		Signer:      e.signer.Address(),
		Leaves:      leaves,
	}, nil
}
