package proofs

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DecisionCandidate 是代理考虑过的一个候选动作。
type DecisionCandidate struct {
	Action     string           `json:"action"`
	Rationale  string           `json:"rationale,omitempty"`
	Confidence int              `json:"confidence"`
	Parameters ActionParameters `json:"parameters"`
}

// DecisionTree 是上游决策源提交的完整决策记录。
// MarketSnapshot 与 RiskAssessment 只用于展示和审计，不参与哈希。
type DecisionTree struct {
	RootCause        string              `json:"root_cause"`
	MarketSnapshot   json.RawMessage     `json:"market_snapshot,omitempty"`
	RiskAssessment   json.RawMessage     `json:"risk_assessment,omitempty"`
	Candidates       []DecisionCandidate `json:"candidates"`
	ChosenIndex      int                 `json:"chosen_index"`
	TimestampSeconds uint64              `json:"timestamp,omitempty"`
}

// Validate 检查决策的结构约束。
func (d *DecisionTree) Validate() error {
	if d == nil {
		return ErrInvalidDecision
	}
	if len(d.Candidates) == 0 {
		return ErrEmptyCandidateSet
	}
	if d.ChosenIndex < 0 || d.ChosenIndex >= len(d.Candidates) {
		return newError(CodeInvalidDecision, "chosen index %d outside %d candidates", d.ChosenIndex, len(d.Candidates))
	}
	for i, c := range d.Candidates {
		if c.Confidence < 0 || c.Confidence > 100 {
			return newError(CodeInvalidDecision, "candidate %d confidence %d outside 0..100", i, c.Confidence)
		}
	}
	return nil
}

// Chosen 返回被选中的候选，调用前需先 Validate。
func (d *DecisionTree) Chosen() DecisionCandidate {
	return d.Candidates[d.ChosenIndex]
}

// Proof 是单个决策的可验证证明。
type Proof struct {
	MerkleRoot  common.Hash   `json:"merkle_root"`
	MerkleProof []common.Hash `json:"merkle_proof"`
	LeafHash    common.Hash   `json:"leaf_hash"`
	Timestamp   uint64        `json:"timestamp"`
	Signature   hexutil.Bytes `json:"signature"`
}

func (p *Proof) Clone() *Proof {
	if p == nil {
		return nil
	}
	out := *p
	out.MerkleProof = append([]common.Hash(nil), p.MerkleProof...)
	out.Signature = append(hexutil.Bytes(nil), p.Signature...)
	return &out
}

// String 返回用于日志的简短形式。
func (p *Proof) String() string {
	if p == nil {
		return "<nil proof>"
	}
	return fmt.Sprintf("proof{root=%s leaf=%s depth=%d ts=%d}", p.MerkleRoot.Hex(), p.LeafHash.Hex(), len(p.MerkleProof), p.Timestamp)
}

// Bundle 是引擎的签名输出，可直接交给链上提交通道。
type Bundle struct {
	Proof       *Proof         `json:"proof"`
	Reasoning   string         `json:"reasoning"`
	ChosenIndex int            `json:"chosen_index"`
	Action      string         `json:"action"`
	Signer      common.Address `json:"signer"`
	Leaves      []common.Hash  `json:"leaves"`
}

// HookData 将证明与推理文本编码为验证合约所需的载荷。
func (b *Bundle) HookData() ([]byte, error) {
	if b == nil {
		return nil, malformed("bundle is nil")
	}
	return EncodeHookData(b.Proof, b.Reasoning)
}
