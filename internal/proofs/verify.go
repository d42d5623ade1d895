package proofs

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Result 分别记录两项检查的结果。验证不通过是结果而不是错误。
type Result struct {
	Inclusion bool           `json:"inclusion"`
	Authentic bool           `json:"authentic"`
	Recovered common.Address `json:"recovered"`
}

func (r Result) Valid() bool {
	return r.Inclusion && r.Authentic
}

// VerifyInclusion 按排序配对规则沿 path 折叠 leaf，并与 root 比较。
func VerifyInclusion(root, leaf common.Hash, path []common.Hash) bool {
	node := leaf
	for _, sibling := range path {
		node = HashPair(node, sibling)
	}
	return node == root
}

// RecoverSigner 由证明重算承诺并恢复签名地址。
func RecoverSigner(proof *Proof) (common.Address, error) {
	if proof == nil {
		return common.Address{}, malformed("proof is nil")
	}
	return recoverAddress(Commitment(proof.MerkleRoot, proof.LeafHash, proof.Timestamp), proof.Signature)
}

// Check 独立执行包含性与签名者检查。
func Check(proof *Proof, expected common.Address) (Result, error) {
	if proof == nil {
		return Result{}, malformed("proof is nil")
	}
	if len(proof.Signature) != crypto.SignatureLength {
		return Result{}, malformed("signature must be %d bytes, got %d", crypto.SignatureLength, len(proof.Signature))
	}
	if v := proof.Signature[64]; v > 1 && v != 27 && v != 28 {
		return Result{}, malformed("invalid recovery byte %d", v)
	}
	res := Result{Inclusion: VerifyInclusion(proof.MerkleRoot, proof.LeafHash, proof.MerkleProof)}
	recovered, err := RecoverSigner(proof)
	if err != nil {
		// 被篡改的签名可能无法恢复公钥，按不匹配处理。
		return res, nil
	}
	res.Recovered = recovered
	res.Authentic = recovered == expected
	return res, nil
}

// Verify 报告证明是否同时通过包含性检查且由 expected 签名。
func Verify(proof *Proof, expected common.Address) (bool, error) {
	res, err := Check(proof, expected)
	if err != nil {
		return false, err
	}
	return res.Valid(), nil
}
