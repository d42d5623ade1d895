package proofs

import (
	"encoding/json"
	"math/big"

	xerrors "AgentProof-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var hookArguments = mustHookArguments()

type hookProof struct {
	MerkleRoot  [32]byte
	MerkleProof [][32]byte
	LeafHash    [32]byte
	Timestamp   *big.Int
	Signature   []byte
}

type hookPayload struct {
	Proof     hookProof
	Reasoning string
}

func mustHookArguments() abi.Arguments {
	proofType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "merkleRoot", Type: "bytes32"},
		{Name: "merkleProof", Type: "bytes32[]"},
		{Name: "leafHash", Type: "bytes32"},
		{Name: "timestamp", Type: "uint256"},
		{Name: "signature", Type: "bytes"},
	})
	if err != nil {
		panic(err)
	}
	stringType, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{
		{Name: "proof", Type: proofType},
		{Name: "reasoning", Type: stringType},
	}
}

// EncodeHookData 按 (tuple(bytes32,bytes32[],bytes32,uint256,bytes), string)
// 做 ABI 编码，即验证合约解码的载荷。
func EncodeHookData(proof *Proof, reasoning string) ([]byte, error) {
	if proof == nil {
		return nil, malformed("proof is nil")
	}
	path := make([][32]byte, len(proof.MerkleProof))
	for i, h := range proof.MerkleProof {
		path[i] = h
	}
	packed, err := hookArguments.Pack(hookProof{
		MerkleRoot:  proof.MerkleRoot,
		MerkleProof: path,
		LeafHash:    proof.LeafHash,
		Timestamp:   new(big.Int).SetUint64(proof.Timestamp),
		Signature:   append([]byte(nil), proof.Signature...),
	}, reasoning)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformedProof, err, "pack hook data")
	}
	return packed, nil
}

// DecodeHookData 是 EncodeHookData 的逆操作。
func DecodeHookData(data []byte) (*Proof, string, error) {
	values, err := hookArguments.Unpack(data)
	if err != nil {
		return nil, "", xerrors.Wrap(CodeMalformedProof, err, "unpack hook data")
	}
	var payload hookPayload
	if err := hookArguments.Copy(&payload, values); err != nil {
		return nil, "", xerrors.Wrap(CodeMalformedProof, err, "decode hook data")
	}
	if payload.Proof.Timestamp == nil || !payload.Proof.Timestamp.IsUint64() {
		return nil, "", malformed("timestamp does not fit in 64 bits")
	}
	path := make([]common.Hash, len(payload.Proof.MerkleProof))
	for i, h := range payload.Proof.MerkleProof {
		path[i] = h
	}
	return &Proof{
		MerkleRoot:  payload.Proof.MerkleRoot,
		MerkleProof: path,
		LeafHash:    payload.Proof.LeafHash,
		Timestamp:   payload.Proof.Timestamp.Uint64(),
		Signature:   payload.Proof.Signature,
	}, payload.Reasoning, nil
}

// ParseProof 解析 JSON 形式的证明，哈希必须是带 0x 前缀的 32 字节十六进制。
func ParseProof(data []byte) (*Proof, error) {
	var proof Proof
	if err := json.Unmarshal(data, &proof); err != nil {
		return nil, xerrors.Wrap(CodeMalformedProof, err, "decode proof json")
	}
	return &proof, nil
}
