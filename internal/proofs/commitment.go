package proofs

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Commitment 计算 keccak256(root ‖ leaf ‖ uint256(timestamp))，时间戳占 32 字节大端。
func Commitment(root, leaf common.Hash, timestamp uint64) common.Hash {
	var ts [32]byte
	binary.BigEndian.PutUint64(ts[24:], timestamp)
	return crypto.Keccak256Hash(root[:], leaf[:], ts[:])
}

// PersonalDigest 返回钱包对 32 字节消息实际签名的摘要：
// keccak256("\x19Ethereum Signed Message:\n32" ‖ commitment)。
func PersonalDigest(commitment common.Hash) common.Hash {
	return common.BytesToHash(accounts.TextHash(commitment[:]))
}
