// Package signer provides the agent's key-backed signing capability. It
// signs decision commitments the way a wallet signs personal messages and
// signs the transactions that carry proofs on chain.
package signer

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	xerrors "AgentProof-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner 在内存中持有 secp256k1 私钥。
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// New 包装已有私钥。
func New(key *ecdsa.PrivateKey) (*KeySigner, error) {
	if key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// FromHex 解析十六进制私钥，0x 前缀可选。
func FromHex(hexKey string) (*KeySigner, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "私钥不能为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析私钥失败")
	}
	return New(key)
}

// FromEnv 从指定环境变量读取十六进制私钥。
func FromEnv(name string) (*KeySigner, error) {
	value, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(value) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "环境变量 "+name+" 未设置私钥")
	}
	return FromHex(value)
}

// Generate 生成随机私钥，仅用于开发与测试。
func Generate() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "生成私钥失败")
	}
	return New(key)
}

// LoadKeystore 解密 go-ethereum JSON keystore 文件。
func LoadKeystore(path, password string) (*KeySigner, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取 keystore 文件失败")
	}
	key, err := keystore.DecryptKey(content, password)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解密 keystore 失败")
	}
	return New(key.PrivateKey)
}

// Address 返回签名账户地址。
func (s *KeySigner) Address() common.Address {
	return s.addr
}

// SignPersonalMessage 对 keccak256("\x19Ethereum Signed Message:\n32" ‖ commitment) 签名，
// 返回 r‖s‖v，v 取 27 或 28。
func (s *KeySigner) SignPersonalMessage(ctx context.Context, commitment common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(accounts.TextHash(commitment[:]), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTx 按链 ID 选用最新签名规则签署交易。
func (s *KeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

// ExportHex 以无前缀十六进制导出私钥。
func (s *KeySigner) ExportHex() string {
	return common.Bytes2Hex(crypto.FromECDSA(s.key))
}
