package proofs

import (
	"context"

	xerrors "AgentProof-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 是注入的钱包签名能力。SignPersonalMessage 需要为 commitment 加上
// personal message 前缀，并返回 65 字节的 r‖s‖v 签名。引擎不接触私钥。
type Signer interface {
	Address() common.Address
	SignPersonalMessage(ctx context.Context, commitment common.Hash) ([]byte, error)
}

// Sign 向 signer 请求对 commitment 的签名。返回的 v 固定为 27/28，且必须能恢复出
// signer.Address()。签名能力的错误包装为 ErrSigningUnavailable 并保留原始原因。
func Sign(ctx context.Context, commitment common.Hash, signer Signer) ([]byte, error) {
	if signer == nil {
		return nil, xerrors.New(CodeSigningUnavailable, "no signer configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(CodeSigningUnavailable, err, "signing cancelled")
	}
	sig, err := signer.SignPersonalMessage(ctx, commitment)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningUnavailable, err, "signer failed")
	}
	if len(sig) != crypto.SignatureLength {
		return nil, xerrors.New(CodeSigningUnavailable, "signer returned a non 65-byte signature", xerrors.WithRetryable(false))
	}
	sig = append([]byte(nil), sig...)
	if sig[64] < 27 {
		sig[64] += 27
	}
	recovered, err := recoverAddress(commitment, sig)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningUnavailable, err, "signature does not recover", xerrors.WithRetryable(false))
	}
	if recovered != signer.Address() {
		return nil, xerrors.New(CodeSigningUnavailable, "signature recovers to "+recovered.Hex()+", expected "+signer.Address().Hex(),
			xerrors.WithRetryable(false))
	}
	return sig, nil
}

// v 可以是 0/1 或 27/28。
func recoverAddress(commitment common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, malformed("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	switch v := normalized[64]; {
	case v == 27 || v == 28:
		normalized[64] = v - 27
	case v == 0 || v == 1:
	default:
		return common.Address{}, malformed("invalid recovery byte %d", v)
	}
	digest := PersonalDigest(commitment)
	pub, err := crypto.SigToPub(digest[:], normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(CodeMalformedProof, err, "recover public key")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
