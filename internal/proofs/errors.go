package proofs

import (
	"fmt"

	xerrors "AgentProof-Chain/internal/errors"
)

const (
	CodeEncoding           xerrors.Code = "PROOF_ENCODING"
	CodeEmptyCandidates    xerrors.Code = "PROOF_EMPTY_CANDIDATES"
	CodeIndexOutOfRange    xerrors.Code = "PROOF_INDEX_OUT_OF_RANGE"
	CodeInvalidDecision    xerrors.Code = "PROOF_INVALID_DECISION"
	CodeSigningUnavailable xerrors.Code = "PROOF_SIGNING_UNAVAILABLE"
	CodeMalformedProof     xerrors.Code = "PROOF_MALFORMED"
)

var (
	// ErrEncoding 表示动作参数无法按定长格式编码。
	ErrEncoding = xerrors.New(CodeEncoding, "malformed action parameters")
	// ErrEmptyCandidateSet 表示候选集合为空。
	ErrEmptyCandidateSet = xerrors.New(CodeEmptyCandidates, "candidate set is empty")
	ErrIndexOutOfRange = xerrors.New(CodeIndexOutOfRange, "leaf index out of range")
	// ErrInvalidDecision 表示决策结构不合法。
	ErrInvalidDecision = xerrors.New(CodeInvalidDecision, "invalid decision tree")
	// ErrSigningUnavailable 包装签名能力返回的任何错误。
	ErrSigningUnavailable = xerrors.New(CodeSigningUnavailable, "signing capability unavailable")
	// ErrMalformedProof 表示证明结构损坏，与验证不通过不同。
	ErrMalformedProof = xerrors.New(CodeMalformedProof, "malformed proof")
)

func init() {
	xerrors.Register(CodeEncoding, xerrors.Attributes{
		Message:  "malformed action parameters",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEmptyCandidates, xerrors.Attributes{
		Message:  "candidate set is empty",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeIndexOutOfRange, xerrors.Attributes{
		Message:  "leaf index out of range",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidDecision, xerrors.Attributes{
		Message:  "invalid decision tree",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeSigningUnavailable, xerrors.Attributes{
		Message:   "signing capability unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeMalformedProof, xerrors.Attributes{
		Message:  "malformed proof",
		Severity: xerrors.SeverityInfo,
	})
}

func newError(code xerrors.Code, format string, args ...any) error {
	return xerrors.New(code, fmt.Sprintf(format, args...))
}

func encodingError(format string, args ...any) error {
	return newError(CodeEncoding, format, args...)
}

func malformed(format string, args ...any) error {
	return newError(CodeMalformedProof, format, args...)
}
