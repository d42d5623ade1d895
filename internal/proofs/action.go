package proofs

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	xerrors "AgentProof-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	amountLength = 32
	// EncodedActionLength 为单个候选叶子的紧凑编码长度：
	// currency0(20) ‖ currency1(20) ‖ amount(32) ‖ zeroForOne(1)。
	EncodedActionLength = 2*common.AddressLength + amountLength + 1
)

var (
	maxInt256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
	minInt256 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
)

// ActionParameters 是候选动作中参与承诺的字段，编码方式与 Solidity 的
// abi.encodePacked(address, address, int256, bool) 完全一致。
type ActionParameters struct {
	Currency0  common.Address
	Currency1  common.Address
	Amount     *big.Int
	ZeroForOne bool
}

// NewActionParameters 校验地址格式与 int256 取值范围，并复制 amount。
func NewActionParameters(currency0, currency1 string, amount *big.Int, zeroForOne bool) (ActionParameters, error) {
	c0, err := parseIdentifier("currency0", currency0)
	if err != nil {
		return ActionParameters{}, err
	}
	c1, err := parseIdentifier("currency1", currency1)
	if err != nil {
		return ActionParameters{}, err
	}
	if err := checkAmount(amount); err != nil {
		return ActionParameters{}, err
	}
	return ActionParameters{
		Currency0:  c0,
		Currency1:  c1,
		Amount:     new(big.Int).Set(amount),
		ZeroForOne: zeroForOne,
	}, nil
}

// Encode 返回 73 字节的紧凑编码。
func (p ActionParameters) Encode() ([]byte, error) {
	if err := checkAmount(p.Amount); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, EncodedActionLength)
	buf = append(buf, p.Currency0.Bytes()...)
	buf = append(buf, p.Currency1.Bytes()...)
	buf = append(buf, math.U256Bytes(new(big.Int).Set(p.Amount))...)
	if p.ZeroForOne {
		buf = append(buf, 0x01)
	} else {
		buf = append(buf, 0x00)
	}
	return buf, nil
}

// AmountValue 返回 amount 的副本。
func (p ActionParameters) AmountValue() *big.Int {
	if p.Amount == nil {
		return nil
	}
	return new(big.Int).Set(p.Amount)
}

// LeafHash 对紧凑编码做 Keccak256。
func LeafHash(p ActionParameters) (common.Hash, error) {
	encoded, err := p.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// CandidateLeaf 只对候选的参数求哈希，动作名、理由与置信度不参与。
func CandidateLeaf(candidate DecisionCandidate) (common.Hash, error) {
	return LeafHash(candidate.Parameters)
}

func CandidateLeaves(candidates []DecisionCandidate) ([]common.Hash, error) {
	leaves := make([]common.Hash, len(candidates))
	for i, candidate := range candidates {
		leaf, err := CandidateLeaf(candidate)
		if err != nil {
			return nil, xerrors.Wrap(CodeEncoding, err, fmt.Sprintf("candidate %d", i))
		}
		leaves[i] = leaf
	}
	return leaves, nil
}

type actionParametersJSON struct {
	Currency0  string          `json:"currency0"`
	Currency1  string          `json:"currency1"`
	Amount     json.RawMessage `json:"amount"`
	ZeroForOne bool            `json:"zero_for_one"`
}

// MarshalJSON 将 amount 输出为十进制字符串，避免精度丢失。
func (p ActionParameters) MarshalJSON() ([]byte, error) {
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return json.Marshal(struct {
		Currency0  string `json:"currency0"`
		Currency1  string `json:"currency1"`
		Amount     string `json:"amount"`
		ZeroForOne bool   `json:"zero_for_one"`
	}{p.Currency0.Hex(), p.Currency1.Hex(), amount, p.ZeroForOne})
}

// UnmarshalJSON 接受数字或字符串形式的 amount（十进制或 0x 十六进制）。
func (p *ActionParameters) UnmarshalJSON(data []byte) error {
	var raw actionParametersJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return encodingError("decode action parameters: %v", err)
	}
	amountText := strings.Trim(strings.TrimSpace(string(raw.Amount)), `"`)
	if amountText == "" || amountText == "null" {
		return encodingError("amount is required")
	}
	amount, ok := new(big.Int).SetString(amountText, 0)
	if !ok {
		return encodingError("amount %q is not an integer", amountText)
	}
	parsed, err := NewActionParameters(raw.Currency0, raw.Currency1, amount, raw.ZeroForOne)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil {
		return encodingError("amount is required")
	}
	if amount.Cmp(maxInt256) > 0 || amount.Cmp(minInt256) < 0 {
		return encodingError("amount %s overflows int256", amount.String())
	}
	return nil
}

// 大小写混合的地址必须通过 EIP-55 校验。
func parseIdentifier(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, encodingError("%s is not a 20-byte hex identifier: %q", field, value)
	}
	addr := common.HexToAddress(value)
	body := value
	if len(body) >= 2 && (body[:2] == "0x" || body[:2] == "0X") {
		body = body[2:]
	}
	mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
	if mixed && addr.Hex()[2:] != body {
		return common.Address{}, encodingError("%s has an invalid checksum: %q", field, value)
	}
	return addr, nil
}
