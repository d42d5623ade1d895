package proofs

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseUnits 将 "0.0001" 这类十进制数量按 decimals 换算为最小单位整数。
// 超出代币精度的小数部分直接报错，不做截断。
func ParseUnits(value string, decimals int32) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, encodingError("amount is required")
	}
	if decimals < 0 || decimals > 77 {
		return nil, encodingError("unsupported decimals %d", decimals)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, encodingError("amount %q is not a decimal number: %v", value, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, encodingError("amount %q has more than %d decimal places", value, decimals)
	}
	amount := scaled.BigInt()
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// FormatUnits 将最小单位整数格式化为十进制字符串，去掉末尾的 0。
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}
