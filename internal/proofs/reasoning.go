package proofs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const reasoningRule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// Explain 生成随证明一起发布的推理文本。市场快照是合法 JSON 时缩进输出，否则原样输出。
// 调用前决策必须已通过校验。
func Explain(tree *DecisionTree) string {
	chosen := tree.Chosen()

	var b strings.Builder
	b.WriteString("AGENT DECISION REASONING (Verified On-Chain)\n")
	b.WriteString(reasoningRule + "\n\n")
	fmt.Fprintf(&b, "ROOT CAUSE: %s\n\n", tree.RootCause)
	b.WriteString("MARKET ANALYSIS:\n")
	b.WriteString(prettyBlob(tree.MarketSnapshot))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "CONSIDERED ACTIONS: %d\n", len(tree.Candidates))
	for i, c := range tree.Candidates {
		fmt.Fprintf(&b, "  %d. %s (confidence: %d%%)\n", i+1, c.Action, c.Confidence)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "CHOSEN ACTION: %s\n", chosen.Action)
	fmt.Fprintf(&b, "CONFIDENCE: %d%%\n", chosen.Confidence)
	fmt.Fprintf(&b, "REASON: %s\n\n", chosen.Rationale)
	fmt.Fprintf(&b, "TIMESTAMP: %s\n", formatTimestamp(tree.TimestampSeconds))
	b.WriteString(reasoningRule)
	return b.String()
}

func prettyBlob(blob json.RawMessage) string {
	trimmed := bytes.TrimSpace(blob)
	if len(trimmed) == 0 {
		return "null"
	}
	var out bytes.Buffer
	if err := json.Indent(&out, trimmed, "", "  "); err != nil {
		return string(trimmed)
	}
	return out.String()
}

func formatTimestamp(seconds uint64) string {
	return time.Unix(int64(seconds), 0).UTC().Format("2006-01-02T15:04:05.000Z")
}
