package proofs

import (
	"bytes"
	"fmt"
	"strings"

	xerrors "AgentProof-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// OddPolicy 决定奇数层最后一个节点的处理方式，必须与验证合约一致。
type OddPolicy int

const (
	// OddPromote 原样提升到上一层。
	OddPromote OddPolicy = iota
	// OddDuplicate 与自身配对求哈希。
	OddDuplicate
)

func (p OddPolicy) String() string {
	switch p {
	case OddDuplicate:
		return "duplicate"
	default:
		return "promote"
	}
}

// ParseOddPolicy 解析配置值，空串视为 promote，其余未知取值返回错误。
func ParseOddPolicy(value string) (OddPolicy, error) {
	switch strings.TrimSpace(value) {
	case "", "promote":
		return OddPromote, nil
	case "duplicate":
		return OddDuplicate, nil
	default:
		return OddPromote, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("未知的奇数节点策略 %q，可选 promote 或 duplicate", value))
	}
}

type treeOptions struct {
	odd OddPolicy
}

// TreeOption 定义建树的可选配置。
type TreeOption func(*treeOptions)

func WithOddPolicy(policy OddPolicy) TreeOption {
	return func(o *treeOptions) {
		o.odd = policy
	}
}

// Tree 是按字节序配对的 Keccak256 Merkle 树。levels[0] 为叶子，最后一层为根。
type Tree struct {
	levels [][]common.Hash
	odd    OddPolicy
}

// HashPair 将两个节点按字节升序拼接后求哈希，结果与左右位置无关。
func HashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

// BuildTree 逐层归约叶子直到只剩根节点。
func BuildTree(leaves []common.Hash, opts ...TreeOption) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyCandidateSet
	}
	cfg := treeOptions{odd: OddPromote}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	level := append([]common.Hash(nil), leaves...)
	levels := [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashPair(level[i], level[i+1]))
				continue
			}
			if cfg.odd == OddDuplicate {
				next = append(next, HashPair(level[i], level[i]))
			} else {
				next = append(next, level[i])
			}
		}
		levels = append(levels, next)
		level = next
	}
	return &Tree{levels: levels, odd: cfg.odd}, nil
}

func (t *Tree) Root() common.Hash {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// Leaves 返回叶子层的副本。
func (t *Tree) Leaves() []common.Hash {
	return append([]common.Hash(nil), t.levels[0]...)
}

func (t *Tree) Len() int { return len(t.levels[0]) }

// Depth 为叶子之上的层数。
func (t *Tree) Depth() int { return len(t.levels) - 1 }

func (t *Tree) OddPolicy() OddPolicy { return t.odd }

// Levels 返回所有层的副本，叶子层在前。
func (t *Tree) Levels() [][]common.Hash {
	out := make([][]common.Hash, len(t.levels))
	for i, level := range t.levels {
		out[i] = append([]common.Hash(nil), level...)
	}
	return out
}

// ProofFor 自底向上返回 index 处叶子的兄弟节点路径。被提升的节点在该层没有兄弟，不产生路径元素。
func (t *Tree) ProofFor(index int) ([]common.Hash, error) {
	if index < 0 || index >= t.Len() {
		return nil, newError(CodeIndexOutOfRange, "leaf index %d outside %d leaves", index, t.Len())
	}
	proof := make([]common.Hash, 0, t.Depth())
	idx := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		switch {
		case sibling < len(level):
			proof = append(proof, level[sibling])
		case t.odd == OddDuplicate:
			proof = append(proof, level[idx])
		}
		idx /= 2
	}
	return proof, nil
}
