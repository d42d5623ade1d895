package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for UI/reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Verifier    string `json:"verifier"`
	Notes       string `json:"notes,omitempty"`
}

// AgentRecord mirrors the verifier's registration entry for one agent key.
type AgentRecord struct {
	Address            common.Address `json:"address"`
	ModelHash          common.Hash    `json:"model_hash"`
	StrategyCommitment common.Hash    `json:"strategy_commitment"`
	RegisteredAt       *big.Int       `json:"registered_at"`
	Active             bool           `json:"active"`
	Decisions          *big.Int       `json:"decisions"`
	Reputation         *big.Int       `json:"reputation"`
}

// TransactionSigner signs outgoing transactions on behalf of the agent key.
type TransactionSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Submitter forwards ABI-encoded proof payloads to a verifier entry point.
// It knows nothing about how the payload was produced.
type Submitter interface {
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Submit(ctx context.Context, hookData []byte) (common.Hash, error)
	Check(ctx context.Context, hookData []byte) (bool, error)
	Agent(ctx context.Context, addr common.Address) (AgentRecord, error)
	Close()
}
