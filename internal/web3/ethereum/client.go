package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name     string
	RPCURL   string
	Verifier common.Address
	Method   string
	GasLimit uint64
	Notes    string
	Signer   web3.TransactionSigner
}

// Backend is the subset of ethclient.Client the submitter relies on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Client implements web3.Submitter for EVM compatible chains.
type Client struct {
	name     string
	notes    string
	verifier common.Address
	method   string
	gasLimit uint64
	signer   web3.TransactionSigner
	abi      abi.ABI

	rpcClient *gethrpc.Client
	backend   Backend

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}

	client, err := NewClientWithBackend(cfg, ethclient.NewClient(rpcClient))
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	return client, nil
}

// NewClientWithBackend wraps an existing backend, for example a test double.
func NewClientWithBackend(cfg Config, backend Backend) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "客户端缺少链访问后端")
	}
	method := strings.TrimSpace(cfg.Method)
	if method == "" {
		method = web3.DefaultVerifierMethod
	}
	parsed, err := verifierABI(method)
	if err != nil {
		return nil, err
	}
	return &Client{
		name:     cfg.Name,
		notes:    cfg.Notes,
		verifier: cfg.Verifier,
		method:   method,
		gasLimit: cfg.GasLimit,
		signer:   cfg.Signer,
		abi:      parsed,
		backend:  backend,
	}, nil
}

func verifierABI(method string) (abi.ABI, error) {
	definition := fmt.Sprintf(`[
		{"type":"function","name":%q,"stateMutability":"nonpayable",
		 "inputs":[{"name":"hookData","type":"bytes"}],
		 "outputs":[{"name":"","type":"bool"}]},
		{"type":"function","name":"agents","stateMutability":"view",
		 "inputs":[{"name":"","type":"address"}],
		 "outputs":[
			{"name":"agent","type":"address"},
			{"name":"modelHash","type":"bytes32"},
			{"name":"strategyCommitment","type":"bytes32"},
			{"name":"registeredAt","type":"uint256"},
			{"name":"isActive","type":"bool"},
			{"name":"decisions","type":"uint256"},
			{"name":"reputation","type":"uint256"}]}
	]`, method)
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		return abi.ABI{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析验证合约 ABI 失败")
	}
	return parsed, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.name }

// Verifier returns the verifier contract address.
func (c *Client) Verifier() common.Address { return c.verifier }

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, chainError(err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Verifier:    c.verifier.Hex(),
		Notes:       c.notes,
	}, nil
}

// Submit sends hookData to the verifier entry point in a dynamic-fee
// transaction and returns the transaction hash. Receipt and revert handling
// are left to the caller.
func (c *Client) Submit(ctx context.Context, hookData []byte) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "未配置交易签名器")
	}
	if c.verifier == (common.Address{}) {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "未配置验证合约地址")
	}
	calldata, err := c.abi.Pack(c.method, hookData)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用数据失败")
	}

	chainID, err := c.loadChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	from := c.signer.Address()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, chainError(err, "查询交易计数失败")
	}
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, chainError(err, "获取小费建议失败")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, chainError(err, "获取最新区块头失败")
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)
	}

	gas := c.gasLimit
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, gethcore.CallMsg{
			From:      from,
			To:        &c.verifier,
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Data:      calldata,
		})
		if err != nil {
			return common.Hash{}, chainError(err, "估算 Gas 失败")
		}
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.verifier,
		Data:      calldata,
	})
	signed, err := c.signer.SignTx(tx, chainID)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "签名交易失败", xerrors.WithRetryable(false))
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, chainError(err, "发送交易失败")
	}
	return signed.Hash(), nil
}

// Check dry-runs hookData against the verifier with eth_call and reports the
// boolean it returns.
func (c *Client) Check(ctx context.Context, hookData []byte) (bool, error) {
	if c.verifier == (common.Address{}) {
		return false, xerrors.New(xerrors.CodeInvalidArgument, "未配置验证合约地址")
	}
	calldata, err := c.abi.Pack(c.method, hookData)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用数据失败")
	}
	msg := gethcore.CallMsg{To: &c.verifier, Data: calldata}
	if c.signer != nil {
		msg.From = c.signer.Address()
	}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return false, chainError(err, "调用验证合约失败")
	}
	values, err := c.abi.Unpack(c.method, out)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析验证结果失败", xerrors.WithRetryable(false))
	}
	ok, _ := values[0].(bool)
	return ok, nil
}

// Agent reads the verifier's registration record for addr.
func (c *Client) Agent(ctx context.Context, addr common.Address) (web3.AgentRecord, error) {
	if c.verifier == (common.Address{}) {
		return web3.AgentRecord{}, xerrors.New(xerrors.CodeInvalidArgument, "未配置验证合约地址")
	}
	calldata, err := c.abi.Pack("agents", addr)
	if err != nil {
		return web3.AgentRecord{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码调用数据失败")
	}
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &c.verifier, Data: calldata}, nil)
	if err != nil {
		return web3.AgentRecord{}, chainError(err, "查询代理注册信息失败")
	}
	var record struct {
		Agent              common.Address
		ModelHash          [32]byte
		StrategyCommitment [32]byte
		RegisteredAt       *big.Int
		IsActive           bool
		Decisions          *big.Int
		Reputation         *big.Int
	}
	if err := c.abi.UnpackIntoInterface(&record, "agents", out); err != nil {
		return web3.AgentRecord{}, xerrors.Wrap(xerrors.CodeChainFailure, err, "解析代理注册信息失败", xerrors.WithRetryable(false))
	}
	return web3.AgentRecord{
		Address:            record.Agent,
		ModelHash:          record.ModelHash,
		StrategyCommitment: record.StrategyCommitment,
		RegisteredAt:       record.RegisteredAt,
		Active:             record.IsActive,
		Decisions:          record.Decisions,
		Reputation:         record.Reputation,
	}, nil
}

func (c *Client) loadChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, chainError(err, "获取链 ID 失败")
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// chainError marks transport failures retryable and context expiry as a
// timeout.
func chainError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	if errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeChainFailure, err, message, xerrors.WithRetryable(false))
	}
	return xerrors.Wrap(xerrors.CodeChainFailure, err, message)
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Submitter = (*Client)(nil)
