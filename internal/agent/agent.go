package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/observability/metrics"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/storage/mysql"
	"AgentProof-Chain/internal/web3"
	"AgentProof-Chain/pkg/logger"
)

// Request 描述一次需要生成证明的决策。
type Request struct {
	ID       string               `json:"id,omitempty"`
	Decision *proofs.DecisionTree `json:"decision"`
	Submit   bool                 `json:"submit,omitempty"`
	Chain    string               `json:"chain,omitempty"`
}

// Result 汇总证明生成与链上提交的结果。
type Result struct {
	ID          string        `json:"id"`
	Proof       *proofs.Proof `json:"proof"`
	MerkleRoot  string        `json:"merkle_root"`
	LeafHash    string        `json:"leaf_hash"`
	Signer      string        `json:"signer"`
	ChosenIndex int           `json:"chosen_index"`
	Action      string        `json:"action"`
	Reasoning   string        `json:"reasoning"`
	HookData    string        `json:"hook_data"`
	Chain       string        `json:"chain,omitempty"`
	TxHash      string        `json:"tx_hash,omitempty"`
	CreatedAt   int64         `json:"created_at"`
}

// ProofEngine 生成签名后的决策证明。
type ProofEngine interface {
	Generate(ctx context.Context, decision *proofs.DecisionTree) (*proofs.Bundle, error)
}

// ChainResolver 按名称返回链上提交通道。
type ChainResolver interface {
	DefaultChain() string
	Client(name string) (web3.Submitter, bool)
}

// Agent 串联证明引擎、证明仓库与链上提交。
type Agent struct {
	engine        ProofEngine
	proofs        mysql.ProofRepository
	chains        ChainResolver
	logger        *slog.Logger
	submitTimeout time.Duration
	now           func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithChains 配置链上提交通道。
func WithChains(chains ChainResolver) Option {
	return func(a *Agent) {
		a.chains = chains
	}
}

// WithSubmitTimeout 设置单次链上提交的超时时间。
func WithSubmitTimeout(timeout time.Duration) Option {
	return func(a *Agent) {
		if timeout < 0 {
			timeout = 0
		}
		a.submitTimeout = timeout
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New 创建一个 Agent。
func New(engine ProofEngine, repo mysql.ProofRepository, opts ...Option) *Agent {
	ag := &Agent{
		engine: engine,
		proofs: repo,
		logger: logger.Named("agent"),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Execute 生成证明并持久化，按需提交到验证合约。
// 已存在的证明记录会被复用，重试时不会产生新的签名。
func (a *Agent) Execute(ctx context.Context, req Request) (*Result, error) {
	if a.engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明引擎")
	}
	if req.Decision == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "决策内容不能为空")
	}
	req.ID = strings.TrimSpace(req.ID)

	record, err := a.lookup(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		record, err = a.generate(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	if req.Submit && record.TxHash == "" {
		if err := a.submit(ctx, req.Chain, record); err != nil {
			return nil, err
		}
	}
	return resultFromRecord(*record)
}

func (a *Agent) lookup(ctx context.Context, id string) (*mysql.ProofRecord, error) {
	if a.proofs == nil || id == "" {
		return nil, nil
	}
	record, err := a.proofs.Get(ctx, id)
	if err != nil {
		if stdErrors.Is(err, mysql.ErrProofNotFound) {
			return nil, nil
		}
		return nil, err
	}
	a.logger.Debug("复用已有证明", slog.String("id", id), slog.String("root", record.MerkleRoot))
	return record, nil
}

func (a *Agent) generate(ctx context.Context, req Request) (*mysql.ProofRecord, error) {
	bundle, err := a.engine.Generate(ctx, req.Decision)
	metrics.ObserveProofGenerated(err)
	if err != nil {
		return nil, err
	}
	hookData, err := bundle.HookData()
	if err != nil {
		return nil, err
	}

	record := recordFromBundle(req.ID, bundle, hookData, a.now().Unix())
	if a.proofs != nil && record.ID != "" {
		if err := a.proofs.Save(ctx, *record); err != nil {
			if !stdErrors.Is(err, mysql.ErrProofExists) {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存证明记录失败")
			}
			// 并发执行时以先写入的记录为准。
			existing, getErr := a.proofs.Get(ctx, record.ID)
			if getErr != nil {
				return nil, getErr
			}
			record = existing
		}
	}
	return record, nil
}

func (a *Agent) submit(ctx context.Context, chain string, record *mysql.ProofRecord) error {
	submitter, name, err := a.resolve(chain)
	if err != nil {
		return err
	}
	hookData, err := hexutil.Decode(record.HookData)
	if err != nil {
		return xerrors.Wrap(proofs.CodeMalformedProof, err, "证明记录中的 hook data 无法解码")
	}

	submitCtx := ctx
	if a.submitTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, a.submitTimeout)
		defer cancel()
	}
	txHash, err := submitter.Submit(submitCtx, hookData)
	metrics.ObserveSubmission(name, err)
	if err != nil {
		return err
	}

	record.Chain = name
	record.TxHash = txHash.Hex()
	if a.proofs != nil && record.ID != "" {
		if err := a.proofs.SetTxHash(ctx, record.ID, record.Chain, record.TxHash); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录交易哈希失败")
		}
	}
	logger.Audit().Info("证明已提交",
		slog.String("id", record.ID),
		slog.String("chain", name),
		slog.String("tx_hash", record.TxHash),
		slog.String("root", record.MerkleRoot),
	)
	return nil
}

func (a *Agent) resolve(chain string) (web3.Submitter, string, error) {
	if a.chains == nil {
		return nil, "", xerrors.New(xerrors.CodeInitializationFailure, "未配置链上提交通道")
	}
	chain = strings.TrimSpace(chain)
	if chain == "" {
		chain = a.chains.DefaultChain()
	}
	client, ok := a.chains.Client(chain)
	if !ok {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的链: %s", chain))
	}
	return client, chain, nil
}

// Get 返回已持久化的证明。
func (a *Agent) Get(ctx context.Context, id string) (*Result, error) {
	if a.proofs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明仓库")
	}
	record, err := a.proofs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return resultFromRecord(*record)
}

// FindByRoot 按 Merkle 根查找证明。
func (a *Agent) FindByRoot(ctx context.Context, root string) ([]Result, error) {
	if a.proofs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明仓库")
	}
	records, err := a.proofs.GetByRoot(ctx, root)
	if err != nil {
		return nil, err
	}
	return resultsFromRecords(records)
}

// ListHistory 获取最近生成的证明。
func (a *Agent) ListHistory(ctx context.Context, limit int) ([]Result, error) {
	if a.proofs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明仓库")
	}
	records, err := a.proofs.ListLatest(ctx, limit)
	if err != nil {
		return nil, err
	}
	return resultsFromRecords(records)
}

// Verify 离线校验证明的包含性与签名者。
func (a *Agent) Verify(_ context.Context, proof *proofs.Proof, expected common.Address) (proofs.Result, error) {
	return proofs.Check(proof, expected)
}

// VerifyOnChain 通过 eth_call 让验证合约校验 hook data，不发送交易。
func (a *Agent) VerifyOnChain(ctx context.Context, chain string, hookData []byte) (bool, error) {
	submitter, _, err := a.resolve(chain)
	if err != nil {
		return false, err
	}
	return submitter.Check(ctx, hookData)
}

// ChainSnapshot 返回指定链的概要信息。
func (a *Agent) ChainSnapshot(ctx context.Context, chain string) (web3.ChainSnapshot, error) {
	submitter, _, err := a.resolve(chain)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	return submitter.Snapshot(ctx)
}

// AgentRecord 查询验证合约中登记的智能体信息。
func (a *Agent) AgentRecord(ctx context.Context, chain string, addr common.Address) (web3.AgentRecord, error) {
	submitter, _, err := a.resolve(chain)
	if err != nil {
		return web3.AgentRecord{}, err
	}
	return submitter.Agent(ctx, addr)
}

func recordFromBundle(id string, bundle *proofs.Bundle, hookData []byte, createdAt int64) *mysql.ProofRecord {
	path := make([]string, len(bundle.Proof.MerkleProof))
	for i, node := range bundle.Proof.MerkleProof {
		path[i] = node.Hex()
	}
	return &mysql.ProofRecord{
		ID:          id,
		MerkleRoot:  bundle.Proof.MerkleRoot.Hex(),
		LeafHash:    bundle.Proof.LeafHash.Hex(),
		MerkleProof: path,
		Timestamp:   bundle.Proof.Timestamp,
		Signature:   hexutil.Encode(bundle.Proof.Signature),
		Signer:      bundle.Signer.Hex(),
		ChosenIndex: bundle.ChosenIndex,
		Action:      bundle.Action,
		Reasoning:   bundle.Reasoning,
		HookData:    hexutil.Encode(hookData),
		CreatedAt:   createdAt,
	}
}

// ProofFromRecord 还原持久化记录中的证明对象。
func ProofFromRecord(record mysql.ProofRecord) (*proofs.Proof, error) {
	signature, err := hexutil.Decode(record.Signature)
	if err != nil {
		return nil, xerrors.Wrap(proofs.CodeMalformedProof, err, "签名格式错误")
	}
	path := make([]common.Hash, len(record.MerkleProof))
	for i, node := range record.MerkleProof {
		path[i] = common.HexToHash(node)
	}
	return &proofs.Proof{
		MerkleRoot:  common.HexToHash(record.MerkleRoot),
		MerkleProof: path,
		LeafHash:    common.HexToHash(record.LeafHash),
		Timestamp:   record.Timestamp,
		Signature:   signature,
	}, nil
}

func resultFromRecord(record mysql.ProofRecord) (*Result, error) {
	proof, err := ProofFromRecord(record)
	if err != nil {
		return nil, err
	}
	return &Result{
		ID:          record.ID,
		Proof:       proof,
		MerkleRoot:  record.MerkleRoot,
		LeafHash:    record.LeafHash,
		Signer:      record.Signer,
		ChosenIndex: record.ChosenIndex,
		Action:      record.Action,
		Reasoning:   record.Reasoning,
		HookData:    record.HookData,
		Chain:       record.Chain,
		TxHash:      record.TxHash,
		CreatedAt:   record.CreatedAt,
	}, nil
}

func resultsFromRecords(records []mysql.ProofRecord) ([]Result, error) {
	results := make([]Result, 0, len(records))
	for _, record := range records {
		result, err := resultFromRecord(record)
		if err != nil {
			return nil, err
		}
		results = append(results, *result)
	}
	return results, nil
}
