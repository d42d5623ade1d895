package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentProof-Chain/internal/config"
	"AgentProof-Chain/internal/web3"
	"AgentProof-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
)

// Factory builds a submitter for one chain definition.
type Factory func(ctx context.Context, cfg ethereum.Config) (web3.Submitter, error)

// Registry manages a set of chain submitters keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Submitter
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, signer web3.TransactionSigner) (*Registry, error) {
	return NewRegistryWithFactory(ctx, cfg, signer, func(ctx context.Context, c ethereum.Config) (web3.Submitter, error) {
		return ethereum.NewClient(ctx, c)
	})
}

// NewRegistryWithFactory is NewRegistry with a custom client constructor.
func NewRegistryWithFactory(ctx context.Context, cfg config.Web3Config, signer web3.TransactionSigner, factory Factory) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Submitter)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		verifier, err := parseVerifier(chain.VerifierAddress)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("链 %s: %w", name, err)
		}
		client, err := factory(ctx, ethereum.Config{
			Name:     name,
			RPCURL:   chain.RPCURL,
			Verifier: verifier,
			Method:   chain.VerifierMethod,
			GasLimit: chain.GasLimit,
			Notes:    chain.Description,
			Signer:   signer,
		})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		verifier, err := parseVerifier(cfg.VerifierAddress)
		if err != nil {
			return nil, err
		}
		client, err := factory(ctx, ethereum.Config{
			Name:     "default",
			RPCURL:   cfg.RPCURL,
			Verifier: verifier,
			Method:   cfg.VerifierMethod,
			GasLimit: cfg.GasLimit,
			Signer:   signer,
		})
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

func parseVerifier(value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("验证合约地址无效: %s", value)
	}
	return common.HexToAddress(value), nil
}

// DefaultClient returns the submitter configured as default chain.
func (r *Registry) DefaultClient() (web3.Submitter, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the submitter identified by name.
func (r *Registry) Client(name string) (web3.Submitter, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
