package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultVerifierMethod is the verifier entry point that accepts hook data.
const DefaultVerifierMethod = "verifyDecision"

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type            string `yaml:"type"`
	RPCURL          string `yaml:"rpc_url"`
	VerifierAddress string `yaml:"verifier_address"`
	VerifierMethod  string `yaml:"verifier_method"`
	GasLimit        uint64 `yaml:"gas_limit"`
	Description     string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata from YAML bytes.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if strings.TrimSpace(chain.VerifierMethod) == "" {
			chain.VerifierMethod = DefaultVerifierMethod
		}
		defs.Chains[name] = chain
	}
	return defs, nil
}
