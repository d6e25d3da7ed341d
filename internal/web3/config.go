package web3

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainTypeEVM is the only chain family with a client implementation.
const ChainTypeEVM = "evm"

// ChainDefinitions is the decoded form of chain.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition is one named endpoint.
type ChainDefinition struct {
	Type            string `yaml:"type"`
	RPCURL          string `yaml:"rpc_url"`
	ContractAddress string `yaml:"contract_address"`
	ChainID         int64  `yaml:"chain_id"`
	PrivateKeyEnv   string `yaml:"private_key_env"`
	ABIPath         string `yaml:"abi_path"`
	Description     string `yaml:"description"`
}

// LoadChainDefinitions reads chain.yaml. An empty path yields an empty set.
// Relative abi_path entries are rebased onto the file's directory and an
// empty type defaults to evm.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}

	dir := filepath.Dir(path)
	for name, def := range defs.Chains {
		def.Type = strings.ToLower(strings.TrimSpace(def.Type))
		if def.Type == "" {
			def.Type = ChainTypeEVM
		}
		if def.ABIPath != "" && !filepath.IsAbs(def.ABIPath) {
			def.ABIPath = filepath.Join(dir, def.ABIPath)
		}
		defs.Chains[name] = def
	}
	return defs, nil
}

// Names returns the chain names in lexical order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Supported reports whether a client exists for the definition's type.
func (c ChainDefinition) Supported() bool {
	return c.Type == "" || c.Type == ChainTypeEVM
}

// SigningKey picks the key named by PrivateKeyEnv when that variable is set
// and non-blank, otherwise fallback.
func SigningKey(envName, fallback string, lookup func(string) (string, bool)) string {
	envName = strings.TrimSpace(envName)
	if envName == "" || lookup == nil {
		return fallback
	}
	if v, ok := lookup(envName); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}
