package web3

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the contracts the
// agents talk to on it.
type ChainDefinition struct {
	Type                    string `yaml:"type"`
	RPCURL                  string `yaml:"rpc_url"`
	ChainID                 uint64 `yaml:"chain_id"`
	RegistryAddress         string `yaml:"registry_address"`
	IdentityRegistryAddress string `yaml:"identity_registry_address"`
	Description             string `yaml:"description"`
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

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, chain := range defs.Chains {
		if err := chain.validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 配置无效: %w", name, err)
		}
	}
	return defs, nil
}

func (d ChainDefinition) validate() error {
	if strings.TrimSpace(d.RPCURL) == "" {
		return errors.New("缺少 rpc_url")
	}
	for field, addr := range map[string]string{
		"registry_address":          d.RegistryAddress,
		"identity_registry_address": d.IdentityRegistryAddress,
	} {
		if addr = strings.TrimSpace(addr); addr != "" && !common.IsHexAddress(addr) {
			return fmt.Errorf("%s 不是合法地址: %q", field, addr)
		}
	}
	return nil
}
