package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/verkhohliad/chaos-oracle/internal/config"
	"github.com/verkhohliad/chaos-oracle/internal/web3"
	"github.com/verkhohliad/chaos-oracle/internal/web3/ethereum"
)

// Chain bundles a client with the contract addresses deployed on it.
type Chain struct {
	Name                    string
	Client                  web3.Client
	RegistryAddress         string
	IdentityRegistryAddress string
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]Chain
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// Addresses missing from a chain definition fall back to the top level
// web3 settings.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	chains := make(map[string]Chain)
	closeAll := func() {
		for _, chain := range chains {
			chain.Client.Close()
		}
	}
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		chains[name] = Chain{
			Name:                    name,
			Client:                  web3.Throttle(client, cfg.CallsPerSecond, cfg.CallBurst),
			RegistryAddress:         firstNonEmpty(def.RegistryAddress, cfg.RegistryAddress),
			IdentityRegistryAddress: firstNonEmpty(def.IdentityRegistryAddress, cfg.IdentityRegistryAddress),
		}
	}

	defaultChain := strings.TrimSpace(cfg.DefaultChain)
	if len(chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
		if err != nil {
			return nil, err
		}
		chains["default"] = Chain{
			Name:                    "default",
			Client:                  web3.Throttle(client, cfg.CallsPerSecond, cfg.CallBurst),
			RegistryAddress:         cfg.RegistryAddress,
			IdentityRegistryAddress: cfg.IdentityRegistryAddress,
		}
		if defaultChain == "" {
			defaultChain = "default"
		}
	}

	if len(chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(chains))
		for name := range chains {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := chains[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, chains: chains}, nil
}

// Default returns the chain configured as default.
func (r *Registry) Default() (Chain, error) {
	if r == nil {
		return Chain{}, errors.New("未初始化的链客户端注册表")
	}
	chain, ok := r.chains[r.defaultChain]
	if !ok {
		return Chain{}, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	if strings.TrimSpace(chain.RegistryAddress) == "" {
		return Chain{}, fmt.Errorf("链 %s 未配置 registry_address", chain.Name)
	}
	return chain, nil
}

// Chain returns the chain identified by name.
func (r *Registry) Chain(name string) (Chain, bool) {
	if r == nil {
		return Chain{}, false
	}
	chain, ok := r.chains[name]
	return chain, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, chain := range r.chains {
		if chain.Client != nil {
			chain.Client.Close()
		}
		delete(r.chains, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
