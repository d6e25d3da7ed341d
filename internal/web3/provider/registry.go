package provider

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"AssuredChain/internal/config"
	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/web3"
	"AssuredChain/internal/web3/ethereum"
)

// DefaultChainName is used for the single endpoint configured through
// config or environment variables.
const DefaultChainName = "default"

// Dialer connects to one chain definition.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Anchorer, error)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Anchorer
}

// Option customises registry construction.
type Option func(*options)

type options struct {
	dial   Dialer
	lookup func(string) (string, bool)
}

// WithDialer replaces the go-ethereum dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dial = d
		}
	}
}

// WithEnvLookup replaces os.LookupEnv when resolving private_key_env.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *options) {
		if fn != nil {
			o.lookup = fn
		}
	}
}

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Anchorer, error) {
	return ethereum.Dial(ctx, cfg)
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// Without any definition or endpoint the registry is empty and Default
// reports CHAIN_NOT_CONFIGURED.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	o := options{dial: dialEthereum, lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	reg := &Registry{clients: make(map[string]web3.Anchorer)}
	for _, name := range defs.Names() {
		chain := defs.Chains[name]
		if !chain.Supported() {
			reg.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := o.dial(ctx, ethereum.Config{
			Name:            name,
			RPCURL:          chain.RPCURL,
			ContractAddress: chain.ContractAddress,
			ChainID:         chain.ChainID,
			PrivateKey:      web3.SigningKey(chain.PrivateKeyEnv, cfg.PrivateKey, o.lookup),
			ABIPath:         firstNonEmpty(chain.ABIPath, cfg.ABIPath),
			ReceiptTimeout:  cfg.ReceiptTimeout(),
			Notes:           chain.Description,
		})
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		reg.clients[name] = client
	}

	if len(reg.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := o.dial(ctx, ethereum.Config{
			Name:            DefaultChainName,
			RPCURL:          cfg.RPCURL,
			ContractAddress: cfg.ContractAddress,
			ChainID:         cfg.ChainID,
			PrivateKey:      web3.SigningKey(cfg.PrivateKeyEnv, cfg.PrivateKey, o.lookup),
			ABIPath:         cfg.ABIPath,
			ReceiptTimeout:  cfg.ReceiptTimeout(),
		})
		if err != nil {
			return nil, err
		}
		reg.clients[DefaultChainName] = client
	}

	if len(reg.clients) == 0 {
		return reg, nil
	}

	reg.defaultChain = firstNonEmpty(cfg.DefaultChain, defs.Default)
	if reg.defaultChain == "" {
		if _, ok := reg.clients[DefaultChainName]; ok {
			reg.defaultChain = DefaultChainName
		} else {
			reg.defaultChain = reg.Chains()[0]
		}
	}
	if _, ok := reg.clients[reg.defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", reg.defaultChain)
	}
	return reg, nil
}

// Default returns the client configured as default chain.
func (r *Registry) Default() (web3.Anchorer, error) {
	if r == nil || len(r.clients) == 0 {
		return nil, xerrors.New(xerrors.CodeChainNotConfigured, "未配置任何链的 RPC 端点")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainNotConfigured, fmt.Sprintf("默认链 %s 未在注册表中", r.defaultChain))
	}
	return client, nil
}

// DefaultName returns the name of the default chain, empty when none is
// configured.
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Anchorer, bool) {
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
	return slices.Sorted(maps.Keys(r.clients))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
