package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/web3"
)

const (
	fallbackGas           = 200000
	defaultTip            = 1_000_000_000
	defaultReceiptTimeout = 120 * time.Second
	defaultPollInterval   = time.Second
)

// Backend is the subset of the go-ethereum client API the registry client
// needs. Both *ethclient.Client and the simulated backend satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Config describes how to construct a registry client for an EVM chain.
type Config struct {
	Name            string
	RPCURL          string
	ContractAddress string
	ChainID         int64
	PrivateKey      string
	ABIPath         string
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
	Notes           string
}

// Client implements web3.Anchorer against the AssuredRegistry contract.
type Client struct {
	name           string
	notes          string
	backend        Backend
	closer         func()
	contract       common.Address
	abi            abi.ABI
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	receiptTimeout time.Duration
	pollInterval   time.Duration

	// mu serialises nonce assignment for concurrent Anchor calls.
	mu sync.Mutex
}

// Dial connects to the configured RPC endpoint and returns a ready-to-use
// client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeChainNotConfigured, "未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败")
	}
	client, err := NewClient(eth, cfg)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewClient wraps an existing backend, typically the simulated backend in
// tests.
func NewClient(backend Backend, cfg Config) (*Client, error) {
	if backend == nil {
		return nil, errors.New("以太坊后端不能为空")
	}
	parsed, err := web3.LoadRegistryABI(cfg.ABIPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainNotConfigured, err, "加载合约 ABI 失败")
	}
	c := &Client{
		name:           cfg.Name,
		notes:          cfg.Notes,
		backend:        backend,
		abi:            parsed,
		receiptTimeout: cfg.ReceiptTimeout,
		pollInterval:   cfg.PollInterval,
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = defaultReceiptTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if addr := strings.TrimSpace(cfg.ContractAddress); addr != "" {
		if !common.IsHexAddress(addr) {
			return nil, xerrors.New(xerrors.CodeChainNotConfigured, "合约地址格式错误: "+addr)
		}
		c.contract = common.HexToAddress(addr)
	}
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"); key != "" {
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeChainNotConfigured, err, "解析账户私钥失败")
		}
		c.key = pk
		c.from = crypto.PubkeyToAddress(pk.PublicKey)
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// Name returns the registry name of the chain.
func (c *Client) Name() string { return c.name }

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// Anchor sends a log(bytes32,string,string) transaction and waits for it to
// be mined.
func (c *Client) Anchor(ctx context.Context, req web3.AnchorRequest) (web3.AnchorReceipt, error) {
	if c.key == nil {
		return web3.AnchorReceipt{}, xerrors.New(xerrors.CodeChainNotConfigured, "未配置账户私钥")
	}
	if c.contract == (common.Address{}) {
		return web3.AnchorReceipt{}, xerrors.New(xerrors.CodeChainNotConfigured, "未配置合约地址")
	}
	digest, err := web3.DigestBytes(req.Digest)
	if err != nil {
		return web3.AnchorReceipt{}, err
	}
	data, err := c.abi.Pack("log", digest, req.Step, req.MetadataURI)
	if err != nil {
		return web3.AnchorReceipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合约调用失败")
	}

	signed, chainID, err := c.send(ctx, data)
	if err != nil {
		return web3.AnchorReceipt{}, err
	}
	// 交易已广播，之后的错误都携带交易哈希。
	receipt, err := c.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return web3.AnchorReceipt{}, &web3.PendingTxError{TxHash: signed.Hash().Hex(), Err: err}
	}
	return c.settle(ctx, signed.Hash(), chainID, receipt)
}

// Confirm reads the receipt of a previously broadcast transaction once.
func (c *Client) Confirm(ctx context.Context, txHash string) (web3.AnchorReceipt, error) {
	raw, err := hexutil.Decode(strings.TrimSpace(txHash))
	if err != nil || len(raw) != common.HashLength {
		return web3.AnchorReceipt{}, xerrors.New(xerrors.CodeInvalidArgument, "交易哈希格式错误: "+txHash)
	}
	hash := common.BytesToHash(raw)
	c.mu.Lock()
	chainID, err := c.resolveChainID(ctx)
	c.mu.Unlock()
	if err != nil {
		return web3.AnchorReceipt{}, err
	}
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	switch {
	case errors.Is(err, gethcore.NotFound) || (err == nil && receipt == nil):
		return web3.AnchorReceipt{}, &web3.PendingTxError{
			TxHash: hash.Hex(),
			Err:    xerrors.New(xerrors.CodeTimeout, "交易尚未打包"),
		}
	case err != nil:
		return web3.AnchorReceipt{}, &web3.PendingTxError{TxHash: hash.Hex(), Err: chainErr(err, "查询交易回执失败")}
	}
	return c.settle(ctx, hash, chainID, receipt)
}

// settle turns a mined receipt into an AnchorReceipt; reverted receipts are
// non-retryable failures.
func (c *Client) settle(ctx context.Context, hash common.Hash, chainID *big.Int, receipt *coretypes.Receipt) (web3.AnchorReceipt, error) {
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return web3.AnchorReceipt{}, xerrors.New(xerrors.CodeChainFailure,
			"交易执行失败: "+hash.Hex(), xerrors.WithRetryable(false))
	}
	out := web3.AnchorReceipt{
		TxHash:    hash.Hex(),
		Contract:  c.contract.Hex(),
		ChainID:   chainID.String(),
		EntryID:   c.entryID(receipt),
		Submitter: c.from.Hex(),
		GasUsed:   receipt.GasUsed,
		Timestamp: time.Now().Unix(),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
		if header, err := c.backend.HeaderByNumber(ctx, receipt.BlockNumber); err == nil && header != nil {
			out.Timestamp = int64(header.Time)
		}
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, data []byte) (*coretypes.Transaction, *big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, nil, chainErr(err, "查询账户 nonce 失败")
	}

	estimate, err := c.backend.EstimateGas(ctx, gethcore.CallMsg{From: c.from, To: &c.contract, Data: data})
	if err != nil || estimate == 0 {
		estimate = fallbackGas
	}
	gas := estimate*12/10 + 5000

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil || tip == nil || tip.Sign() <= 0 {
		tip = big.NewInt(defaultTip)
	}
	feeCap := new(big.Int).Set(tip)
	if head, err := c.backend.HeaderByNumber(ctx, nil); err == nil && head != nil && head.BaseFee != nil {
		feeCap = new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
	}

	to := c.contract
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeChainNotConfigured, err, "签名交易失败")
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, nil, chainErr(err, "发送交易失败")
	}
	return signed, chainID, nil
}

func (c *Client) resolveChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, chainErr(err, "获取链 ID 失败")
	}
	c.chainID = id
	return id, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) && ctx.Err() == nil {
			return nil, chainErr(err, "查询交易回执失败")
		}
		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易回执超时: "+hash.Hex())
		case <-ticker.C:
		}
	}
}

// entryID reads the id from the first indexed topic of the Logged event.
func (c *Client) entryID(receipt *coretypes.Receipt) string {
	event := c.abi.Events["Logged"]
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.contract || len(lg.Topics) < 2 || lg.Topics[0] != event.ID {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()).String()
	}
	return ""
}

// Entries reads every record from the registry, ids 0..nextId-1.
func (c *Client) Entries(ctx context.Context) ([]web3.LedgerEntry, error) {
	if c.contract == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeChainNotConfigured, "未配置合约地址")
	}
	out, err := c.call(ctx, "nextId")
	if err != nil {
		return nil, err
	}
	total, ok := out[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeChainFailure, "nextId 返回值类型错误", xerrors.WithRetryable(false))
	}

	entries := make([]web3.LedgerEntry, 0, total.Int64())
	for i := int64(0); i < total.Int64(); i++ {
		fields, err := c.call(ctx, "entries", big.NewInt(i))
		if err != nil {
			return nil, err
		}
		entry, err := decodeEntry(uint64(i), fields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码合约调用失败")
	}
	raw, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: &c.contract, Data: data}, nil)
	if err != nil {
		return nil, chainErr(err, "调用合约 "+method+" 失败")
	}
	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "解码合约返回值失败", xerrors.WithRetryable(false))
	}
	if len(out) == 0 {
		return nil, xerrors.New(xerrors.CodeChainFailure, method+" 没有返回值", xerrors.WithRetryable(false))
	}
	return out, nil
}

func decodeEntry(id uint64, fields []any) (web3.LedgerEntry, error) {
	if len(fields) < 5 {
		return web3.LedgerEntry{}, xerrors.New(xerrors.CodeChainFailure, "entries 返回字段数量错误", xerrors.WithRetryable(false))
	}
	submitter, _ := fields[0].(common.Address)
	hash, _ := fields[1].([32]byte)
	step, _ := fields[2].(string)
	uri, _ := fields[3].(string)
	ts, _ := fields[4].(*big.Int)
	entry := web3.LedgerEntry{
		ID:          id,
		Submitter:   submitter.Hex(),
		ContentHash: common.Hash(hash).Hex(),
		Step:        step,
		MetadataURI: uri,
	}
	if ts != nil {
		entry.Timestamp = ts.Int64()
	}
	return entry, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, chainErr(err, "获取链 ID 失败")
	}
	block, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, chainErr(err, "获取最新区块高度失败")
	}
	snap := web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     strconv.FormatInt(id.Int64(), 10),
		BlockNumber: block,
		Notes:       c.notes,
	}
	if c.contract != (common.Address{}) {
		snap.Contract = c.contract.Hex()
	}
	return snap, nil
}

func chainErr(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeChainFailure, err, message)
}

var _ web3.Anchorer = (*Client)(nil)
