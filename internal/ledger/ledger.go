// Package ledger keeps the local record of every digest anchored on chain,
// so that verification and recovery do not need to scan the contract.
package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"AssuredChain/internal/config"
	"AssuredChain/internal/storage/sqldb"
)

// Record 是一次成功锚定的本地记录。
type Record struct {
	ProjectID   string `json:"project_id"`
	Step        string `json:"step"`
	Digest      string `json:"digest"`
	TxHash      string `json:"tx_hash"`
	Contract    string `json:"contract,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	MetadataURI string `json:"metadata_uri,omitempty"`
	ProofPath   string `json:"proof_path,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// Repository 抽象账本的持久化接口。
type Repository interface {
	// Save 写入一条记录，同一 tx_hash 重复写入时忽略。
	Save(ctx context.Context, record Record) error
	// ListLatest 按时间倒序返回最近的记录。
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	// FindByDigest 返回某个摘要的全部记录，最新的在前。
	FindByDigest(ctx context.Context, digest string) ([]Record, error)
	Close() error
}

// Open 根据配置创建账本仓库。memory 驱动使用 data_dir 下的 ledger.jsonl。
func Open(ctx context.Context, cfg config.LedgerConfig, dataDir string) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory", "file":
		return NewFileRepository(filepath.Join(dataDir, "ledger.jsonl"))
	case sqldb.DriverMySQL, sqldb.DriverSQLite:
		db, err := sqldb.Open(ctx, cfg.Driver, cfg.DSN, cfg.Pool)
		if err != nil {
			return nil, err
		}
		return NewSQLRepository(db), nil
	default:
		return nil, fmt.Errorf("暂不支持的账本驱动 %q", cfg.Driver)
	}
}

// normalizeDigest 统一为小写带 0x 前缀的形式，便于比较。
func normalizeDigest(digest string) string {
	d := strings.ToLower(strings.TrimSpace(digest))
	if d == "" {
		return ""
	}
	return "0x" + strings.TrimPrefix(d, "0x")
}
