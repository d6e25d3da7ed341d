package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"AssuredChain/internal/storage/sqldb"
)

// SQLRepository 把账本存入 MySQL 或 SQLite 的 ledger_records 表。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 使用已完成迁移的连接池创建仓库。
func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

const selectRecordColumns = `SELECT project_id, step, digest, tx_hash, contract, chain_id, entry_id, block_number, metadata_uri, proof_path, created_at
    FROM ledger_records`

// Save 将记录写入数据库，tx_hash 冲突视为已存在。
func (s *SQLRepository) Save(ctx context.Context, record Record) error {
	const stmt = `INSERT INTO ledger_records
    (project_id, step, digest, tx_hash, contract, chain_id, entry_id, block_number, metadata_uri, proof_path, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		record.ProjectID,
		record.Step,
		normalizeDigest(record.Digest),
		record.TxHash,
		record.Contract,
		record.ChainID,
		record.EntryID,
		record.BlockNumber,
		record.MetadataURI,
		record.ProofPath,
		record.CreatedAt,
	)
	if err != nil && !sqldb.IsDuplicate(err) {
		return fmt.Errorf("写入账本失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectRecordColumns+` ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询账本记录失败: %w", err)
	}
	return scanRecords(rows)
}

// FindByDigest 查询摘要对应的记录。
func (s *SQLRepository) FindByDigest(ctx context.Context, digest string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectRecordColumns+` WHERE digest = ? ORDER BY created_at DESC, id DESC`, normalizeDigest(digest))
	if err != nil {
		return nil, fmt.Errorf("查询账本记录失败: %w", err)
	}
	return scanRecords(rows)
}

// Close 关闭底层数据库连接。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	records := make([]Record, 0)
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ProjectID, &r.Step, &r.Digest, &r.TxHash, &r.Contract, &r.ChainID, &r.EntryID, &r.BlockNumber, &r.MetadataURI, &r.ProofPath, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析账本记录失败: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历账本记录失败: %w", err)
	}
	return records, nil
}
