package anchor

import (
	"context"
	"log/slog"
	"strings"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/web3"
	"AssuredChain/pkg/logger"
)

// Verification 汇总一个摘要在本地账本与链上合约中的锚定情况。
type Verification struct {
	Digest   string             `json:"digest"`
	Anchored bool               `json:"anchored"`
	Ledger   []ledger.Record    `json:"ledger"`
	OnChain  []web3.LedgerEntry `json:"onchain"`
	// ChainError 非空表示链上查询失败，此时结论只依据本地账本。
	ChainError string `json:"chain_error,omitempty"`
}

// Verifier 查询账本与链上登记合约。
type Verifier struct {
	ledger   ledger.Repository
	anchorer web3.Anchorer
}

// NewVerifier 创建 Verifier，两个参数都可以为 nil。
func NewVerifier(repo ledger.Repository, anchorer web3.Anchorer) *Verifier {
	return &Verifier{ledger: repo, anchorer: anchorer}
}

// Verify 检查摘要是否已经锚定。
func (v *Verifier) Verify(ctx context.Context, digest string) (Verification, error) {
	normalized, err := web3.NormalizeDigest(digest)
	if err != nil {
		return Verification{}, err
	}
	out := Verification{Digest: normalized, Ledger: []ledger.Record{}, OnChain: []web3.LedgerEntry{}}

	if v.ledger != nil {
		records, err := v.ledger.FindByDigest(ctx, normalized)
		if err != nil {
			return Verification{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本失败")
		}
		out.Ledger = append(out.Ledger, records...)
	}

	if v.anchorer != nil {
		entries, err := v.anchorer.Entries(ctx)
		if err != nil {
			logger.L().Warn("读取链上记录失败", slog.Any("error", err), slog.String("digest", normalized))
			out.ChainError = err.Error()
		} else {
			for _, entry := range entries {
				if strings.EqualFold(entry.ContentHash, normalized) {
					out.OnChain = append(out.OnChain, entry)
				}
			}
		}
	} else {
		out.ChainError = "chain not configured"
	}

	out.Anchored = len(out.Ledger) > 0 || len(out.OnChain) > 0
	return out, nil
}
