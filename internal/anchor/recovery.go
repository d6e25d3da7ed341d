package anchor

import (
	"context"
	"strings"

	"AssuredChain/internal/ledger"
)

// RecoveryHandler 定义了在任务不可重试地失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回非 nil 的 Result 时，任务按该结果标记为成功；返回 nil 则继续按失败处理。
	Recover(ctx context.Context, job *Job, cause error) (*Result, error)
}

// LedgerRecovery 在账本中查找同一项目、步骤与摘要的既有锚定，命中时直接复用。
// 典型场景是交易已上链但回执等待超时，或同一摘要被重复提交。
type LedgerRecovery struct {
	Ledger ledger.Repository
}

// Recover 实现 RecoveryHandler。
func (r *LedgerRecovery) Recover(ctx context.Context, job *Job, _ error) (*Result, error) {
	if r == nil || r.Ledger == nil || job == nil {
		return nil, nil
	}
	records, err := r.Ledger.FindByDigest(ctx, job.Digest)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if !strings.EqualFold(rec.Step, job.Step) {
			continue
		}
		if rec.ProjectID != "" && rec.ProjectID != job.ProjectID {
			continue
		}
		return &Result{
			TxHash:      rec.TxHash,
			Contract:    rec.Contract,
			ChainID:     rec.ChainID,
			EntryID:     rec.EntryID,
			BlockNumber: rec.BlockNumber,
			Timestamp:   rec.CreatedAt,
			ProofPath:   rec.ProofPath,
			Recovered:   true,
		}, nil
	}
	return nil, nil
}
