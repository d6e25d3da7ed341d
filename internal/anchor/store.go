package anchor

import (
	"context"

	xerrors "AssuredChain/internal/errors"
)

// Store 抽象了锚定任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Claim 把 pending/failed 且未耗尽重试的任务切换为 running，并递增 attempts。
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	// MarkFailed 记录失败；terminal 为 true 时把 attempts 提到上限，之后不再被领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	// RecordTx 记下已广播的交易哈希，结果标记为 Pending。
	RecordTx(ctx context.Context, id, txHash string) error
	// Reclaim 把 updated_at 早于 staleBefore 的 running 任务改为 failed，返回受影响的数量。
	Reclaim(ctx context.Context, staleBefore int64) (int, error)
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}

const leaseExpiredMessage = "任务租约过期，处理进程可能已退出"

// Stats 聚合了任务状态的统计信息。
type Stats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
