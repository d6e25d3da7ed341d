// Package anchor 把快照摘要异步写入链上登记合约，并在成功后回写项目清单与本地账本。
package anchor

import (
	xerrors "AssuredChain/internal/errors"
)

// Status 表示锚定任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存一次成功锚定的链上信息。
type Result struct {
	TxHash      string `json:"tx_hash"`
	Contract    string `json:"contract,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	EntryID     string `json:"entry_id,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	ProofPath   string `json:"proof_path,omitempty"`
	// Recovered 为 true 表示结果来自账本中已有的同一摘要记录，而非本次交易。
	Recovered bool `json:"recovered,omitempty"`
	// Pending 为 true 表示交易已广播但尚未确认，重试时只查询回执不再重发。
	Pending bool `json:"pending,omitempty"`
}

// Job 描述一个排队中的锚定任务。
type Job struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Step        string  `json:"step"`
	Digest      string  `json:"digest"`
	MetadataURI string  `json:"metadata_uri,omitempty"`
	SourcePath  string  `json:"source_path,omitempty"`
	Status      Status  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxRetries  int     `json:"max_retries"`
	LastError   string  `json:"last_error,omitempty"`
	ErrorCode   string  `json:"error_code,omitempty"`
	Result      *Result `json:"result,omitempty"`
	CreatedAt   int64   `json:"created_at"`
	UpdatedAt   int64   `json:"updated_at"`
}

// PendingTx 返回已广播但未确认的交易哈希。
func (j *Job) PendingTx() (string, bool) {
	if j == nil || j.Result == nil || !j.Result.Pending || j.Result.TxHash == "" {
		return "", false
	}
	return j.Result.TxHash, true
}

// Terminal 判断任务是否已不会再被处理。
func (j *Job) Terminal() bool {
	if j == nil {
		return false
	}
	return j.Status == StatusSucceeded || (j.Status == StatusFailed && j.Attempts >= j.MaxRetries)
}

func (j *Job) clone() *Job {
	c := *j
	if j.Result != nil {
		r := *j.Result
		c.Result = &r
	}
	return &c
}

const (
	CodeJobNotFound  xerrors.Code = "ANCHOR_JOB_NOT_FOUND"
	CodeJobConflict  xerrors.Code = "ANCHOR_JOB_CONFLICT"
	CodeJobCompleted xerrors.Code = "ANCHOR_JOB_COMPLETED"
	CodeJobExhausted xerrors.Code = "ANCHOR_RETRIES_EXHAUSTED"
	CodeValidation   xerrors.Code = "ANCHOR_VALIDATION_FAILED"
	CodePublish      xerrors.Code = "ANCHOR_PUBLISH_FAILED"
	CodeProcessing   xerrors.Code = "ANCHOR_PROCESSING_FAILED"
	CodeCompensate   xerrors.Code = "ANCHOR_COMPENSATION_FAILED"
	CodeProofWrite   xerrors.Code = "ANCHOR_PROOF_WRITE_FAILED"
)

var (
	// ErrJobNotFound 表示指定的任务不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "anchor job not found")
	// ErrJobConflict 表示任务正在被其他 worker 处理。
	ErrJobConflict = xerrors.New(CodeJobConflict, "anchor job conflict")
	// ErrJobCompleted 表示任务已经成功完成。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "anchor job already completed")
	// ErrJobExhausted 表示任务的重试次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "anchor job retries exhausted")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:    "anchor job not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:    "anchor job conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:    "anchor job already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:    "anchor job retries exhausted",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:    "anchor request invalid",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodePublish, xerrors.Attributes{
		Message:    "failed to publish anchor job",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 503,
	})
	xerrors.Register(CodeProcessing, xerrors.Attributes{
		Message:    "anchor job execution failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: 502,
	})
	xerrors.Register(CodeCompensate, xerrors.Attributes{
		Message:    "anchor recovery failed",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: 500,
	})
	xerrors.Register(CodeProofWrite, xerrors.Attributes{
		Message:    "failed to record anchor proof",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: 500,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
