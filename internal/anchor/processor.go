package anchor

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/ledger"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/observability/alerting"
	"AssuredChain/internal/observability/metrics"
	"AssuredChain/internal/snapshot"
	"AssuredChain/internal/web3"
	"AssuredChain/pkg/logger"
)

// ChainProof 是写入 chainproofs 目录的锚定凭证。
type ChainProof struct {
	TxHash      string `json:"tx_hash"`
	Contract    string `json:"contract"`
	ChainID     string `json:"chain_id"`
	Step        string `json:"step"`
	ContentHash string `json:"content_hash"`
	EntryID     string `json:"entry_id,omitempty"`
	MetadataURI string `json:"metadata_uri,omitempty"`
	BlockNumber uint64 `json:"block_number"`
	Timestamp   int64  `json:"timestamp"`
}

// Processor 从队列消费锚定任务，调用链上合约并回写清单与账本。
type Processor struct {
	anchorer    web3.Anchorer
	store       Store
	consumer    Consumer
	producer    Producer
	projects    *manifest.FileStore
	ledger      ledger.Repository
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
	now         func() time.Time

	retryBackoff time.Duration
	leaseTimeout time.Duration
	retries      sync.WaitGroup
}

const (
	defaultRetryBackoff = time.Second
	defaultLeaseTimeout = 10 * time.Minute
	requeuePageSize     = maxListLimit
)

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// WithProjectStore 配置成功后回写的项目清单。
func WithProjectStore(store *manifest.FileStore) ProcessorOption {
	return func(p *Processor) { p.projects = store }
}

// WithLedger 配置成功后写入的本地账本。
func WithLedger(repo ledger.Repository) ProcessorOption {
	return func(p *Processor) { p.ledger = repo }
}

// WithRetryBackoff 设置重投前的等待基数，实际等待为 backoff 乘以已尝试次数。
func WithRetryBackoff(backoff time.Duration) ProcessorOption {
	return func(p *Processor) {
		if backoff >= 0 {
			p.retryBackoff = backoff
		}
	}
}

// WithLeaseTimeout 设置 running 任务的租约。启动时超过租约仍未更新的任务会被回收。
func WithLeaseTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		if timeout > 0 {
			p.leaseTimeout = timeout
		}
	}
}

// WithProcessorClock 替换时间来源。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor 构造 Processor。anchorer 为 nil 时所有任务都会以 CHAIN_NOT_CONFIGURED 失败。
func NewProcessor(anchorer web3.Anchorer, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		anchorer:    anchorer,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount:  1,
		logger:       logger.Named("anchor"),
		now:          time.Now,
		retryBackoff: defaultRetryBackoff,
		leaseTimeout: defaultLeaseTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。消费开始后会执行一次 Requeue，
// 把上次进程遗留的任务重新投递。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	defer p.retries.Wait()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.consumer.Consume(gctx, p.workerCount, p.Handle)
	})
	g.Go(func() error {
		n, err := p.Requeue(gctx)
		if err != nil && gctx.Err() == nil {
			p.logger.Warn("启动时重新投递任务失败", slog.Any("error", err), slog.Int("published", n))
			return nil
		}
		if n > 0 {
			p.logger.Info("已重新投递遗留任务", slog.Int("published", n))
		}
		return nil
	})
	return g.Wait()
}

// Requeue 回收租约过期的 running 任务，并重新投递所有未到终态的 pending/failed 任务。
// 返回成功投递的数量。
func (p *Processor) Requeue(ctx context.Context) (int, error) {
	if p.store == nil || p.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	reclaimed, err := p.store.Reclaim(ctx, p.now().Add(-p.leaseTimeout).Unix())
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		p.logger.Warn("回收租约过期的任务", slog.Int("count", reclaimed))
	}

	// 先收集再投递，投递期间状态变化不会影响分页。
	var ids []string
	for offset := 0; ; offset += requeuePageSize {
		page, err := p.store.List(ctx, buildListOptions([]ListOption{
			WithStatuses(StatusPending, StatusFailed),
			WithSortOrder(SortByUpdatedAsc),
			WithLimit(requeuePageSize),
			WithOffset(offset),
		}))
		if err != nil {
			return 0, err
		}
		for _, job := range page {
			if !job.Terminal() {
				ids = append(ids, job.ID)
			}
		}
		if len(page) < requeuePageSize {
			break
		}
	}

	published := 0
	for _, id := range ids {
		if err := p.producer.Publish(ctx, id); err != nil {
			return published, xerrors.Wrap(CodePublish, err, fmt.Sprintf("任务 %s 重新投递失败", id))
		}
		published++
	}
	return published, nil
}

// Handle 处理单个任务，可直接用于同步场景。
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.logger.Debug("跳过任务", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("job_id", jobID))
		p.emitAlert(ctx, &Job{ID: jobID}, CodeProcessing, err, "claim")
		return err
	}

	started := time.Now()
	receipt, anchorErr := p.anchor(ctx, job)
	elapsed := time.Since(started)
	if anchorErr != nil {
		return p.handleFailure(ctx, job, anchorErr, elapsed)
	}

	ts := receipt.Timestamp
	if ts == 0 {
		ts = p.now().Unix()
	}
	result := Result{
		TxHash:      receipt.TxHash,
		Contract:    receipt.Contract,
		ChainID:     receipt.ChainID,
		EntryID:     receipt.EntryID,
		BlockNumber: receipt.BlockNumber,
		Timestamp:   ts,
	}
	if p.projects != nil {
		proofPath, err := p.proofPath(job, ts)
		if err != nil {
			p.logger.Error("创建凭证目录失败", slog.Any("error", err), slog.String("job_id", job.ID))
		} else {
			result.ProofPath = proofPath
		}
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, result); err != nil {
		// 交易已经上链，不再重投，只记录并告警。
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("tx_hash", result.TxHash))
		p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err, "mark_succeeded")
	}
	metrics.ObserveAnchorOutcome(metrics.OutcomeSucceeded, elapsed)

	if err := p.record(ctx, job, result); err != nil {
		p.logger.Error("回写锚定结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
		p.emitAlert(ctx, job, CodeProofWrite, err, "record")
	}
	logger.Audit().Info("锚定任务成功",
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
		slog.String("step", job.Step),
		slog.String("tx_hash", result.TxHash),
		slog.String("chain_id", result.ChainID),
	)
	return nil
}

func (p *Processor) anchor(ctx context.Context, job *Job) (web3.AnchorReceipt, error) {
	if p.anchorer == nil {
		return web3.AnchorReceipt{}, xerrors.New(xerrors.CodeChainNotConfigured, "未配置区块链端点")
	}
	if tx, ok := job.PendingTx(); ok {
		p.logger.Debug("查询已广播交易的回执", slog.String("job_id", job.ID), slog.String("tx_hash", tx))
		return p.anchorer.Confirm(ctx, tx)
	}
	return p.anchorer.Anchor(ctx, web3.AnchorRequest{
		Digest:      job.Digest,
		Step:        job.Step,
		MetadataURI: job.MetadataURI,
	})
}

func (p *Processor) proofPath(job *Job, ts int64) (string, error) {
	dir, err := p.projects.Dir(job.ProjectID, manifest.CategoryChainproofs)
	if err != nil {
		return "", err
	}
	short := strings.TrimPrefix(job.Digest, "0x")
	if len(short) > 12 {
		short = short[:12]
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%d_%s.json", job.Step, ts, short)), nil
}

// record 写凭证文件、登记清单、追加审计并写入账本。
func (p *Processor) record(ctx context.Context, job *Job, result Result) error {
	var errs []error
	if p.projects != nil && result.ProofPath != "" {
		proof := ChainProof{
			TxHash:      result.TxHash,
			Contract:    result.Contract,
			ChainID:     result.ChainID,
			Step:        job.Step,
			ContentHash: job.Digest,
			EntryID:     result.EntryID,
			MetadataURI: job.MetadataURI,
			BlockNumber: result.BlockNumber,
			Timestamp:   result.Timestamp,
		}
		if err := p.writeProof(job.ProjectID, result.ProofPath, proof); err != nil {
			errs = append(errs, err)
		}
	}
	if p.projects != nil {
		errs = append(errs, p.registerChain(job, result, "anchored"))
	}
	if p.ledger != nil {
		errs = append(errs, p.ledger.Save(ctx, ledger.Record{
			ProjectID:   job.ProjectID,
			Step:        job.Step,
			Digest:      job.Digest,
			TxHash:      result.TxHash,
			Contract:    result.Contract,
			ChainID:     result.ChainID,
			EntryID:     result.EntryID,
			BlockNumber: result.BlockNumber,
			MetadataURI: job.MetadataURI,
			ProofPath:   result.ProofPath,
			CreatedAt:   result.Timestamp,
		}))
	}
	return stdErrors.Join(errs...)
}

func (p *Processor) writeProof(projectID, path string, proof ChainProof) error {
	data, err := json.MarshalIndent(proof, "", "  ")
	if err != nil {
		return err
	}
	if err := manifest.WriteFileAtomic(path, data, 0o644); err != nil {
		return xerrors.Wrap(CodeProofWrite, err, "写入链上凭证失败")
	}
	digest, err := snapshot.Digest(path)
	if err != nil {
		return err
	}
	return p.projects.RegisterFile(projectID, manifest.CategoryChainproofs, manifest.FileEntry{
		Step:      proof.Step,
		Path:      path,
		Digest:    digest,
		Timestamp: proof.Timestamp,
		Type:      "json",
		TxHash:    proof.TxHash,
	})
}

func (p *Processor) registerChain(job *Job, result Result, action string) error {
	if err := p.projects.RegisterChainTx(job.ProjectID, manifest.ChainRecord{
		Step:        job.Step,
		TxHash:      result.TxHash,
		Digest:      job.Digest,
		Timestamp:   result.Timestamp,
		MetadataURI: job.MetadataURI,
		File:        job.SourcePath,
		ChainID:     result.ChainID,
		Contract:    result.Contract,
		EntryID:     result.EntryID,
	}); err != nil {
		return err
	}
	return p.projects.AppendAudit(job.ProjectID, manifest.AuditEntry{
		Timestamp: p.now().Unix(),
		Step:      job.Step,
		Action:    action,
		Path:      job.SourcePath,
		TxHash:    result.TxHash,
		Digest:    job.Digest,
		Details: map[string]any{
			"job_id":     job.ID,
			"chain_id":   result.ChainID,
			"entry_id":   result.EntryID,
			"proof_path": result.ProofPath,
		},
	})
}

func (p *Processor) handleFailure(ctx context.Context, job *Job, execErr error, elapsed time.Duration) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := job.Attempts >= job.MaxRetries || !retryable

	if tx, ok := web3.PendingTx(execErr); ok {
		if err := p.store.RecordTx(ctx, job.ID, tx); err != nil {
			p.logger.Error("记录已广播交易失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("tx_hash", tx))
			p.emitAlert(ctx, job, xerrors.CodeStorageFailure, err, "record_tx")
		}
	}

	if !retryable && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, job, execErr)
		if recErr != nil {
			wrapped := xerrors.Wrap(CodeCompensate, recErr, "锚定补偿失败")
			p.logger.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodeCompensate, wrapped, "compensate")
		} else if fallback != nil {
			return p.completeRecovered(ctx, job, *fallback, execErr, code)
		}
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("job_id", job.ID))
		return storeErr
	}
	logger.Audit().Warn("锚定任务失败",
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
		slog.String("step", job.Step),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", job.MaxRetries),
	)

	stage := "retry"
	outcome := metrics.OutcomeRetried
	if terminal {
		stage = "terminal"
		outcome = metrics.OutcomeFailed
		if !retryable {
			stage = "non_retryable"
		}
	}
	metrics.ObserveAnchorOutcome(outcome, elapsed)
	p.emitAlert(ctx, job, code, execErr, stage)

	if !terminal {
		p.scheduleRetry(ctx, job)
	}
	return nil
}

// scheduleRetry 在独立协程中等待退避后重投，worker 不会阻塞在已满的队列上。
// 重投失败时任务保持 failed，由下次启动的 Requeue 接手。
func (p *Processor) scheduleRetry(ctx context.Context, job *Job) {
	delay := p.retryBackoff * time.Duration(max(job.Attempts, 1))
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		if err := p.producer.Publish(ctx, job.ID); err != nil {
			if ctx.Err() != nil {
				return
			}
			wrapped := xerrors.Wrap(CodePublish, err, fmt.Sprintf("任务 %s 重投失败", job.ID))
			p.logger.Error("重新排队失败", slog.Any("error", wrapped), slog.String("job_id", job.ID))
			p.emitAlert(ctx, job, CodePublish, wrapped, "republish")
			return
		}
		p.logger.Debug("任务已重新排队", slog.String("job_id", job.ID), slog.Int("attempts", job.Attempts))
	}()
}

func (p *Processor) completeRecovered(ctx context.Context, job *Job, fallback Result, cause error, code xerrors.Code) error {
	if err := p.store.MarkSucceeded(ctx, job.ID, fallback); err != nil {
		p.logger.Error("记录降级结果失败", slog.Any("error", err), slog.String("job_id", job.ID))
		if storeErr := p.store.MarkFailed(ctx, job.ID, code, err.Error(), true); storeErr != nil {
			return storeErr
		}
		return nil
	}
	if p.projects != nil {
		if err := p.registerChain(job, fallback, "anchor_recovered"); err != nil {
			p.logger.Error("回写复用的锚定记录失败", slog.Any("error", err), slog.String("job_id", job.ID))
		}
	}
	metrics.ObserveAnchorOutcome(metrics.OutcomeRecovered, 0)
	logger.Audit().Warn("锚定任务复用既有记录",
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
		slog.String("tx_hash", fallback.TxHash),
		slog.String("cause", cause.Error()),
	)
	p.emitAlert(ctx, job, code, cause, "degraded")
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p.alerter == nil || job == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if job.Digest != "" {
		metadata["digest"] = job.Digest
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		JobID:      job.ID,
		ProjectID:  job.ProjectID,
		Step:       job.Step,
		Attempts:   job.Attempts,
		MaxRetries: job.MaxRetries,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("job_id", job.ID), slog.String("stage", stage))
	}
}
