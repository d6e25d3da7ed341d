package anchor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/internal/manifest"
	"AssuredChain/internal/observability/metrics"
	"AssuredChain/internal/snapshot"
	"AssuredChain/internal/web3"
	"AssuredChain/pkg/logger"
)

// jobNamespace 是生成确定性任务 ID 的 UUIDv5 命名空间。
var jobNamespace = uuid.MustParse("5b1f3f0e-8a52-4c1e-9d8e-2f6c1a7b9e40")

// JobID 返回 project|step|digest 对应的任务 ID。
func JobID(projectID, step, digest string) string {
	return uuid.NewSHA1(jobNamespace, []byte(projectID+"|"+step+"|"+digest)).String()
}

// Request 描述一次锚定请求。
type Request struct {
	ProjectID   string `json:"project_id"`
	Step        string `json:"step"`
	Digest      string `json:"digest"`
	MetadataURI string `json:"metadata_uri,omitempty"`
	SourcePath  string `json:"source_path,omitempty"`
}

// Service 负责锚定任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	projects   *manifest.FileStore
	maxRetries int
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithProjects 让 Submit 校验项目是否存在。
func WithProjects(store *manifest.FileStore) ServiceOption {
	return func(s *Service) { s.projects = store }
}

// NewService 构造任务服务，maxRetries 不大于 0 时使用 3。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Service) validate(req Request) (Request, error) {
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Step = strings.ToLower(strings.TrimSpace(req.Step))
	if err := manifest.ValidateProjectID(req.ProjectID); err != nil {
		return req, xerrors.Wrap(CodeValidation, err, "项目 ID 不合法")
	}
	if err := snapshot.ValidateStep(req.Step); err != nil {
		return req, xerrors.Wrap(CodeValidation, err, "步骤不合法")
	}
	digest, err := web3.NormalizeDigest(req.Digest)
	if err != nil {
		return req, xerrors.Wrap(CodeValidation, err, "摘要不合法")
	}
	req.Digest = digest
	req.MetadataURI = strings.TrimSpace(req.MetadataURI)
	if s.projects != nil && !s.projects.Exists(req.ProjectID) {
		return req, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("项目 %s 不存在", req.ProjectID))
	}
	return req, nil
}

// Submit 创建锚定任务并推送到队列。同一项目、步骤与摘要重复提交时返回已有任务。
func (s *Service) Submit(ctx context.Context, req Request) (*Job, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "锚定服务未初始化")
	}
	req, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	jobID := JobID(req.ProjectID, req.Step, req.Digest)
	existing, err := s.store.Get(ctx, jobID)
	if err == nil {
		// 上次入队失败的任务在重复提交时重新投递。
		if existing.Status == StatusFailed && existing.ErrorCode == string(CodePublish) && !existing.Terminal() {
			if err := s.publish(ctx, existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}
	if !stdErrors.Is(err, ErrJobNotFound) {
		return nil, err
	}

	job := &Job{
		ID:          jobID,
		ProjectID:   req.ProjectID,
		Step:        req.Step,
		Digest:      req.Digest,
		MetadataURI: req.MetadataURI,
		SourcePath:  req.SourcePath,
		Status:      StatusPending,
		MaxRetries:  s.maxRetries,
	}
	if err := s.store.Create(ctx, job); err != nil {
		if stdErrors.Is(err, ErrJobConflict) {
			return s.store.Get(ctx, jobID)
		}
		return nil, err
	}
	if err := s.publish(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// publish 投递任务。失败时任务记为可重试的 failed，重复提交或下次启动的 Requeue 会再次投递。
func (s *Service) publish(ctx context.Context, job *Job) error {
	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("锚定任务入队失败", slog.Any("error", err), slog.String("job_id", job.ID))
		wrapped := xerrors.Wrap(CodePublish, err, "发布锚定任务到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodePublish, wrapped.Error(), false)
		return wrapped
	}
	metrics.ObserveAnchorSubmitted()
	logger.Audit().Info("锚定任务入队成功",
		slog.String("job_id", job.ID),
		slog.String("project_id", job.ProjectID),
		slog.String("step", job.Step),
		slog.String("digest", job.Digest),
		slog.Int("max_retries", job.MaxRetries),
	)
	return nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放存储与队列。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询任务直到成功或最终失败。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
