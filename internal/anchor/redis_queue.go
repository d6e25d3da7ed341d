package anchor

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

const (
	defaultRedisQueue = "assured:anchor_jobs"
	defaultRedisWait  = 5 * time.Second
	redisPingTimeout  = 5 * time.Second
)

// RedisQueue 把 Redis list 当作 FIFO：LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 连接 Redis 并 PING 一次，失败时不保留连接。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})

	pingCtx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisQueue{
		client: client,
		queue:  cmp.Or(cfg.Queue, defaultRedisQueue),
		wait:   cmp.Or(max(cfg.BlockWait, 0), defaultRedisWait),
	}, nil
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.queue, jobID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 取任务。任一 worker 遇到连接错误时全部停止并返回该错误；
// handler 失败的任务被 RPUSH 回队尾。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	log := logger.Named("anchor.redis")
	return fanOut(ctx, workerCount, func(ctx context.Context) error {
		for ctx.Err() == nil {
			jobID, err := q.pop(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if jobID == "" {
				continue
			}
			if err := handler(ctx, jobID); err != nil {
				log.Warn("任务处理失败，重新放回队列", slog.String("job_id", jobID), slog.Any("error", err))
				// 关停时 ctx 已取消，用独立 context 放回。
				_ = q.client.RPush(context.WithoutCancel(ctx), q.queue, jobID).Err()
			}
		}
		return nil
	})
}

// pop 阻塞最多 q.wait；超时返回空字符串。
func (q *RedisQueue) pop(ctx context.Context) (string, error) {
	values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "", nil
	case err != nil:
		return "", xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
	case len(values) != 2:
		return "", nil
	}
	return values[1], nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
