package anchor

import (
	"context"
	"sync"

	xerrors "AssuredChain/internal/errors"
)

const defaultMemoryQueueSize = 64

var errQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")

// MemoryQueue 是进程内队列，任务 ID 通过带缓冲的 channel 传递。
// 进程退出时缓冲中的任务会丢失，任务存储持久化时由 Processor.Requeue 在启动时重新投递。
type MemoryQueue struct {
	jobs chan string

	// guard 保证 Close 与 Publish 不会并发地操作 jobs。
	guard  sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建内存队列，size 不大于 0 时使用默认容量。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = defaultMemoryQueueSize
	}
	return &MemoryQueue{jobs: make(chan string, size)}
}

// Publish 投递任务；缓冲区满时阻塞到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, jobID string) error {
	q.guard.RLock()
	defer q.guard.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case q.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len 返回缓冲区中等待消费的任务数。
func (q *MemoryQueue) Len() int { return len(q.jobs) }

// Consume 以 workerCount 个协程消费，直到 ctx 结束或队列关闭且取空。
// 处理失败的任务不会重新入队，重试由 Processor 负责。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return fanOut(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case jobID, ok := <-q.jobs:
				if !ok {
					return nil
				}
				_ = handler(ctx, jobID)
			}
		}
	})
}

// Close 关闭队列，可重复调用。
func (q *MemoryQueue) Close() error {
	q.guard.Lock()
	defer q.guard.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.jobs)
	return nil
}
