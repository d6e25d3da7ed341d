package anchor

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "AssuredChain/internal/errors"
	"AssuredChain/pkg/logger"
)

const defaultRabbitQueue = "assured.anchor_jobs"

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机直投到同名队列。
// amqp.Channel 不是并发安全的，发布时持有 pubMu。
type RabbitMQQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
	durable bool

	pubMu sync.Mutex
}

// NewRabbitMQQueue 建立连接、设置预取并声明队列，任一步失败都会释放已建立的资源。
func NewRabbitMQQueue(cfg RabbitMQConfig) (q *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q = &RabbitMQQueue{name: cfg.Queue, durable: cfg.Durable}
	if q.name == "" {
		q.name = defaultRabbitQueue
	}
	defer func() {
		if err != nil {
			_ = q.Close()
			q = nil
		}
	}()

	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return q, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	if q.channel, err = q.conn.Channel(); err != nil {
		return q, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err = q.channel.Qos(cfg.Prefetch, 0, false); err != nil {
			return q, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ 预取失败")
		}
	}
	if _, err = q.channel.QueueDeclare(q.name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return q, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return q, nil
}

func (q *RabbitMQQueue) ready() error {
	if q == nil || q.channel == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	return nil
}

// Publish 投递任务 ID；持久化队列同时使用持久化消息。
func (q *RabbitMQQueue) Publish(ctx context.Context, jobID string) error {
	if err := q.ready(); err != nil {
		return err
	}
	msg := amqp.Publishing{ContentType: "text/plain", Body: []byte(jobID)}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}

	q.pubMu.Lock()
	err := q.channel.PublishWithContext(ctx, "", q.name, false, false, msg)
	q.pubMu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布任务失败")
	}
	return nil
}

// Consume 以手动确认模式订阅。handler 返回错误时消息被 Nack 并重新入队。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if err := q.ready(); err != nil {
		return err
	}
	deliveries, err := q.channel.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	log := logger.Named("anchor.rabbitmq")

	return fanOut(ctx, workerCount, func(ctx context.Context) error {
		for {
			var d amqp.Delivery
			var open bool
			select {
			case <-ctx.Done():
				return nil
			case d, open = <-deliveries:
			}
			if !open {
				return nil
			}
			jobID := string(d.Body)
			if err := handler(ctx, jobID); err != nil {
				log.Warn("任务处理失败，消息重新入队", slog.String("job_id", jobID), slog.Any("error", err))
				_ = d.Nack(false, true)
				continue
			}
			_ = d.Ack(false)
		}
	})
}

// Close 依次关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}
