package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type RabbitConfig struct {
	URL        string        `yaml:"url" env:"RABBITMQ_URL"`
	Queue      string        `yaml:"queue"`
	Prefetch   int           `yaml:"prefetch"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

func DefaultRabbitConfig() RabbitConfig {
	return RabbitConfig{Queue: DefaultName, Prefetch: 1, MaxRetries: 10, RetryDelay: 3 * time.Second}
}

// Rabbit is a durable Queue on RabbitMQ. Publishing goes through one channel guarded by a
// mutex; every Consume call opens its own channel.
type Rabbit struct {
	conn   *amqp.Connection
	cfg    RabbitConfig
	logger *zap.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

// DialRabbit connects with retry and declares the durable queue.
func DialRabbit(ctx context.Context, cfg RabbitConfig, logger *zap.Logger) (*Rabbit, error) {
	if cfg.Queue == "" {
		cfg.Queue = DefaultName
	}
	attempts := max(1, cfg.MaxRetries)

	var conn *amqp.Connection
	var err error
	for i := 1; i <= attempts; i++ {
		conn, err = amqp.Dial(cfg.URL)
		if err == nil {
			break
		}
		if i == attempts {
			return nil, fmt.Errorf("connecting to rabbitmq after %d attempts: %w", attempts, err)
		}
		logger.Warn("Queue | rabbitmq connect failed",
			zap.Int("attempt", i),
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", cfg.RetryDelay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryDelay):
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := declare(ch, cfg.Queue); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("Queue | connected to rabbitmq", zap.String("queue", cfg.Queue))
	return &Rabbit{conn: conn, cfg: cfg, logger: logger, pub: ch}, nil
}

func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue: %w", err)
	}
	return q, nil
}

func (r *Rabbit) Publish(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err = r.pub.PublishWithContext(ctx,
		"",          // exchange
		r.cfg.Queue, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    req.ID,
			Timestamp:    req.RequestedAt,
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish request: %w", err)
	}
	r.logger.Debug("Queue | published", zap.String("strategy", req.StrategySlug), zap.String("request_id", req.ID))
	return nil
}

func (r *Rabbit) Consume(ctx context.Context, h Handler) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(max(1, r.cfg.Prefetch), 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx,
		r.cfg.Queue,
		"",    // consumer
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ErrClosed
			}
			r.handle(ctx, msg, h)
		}
	}
}

func (r *Rabbit) handle(ctx context.Context, msg amqp.Delivery, h Handler) {
	var req Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		r.logger.Error("Queue | dropping malformed request", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}
	if err := h(ctx, req); err != nil {
		r.logger.Warn("Queue | handler failed",
			zap.String("strategy", req.StrategySlug),
			zap.String("request_id", req.ID),
			zap.Bool("redelivered", msg.Redelivered),
			zap.Error(err))
		_ = msg.Nack(false, !msg.Redelivered)
		return
	}
	_ = msg.Ack(false)
}

func (r *Rabbit) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pub != nil {
		_ = r.pub.Close()
	}
	return r.conn.Close()
}
