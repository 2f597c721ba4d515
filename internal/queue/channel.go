package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Channel is an in-process Queue backed by a buffered channel.
type Channel struct {
	ch     chan delivery
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

type delivery struct {
	req         Request
	redelivered bool
}

func NewChannel(size int, logger *zap.Logger) *Channel {
	if size <= 0 {
		size = 64
	}
	return &Channel{ch: make(chan delivery, size), done: make(chan struct{}), logger: logger}
}

func (c *Channel) Publish(ctx context.Context, r Request) error {
	return c.push(ctx, delivery{req: r})
}

func (c *Channel) push(ctx context.Context, d delivery) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.ch <- d:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case d := <-c.ch:
			err := h(ctx, d.req)
			if err == nil {
				continue
			}
			c.logger.Warn("Queue | handler failed",
				zap.String("strategy", d.req.StrategySlug),
				zap.String("request_id", d.req.ID),
				zap.Bool("redelivered", d.redelivered),
				zap.Error(err))
			if !d.redelivered {
				d.redelivered = true
				if err := c.push(ctx, d); err != nil {
					c.logger.Error("Queue | requeue failed", zap.String("request_id", d.req.ID), zap.Error(err))
				}
			}
		}
	}
}

func (c *Channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
