// Package queue carries strategy optimization requests from the nightly cycle to the
// optimizer workers.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultName is the queue optimization requests are published to.
const DefaultName = "allocator.optimization.requests"

var ErrClosed = errors.New("queue closed")

// Request asks for one parameter optimization run of a strategy.
type Request struct {
	ID           string    `json:"id"`
	StrategySlug string    `json:"strategy_slug"`
	Reason       string    `json:"reason"`
	Trials       int       `json:"trials,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
}

func NewRequest(slug, reason string, at time.Time) Request {
	return Request{ID: uuid.NewString(), StrategySlug: slug, Reason: reason, RequestedAt: at}
}

// Handler processes one request. A returned error asks the transport to redeliver it once.
type Handler func(ctx context.Context, r Request) error

type Publisher interface {
	Publish(ctx context.Context, r Request) error
}

type Queue interface {
	Publisher
	// Consume delivers requests to h until ctx is done or the queue is closed.
	Consume(ctx context.Context, h Handler) error
	Close() error
}
