// Package db
package db

import (
	"database/sql"

	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
	"github.com/amirphl/adaptive-allocator/internal/optimizer"
	"github.com/amirphl/adaptive-allocator/internal/regime"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	candle.Storage
	strategy.Storage
	signal.Storage
	bandit.Storage
	nightly.HealthStorage
	optimizer.RunStorage
	regime.Storage
}

var (
	_ Storage = (*Default)(nil)
	_ Storage = (*MemoryStorage)(nil)
)
