package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

// SaveStrategy inserts s. An existing strategy keeps its stored identity and enabled flag.
func (p *Default) SaveStrategy(ctx context.Context, s strategy.Strategy) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategies (slug, name, category, timeframes, enabled, created_at)
			VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
			ON CONFLICT (slug) DO NOTHING`,
			s.Slug, s.Name, s.Category, pq.Array(s.Timeframes), s.Enabled, nullTime(nonZero(s.CreatedAt)))
		if err != nil {
			return fmt.Errorf("failed to save strategy %s: %w", s.Slug, err)
		}
		return nil
	})
}

const strategyColumns = `slug, name, category, timeframes, enabled, created_at`

func scanStrategy(row interface{ Scan(...any) error }) (strategy.Strategy, error) {
	var s strategy.Strategy
	var timeframes []string
	if err := row.Scan(&s.Slug, &s.Name, &s.Category, pq.Array(&timeframes), &s.Enabled, &s.CreatedAt); err != nil {
		return s, err
	}
	s.Timeframes = timeframes
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (p *Default) GetStrategy(ctx context.Context, slug string) (*strategy.Strategy, error) {
	s, err := scanStrategy(p.queryRowWithTransaction(ctx,
		`SELECT `+strategyColumns+` FROM strategies WHERE slug=$1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", strategy.ErrNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get strategy %s: %w", slug, err)
	}
	return &s, nil
}

func (p *Default) ListStrategies(ctx context.Context, f strategy.Filter) ([]strategy.Strategy, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category=$%d", len(args)))
	}
	if f.EnabledOnly {
		where = append(where, "enabled")
	}
	query := `SELECT ` + strategyColumns + ` FROM strategies`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY slug"

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer rows.Close()

	var out []strategy.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan strategy: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating strategy rows: %w", err)
	}
	return out, nil
}

func (p *Default) SetStrategyEnabled(ctx context.Context, slug string, enabled bool) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE strategies SET enabled=$2 WHERE slug=$1`, slug, enabled)
		if err != nil {
			return fmt.Errorf("failed to set enabled of %s: %w", slug, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", strategy.ErrNotFound, slug)
		}
		return nil
	})
}

// SaveVersion upserts v by (strategy, version). A default version demotes the previous default
// in the same transaction.
func (p *Default) SaveVersion(ctx context.Context, v strategy.Version) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	optimal, err := jsonb(nonNilParams(v.OptimalParams))
	if err != nil {
		return err
	}
	users := v.UserParams
	if users == nil {
		users = map[string]map[string]float64{}
	}
	userParams, err := jsonb(users)
	if err != nil {
		return err
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM strategies WHERE slug=$1)`, v.StrategySlug).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check strategy %s: %w", v.StrategySlug, err)
		}
		if !exists {
			return fmt.Errorf("%w: %s", strategy.ErrNotFound, v.StrategySlug)
		}
		if v.IsDefault {
			if _, err := tx.ExecContext(ctx, `
				UPDATE strategy_versions SET is_default=FALSE
				WHERE strategy_slug=$1 AND is_default AND version<>$2`, v.StrategySlug, v.Version); err != nil {
				return fmt.Errorf("failed to demote default version of %s: %w", v.StrategySlug, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_versions (id, strategy_slug, version, logic_ref, is_default, optimal_params, user_params, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
			ON CONFLICT (strategy_slug, version) DO UPDATE SET
				logic_ref=EXCLUDED.logic_ref, is_default=EXCLUDED.is_default,
				optimal_params=EXCLUDED.optimal_params, user_params=EXCLUDED.user_params`,
			v.ID, v.StrategySlug, v.Version, v.LogicRef, v.IsDefault, optimal, userParams, nullTime(nonZero(v.CreatedAt)))
		if err != nil {
			return fmt.Errorf("failed to save version %d of %s: %w", v.Version, v.StrategySlug, err)
		}
		return nil
	})
}

func (p *Default) GetDefaultVersion(ctx context.Context, slug string) (*strategy.Version, error) {
	var (
		v                   strategy.Version
		optimal, userParams []byte
	)
	err := p.queryRowWithTransaction(ctx, `
		SELECT id, strategy_slug, version, logic_ref, is_default, optimal_params, user_params, created_at
		FROM strategy_versions WHERE strategy_slug=$1 AND is_default`, slug).
		Scan(&v.ID, &v.StrategySlug, &v.Version, &v.LogicRef, &v.IsDefault, &optimal, &userParams, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", strategy.ErrNoDefaultVersion, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default version of %s: %w", slug, err)
	}
	if err := json.Unmarshal(optimal, &v.OptimalParams); err != nil {
		return nil, fmt.Errorf("failed to decode optimal_params of %s: %w", slug, err)
	}
	if err := json.Unmarshal(userParams, &v.UserParams); err != nil {
		return nil, fmt.Errorf("failed to decode user_params of %s: %w", slug, err)
	}
	v.OptimalParams = nonNilParams(v.OptimalParams)
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

// MergeOptimalParams merges params into the default version with a single JSONB concatenation,
// so concurrent merges of different keys never lose each other.
func (p *Default) MergeOptimalParams(ctx context.Context, slug string, params map[string]float64) error {
	patch, err := jsonb(nonNilParams(params))
	if err != nil {
		return err
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE strategy_versions SET optimal_params = optimal_params || $2::jsonb
			WHERE strategy_slug=$1 AND is_default`, slug, patch)
		if err != nil {
			return fmt.Errorf("failed to merge optimal params of %s: %w", slug, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", strategy.ErrNoDefaultVersion, slug)
		}
		return nil
	})
}

func nonNilParams(p map[string]float64) map[string]float64 {
	if p == nil {
		return map[string]float64{}
	}
	return p
}
