package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
)

const armColumns = `strategy_slug, alpha, beta, contexts, history, discount_rate, weight, pulls, enabled, updated_at`

func scanArm(row interface{ Scan(...any) error }) (bandit.Arm, error) {
	var (
		a                 bandit.Arm
		contexts, history []byte
	)
	if err := row.Scan(&a.StrategySlug, &a.Alpha, &a.Beta, &contexts, &history, &a.DiscountRate, &a.Weight,
		&a.Pulls, &a.Enabled, &a.UpdatedAt); err != nil {
		return a, err
	}
	if err := json.Unmarshal(contexts, &a.Contexts); err != nil {
		return a, fmt.Errorf("failed to decode contexts of arm %s: %w", a.StrategySlug, err)
	}
	if err := json.Unmarshal(history, &a.History); err != nil {
		return a, fmt.Errorf("failed to decode history of arm %s: %w", a.StrategySlug, err)
	}
	if a.Contexts == nil {
		a.Contexts = map[string]bandit.Posterior{}
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return a, nil
}

func (p *Default) GetOrCreateArm(ctx context.Context, slug string) (*bandit.Arm, error) {
	var arm bandit.Arm
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		fresh := bandit.NewArm(slug, bandit.DefaultConfig().BaseRate)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bandit_arms (strategy_slug, alpha, beta, contexts, history, discount_rate, weight, pulls, enabled, updated_at)
			VALUES ($1, $2, $3, '{}'::jsonb, '[]'::jsonb, $4, 0, 0, TRUE, NOW())
			ON CONFLICT (strategy_slug) DO NOTHING`,
			slug, fresh.Alpha, fresh.Beta, fresh.DiscountRate); err != nil {
			return fmt.Errorf("failed to create arm %s: %w", slug, err)
		}
		a, err := scanArm(tx.QueryRowContext(ctx, `SELECT `+armColumns+` FROM bandit_arms WHERE strategy_slug=$1`, slug))
		if err != nil {
			return fmt.Errorf("failed to get arm %s: %w", slug, err)
		}
		arm = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &arm, nil
}

func (p *Default) ListArms(ctx context.Context) ([]bandit.Arm, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+armColumns+` FROM bandit_arms ORDER BY strategy_slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list arms: %w", err)
	}
	defer rows.Close()

	var out []bandit.Arm
	for rows.Next() {
		a, err := scanArm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan arm: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating arm rows: %w", err)
	}
	return out, nil
}

// UpdateArm is a read-modify-write under a row lock held for the whole of fn.
func (p *Default) UpdateArm(ctx context.Context, slug string, fn func(*bandit.Arm) error) (*bandit.Arm, error) {
	var arm bandit.Arm
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		a, err := scanArm(tx.QueryRowContext(ctx,
			`SELECT `+armColumns+` FROM bandit_arms WHERE strategy_slug=$1 FOR UPDATE`, slug))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", bandit.ErrNotFound, slug)
		}
		if err != nil {
			return fmt.Errorf("failed to lock arm %s: %w", slug, err)
		}
		if err := fn(&a); err != nil {
			return err
		}
		contexts, err := jsonb(a.Contexts)
		if err != nil {
			return err
		}
		history, err := jsonb(a.History)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE bandit_arms SET alpha=$2, beta=$3, contexts=$4, history=$5, discount_rate=$6, weight=$7,
				pulls=$8, enabled=$9, updated_at=$10
			WHERE strategy_slug=$1`,
			slug, a.Alpha, a.Beta, contexts, history, a.DiscountRate, a.Weight, a.Pulls, a.Enabled, a.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update arm %s: %w", slug, err)
		}
		arm = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &arm, nil
}

const healthColumns = `strategy_slug, consecutive_passes, consecutive_failures, last_backtest_at, last_backtest_passed,
	last_metrics, auto_disabled, auto_disabled_at, last_optimization_at, updated_at`

func scanHealth(row interface{ Scan(...any) error }) (nightly.HealthRecord, error) {
	var (
		h                                  nightly.HealthRecord
		lastBacktest, disabledAt, optimize sql.NullTime
		metrics                            []byte
	)
	if err := row.Scan(&h.StrategySlug, &h.ConsecutivePasses, &h.ConsecutiveFailures, &lastBacktest, &h.LastBacktestPassed,
		&metrics, &h.AutoDisabled, &disabledAt, &optimize, &h.UpdatedAt); err != nil {
		return h, err
	}
	if err := json.Unmarshal(metrics, &h.LastMetrics); err != nil {
		return h, fmt.Errorf("failed to decode last_metrics of %s: %w", h.StrategySlug, err)
	}
	h.LastBacktestAt = timePtr(lastBacktest)
	h.AutoDisabledAt = timePtr(disabledAt)
	h.LastOptimizationAt = timePtr(optimize)
	h.UpdatedAt = h.UpdatedAt.UTC()
	return h, nil
}

func (p *Default) GetHealth(ctx context.Context, slug string) (*nightly.HealthRecord, error) {
	h, err := scanHealth(p.queryRowWithTransaction(ctx,
		`SELECT `+healthColumns+` FROM strategy_health WHERE strategy_slug=$1`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", nightly.ErrNotFound, slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health of %s: %w", slug, err)
	}
	return &h, nil
}

func (p *Default) ListHealth(ctx context.Context) ([]nightly.HealthRecord, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+healthColumns+` FROM strategy_health ORDER BY strategy_slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	defer rows.Close()

	var out []nightly.HealthRecord
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan health record: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating health rows: %w", err)
	}
	return out, nil
}

// UpdateHealth creates the record when missing, then locks the row for fn.
func (p *Default) UpdateHealth(ctx context.Context, slug string, fn func(*nightly.HealthRecord) error) (*nightly.HealthRecord, error) {
	var rec nightly.HealthRecord
	err := p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO strategy_health (strategy_slug, last_metrics, updated_at)
			VALUES ($1, '{}'::jsonb, NOW())
			ON CONFLICT (strategy_slug) DO NOTHING`, slug); err != nil {
			return fmt.Errorf("failed to create health record of %s: %w", slug, err)
		}
		h, err := scanHealth(tx.QueryRowContext(ctx,
			`SELECT `+healthColumns+` FROM strategy_health WHERE strategy_slug=$1 FOR UPDATE`, slug))
		if err != nil {
			return fmt.Errorf("failed to lock health record of %s: %w", slug, err)
		}
		if err := fn(&h); err != nil {
			return err
		}
		metrics, err := jsonb(h.LastMetrics)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE strategy_health SET consecutive_passes=$2, consecutive_failures=$3, last_backtest_at=$4,
				last_backtest_passed=$5, last_metrics=$6, auto_disabled=$7, auto_disabled_at=$8,
				last_optimization_at=$9, updated_at=$10
			WHERE strategy_slug=$1`,
			slug, h.ConsecutivePasses, h.ConsecutiveFailures, nullTime(h.LastBacktestAt), h.LastBacktestPassed,
			metrics, h.AutoDisabled, nullTime(h.AutoDisabledAt), nullTime(h.LastOptimizationAt), h.UpdatedAt); err != nil {
			return fmt.Errorf("failed to update health record of %s: %w", slug, err)
		}
		rec = h
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
