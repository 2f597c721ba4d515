package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/adaptive-allocator/internal/optimizer"
	"github.com/amirphl/adaptive-allocator/internal/regime"
)

type runColumnsJSON struct {
	space, trials, best []byte
}

func encodeRun(r optimizer.Run) (runColumnsJSON, error) {
	var (
		out runColumnsJSON
		err error
	)
	if out.space, err = jsonb(r.SearchSpace); err != nil {
		return out, err
	}
	trials := r.Trials
	if trials == nil {
		trials = []optimizer.Trial{}
	}
	if out.trials, err = jsonb(trials); err != nil {
		return out, err
	}
	out.best, err = jsonb(nonNilParams(r.BestParams))
	return out, err
}

func (p *Default) CreateRun(ctx context.Context, r optimizer.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	cols, err := encodeRun(r)
	if err != nil {
		return err
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO optimization_runs (id, strategy_slug, strategy_type, request_id, search_space, n_trials, trials,
				best_params, best_value, status, error, created_at, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			r.ID, r.StrategySlug, r.StrategyType, r.RequestID, cols.space, r.NTrials, cols.trials,
			cols.best, r.BestValue, r.Status, r.Error, r.CreatedAt.UTC(), nullTime(r.StartedAt), nullTime(r.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to create optimization run %s: %w", r.ID, err)
		}
		return nil
	})
}

// UpdateRun rewrites a run that has not reached a final status.
func (p *Default) UpdateRun(ctx context.Context, r optimizer.Run) error {
	cols, err := encodeRun(r)
	if err != nil {
		return err
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		var status optimizer.Status
		err := tx.QueryRowContext(ctx, `SELECT status FROM optimization_runs WHERE id=$1 FOR UPDATE`, r.ID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", optimizer.ErrNotFound, r.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock optimization run %s: %w", r.ID, err)
		}
		if status.Final() {
			return fmt.Errorf("%w: %s is %s", optimizer.ErrRunFinal, r.ID, status)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE optimization_runs SET strategy_type=$2, search_space=$3, n_trials=$4, trials=$5, best_params=$6,
				best_value=$7, status=$8, error=$9, started_at=$10, completed_at=$11
			WHERE id=$1`,
			r.ID, r.StrategyType, cols.space, r.NTrials, cols.trials, cols.best,
			r.BestValue, r.Status, r.Error, nullTime(r.StartedAt), nullTime(r.CompletedAt)); err != nil {
			return fmt.Errorf("failed to update optimization run %s: %w", r.ID, err)
		}
		return nil
	})
}

const runColumns = `id, strategy_slug, strategy_type, request_id, search_space, n_trials, trials, best_params,
	best_value, status, error, created_at, started_at, completed_at`

func scanRun(row interface{ Scan(...any) error }) (optimizer.Run, error) {
	var (
		r                  optimizer.Run
		space, trials, bst []byte
		started, completed sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.StrategySlug, &r.StrategyType, &r.RequestID, &space, &r.NTrials, &trials, &bst,
		&r.BestValue, &r.Status, &r.Error, &r.CreatedAt, &started, &completed); err != nil {
		return r, err
	}
	for _, col := range []struct {
		raw  []byte
		dest any
		name string
	}{
		{space, &r.SearchSpace, "search_space"},
		{trials, &r.Trials, "trials"},
		{bst, &r.BestParams, "best_params"},
	} {
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return r, fmt.Errorf("failed to decode %s of run %s: %w", col.name, r.ID, err)
		}
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	return r, nil
}

func (p *Default) GetRun(ctx context.Context, id string) (*optimizer.Run, error) {
	r, err := scanRun(p.queryRowWithTransaction(ctx, `SELECT `+runColumns+` FROM optimization_runs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", optimizer.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get optimization run %s: %w", id, err)
	}
	return &r, nil
}

// ListRuns returns the newest runs first. An empty slug lists every strategy.
func (p *Default) ListRuns(ctx context.Context, slug string, limit int) ([]optimizer.Run, error) {
	query := `SELECT ` + runColumns + ` FROM optimization_runs`
	var args []any
	if slug != "" {
		query += ` WHERE strategy_slug=$1`
		args = append(args, slug)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list optimization runs: %w", err)
	}
	defer rows.Close()

	var out []optimizer.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan optimization run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating optimization run rows: %w", err)
	}
	return out, nil
}

func (p *Default) AppendRegimeEvent(ctx context.Context, e regime.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO regime_events (id, symbol, old_regime, new_regime, confidence, severity, detected_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.ID, e.Symbol, e.From, e.To, e.Confidence, e.Severity, e.DetectedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to append regime event for %s: %w", e.Symbol, err)
		}
		return nil
	})
}

const eventColumns = `id, symbol, old_regime, new_regime, confidence, severity, detected_at`

func scanEvent(row interface{ Scan(...any) error }) (regime.Event, error) {
	var e regime.Event
	err := row.Scan(&e.ID, &e.Symbol, &e.From, &e.To, &e.Confidence, &e.Severity, &e.DetectedAt)
	e.DetectedAt = e.DetectedAt.UTC()
	return e, err
}

func (p *Default) ListRegimeEvents(ctx context.Context, since time.Time, symbol string) ([]regime.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+eventColumns+` FROM regime_events
		WHERE detected_at >= $1 AND ($2::text = '' OR symbol = $2)
		ORDER BY detected_at ASC`, since, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to list regime events: %w", err)
	}
	defer rows.Close()

	var out []regime.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan regime event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating regime event rows: %w", err)
	}
	return out, nil
}

func (p *Default) LatestRegimeEvent(ctx context.Context, symbol string) (*regime.Event, error) {
	e, err := scanEvent(p.queryRowWithTransaction(ctx, `
		SELECT `+eventColumns+` FROM regime_events
		WHERE ($1::text = '' OR symbol = $1)
		ORDER BY detected_at DESC LIMIT 1`, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", regime.ErrNotFound, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest regime event of %s: %w", symbol, err)
	}
	return &e, nil
}
