package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/amirphl/adaptive-allocator/internal/signal"
)

// SaveSignal stores s once; saving an id again is a no-op.
func (p *Default) SaveSignal(ctx context.Context, s signal.Signal) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := jsonb(metadata)
	if err != nil {
		return err
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signals (id, strategy_slug, symbol, timeframe, signal_type, price, stop_loss, take_profit,
				confidence, metadata, time, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()))
			ON CONFLICT (id) DO NOTHING`,
			s.ID, s.StrategySlug, s.Symbol, s.Timeframe, s.Type, s.Price, s.Stop, s.Target,
			s.Confidence, meta, s.Time.UTC(), nullTime(nonZero(s.CreatedAt)))
		if err != nil {
			return fmt.Errorf("failed to save signal %s [%s %s]: %w", s.ID, s.StrategySlug, s.Symbol, err)
		}
		return nil
	})
}

const signalColumns = `id, strategy_slug, symbol, timeframe, signal_type, price, stop_loss, take_profit,
	confidence, metadata, time, created_at`

func scanSignal(row interface{ Scan(...any) error }) (signal.Signal, error) {
	var (
		s    signal.Signal
		meta []byte
	)
	if err := row.Scan(&s.ID, &s.StrategySlug, &s.Symbol, &s.Timeframe, &s.Type, &s.Price, &s.Stop, &s.Target,
		&s.Confidence, &meta, &s.Time, &s.CreatedAt); err != nil {
		return s, err
	}
	if err := json.Unmarshal(meta, &s.Metadata); err != nil {
		return s, fmt.Errorf("failed to decode metadata of signal %s: %w", s.ID, err)
	}
	s.Time = s.Time.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (p *Default) GetSignal(ctx context.Context, id string) (*signal.Signal, error) {
	s, err := scanSignal(p.queryRowWithTransaction(ctx, `SELECT `+signalColumns+` FROM signals WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", signal.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal %s: %w", id, err)
	}
	return &s, nil
}

// signalWhere renders the filter against the given column aliases.
func signalWhere(f signal.Filter, slugCol, symbolCol, timeCol string) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.StrategySlug != "" {
		add(slugCol+"=$%d", f.StrategySlug)
	}
	if f.Symbol != "" {
		add(symbolCol+"=$%d", f.Symbol)
	}
	if !f.Since.IsZero() {
		add(timeCol+">=$%d", f.Since)
	}
	if !f.Until.IsZero() {
		add(timeCol+"<=$%d", f.Until)
	}
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListSignals returns matching signals by time ascending. A limit keeps the newest signals.
func (p *Default) ListSignals(ctx context.Context, f signal.Filter) ([]signal.Signal, error) {
	where, args := signalWhere(f, "strategy_slug", "symbol", "time")
	query := `SELECT ` + signalColumns + ` FROM signals` + where + ` ORDER BY time DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	query = `SELECT * FROM (` + query + `) s ORDER BY time ASC, id ASC`

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var out []signal.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signal rows: %w", err)
	}
	return out, nil
}

// SavePerformance records the single outcome of a stored signal; a second outcome for the
// same signal is ignored.
func (p *Default) SavePerformance(ctx context.Context, perf signal.Performance) error {
	if perf.ID == "" {
		perf.ID = uuid.NewString()
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO signal_performance (id, signal_id, strategy_slug, pnl_amount, pnl_percent, outcome, evaluated_at)
			SELECT $1, s.id, $3, $4, $5, $6, $7 FROM signals s WHERE s.id=$2
			ON CONFLICT (signal_id) DO NOTHING`,
			perf.ID, perf.SignalID, perf.StrategySlug, perf.PnLAmount, perf.PnLPercent, perf.Outcome, perf.EvaluatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save performance of signal %s: %w", perf.SignalID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM signals WHERE id=$1)`, perf.SignalID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check signal %s: %w", perf.SignalID, err)
			}
			if !exists {
				return fmt.Errorf("%w: %s", signal.ErrNotFound, perf.SignalID)
			}
		}
		return nil
	})
}

// ListPerformance joins outcomes with their signals so the symbol filter applies. Results are
// ordered by evaluation time ascending; a limit keeps the newest outcomes.
func (p *Default) ListPerformance(ctx context.Context, f signal.Filter) ([]signal.Performance, error) {
	where, args := signalWhere(f, "sp.strategy_slug", "s.symbol", "sp.evaluated_at")
	query := `
		SELECT sp.id, sp.signal_id, sp.strategy_slug, sp.pnl_amount, sp.pnl_percent, sp.outcome, sp.evaluated_at
		FROM signal_performance sp JOIN signals s ON s.id = sp.signal_id` + where + `
		ORDER BY sp.evaluated_at DESC, sp.id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	query = `SELECT * FROM (` + query + `) p ORDER BY evaluated_at ASC, id ASC`

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list performance: %w", err)
	}
	defer rows.Close()

	var out []signal.Performance
	for rows.Next() {
		var perf signal.Performance
		if err := rows.Scan(&perf.ID, &perf.SignalID, &perf.StrategySlug, &perf.PnLAmount, &perf.PnLPercent,
			&perf.Outcome, &perf.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan performance: %w", err)
		}
		perf.EvaluatedAt = perf.EvaluatedAt.UTC()
		out = append(out, perf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating performance rows: %w", err)
	}
	return out, nil
}
