package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	gateway "github.com/cognitude/cognitude/internal"
)

// InsertLedgerRows batch-inserts ledger rows. A single multi-row INSERT
// avoids N round-trips for large batches.
func (s *Store) InsertLedgerRows(ctx context.Context, rows []gateway.LedgerRow) error {
	if len(rows) == 0 {
		return nil
	}

	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)*17)

	for i, r := range rows {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		var status any
		if r.UpstreamStatus != 0 {
			status = r.UpstreamStatus
		}
		args = append(args,
			r.ID, r.OrgID, r.CreatedAt.UTC().Format(time.RFC3339),
			r.RequestedModel, r.Provider, r.Model,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.CostUSD,
			r.LatencyMs, boolToInt(r.CacheHit), nullStr(r.CacheKey),
			r.Endpoint, status, nullStr(r.ErrorText), boolToInt(r.Estimated),
		)
	}

	query := `INSERT INTO ledger_rows
		(id, org_id, created_at, requested_model, provider, model,
		 prompt_tokens, completion_tokens, total_tokens, cost_usd,
		 latency_ms, cache_hit, cache_key, endpoint, upstream_status, error_text, estimated)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// InsertRoutingDecisions batch-inserts routing decision rows.
func (s *Store) InsertRoutingDecisions(ctx context.Context, decisions []gateway.RoutingDecision) error {
	if len(decisions) == 0 {
		return nil
	}

	placeholders := make([]string, len(decisions))
	args := make([]any, 0, len(decisions)*9)
	for i, d := range decisions {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			d.OrgID, d.RequestedModel, d.SelectedModel, d.TaskClass, d.Reason,
			d.EstimatedSavings, d.Confidence, d.PromptLength,
			d.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO routing_decisions
		(org_id, requested_model, selected_model, task_class, reason,
		 estimated_savings, confidence, prompt_length, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// SumCost returns total ledger cost for the org in [since, until).
func (s *Store) SumCost(ctx context.Context, orgID int64, since, until time.Time) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM ledger_rows
		 WHERE org_id = ? AND created_at >= ? AND created_at < ?`,
		orgID, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339),
	).Scan(&total)
	return total, err
}

// CacheHitStats returns cache hit and total request counts in [since, until).
func (s *Store) CacheHitStats(ctx context.Context, orgID int64, since, until time.Time) (int64, int64, error) {
	var hits, total int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cache_hit), 0), COUNT(*) FROM ledger_rows
		 WHERE org_id = ? AND created_at >= ? AND created_at < ?`,
		orgID, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339),
	).Scan(&hits, &total)
	return hits, total, err
}

// CountRateLimited returns the count of rate-limit denials in [since, until).
func (s *Store) CountRateLimited(ctx context.Context, orgID int64, since, until time.Time) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_rows
		 WHERE org_id = ? AND error_text = ? AND created_at >= ? AND created_at < ?`,
		orgID, gateway.ErrRateLimited.Error(),
		since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339),
	).Scan(&n)
	return n, err
}

// AggregateUsage groups ledger rows by "day", "model" or "provider".
func (s *Store) AggregateUsage(ctx context.Context, orgID int64, since, until time.Time, groupBy string) ([]gateway.UsageTotals, error) {
	var groupExpr string
	switch groupBy {
	case "model":
		groupExpr = "model"
	case "provider":
		groupExpr = "provider"
	case "", "day":
		groupExpr = "substr(created_at, 1, 10)"
	default:
		return nil, fmt.Errorf("group_by %q: %w", groupBy, gateway.ErrBadRequest)
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT `+groupExpr+` AS grp,
		 COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens),
		 SUM(cost_usd), SUM(cache_hit), AVG(latency_ms)
		 FROM ledger_rows
		 WHERE org_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY grp ORDER BY grp`,
		orgID, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.UsageTotals
	for rows.Next() {
		var t gateway.UsageTotals
		var avgLatency sql.NullFloat64
		if err := rows.Scan(&t.Group, &t.Requests, &t.PromptTokens, &t.CompletionTokens,
			&t.TotalTokens, &t.CostUSD, &t.CacheHits, &avgLatency); err != nil {
			return nil, err
		}
		t.AvgLatencyMs = avgLatency.Float64
		out = append(out, t)
	}
	return out, rows.Err()
}

// SummarizeSavings aggregates routing decisions by task class.
func (s *Store) SummarizeSavings(ctx context.Context, orgID int64, since, until time.Time) ([]gateway.SavingsSummary, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT task_class, COUNT(*), COALESCE(SUM(estimated_savings), 0)
		 FROM routing_decisions
		 WHERE org_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY task_class ORDER BY task_class`,
		orgID, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.SavingsSummary
	for rows.Next() {
		var sm gateway.SavingsSummary
		if err := rows.Scan(&sm.TaskClass, &sm.Decisions, &sm.EstimatedSavings); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
