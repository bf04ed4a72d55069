package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StoredEvent is one row of trace_events.
type StoredEvent struct {
	Sequence  uint64
	Timestamp time.Time
	Provider  string
	EventID   uint16
	Level     uint8
	LevelName string
	TaskName  string
	Payload   json.RawMessage
}

// ProviderSummary aggregates stored events per provider.
type ProviderSummary struct {
	Provider       string
	Events         int64
	MostSevere     uint8
	FirstSeen      time.Time
	LastSeen       time.Time
	LastSequenceNo uint64
}

// EventCount returns the number of stored events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trace_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("duckdb: count events: %w", err)
	}
	return n, nil
}

// MaxSequence returns the highest stored sequence number, or 0.
func (s *Store) MaxSequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(sequence_no)::BIGINT FROM trace_events").Scan(&v); err != nil {
		return 0, fmt.Errorf("duckdb: max sequence: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}

// RecentEvents returns the newest events first, optionally for one provider.
func (s *Store) RecentEvents(ctx context.Context, limit int, provider string) ([]StoredEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `SELECT sequence_no::BIGINT, timestamp, provider, event_id::INTEGER, level::INTEGER, level_name,
		COALESCE(task_name, ''), payload FROM trace_events`
	args := []any{}
	if provider != "" {
		query += " WHERE provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY sequence_no DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duckdb: recent events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			e              StoredEvent
			seq            int64
			eventID, level int32
			payload        string
		)
		if err := rows.Scan(&seq, &e.Timestamp, &e.Provider, &eventID, &level, &e.LevelName, &e.TaskName, &payload); err != nil {
			return nil, fmt.Errorf("duckdb: scan event: %w", err)
		}
		e.Sequence = uint64(seq)
		e.EventID = uint16(eventID)
		e.Level = uint8(level)
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ProviderSummaries reads the provider_summary view, busiest first.
func (s *Store) ProviderSummaries(ctx context.Context) ([]ProviderSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT provider, events, most_severe_level::INTEGER, first_seen, last_seen,
		last_sequence_no::BIGINT FROM provider_summary ORDER BY events DESC, provider`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: provider summary: %w", err)
	}
	defer rows.Close()

	var out []ProviderSummary
	for rows.Next() {
		var (
			p      ProviderSummary
			level  int32
			lastSq int64
		)
		if err := rows.Scan(&p.Provider, &p.Events, &level, &p.FirstSeen, &p.LastSeen, &lastSq); err != nil {
			return nil, fmt.Errorf("duckdb: scan summary: %w", err)
		}
		p.MostSevere = uint8(level)
		p.LastSequenceNo = uint64(lastSq)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteBefore removes events whose timestamp is older than cutoff.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx, "DELETE FROM trace_events WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("duckdb: delete before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return res.RowsAffected()
}
