package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/tracepush/internal/model"
)

// InsertStats counts rows written and rows skipped as already present.
type InsertStats struct {
	Inserted int64
	Skipped  int64
}

const insertEvent = `INSERT OR IGNORE INTO trace_events (
	sequence_no, timestamp, provider, event_id, level, level_name,
	opcode, opcode_name, task_name, keywords, process_id, thread_id, payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// payloadErrors throttles logging of unencodable payloads.
var (
	payloadErrors  atomic.Int64
	lastPayloadLog atomic.Int64
)

// InsertBatch writes the batch in a single transaction. Records whose
// sequence number is already stored are skipped, so a replayed batch is
// harmless. Either the whole batch is committed or nothing is.
func (s *Store) InsertBatch(ctx context.Context, batch model.Batch) (InsertStats, error) {
	var st InsertStats
	if batch.Len() == 0 {
		return st, nil
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return st, fmt.Errorf("duckdb: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, insertEvent)
	if err != nil {
		return st, fmt.Errorf("duckdb: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch.Records {
		res, err := stmt.ExecContext(ctx,
			r.Sequence, r.Timestamp.UTC(), r.Provider, r.EventID, r.Level, model.LevelName(r.Level),
			r.Opcode, r.OpcodeName, r.TaskName, r.Keywords, r.ProcessID, r.ThreadID, payloadJSON(r),
		)
		if err != nil {
			return InsertStats{}, fmt.Errorf("duckdb: insert sequence %d: %w", r.Sequence, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			st.Skipped++
		} else {
			st.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return InsertStats{}, fmt.Errorf("duckdb: commit: %w", err)
	}
	committed = true
	return st, nil
}

func payloadJSON(r model.TraceRecord) string {
	if len(r.Payload) == 0 {
		return "{}"
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		count := payloadErrors.Add(1)
		now := time.Now().Unix()
		last := lastPayloadLog.Load()
		if now-last >= 10 && lastPayloadLog.CompareAndSwap(last, now) {
			log.Printf("duckdb: %d payloads stored empty, latest sequence %d: %v", count, r.Sequence, err)
		}
		return "{}"
	}
	return string(data)
}
