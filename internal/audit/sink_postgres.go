package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const auditEventsDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
    run_id     TEXT        NOT NULL,
    seq        BIGINT      NOT NULL,
    event_id   TEXT        NOT NULL,
    phase      TEXT        NOT NULL DEFAULT '',
    task_id    TEXT        NOT NULL DEFAULT '',
    event_type TEXT        NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    payload    JSONB,
    PRIMARY KEY (run_id, seq)
)`

// PostgresSink persists events durably. Appends use a bounded timeout so a
// slow database cannot stall the run control path for long; a failed insert
// is reported to the log's error path, not retried here.
type PostgresSink struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewPostgresSink(ctx context.Context, dsn string, timeout time.Duration) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit store: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sink := &PostgresSink{pool: pool, timeout: timeout}
	if err := sink.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, auditEventsDDL); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Append(event Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	// jsonb wants text, not bytea.
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (run_id, seq, event_id, phase, task_id, event_type, ts, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.RunID, event.Seq, event.EventID, event.Phase, event.TaskID, event.Type, event.TS, payload)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}
