package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/formgate/formgate/internal/audit"
)

// PGConfig holds configuration for the Postgres sink.
type PGConfig struct {
	DSN       string
	Table     string
	BatchSize int
	FlushMS   int
	UseCopy   bool
}

// PGSink batches audit events into a JSONB table. Events accumulate in
// memory until the batch fills or the flush interval fires.
type PGSink struct {
	config PGConfig
	db     *sql.DB

	mu    sync.Mutex
	batch []audit.Event

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// validateTableName rejects anything that could smuggle SQL through the
// identifier position, which cannot be parameterized.
func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("invalid table name: empty")
	}
	if len(name) > 63 {
		return fmt.Errorf("invalid table name: longer than 63 characters")
	}
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// NewPGSinkFromEnv creates a PGSink from environment variables.
func NewPGSinkFromEnv() *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:       os.Getenv("PG_DSN"),
			Table:     getEnvOr("PG_TABLE", "audit_json"),
			BatchSize: getIntEnv("PG_BATCH_SIZE", 500),
			FlushMS:   getIntEnv("PG_FLUSH_MS", 500),
			UseCopy:   getBoolEnv("PG_COPY", true),
		},
	}
}

// NewPGSink creates a PGSink with default batching for the given DSN.
func NewPGSink(dsn string) *PGSink {
	return &PGSink{
		config: PGConfig{
			DSN:       dsn,
			Table:     "audit_json",
			BatchSize: 500,
			FlushMS:   500,
			UseCopy:   true,
		},
	}
}

func (s *PGSink) Start(ctx context.Context) error {
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect: %w", err)
	}

	s.db = db
	s.batch = make([]audit.Event, 0, s.config.BatchSize)
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	if err := s.ensureSchema(); err != nil {
		db.Close()
		return err
	}

	go s.flushRoutine()

	return nil
}

// ensureSchema creates the table and its indexes if they do not exist.
func (s *PGSink) ensureSchema() error {
	createTable := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL DEFAULT now(),
		payload JSONB NOT NULL
	)`, s.config.Table)
	if _, err := s.db.ExecContext(s.ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)", s.config.Table, s.config.Table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)", s.config.Table, s.config.Table),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(s.ctx, idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (s *PGSink) Enqueue(e audit.Event) error {
	s.mu.Lock()
	s.batch = append(s.batch, e)
	full := len(s.batch) >= s.config.BatchSize
	s.mu.Unlock()

	if full {
		return s.flushBatch()
	}
	return nil
}

// flushBatch swaps the pending batch out in one critical section and writes
// it, so events enqueued during the write land in the next batch instead of
// being dropped. On error the batch is put back so the next flush retries
// it.
func (s *PGSink) flushBatch() error {
	s.mu.Lock()
	batch := s.batch
	s.batch = make([]audit.Event, 0, s.config.BatchSize)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var err error
	if s.config.UseCopy {
		err = s.flushWithCopy(batch)
	} else {
		err = s.flushWithInsert(batch)
	}
	if err != nil {
		s.mu.Lock()
		s.batch = append(batch, s.batch...)
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *PGSink) flushWithInsert(batch []audit.Event) error {
	if len(batch) == 0 {
		return nil
	}

	var (
		placeholders []string
		args         []any
	)
	for i, e := range batch {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d)", i*2+1, i*2+2))
		args = append(args, e.EventID, string(payload))
	}

	query := fmt.Sprintf("INSERT INTO %s (event_id, payload) VALUES %s",
		s.config.Table, strings.Join(placeholders, ", "))

	if _, err := s.db.ExecContext(s.ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy(batch []audit.Event) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(s.ctx, pq.CopyIn(s.config.Table, "event_id", "payload"))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, e := range batch {
		payload, err := json.Marshal(e)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to serialize event: %w", err)
		}
		if _, err := stmt.ExecContext(s.ctx, e.EventID, string(payload)); err != nil {
			stmt.Close()
			tx.Rollback()
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}

	if _, err := stmt.ExecContext(s.ctx); err != nil {
		stmt.Close()
		tx.Rollback()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// flushRoutine flushes on a fixed interval until the context is canceled.
func (s *PGSink) flushRoutine() {
	defer close(s.done)

	ticker := time.NewTicker(time.Duration(s.config.FlushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			pending := len(s.batch)
			s.mu.Unlock()
			if pending > 0 {
				if err := s.flushBatch(); err != nil {
					fmt.Fprintf(os.Stderr, "postgres flush failed: %v\n", err)
				}
			}
		}
	}
}

func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
		if s.done != nil {
			<-s.done
		}
	}
	if s.db == nil {
		return nil
	}

	s.mu.Lock()
	pending := len(s.batch)
	s.mu.Unlock()
	if pending > 0 {
		if err := s.flushBatch(); err != nil {
			s.db.Close()
			return err
		}
	}
	return s.db.Close()
}

func (s *PGSink) Name() string { return "postgres" }

func getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
