// Package db
package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukeed/quicklink/packages/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS prefetch_events (
	id            BIGSERIAL PRIMARY KEY,
	page_url      TEXT NOT NULL,
	url           TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	high_priority BOOLEAN NOT NULL DEFAULT FALSE,
	observed_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS prefetch_events_page_url_idx ON prefetch_events (page_url, observed_at);
`

var eventColumns = []string{"page_url", "url", "outcome", "high_priority", "observed_at"}

type Storage struct {
	DB         *pgxpool.Pool
	cfg        Config
	eventQueue chan domain.Event

	closeOnce sync.Once
	done      chan struct{}
}

type Config struct {
	BatchWriteInterval  time.Duration
	BatchWriteQueueSize int
}

func New(ctx context.Context, databaseURL string, cfg Config) (*Storage, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if cfg.BatchWriteInterval <= 0 {
		cfg.BatchWriteInterval = 5 * time.Second
	}
	if cfg.BatchWriteQueueSize <= 0 {
		cfg.BatchWriteQueueSize = 1000
	}

	s := &Storage{
		DB:         db,
		cfg:        cfg,
		eventQueue: make(chan domain.Event, cfg.BatchWriteQueueSize),
		done:       make(chan struct{}),
	}

	go s.databaseWriter(ctx)
	slog.Info("Database writer goroutine started")

	return s, nil
}

func (s *Storage) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create prefetch_events: %w", err)
	}
	return nil
}

// Observe queues ev for the next batch. It never blocks.
func (s *Storage) Observe(ev domain.Event) {
	select {
	case s.eventQueue <- ev:
	default:
		slog.Warn("Event queue is full. Dropping event.", "url", ev.URL, "outcome", ev.Outcome)
	}
}

// Close flushes pending events and closes the pool. Observe must not be
// called afterwards.
func (s *Storage) Close() {
	s.closeOnce.Do(func() {
		close(s.eventQueue)
		<-s.done
		s.DB.Close()
	})
}

func (s *Storage) databaseWriter(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.BatchWriteInterval)
	defer ticker.Stop()
	var events []domain.Event

	for {
		select {
		case <-ctx.Done():
			if len(events) > 0 {
				slog.Info("DB Writer: Final write on shutdown...")
				s.writeEvents(context.Background(), events)
			}
			slog.Info("DB Writer: Shutdown.")
			return
		case ev, ok := <-s.eventQueue:
			if !ok {
				if len(events) > 0 {
					s.writeEvents(context.Background(), events)
				}
				slog.Info("DB Writer: Event queue closed, exiting.")
				return
			}
			events = append(events, ev)
		case <-ticker.C:
			if len(events) > 0 {
				s.writeEvents(ctx, events)
				events = nil
			}
		}
	}
}

func (s *Storage) writeEvents(ctx context.Context, events []domain.Event) {
	n, err := s.DB.CopyFrom(ctx, pgx.Identifier{"prefetch_events"}, eventColumns, pgx.CopyFromRows(eventRows(events)))
	if err != nil {
		slog.Error("DB Writer: Failed to copy events", "error", err, "count", len(events))
		return
	}
	slog.Info("DB Writer: Successfully committed batch", "events", n)
}

func eventRows(events []domain.Event) [][]any {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		observedAt := ev.ObservedAt
		if observedAt.IsZero() {
			observedAt = time.Now()
		}
		rows = append(rows, []any{ev.PageURL, ev.URL, string(ev.Outcome), ev.HighPriority, observedAt.UTC()})
	}
	return rows
}
