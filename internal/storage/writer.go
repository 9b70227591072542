package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"plugin-warden/internal/manager"
)

// maxBatch bounds how many audit rows go into one insert. A burst of
// short executions queues faster than single-row inserts can drain.
const maxBatch = 64

// AuditWriter buffers execution audits and writes them to the database
// off the execution path. It implements manager.ExecutionAuditor.
type AuditWriter struct {
	db   *DB
	ch   chan ExecutionRow
	wg   sync.WaitGroup
	done chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan ExecutionRow, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// RecordExecution enqueues one audit entry. A full buffer drops the
// entry rather than stalling an execution.
func (w *AuditWriter) RecordExecution(entry manager.ExecutionAudit) {
	row := rowFromAudit(entry)
	select {
	case w.ch <- row:
	default:
		log.Warn().
			Str("plugin", entry.Plugin).
			Str("exec_id", row.ID).
			Msg("audit buffer full, dropping log entry")
	}
}

// Flush drains buffered entries, waiting at most timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case row := <-w.ch:
			w.writeWithRetry(w.gather(row))
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case row := <-w.ch:
					w.writeWithRetry(w.gather(row))
				default:
					return
				}
			}
		}
	}
}

// gather collects rows already queued behind first, up to maxBatch, so
// consecutive executions land in one database round trip.
func (w *AuditWriter) gather(first ExecutionRow) []ExecutionRow {
	batch := append(make([]ExecutionRow, 0, maxBatch), first)
	for len(batch) < maxBatch {
		select {
		case row := <-w.ch:
			batch = append(batch, row)
		default:
			return batch
		}
	}
	return batch
}

func (w *AuditWriter) writeWithRetry(rows []ExecutionRow) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.db.LogExecutions(ctx, rows)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Int("rows", len(rows)).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Int("rows", len(rows)).
				Msg("audit write failed permanently after retries")
		}
	}
}

// rowFromAudit converts a manager audit entry into its stored shape.
// Refused executions never reach a backend, so they carry no exec ID;
// those get a fresh one here.
func rowFromAudit(entry manager.ExecutionAudit) ExecutionRow {
	row := ExecutionRow{
		ID:             entry.ExecID,
		Plugin:         entry.Plugin,
		Version:        entry.Version,
		Kind:           entry.Kind,
		RiskLevel:      entry.RiskLevel,
		Backend:        entry.Backend,
		Status:         entry.Status,
		ExitCode:       entry.ExitCode,
		TimedOut:       entry.TimedOut,
		DurationMS:     entry.Duration.Milliseconds(),
		Stdout:         entry.Stdout,
		Stderr:         entry.Stderr,
		SecurityEvents: entry.SecurityEvents,
		Error:          entry.Error,
		StartedAt:      entry.StartedAt,
	}
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	finished := entry.StartedAt.Add(entry.Duration)
	row.FinishedAt = &finished
	return row
}
