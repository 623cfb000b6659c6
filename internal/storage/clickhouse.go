package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

// insertFunc persists one batch.
type insertFunc func(ctx context.Context, events []*AuditEvent) error

// ClickHouseWriter batches audit events into ClickHouse from a background
// goroutine. Write only enqueues.
type ClickHouseWriter struct {
	insert  insertFunc
	buffer  chan *AuditEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter connects to dsn and starts the flush loop. TLS is
// enabled through the DSN (secure=true).
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}
	return newClickHouseWriterWithInsert(connInserter(conn), logger), nil
}

func newClickHouseWriterWithInsert(insert insertFunc, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		insert:  insert,
		buffer:  make(chan *AuditEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// Write queues an event, dropping it when the buffer is full.
func (w *ClickHouseWriter) Write(event *AuditEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping audit event",
			zap.String("request_id", event.RequestID),
			zap.String("tool", event.Tool),
		)
	}
}

// Close drains buffered events and waits for the final flush.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*AuditEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.insert(ctx, events); err != nil {
		w.logger.Error("clickhouse audit flush failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func connInserter(conn driver.Conn) insertFunc {
	return func(ctx context.Context, events []*AuditEvent) error {
		batch, err := conn.PrepareBatch(ctx, `
			INSERT INTO toolplane_audit_events (
				request_id, timestamp, caller_id, tool, phase,
				operation, risk, plan_id, operation_id,
				success, error_type, error_message, latency_ms, source
			)
		`)
		if err != nil {
			return fmt.Errorf("prepare batch: %w", err)
		}

		for _, e := range events {
			var success uint8
			if e.Success {
				success = 1
			}
			if err := batch.Append(
				e.RequestID,
				e.Timestamp,
				e.CallerID,
				e.Tool,
				e.Phase,
				e.Operation,
				e.Risk,
				e.PlanID,
				e.OperationID,
				success,
				e.ErrorType,
				e.ErrorMessage,
				e.DurationMs,
				e.Source,
			); err != nil {
				return fmt.Errorf("append %s: %w", e.RequestID, err)
			}
		}
		return batch.Send()
	}
}

// LogWriter is the EventWriter used when no ClickHouse DSN is configured.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *AuditEvent) {
	w.logger.Info("audit_event",
		zap.String("request_id", event.RequestID),
		zap.String("caller_id", event.CallerID),
		zap.String("tool", event.Tool),
		zap.String("phase", event.Phase),
		zap.String("risk", event.Risk),
		zap.Bool("success", event.Success),
		zap.String("error_type", event.ErrorType),
		zap.Float32("latency_ms", event.DurationMs),
	)
}

func (w *LogWriter) Close() {}
