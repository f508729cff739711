// Package persistence batches order dumps into the dump store and exports
// them as Parquet.
package persistence

import (
	"database/sql"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/pkg/db"
)

// WriteOp represents a database write operation.
type WriteOp struct {
	Table string
	Query string
	Args  []any
}

// BatchWriter batches database writes so order pushes never wait on disk.
type BatchWriter struct {
	db          *sql.DB
	dialect     db.Dialect
	buffer      []WriteOp
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	logger      *slog.Logger

	totalWrites   atomic.Uint64
	totalBatches  atomic.Uint64
	totalErrors   atomic.Uint64
	lastBatchSize atomic.Int64
	lastFlushMs   atomic.Int64
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
	Pending       int       `json:"pending"`
}

// NewBatchWriter creates a batch writer with specified parameters.
// maxSize: max operations before auto-flush
// interval: time-based flush interval
func NewBatchWriter(database *sql.DB, maxSize int, interval time.Duration, logger *slog.Logger) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	bw := &BatchWriter{
		db:          database,
		buffer:      make([]WriteOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		logger:      logger.With("component", "batch_writer"),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// UseDialect rewrites queued queries for d before execution. Call it before
// the first Write.
func (bw *BatchWriter) UseDialect(d db.Dialect) *BatchWriter {
	bw.dialect = d
	return bw
}

// Write adds a write operation to the batch.
func (bw *BatchWriter) Write(op WriteOp) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush()
	}
}

// WriteQuery is a convenience method for simple queries.
func (bw *BatchWriter) WriteQuery(query string, args ...any) {
	bw.Write(WriteOp{
		Query: query,
		Args:  args,
	})
}

// Flush immediately writes all buffered operations to the database.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}

	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

// executeBatch runs a batch of operations in a transaction.
func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatchSize.Store(int64(len(ops)))
	bw.lastFlushMs.Store(time.Now().UnixMilli())

	tx, err := bw.db.Begin()
	if err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("begin transaction failed", "error", err)
		return err
	}

	for _, op := range ops {
		if _, err := tx.Exec(bw.dialect.Rebind(op.Query), op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			bw.logger.Error("query failed, rolling back", "table", op.Table, "error", err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		bw.logger.Error("commit failed", "error", err)
		return err
	}

	bw.logger.Debug("flushed", "ops", len(ops))
	return nil
}

// backgroundFlush periodically flushes the buffer.
func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				bw.logger.Warn("background flush error", "error", err)
			}
		case <-bw.done:
			// Final flush before shutdown
			if err := bw.Flush(); err != nil {
				bw.logger.Warn("final flush error", "error", err)
			}
			return
		}
	}
}

// Pending returns the number of pending operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current metrics for the batch writer.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastBatchSize.Load()),
		Pending:       bw.Pending(),
	}
	if ms := bw.lastFlushMs.Load(); ms > 0 {
		m.LastFlushTime = time.UnixMilli(ms)
	}
	return m
}

// Close flushes what is buffered and stops the background goroutine.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}

// OrderDumpWriter stores every dumped order snapshot through a BatchWriter.
type OrderDumpWriter struct {
	writer *BatchWriter
}

var _ broker.OrderSink = (*OrderDumpWriter)(nil)

func NewOrderDumpWriter(w *BatchWriter) *OrderDumpWriter {
	return &OrderDumpWriter{writer: w}
}

// DumpOrder queues the snapshot; it never touches the database inline.
func (w *OrderDumpWriter) DumpOrder(u broker.OrderUpdate) {
	o := u.Order
	d := db.OrderDump{
		InstanceID:      u.InstanceID,
		Broker:          u.Broker,
		OrderID:         o.OrderID,
		Currency:        o.Currency,
		Qty:             o.Qty,
		FilledQty:       o.FilledQty,
		AvgPrice:        o.AvgPrice,
		ErrorReason:     o.ErrorReason,
		IsCanceled:      o.IsCanceled,
		IsPendingCancel: o.IsPendingCancel,
		IsCompleted:     o.IsCompleted(),
		DumpedAt:        u.Time,
	}
	w.writer.Write(WriteOp{Table: "order_dumps", Query: db.InsertOrderDumpSQL, Args: d.InsertArgs()})
}
