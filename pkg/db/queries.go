package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInstanceIDRequired = errors.New("instance_id is required")
	ErrNotFound           = errors.New("record not found")
)

// OrderDump is one stored order snapshot.
type OrderDump struct {
	ID              int64
	InstanceID      string
	Broker          string
	OrderID         string
	Currency        string
	Qty             int64
	FilledQty       int64
	AvgPrice        float64
	ErrorReason     string
	IsCanceled      bool
	IsPendingCancel bool
	IsCompleted     bool
	DumpedAt        time.Time
}

// InsertOrderDumpSQL is exported so batched writers can reuse it.
const InsertOrderDumpSQL = `
	INSERT INTO order_dumps (
		instance_id, broker, order_id, currency, qty, filled_qty, avg_price,
		error_reason, is_canceled, is_pending_cancel, is_completed, dumped_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// InsertArgs returns the positional arguments for InsertOrderDumpSQL.
func (d OrderDump) InsertArgs() []any {
	return []any{
		d.InstanceID, d.Broker, d.OrderID, d.Currency, d.Qty, d.FilledQty, d.AvgPrice,
		d.ErrorReason, d.IsCanceled, d.IsPendingCancel, d.IsCompleted, d.DumpedAt.UnixMilli(),
	}
}

// OrderQueries reads and writes order dumps scoped by instance.
type OrderQueries struct {
	db      *sql.DB
	dialect Dialect
}

func NewOrderQueries(db *sql.DB, dialect Dialect) *OrderQueries {
	return &OrderQueries{db: db, dialect: dialect}
}

// InsertOrderDump writes a single snapshot immediately.
func (q *OrderQueries) InsertOrderDump(ctx context.Context, d OrderDump) error {
	if d.InstanceID == "" {
		return ErrInstanceIDRequired
	}
	if _, err := q.db.ExecContext(ctx, q.dialect.Rebind(InsertOrderDumpSQL), d.InsertArgs()...); err != nil {
		return fmt.Errorf("insert order dump: %w", err)
	}
	return nil
}

// ListOrderDumps returns the most recent snapshots of an instance, newest first.
func (q *OrderQueries) ListOrderDumps(ctx context.Context, instanceID string, limit int) ([]OrderDump, error) {
	if instanceID == "" {
		return nil, ErrInstanceIDRequired
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(`
		SELECT id, instance_id, broker, order_id, currency, qty, filled_qty, avg_price,
		       error_reason, is_canceled, is_pending_cancel, is_completed, dumped_at
		FROM order_dumps
		WHERE instance_id = ?
		ORDER BY dumped_at DESC, id DESC
		LIMIT ?
	`), instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("query order dumps: %w", err)
	}
	defer rows.Close()

	var out []OrderDump
	for rows.Next() {
		d, err := scanOrderDump(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestOrderDump returns the newest snapshot of one order, or ErrNotFound.
func (q *OrderQueries) LatestOrderDump(ctx context.Context, instanceID, orderID string) (*OrderDump, error) {
	if instanceID == "" {
		return nil, ErrInstanceIDRequired
	}

	row := q.db.QueryRowContext(ctx, q.dialect.Rebind(`
		SELECT id, instance_id, broker, order_id, currency, qty, filled_qty, avg_price,
		       error_reason, is_canceled, is_pending_cancel, is_completed, dumped_at
		FROM order_dumps
		WHERE instance_id = ? AND order_id = ?
		ORDER BY dumped_at DESC, id DESC
		LIMIT 1
	`), instanceID, orderID)
	d, err := scanOrderDump(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrderDump(s scanner) (OrderDump, error) {
	var (
		d        OrderDump
		dumpedAt int64
	)
	err := s.Scan(&d.ID, &d.InstanceID, &d.Broker, &d.OrderID, &d.Currency, &d.Qty, &d.FilledQty, &d.AvgPrice,
		&d.ErrorReason, &d.IsCanceled, &d.IsPendingCancel, &d.IsCompleted, &dumpedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, fmt.Errorf("scan order dump: %w", err)
	}
	d.DumpedAt = time.UnixMilli(dumpedAt)
	return d, nil
}
