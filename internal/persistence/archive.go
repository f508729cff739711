package persistence

import (
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/xdusongwei/httptrading/pkg/db"
)

// DumpRecord is the Parquet schema of one exported order snapshot.
type DumpRecord struct {
	InstanceID      string  `parquet:"instance_id"`
	Broker          string  `parquet:"broker"`
	OrderID         string  `parquet:"order_id"`
	Currency        string  `parquet:"currency"`
	Qty             int64   `parquet:"qty"`
	FilledQty       int64   `parquet:"filled_qty"`
	AvgPrice        float64 `parquet:"avg_price"`
	ErrorReason     string  `parquet:"error_reason"`
	IsCanceled      bool    `parquet:"is_canceled"`
	IsPendingCancel bool    `parquet:"is_pending_cancel"`
	IsCompleted     bool    `parquet:"is_completed"`
	DumpedAt        int64   `parquet:"dumped_at,timestamp(millisecond)"` // Unix ms
}

// WriteParquet encodes dumps as a single Parquet file on w.
func WriteParquet(w io.Writer, dumps []db.OrderDump) error {
	records := make([]DumpRecord, 0, len(dumps))
	for _, d := range dumps {
		records = append(records, DumpRecord{
			InstanceID:      d.InstanceID,
			Broker:          d.Broker,
			OrderID:         d.OrderID,
			Currency:        d.Currency,
			Qty:             d.Qty,
			FilledQty:       d.FilledQty,
			AvgPrice:        d.AvgPrice,
			ErrorReason:     d.ErrorReason,
			IsCanceled:      d.IsCanceled,
			IsPendingCancel: d.IsPendingCancel,
			IsCompleted:     d.IsCompleted,
			DumpedAt:        d.DumpedAt.UnixMilli(),
		})
	}
	return parquet.Write(w, records)
}

// ReadParquet decodes a file produced by WriteParquet.
func ReadParquet(r io.ReaderAt, size int64) ([]DumpRecord, error) {
	return parquet.Read[DumpRecord](r, size)
}
