package loader

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
)

func readParquetFile(ctx context.Context, path string, table domain.Table) (*domain.Relation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := memory.DefaultAllocator
	tbl, err := pqarrow.ReadTable(ctx, f, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet: %w", err)
	}
	defer tbl.Release()

	schema := tbl.Schema()
	rel := domain.NewRelation(table.Name, fieldNames(schema))
	rel.Rows = makeRows(int(tbl.NumRows()), len(rel.Columns))
	for col := 0; col < int(tbl.NumCols()); col++ {
		offset := 0
		for _, chunk := range tbl.Column(col).Data().Chunks() {
			if err := copyColumn(chunk, col, offset, rel.Rows); err != nil {
				return nil, fmt.Errorf("column %s: %w", rel.Columns[col], err)
			}
			offset += chunk.Len()
		}
	}
	return rel, nil
}

// readArrowFile reads the Arrow IPC file format, falling back to the stream format.
func readArrowFile(path string, table domain.Table) (*domain.Relation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem := memory.DefaultAllocator
	if reader, err := ipc.NewFileReader(f, ipc.WithAllocator(mem)); err == nil {
		defer reader.Close()
		rel := domain.NewRelation(table.Name, fieldNames(reader.Schema()))
		for i := 0; i < reader.NumRecords(); i++ {
			rec, err := reader.Record(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read arrow record %d: %w", i, err)
			}
			if err := appendRecord(rel, rec); err != nil {
				return nil, err
			}
		}
		return rel, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	stream, err := ipc.NewReader(f, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to open arrow ipc: %w", err)
	}
	defer stream.Release()

	rel := domain.NewRelation(table.Name, fieldNames(stream.Schema()))
	for stream.Next() {
		if err := appendRecord(rel, stream.Record()); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("failed to read arrow stream: %w", err)
	}
	return rel, nil
}

func appendRecord(rel *domain.Relation, rec arrow.Record) error {
	start := len(rel.Rows)
	rel.Rows = append(rel.Rows, makeRows(int(rec.NumRows()), len(rel.Columns))...)
	for col := 0; col < int(rec.NumCols()); col++ {
		if err := copyColumn(rec.Column(col), col, start, rel.Rows); err != nil {
			return fmt.Errorf("column %s: %w", rel.Columns[col], err)
		}
	}
	return nil
}

func fieldNames(schema *arrow.Schema) []string {
	names := make([]string, schema.NumFields())
	for i, field := range schema.Fields() {
		names[i] = field.Name
	}
	return names
}

func makeRows(n, width int) []domain.Row {
	rows := make([]domain.Row, n)
	for i := range rows {
		rows[i] = make(domain.Row, width)
	}
	return rows
}

// copyColumn writes the cells of one arrow array into column col of rows,
// starting at row offset.
func copyColumn(arr arrow.Array, col, offset int, rows []domain.Row) error {
	for i := 0; i < arr.Len(); i++ {
		if offset+i >= len(rows) {
			return fmt.Errorf("array longer than table")
		}
		if arr.IsNull(i) {
			continue
		}
		rows[offset+i][col] = arrowValue(arr, i)
	}
	return nil
}

func arrowValue(arr arrow.Array, i int) any {
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i)
	case *array.LargeString:
		return a.Value(i)
	case *array.Boolean:
		return a.Value(i)
	case *array.Int8:
		return int64(a.Value(i))
	case *array.Int16:
		return int64(a.Value(i))
	case *array.Int32:
		return int64(a.Value(i))
	case *array.Int64:
		return a.Value(i)
	case *array.Uint8:
		return int64(a.Value(i))
	case *array.Uint16:
		return int64(a.Value(i))
	case *array.Uint32:
		return int64(a.Value(i))
	case *array.Uint64:
		return decimal.NewFromBigInt(new(big.Int).SetUint64(a.Value(i)), 0)
	case *array.Float32:
		return decimal.NewFromFloat32(a.Value(i))
	case *array.Float64:
		return decimal.NewFromFloat(a.Value(i))
	case *array.Decimal128:
		scale := a.DataType().(*arrow.Decimal128Type).Scale
		return decimal.NewFromBigInt(a.Value(i).BigInt(), -scale)
	case *array.Timestamp:
		unit := a.DataType().(*arrow.TimestampType).Unit
		return a.Value(i).ToTime(unit).UTC()
	case *array.Date32:
		return a.Value(i).ToTime().UTC()
	case *array.Date64:
		return a.Value(i).ToTime().UTC()
	default:
		return arr.ValueStr(i)
	}
}
