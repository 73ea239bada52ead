package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/recon/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadCSVInfersTypes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "loans.csv", "\xEF\xBB\xBFloan_id, balance ,count,active,as_of,code\n"+
		"007,100.25,3,true,2024-01-31,A1\n"+
		",,,,,\n"+
		"008,50,4,false,2024-02-29,B2\n")

	rel, err := NewFileLoader(dir).Load(context.Background(), domain.Table{
		Name:       "loans",
		Path:       "loans.csv",
		PrimaryKey: []string{"loan_id"},
	})
	require.NoError(t, err)

	assert.Equal(t, "loans", rel.Name)
	assert.Equal(t, []string{"loan_id", "balance", "count", "active", "as_of", "code"}, rel.Columns)
	require.Len(t, rel.Rows, 2)

	first := rel.Rows[0]
	assert.Equal(t, "007", first[0])
	assert.True(t, decimal.RequireFromString("100.25").Equal(first[1].(decimal.Decimal)))
	assert.Equal(t, int64(3), first[2])
	assert.Equal(t, true, first[3])
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), first[4])
	assert.Equal(t, "A1", first[5])
}

func TestLoadCSVHonoursDeclaredTypes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fees.csv", "loan_id,amount\n1,10\n2,\n")

	rel, err := NewFileLoader(dir).Load(context.Background(), domain.Table{
		Name:    "fees",
		Path:    "fees.csv",
		Columns: []domain.ColumnSchema{{Name: "loan_id", Type: domain.FieldTypeInteger}, {Name: "amount", Type: domain.FieldTypeDecimal}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rel.Rows[0][0])
	assert.IsType(t, decimal.Decimal{}, rel.Rows[0][1])
	assert.Nil(t, rel.Rows[1][1])
}

func TestLoadCSVRejectsBadDeclaredValue(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "fees.csv", "loan_id,amount\n1,ten\n")

	_, err := NewFileLoader(dir).Load(context.Background(), domain.Table{
		Name:    "fees",
		Path:    "fees.csv",
		Columns: []domain.ColumnSchema{{Name: "amount", Type: domain.FieldTypeDecimal}},
	})
	require.ErrorContains(t, err, "row 1 column amount")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewFileLoader(t.TempDir()).Load(context.Background(), domain.Table{Name: "ghost", Path: "ghost.csv"})

	var missing *domain.MissingSourceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "ghost", missing.Table)
}

func TestLoadUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data.json", "{}")

	_, err := NewFileLoader(dir).Load(context.Background(), domain.Table{Name: "data", Path: "data.json"})
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadExcel(t *testing.T) {
	dir := t.TempDir()
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"loan_id", "balance"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"L1", 12.5}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{"L2", 7}))
	require.NoError(t, f.SaveAs(filepath.Join(dir, "loans.xlsx")))
	require.NoError(t, f.Close())

	rel, err := NewFileLoader(dir).Load(context.Background(), domain.Table{Name: "loans", Path: "loans.xlsx"})
	require.NoError(t, err)
	require.Len(t, rel.Rows, 2)
	assert.Equal(t, "L1", rel.Rows[0][0])
	assert.True(t, decimal.RequireFromString("12.5").Equal(rel.Rows[0][1].(decimal.Decimal)))
}

func buildRecord(t *testing.T) arrow.Record {
	t.Helper()
	mem := memory.DefaultAllocator
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "loan_id", Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "balance", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "term", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	}, nil)

	ids := array.NewStringBuilder(mem)
	ids.AppendValues([]string{"L1", "L2"}, nil)
	balances := array.NewFloat64Builder(mem)
	balances.Append(100.5)
	balances.AppendNull()
	terms := array.NewInt64Builder(mem)
	terms.AppendValues([]int64{12, 24}, nil)

	cols := []arrow.Array{ids.NewArray(), balances.NewArray(), terms.NewArray()}
	ids.Release()
	balances.Release()
	terms.Release()

	rec := array.NewRecord(schema, cols, 2)
	for _, col := range cols {
		col.Release()
	}
	return rec
}

func assertArrowRows(t *testing.T, rel *domain.Relation) {
	t.Helper()
	assert.Equal(t, []string{"loan_id", "balance", "term"}, rel.Columns)
	require.Len(t, rel.Rows, 2)
	assert.Equal(t, "L1", rel.Rows[0][0])
	assert.True(t, decimal.RequireFromString("100.5").Equal(rel.Rows[0][1].(decimal.Decimal)))
	assert.Equal(t, int64(12), rel.Rows[0][2])
	assert.Nil(t, rel.Rows[1][1])
	assert.Equal(t, int64(24), rel.Rows[1][2])
}

func TestLoadParquet(t *testing.T) {
	dir := t.TempDir()
	rec := buildRecord(t)
	defer rec.Release()

	tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer tbl.Release()

	f, err := os.Create(filepath.Join(dir, "loans.parquet"))
	require.NoError(t, err)
	require.NoError(t, pqarrow.WriteTable(tbl, f, 1024, parquet.NewWriterProperties(), pqarrow.DefaultWriterProps()))
	require.NoError(t, f.Close())

	rel, err := NewFileLoader(dir).Load(context.Background(), domain.Table{Name: "loans", Path: "loans.parquet"})
	require.NoError(t, err)
	assertArrowRows(t, rel)
}

func TestLoadArrowIPC(t *testing.T) {
	dir := t.TempDir()
	rec := buildRecord(t)
	defer rec.Release()

	f, err := os.Create(filepath.Join(dir, "loans.arrow"))
	require.NoError(t, err)
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	rel, err := NewFileLoader(dir).Load(context.Background(), domain.Table{Name: "loans", Path: "loans.arrow"})
	require.NoError(t, err)
	assertArrowRows(t, rel)
}

func TestEmptyRelationUsesDeclaredColumns(t *testing.T) {
	rel := EmptyRelation(domain.Table{
		Name:       "fees",
		PrimaryKey: []string{"loan_id"},
		Columns:    []domain.ColumnSchema{{Name: "loan_id"}, {Name: "amount"}},
	})
	assert.Equal(t, []string{"loan_id", "amount"}, rel.Columns)
	assert.Equal(t, 0, rel.Len())
}
