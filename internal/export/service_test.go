package export

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/reconcile"
)

func sampleReport() reconcile.Report {
	a, b := decimal.RequireFromString("50"), decimal.RequireFromString("47")
	other := b
	return reconcile.Report{
		ID:          uuid.New(),
		GeneratedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Metric:      "outstanding",
		A:           reconcile.Side{RuleID: "core_outstanding", System: "core", Rows: 3},
		B:           reconcile.Side{RuleID: "ledger_outstanding", System: "ledger", Rows: 3},
		Grain:       domain.GrainResolution{Common: []string{"loan_id"}, Strategy: domain.GrainStrategyEqual},
		Comparison: domain.ComparisonResult{
			Grain: []string{"loan_id"},
			Population: domain.PopulationDiff{
				MissingInB:  [][]string{{"L3"}},
				ExtraInB:    [][]string{{"L4"}},
				CommonCount: 2,
			},
			Data: domain.DataDiff{
				Matches:    1,
				Mismatches: 1,
				Tolerance:  decimal.RequireFromString("0.01"),
				Details: []domain.MismatchDetail{{
					Key: []string{"L2"}, MetricA: &a, MetricB: &b,
					Diff: decimal.RequireFromString("3"), AbsDiff: decimal.RequireFromString("3"),
				}},
			},
		},
		RootCauses: []domain.RootCause{{
			System: "core", RuleID: "core_outstanding", Key: []string{"L2"},
			Contributions: []domain.TableContribution{
				{Table: "core_loans", Sign: 1, Column: "balance", Rows: 1, Amount: a, Signed: a},
			},
			Total: a, OtherValue: &other, Residual: decimal.RequireFromString("3"),
		}},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestExportCSVWritesEverySection(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(WithExportDirectory(dir))
	report := sampleReport()

	result, err := svc.Export(context.Background(), report, FormatCSV)
	require.NoError(t, err)
	require.Len(t, result.Files, 6)

	names := make([]string, 0, len(result.Files))
	for _, f := range result.Files {
		names = append(names, f.Name)
		assert.FileExists(t, f.Path)
		assert.Positive(t, f.Bytes)
		assert.Contains(t, f.URL, "/exports/"+report.ID.String()+"/"+f.Name+"?token=")
	}
	assert.Equal(t, []string{"summary.csv", "mismatches.csv", "missing_in_b.csv", "extra_in_b.csv", "root_causes.csv", "fuzzy_matches.csv"}, names)

	mismatches := readCSV(t, filepath.Join(dir, report.ID.String(), "mismatches.csv"))
	assert.Equal(t, [][]string{
		{"loan_id", "metric_a", "metric_b", "diff", "abs_diff"},
		{"L2", "50", "47", "3", "3"},
	}, mismatches)

	summary := readCSV(t, filepath.Join(dir, report.ID.String(), "summary.csv"))
	assert.Contains(t, summary, []string{"reconciled", "false"})
	assert.Contains(t, summary, []string{"missing_in_b", "1"})

	leftovers, err := filepath.Glob(filepath.Join(dir, report.ID.String(), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestExportXLSXWritesOneSheetPerSection(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(WithExportDirectory(dir))
	report := sampleReport()

	result, err := svc.Export(context.Background(), report, FormatXLSX)
	require.NoError(t, err)
	require.Len(t, result.Files, 1)
	assert.Equal(t, report.ID.String()+".xlsx", result.Files[0].Name)

	workbook, err := excelize.OpenFile(result.Files[0].Path)
	require.NoError(t, err)
	defer workbook.Close()
	assert.Equal(t, []string{"summary", "mismatches", "missing_in_b", "extra_in_b", "root_causes", "fuzzy_matches"}, workbook.GetSheetList())

	rows, err := workbook.GetRows("missing_in_b")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"loan_id"}, {"L3"}}, rows)
}

func TestExportRequiresReportID(t *testing.T) {
	svc := NewService(WithExportDirectory(t.TempDir()))
	_, err := svc.Export(context.Background(), reconcile.Report{}, FormatCSV)
	require.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)
	f, err = ParseFormat(" XLSX ")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	_, err = ParseFormat("pdf")
	require.Error(t, err)
}

func TestDownloadTokens(t *testing.T) {
	svc := NewService(WithExportDirectory(t.TempDir()), WithDownloadTokenTTL(time.Minute))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	id := uuid.New()

	token := svc.downloadSigner.Sign(id, "summary.csv", now)
	require.NoError(t, svc.ValidateDownloadToken(id, "summary.csv", token))
	assert.Error(t, svc.ValidateDownloadToken(id, "mismatches.csv", token))
	assert.Error(t, svc.ValidateDownloadToken(uuid.New(), "summary.csv", token))
	assert.Error(t, svc.ValidateDownloadToken(id, "summary.csv", ""))

	now = now.Add(2 * time.Minute)
	assert.Error(t, svc.ValidateDownloadToken(id, "summary.csv", token))
}

func TestDownloadHandlerServesSignedFile(t *testing.T) {
	svc := NewService(WithExportDirectory(t.TempDir()))
	result, err := svc.Export(context.Background(), sampleReport(), FormatCSV)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/exports/", http.StripPrefix("/exports", NewHTTPHandler(svc)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, result.Files[0].URL, nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "summary.csv")
	assert.Contains(t, rec.Body.String(), "field,value")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/exports/"+result.ReportID.String()+"/summary.csv?token=bogus", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/exports/not-a-uuid/summary.csv", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
