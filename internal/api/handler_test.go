package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/export"
	"github.com/rpattn/recon/internal/metadata"
	"github.com/rpattn/recon/internal/reconcile"
	"github.com/rpattn/recon/internal/tableloader"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	md, err := domain.NewMetadata(domain.MetadataSpec{
		Entities: []domain.Entity{{ID: "loan", Grain: []string{"loan_id"}}},
		Tables: []domain.Table{
			{Name: "core_loans", System: "core", Entity: "loan", PrimaryKey: []string{"loan_id"}},
			{Name: "ledger_loans", System: "ledger", Entity: "loan", PrimaryKey: []string{"loan_id"}},
			{Name: "risk_loans", System: "risk", Entity: "loan", PrimaryKey: []string{"loan_id"}},
		},
		Metrics: []domain.Metric{{ID: "outstanding", Precision: 2}},
		Rules: []domain.Rule{
			{ID: "core_outstanding", System: "core", Metric: "outstanding", Computation: domain.ComputationDefinition{
				SourceEntities: []string{"loan"}, Formula: "SUM(balance)", TargetGrain: []string{"loan_id"},
			}},
			{ID: "ledger_outstanding", System: "ledger", Metric: "outstanding", Computation: domain.ComputationDefinition{
				SourceEntities: []string{"loan"}, Formula: "SUM(balance)", TargetGrain: []string{"loan_id"},
			}},
			{ID: "risk_outstanding", System: "risk", Metric: "outstanding", Computation: domain.ComputationDefinition{
				SourceEntities: []string{"loan"}, Formula: "SUM(balance)", TargetGrain: []string{"loan_id"},
			}},
		},
	})
	require.NoError(t, err)

	tables := map[string]*domain.Relation{}
	core := domain.NewRelation("core_loans", []string{"loan_id", "balance"})
	core.Append(domain.Row{"L1", dec("100")})
	core.Append(domain.Row{"L2", dec("50")})
	ledger := domain.NewRelation("ledger_loans", []string{"loan_id", "balance"})
	ledger.Append(domain.Row{"L1", dec("100")})
	ledger.Append(domain.Row{"L2", dec("47")})
	tables["core_loans"], tables["ledger_loans"] = core, ledger

	source := tableloader.SourceFunc(func(ctx context.Context, table domain.Table) (*domain.Relation, error) {
		rel, ok := tables[table.Name]
		if !ok {
			return nil, &domain.MissingSourceError{Table: table.Name, Path: table.Name + ".csv"}
		}
		return rel.Clone(), nil
	})
	store := metadata.NewStaticStore(md)
	return NewRouter(Config{
		Store:      store,
		Source:     source,
		Reconciler: reconcile.New(store, source, reconcile.Options{}, nil),
		Exports:    export.NewService(export.WithExportDirectory(t.TempDir())),
	})
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, reader))
	return rec
}

func TestHealthAndRules(t *testing.T) {
	router := testRouter(t)

	rec := do(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status": "ok"`)

	rec = do(t, router, http.MethodGet, "/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []ruleSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	require.Len(t, rules, 3)
	assert.Equal(t, "core_outstanding", rules[0].ID)
}

func TestPlanEndpoint(t *testing.T) {
	router := testRouter(t)

	rec := do(t, router, http.MethodGet, "/rules/core_outstanding/plan", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"core_loans"`)

	rec = do(t, router, http.MethodGet, "/rules/nope/plan", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "rule_not_found")
}

func TestReconcileEndpoint(t *testing.T) {
	router := testRouter(t)

	rec := do(t, router, http.MethodPost, "/reconcile", reconcile.Request{RuleA: "core_outstanding", RuleB: "ledger_outstanding"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report struct {
		Comparison domain.ComparisonResult `json:"comparison"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Comparison.Data.Matches)
	require.Equal(t, 1, report.Comparison.Data.Mismatches)
	assert.Equal(t, []string{"L2"}, report.Comparison.Data.Details[0].Key)
}

func TestReconcileEndpointErrors(t *testing.T) {
	router := testRouter(t)

	rec := do(t, router, http.MethodPost, "/reconcile", reconcile.Request{RuleA: "core_outstanding"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodPost, "/reconcile", reconcile.Request{RuleA: "core_outstanding", RuleB: "risk_outstanding"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing_source")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/reconcile", strings.NewReader(`{"bogus": 1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpoint(t *testing.T) {
	router := testRouter(t)

	rec := do(t, router, http.MethodPost, "/run", runPayload{RuleID: "ledger_outstanding", Trace: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"trace"`)

	rec = do(t, router, http.MethodPost, "/run", runPayload{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileExportEndpoint(t *testing.T) {
	router := testRouter(t)

	rec := do(t, router, http.MethodPost, "/reconcile/export?format=csv",
		reconcile.Request{RuleA: "core_outstanding", RuleB: "ledger_outstanding"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Export export.Result `json:"export"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Export.Files)

	download := do(t, router, http.MethodGet, resp.Export.Files[1].URL, nil)
	require.Equal(t, http.StatusOK, download.Code, download.Body.String())
	assert.Contains(t, download.Body.String(), "L2,50,47,3,3")

	rec = do(t, router, http.MethodPost, "/reconcile/export?format=pdf",
		reconcile.Request{RuleA: "core_outstanding", RuleB: "ledger_outstanding"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&domain.TableNotFoundError{Table: "x"}, http.StatusNotFound},
		{domain.ErrExpression("SUM(", "unbalanced"), http.StatusBadRequest},
		{domain.ErrColumnNotFound("x", "filter", nil), http.StatusBadRequest},
		{&domain.JoinExplosionError{Table: "x"}, http.StatusUnprocessableEntity},
		{&domain.GrainResolutionError{}, http.StatusUnprocessableEntity},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := classify(tc.err)
		if status != tc.status {
			t.Fatalf("classify(%v) = %d, want %d", tc.err, status, tc.status)
		}
	}
}
