package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/recon/internal/domain"
)

const workspaceYAML = `
entities:
  - id: loan
    grain: [loan_id]
tables:
  - name: core_loans
    system: core
    entity: loan
    primary_key: [loan_id]
    path: core_loans.csv
    columns:
      - name: balance
        type: decimal
  - name: ledger_loans
    system: ledger
    entity: loan
    primary_key: [loan_id]
    path: ledger_loans.csv
    columns:
      - name: balance
        type: decimal
metrics:
  - id: outstanding
    precision: 2
rules:
  - id: core_outstanding
    system: core
    metric: outstanding
    computation:
      source_entities: [loan]
      formula: SUM(balance)
      target_grain: [loan_id]
  - id: ledger_outstanding
    system: ledger
    metric: outstanding
    computation:
      source_entities: [loan]
      formula: SUM(balance)
      target_grain: [loan_id]
`

func workspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"metadata.yaml":    workspaceYAML,
		"core_loans.csv":   "loan_id,balance\nL1,100.00\nL2,50.00\n",
		"ledger_loans.csv": "loan_id,balance\nL1,100.00\nL2,47.00\nL9,1.00\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func execute(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.Bytes(), err
}

func TestCompileCommand(t *testing.T) {
	dir := workspace(t)
	out, err := execute(t, "compile", "core_outstanding", "--config", dir, "--metadata", filepath.Join(dir, "metadata.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"core_loans"`)

	_, err = execute(t, "compile", "nope", "--config", dir, "--metadata", filepath.Join(dir, "metadata.yaml"))
	var notFound *domain.RuleNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestReconcileCommand(t *testing.T) {
	dir := workspace(t)
	out, err := execute(t, "reconcile",
		"--config", dir, "--metadata", filepath.Join(dir, "metadata.yaml"), "--data", dir,
		"--system-a", "core", "--system-b", "ledger", "--metric", "outstanding")
	require.NoError(t, err)

	var report struct {
		Comparison domain.ComparisonResult `json:"comparison"`
	}
	require.NoError(t, json.Unmarshal(out, &report))
	assert.Equal(t, [][]string{{"L9"}}, report.Comparison.Population.ExtraInB)
	require.Equal(t, 1, report.Comparison.Data.Mismatches)
	assert.Equal(t, []string{"L2"}, report.Comparison.Data.Details[0].Key)
}

func TestExportCommand(t *testing.T) {
	dir := workspace(t)
	exportDir := filepath.Join(dir, "out")
	out, err := execute(t, "export",
		"--config", dir, "--metadata", filepath.Join(dir, "metadata.yaml"), "--data", dir,
		"--rule-a", "core_outstanding", "--rule-b", "ledger_outstanding",
		"--format", "xlsx", "--dir", exportDir)
	require.NoError(t, err)

	var result struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	require.NoError(t, json.Unmarshal(out, &result))
	require.Len(t, result.Files, 1)
	assert.FileExists(t, result.Files[0].Path)
}

func TestParseAsOf(t *testing.T) {
	at, err := parseAsOf("2024-01-31")
	require.NoError(t, err)
	require.NotNil(t, at)
	assert.Equal(t, 31, at.Day())

	at, err = parseAsOf("")
	require.NoError(t, err)
	assert.Nil(t, at)

	_, err = parseAsOf("yesterday")
	require.Error(t, err)
}
