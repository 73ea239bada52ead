package export

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/reconcile"
)

type section struct {
	name   string
	header []string
	rows   [][]string
}

// buildSections flattens a report into tabular sections. Every section is
// emitted, even when empty, so consumers see a stable layout.
func buildSections(report reconcile.Report) []section {
	return []section{
		summarySection(report),
		mismatchSection(report),
		keySection("missing_in_b", report.Comparison.Grain, report.Comparison.Population.MissingInB),
		keySection("extra_in_b", report.Comparison.Grain, report.Comparison.Population.ExtraInB),
		rootCauseSection(report),
		fuzzySection(report),
	}
}

func summarySection(report reconcile.Report) section {
	pop := report.Comparison.Population
	data := report.Comparison.Data
	asOf := ""
	if report.AsOf != nil {
		asOf = report.AsOf.UTC().Format(time.RFC3339)
	}
	rows := [][]string{
		{"report_id", report.ID.String()},
		{"generated_at", report.GeneratedAt.UTC().Format(time.RFC3339)},
		{"metric", report.Metric},
		{"as_of", asOf},
		{"rule_a", report.A.RuleID},
		{"system_a", report.A.System},
		{"rows_a", strconv.Itoa(report.A.Rows)},
		{"rule_b", report.B.RuleID},
		{"system_b", report.B.System},
		{"rows_b", strconv.Itoa(report.B.Rows)},
		{"grain", strings.Join(report.Grain.Common, ",")},
		{"grain_strategy", string(report.Grain.Strategy)},
		{"common_keys", strconv.Itoa(pop.CommonCount)},
		{"missing_in_b", strconv.Itoa(len(pop.MissingInB))},
		{"extra_in_b", strconv.Itoa(len(pop.ExtraInB))},
		{"matches", strconv.Itoa(data.Matches)},
		{"mismatches", strconv.Itoa(data.Mismatches)},
		{"tolerance", data.Tolerance.String()},
		{"reconciled", strconv.FormatBool(report.Reconciled())},
	}
	if d := report.Divergence; d != nil {
		rows = append(rows,
			[]string{"divergence_step", strconv.Itoa(d.StepIndex)},
			[]string{"divergence_type", string(d.Type)},
		)
	}
	return section{name: "summary", header: []string{"field", "value"}, rows: rows}
}

func mismatchSection(report reconcile.Report) section {
	grain := report.Comparison.Grain
	header := append(append([]string(nil), grain...), "metric_a", "metric_b", "diff", "abs_diff")
	rows := make([][]string, 0, len(report.Comparison.Data.Details))
	for _, d := range report.Comparison.Data.Details {
		row := append([]string(nil), d.Key...)
		row = append(row, optional(d.MetricA), optional(d.MetricB), d.Diff.String(), d.AbsDiff.String())
		rows = append(rows, row)
	}
	return section{name: "mismatches", header: header, rows: rows}
}

func keySection(name string, grain []string, keys [][]string) section {
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, append([]string(nil), key...))
	}
	return section{name: name, header: append([]string(nil), grain...), rows: rows}
}

func rootCauseSection(report reconcile.Report) section {
	header := []string{"key", "system", "rule_id", "table", "sign", "column", "rows", "amount", "signed", "total", "other_value", "residual", "explained"}
	var rows [][]string
	for _, cause := range report.RootCauses {
		key := strings.Join(cause.Key, "|")
		for _, c := range cause.Contributions {
			rows = append(rows, []string{
				key, cause.System, cause.RuleID, c.Table, strconv.Itoa(c.Sign), c.Column,
				strconv.Itoa(c.Rows), c.Amount.String(), c.Signed.String(),
				cause.Total.String(), optional(cause.OtherValue), cause.Residual.String(),
				strconv.FormatBool(cause.Explained),
			})
		}
	}
	return section{name: "root_causes", header: header, rows: rows}
}

func fuzzySection(report reconcile.Report) section {
	rows := make([][]string, 0, len(report.Comparison.FuzzyMatches))
	for _, m := range report.Comparison.FuzzyMatches {
		rows = append(rows, []string{m.Column, m.ValueB, m.MatchedA, strconv.FormatFloat(m.Similarity, 'f', 4, 64)})
	}
	return section{name: "fuzzy_matches", header: []string{"column", "value_b", "matched_a", "similarity"}, rows: rows}
}

func optional(value *decimal.Decimal) string {
	if value == nil {
		return ""
	}
	return value.String()
}
