package domain

import (
	"fmt"
	"sort"
	"strings"
)

// CanonicalText flattens the relation into a deterministic, sorted set of lines
// suitable for diffing. Column order is normalized so that two relations with the
// same columns in a different order produce the same text.
func (r *Relation) CanonicalText() []string {
	if r == nil {
		return nil
	}
	order := make([]int, len(r.Columns))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return r.Columns[order[i]] < r.Columns[order[j]] })

	header := make([]string, len(order))
	for i, pos := range order {
		header[i] = r.Columns[pos]
	}
	lines := []string{fmt.Sprintf("Columns: %s", strings.Join(header, ", "))}

	if len(r.Rows) == 0 {
		return append(lines, "  (empty)")
	}

	rows := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		cells := make([]string, len(order))
		for i, pos := range order {
			if pos >= len(row) || row[pos] == nil {
				cells[i] = fmt.Sprintf("%s=null", r.Columns[pos])
				continue
			}
			cells[i] = fmt.Sprintf("%s=%s", r.Columns[pos], FormatValue(row[pos]))
		}
		rows = append(rows, "  "+strings.Join(cells, " | "))
	}
	sort.Strings(rows)
	return append(lines, rows...)
}

// DiffRelations produces a unified diff between two relations using the provided labels.
func DiffRelations(baseLabel string, base *Relation, targetLabel string, target *Relation) string {
	return buildUnifiedDiff(baseLabel, targetLabel, canonicalString(base), canonicalString(target))
}

func canonicalString(rel *Relation) string {
	if rel == nil {
		return ""
	}
	return strings.Join(rel.CanonicalText(), "\n") + "\n"
}

type diffOp struct {
	prefix string
	line   string
}

func buildUnifiedDiff(baseLabel, targetLabel, baseContent, targetContent string) string {
	baseLines := splitLines(baseContent)
	targetLines := splitLines(targetContent)

	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	builder.WriteString(fmt.Sprintf("@@ -1,%d +1,%d @@\n", len(baseLines), len(targetLines)))
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}

	return builder.String()
}

func splitLines(input string) []string {
	if input == "" {
		return nil
	}
	lines := strings.Split(input, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// diffLines aligns two line sets on their longest common subsequence.
func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			switch {
			case base[i] == target[j]:
				dp[i][j] = dp[i+1][j+1] + 1
			case dp[i+1][j] >= dp[i][j+1]:
				dp[i][j] = dp[i+1][j]
			default:
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}
		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}
	for ; i < m; i++ {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
	}
	for ; j < n; j++ {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
	}

	return ops
}
