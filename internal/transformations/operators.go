package transformations

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
	"github.com/rpattn/recon/internal/expr"
)

// HashJoin joins left and right on the operation's key pairs. Key pairs with
// the same name on both sides collapse into one output column, coalesced for
// rows that only exist on the right. Other right columns whose names collide
// with an output column are renamed "<table>.<column>". When left has rows and
// the join would produce more than factor times as many, it fails with
// *domain.JoinExplosionError without materializing the result.
func HashJoin(left, right *domain.Relation, op domain.Join, factor int) (*domain.Relation, error) {
	if len(op.Keys) == 0 {
		return nil, fmt.Errorf("join with %s has no keys", op.Table)
	}
	leftNames := make([]string, len(op.Keys))
	rightNames := make([]string, len(op.Keys))
	for i, k := range op.Keys {
		leftNames[i], rightNames[i] = k.Left, k.Right
	}
	leftIdx, err := left.ColumnIndexes("join left input", leftNames...)
	if err != nil {
		return nil, err
	}
	rightIdx, err := right.ColumnIndexes("join table "+op.Table, rightNames...)
	if err != nil {
		return nil, err
	}

	// collapsed maps a right key column to the left column it merges into.
	collapsed := make(map[int]int, len(op.Keys))
	for i, k := range op.Keys {
		if strings.EqualFold(k.Left, k.Right) {
			collapsed[rightIdx[i]] = leftIdx[i]
		}
	}

	columns := append([]string(nil), left.Columns...)
	taken := make(map[string]struct{}, len(columns))
	for _, col := range columns {
		taken[strings.ToLower(col)] = struct{}{}
	}
	rightOut := make([]int, 0, len(right.Columns))
	for pos, col := range right.Columns {
		if _, ok := collapsed[pos]; ok {
			continue
		}
		name := col
		if _, clash := taken[strings.ToLower(name)]; clash {
			name = op.Table + "." + col
		}
		taken[strings.ToLower(name)] = struct{}{}
		columns = append(columns, name)
		rightOut = append(rightOut, pos)
	}

	index := make(map[string][]int, right.Len())
	for i, row := range right.Rows {
		if key, ok := joinKey(row, rightIdx); ok {
			index[key] = append(index[key], i)
		}
	}

	matches := make([][]int, left.Len())
	matchedRight := make([]bool, right.Len())
	total := 0
	for i, row := range left.Rows {
		if key, ok := joinKey(row, leftIdx); ok {
			matches[i] = index[key]
		}
		for _, r := range matches[i] {
			matchedRight[r] = true
		}
		if n := len(matches[i]); n > 0 {
			total += n
		} else if op.Type == domain.JoinLeft || op.Type == domain.JoinOuter {
			total++
		}
	}
	if op.Type == domain.JoinRight || op.Type == domain.JoinOuter {
		for _, matched := range matchedRight {
			if !matched {
				total++
			}
		}
	}
	if left.Len() > 0 && total > factor*left.Len() {
		return nil, &domain.JoinExplosionError{Table: op.Table, LeftRows: left.Len(), ResultRows: total, Factor: factor}
	}

	out := domain.NewRelation(left.Name, columns)
	out.Rows = make([]domain.Row, 0, total)
	width := len(columns)
	leftWidth := len(left.Columns)
	for i, row := range left.Rows {
		if len(matches[i]) == 0 {
			if op.Type == domain.JoinLeft || op.Type == domain.JoinOuter {
				joined := make(domain.Row, width)
				copy(joined, row)
				out.Rows = append(out.Rows, joined)
			}
			continue
		}
		for _, r := range matches[i] {
			joined := make(domain.Row, width)
			copy(joined, row)
			for j, pos := range rightOut {
				joined[leftWidth+j] = right.Rows[r][pos]
			}
			out.Rows = append(out.Rows, joined)
		}
	}
	if op.Type == domain.JoinRight || op.Type == domain.JoinOuter {
		for r, matched := range matchedRight {
			if matched {
				continue
			}
			joined := make(domain.Row, width)
			for rightPos, leftPos := range collapsed {
				joined[leftPos] = right.Rows[r][rightPos]
			}
			for j, pos := range rightOut {
				joined[leftWidth+j] = right.Rows[r][pos]
			}
			out.Rows = append(out.Rows, joined)
		}
	}
	return out, nil
}

// joinKey encodes the key cells of a row; rows with a null key never match.
func joinKey(row domain.Row, positions []int) (string, bool) {
	parts := make([]string, len(positions))
	for i, pos := range positions {
		if domain.IsNull(row[pos]) {
			return "", false
		}
		parts[i] = normalizeKeyCell(row[pos])
	}
	return domain.JoinKey(parts), true
}

// normalizeKeyCell renders numerically equal keys identically, so that 5 and 5.00 match.
func normalizeKeyCell(value any) string {
	switch value.(type) {
	case int64, int, decimal.Decimal:
		if d, ok := domain.ToDecimal(value); ok {
			return d.String()
		}
	}
	return domain.FormatValue(value)
}

// FilterRows keeps the rows for which the predicate is true. Null counts as false.
func FilterRows(rel *domain.Relation, op domain.Filter) (*domain.Relation, error) {
	prog, err := expr.Compile(op.Predicate, rel.Columns)
	if err != nil {
		return nil, err
	}
	out := &domain.Relation{Name: rel.Name, Columns: rel.Columns, Rows: make([]domain.Row, 0, rel.Len())}
	for _, row := range rel.Rows {
		ok, err := prog.Matches(row)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}

// DeriveColumn evaluates an expression per row into the alias column,
// replacing an existing column of the same name.
func DeriveColumn(rel *domain.Relation, op domain.Derive) (*domain.Relation, error) {
	if strings.TrimSpace(op.Alias) == "" {
		return nil, domain.ErrExpression(op.Expression, "derived column requires an alias")
	}
	prog, err := expr.Compile(op.Expression, rel.Columns)
	if err != nil {
		return nil, err
	}

	target := -1
	for i, col := range rel.Columns {
		if col == op.Alias {
			target = i
		}
	}
	columns := rel.Columns
	if target < 0 {
		columns = append(append([]string(nil), rel.Columns...), op.Alias)
	}

	out := &domain.Relation{Name: rel.Name, Columns: columns, Rows: make([]domain.Row, len(rel.Rows))}
	for i, row := range rel.Rows {
		value, err := prog.Eval(row)
		if err != nil {
			return nil, err
		}
		if target >= 0 {
			row[target] = value
			out.Rows[i] = row
			continue
		}
		extended := make(domain.Row, len(row)+1)
		copy(extended, row)
		extended[len(row)] = value
		out.Rows[i] = extended
	}
	return out, nil
}

type accumulator struct {
	fn      domain.AggregateFunc
	sum     decimal.Decimal
	rows    int
	nonNull int
	extreme any
}

func (a *accumulator) add(value any, column string) error {
	a.rows++
	if a.fn == domain.AggCount && column == "*" {
		return nil
	}
	if domain.IsNull(value) {
		return nil
	}
	a.nonNull++
	switch a.fn {
	case domain.AggSum, domain.AggAvg:
		d, ok := domain.ToDecimal(value)
		if !ok {
			return fmt.Errorf("%s(%s): value %q is not numeric", a.fn, column, domain.FormatValue(value))
		}
		a.sum = a.sum.Add(d)
	case domain.AggMin:
		if a.extreme == nil || domain.CompareValues(value, a.extreme) < 0 {
			a.extreme = value
		}
	case domain.AggMax:
		if a.extreme == nil || domain.CompareValues(value, a.extreme) > 0 {
			a.extreme = value
		}
	}
	return nil
}

func (a *accumulator) result(column string) any {
	switch a.fn {
	case domain.AggCount:
		if column == "*" {
			return int64(a.rows)
		}
		return int64(a.nonNull)
	case domain.AggSum:
		if a.nonNull == 0 {
			return nil
		}
		return a.sum
	case domain.AggAvg:
		if a.nonNull == 0 {
			return nil
		}
		return a.sum.Div(decimal.NewFromInt(int64(a.nonNull)))
	default:
		return a.extreme
	}
}

type group struct {
	key  domain.Row
	accs []*accumulator
}

// GroupRows aggregates rows by key columns. SUM and AVG use exact decimal
// arithmetic and yield null when every input is null. Without key columns a
// single row is produced even for empty input. Output rows are ordered by key.
func GroupRows(rel *domain.Relation, op domain.Group) (*domain.Relation, error) {
	byIdx, err := rel.ColumnIndexes("group by", op.By...)
	if err != nil {
		return nil, err
	}
	aggIdx := make([]int, len(op.Aggregations))
	columns := append([]string(nil), op.By...)
	for i, agg := range op.Aggregations {
		if agg.Column == "*" {
			if agg.Func != domain.AggCount {
				return nil, domain.ErrExpression(fmt.Sprintf("%s(*)", agg.Func), "* is only valid in COUNT(*)")
			}
			aggIdx[i] = -1
		} else {
			pos := rel.ColumnIndex(agg.Column)
			if pos < 0 {
				return nil, domain.ErrColumnNotFound(agg.Column, "aggregation "+string(agg.Func), rel.Columns)
			}
			aggIdx[i] = pos
		}
		alias := agg.Alias
		if alias == "" {
			alias = agg.Column
		}
		columns = append(columns, alias)
	}

	newGroup := func(key domain.Row) *group {
		g := &group{key: key, accs: make([]*accumulator, len(op.Aggregations))}
		for i, agg := range op.Aggregations {
			g.accs[i] = &accumulator{fn: agg.Func}
		}
		return g
	}

	groups := make(map[string]*group)
	var order []*group
	if len(op.By) == 0 {
		g := newGroup(domain.Row{})
		groups[""] = g
		order = append(order, g)
	}
	for _, row := range rel.Rows {
		parts := make([]string, len(byIdx))
		key := make(domain.Row, len(byIdx))
		for i, pos := range byIdx {
			parts[i] = normalizeKeyCell(row[pos])
			key[i] = row[pos]
		}
		id := domain.JoinKey(parts)
		g, ok := groups[id]
		if !ok {
			g = newGroup(key)
			groups[id] = g
			order = append(order, g)
		}
		for i, agg := range op.Aggregations {
			var value any
			if aggIdx[i] >= 0 {
				value = row[aggIdx[i]]
			}
			if err := g.accs[i].add(value, agg.Column); err != nil {
				return nil, err
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return compareRows(order[i].key, order[j].key) < 0
	})

	out := domain.NewRelation(rel.Name, columns)
	out.Rows = make([]domain.Row, 0, len(order))
	for _, g := range order {
		row := make(domain.Row, 0, len(columns))
		row = append(row, g.key...)
		for i, agg := range op.Aggregations {
			row = append(row, g.accs[i].result(agg.Column))
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

func compareRows(a, b domain.Row) int {
	for i := range a {
		if c := domain.CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return 0
}

// SelectColumns projects and renames columns.
func SelectColumns(rel *domain.Relation, op domain.Select) (*domain.Relation, error) {
	if len(op.Columns) == 0 {
		return nil, fmt.Errorf("select requires at least one column")
	}
	positions := make([]int, len(op.Columns))
	columns := make([]string, len(op.Columns))
	seen := make(map[string]struct{}, len(op.Columns))
	for i, col := range op.Columns {
		pos := rel.ColumnIndex(col.Column)
		if pos < 0 {
			return nil, domain.ErrColumnNotFound(col.Column, "select", rel.Columns)
		}
		name := col.OutputName()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("select produces duplicate column %q", name)
		}
		seen[name] = struct{}{}
		positions[i], columns[i] = pos, name
	}

	out := domain.NewRelation(rel.Name, columns)
	out.Rows = make([]domain.Row, len(rel.Rows))
	for i, row := range rel.Rows {
		projected := make(domain.Row, len(positions))
		for j, pos := range positions {
			projected[j] = row[pos]
		}
		out.Rows[i] = projected
	}
	return out, nil
}
