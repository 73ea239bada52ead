package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// keySeparator joins composite grain values into a single map key.
const keySeparator = "\x1f"

// Row is one tuple of a relation, aligned with Relation.Columns.
type Row []any

// Relation is an in-memory table. Cell values are nil, string, int64,
// decimal.Decimal, bool or time.Time. A relation is owned by exactly one
// stage at a time; stages hand over ownership instead of sharing.
type Relation struct {
	Name    string   `json:"name,omitempty"`
	Columns []string `json:"columns"`
	Rows    []Row    `json:"rows"`
}

// NewRelation creates an empty relation with the given columns.
func NewRelation(name string, columns []string) *Relation {
	return &Relation{Name: name, Columns: append([]string(nil), columns...), Rows: []Row{}}
}

// Len returns the number of rows.
func (r *Relation) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// ColumnIndex returns the position of a column, matching exactly first and
// then case-insensitively. It returns -1 when absent.
func (r *Relation) ColumnIndex(name string) int {
	for i, col := range r.Columns {
		if col == name {
			return i
		}
	}
	for i, col := range r.Columns {
		if strings.EqualFold(col, name) {
			return i
		}
	}
	return -1
}

// ColumnIndexes resolves several columns at once, failing with ColumnNotFoundError.
func (r *Relation) ColumnIndexes(context string, names ...string) ([]int, error) {
	idx := make([]int, len(names))
	for i, name := range names {
		pos := r.ColumnIndex(name)
		if pos < 0 {
			return nil, ErrColumnNotFound(name, context, r.Columns)
		}
		idx[i] = pos
	}
	return idx, nil
}

// Value returns the cell at (row, column name), or nil when the column is absent.
func (r *Relation) Value(row int, column string) any {
	pos := r.ColumnIndex(column)
	if pos < 0 || row < 0 || row >= len(r.Rows) {
		return nil
	}
	return r.Rows[row][pos]
}

// Append adds a row, padding or truncating it to the column count.
func (r *Relation) Append(row Row) {
	if len(row) != len(r.Columns) {
		fixed := make(Row, len(r.Columns))
		copy(fixed, row)
		row = fixed
	}
	r.Rows = append(r.Rows, row)
}

// Clone deep-copies the relation so the receiver can be handed to another owner.
func (r *Relation) Clone() *Relation {
	if r == nil {
		return nil
	}
	cloned := &Relation{
		Name:    r.Name,
		Columns: append([]string(nil), r.Columns...),
		Rows:    make([]Row, len(r.Rows)),
	}
	for i, row := range r.Rows {
		cloned.Rows[i] = append(Row(nil), row...)
	}
	return cloned
}

// KeyAt returns the formatted values of the given column positions for a row.
func (r *Relation) KeyAt(row int, positions []int) []string {
	key := make([]string, len(positions))
	for i, pos := range positions {
		key[i] = FormatValue(r.Rows[row][pos])
	}
	return key
}

// JoinKey encodes a composite key tuple as a single comparable string.
func JoinKey(parts []string) string {
	return strings.Join(parts, keySeparator)
}

// IsNull reports whether a cell is null or an empty string.
func IsNull(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	default:
		return false
	}
}

// ToDecimal converts a numeric cell to an exact decimal.
func ToDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case decimal.Decimal:
		return v, true
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, false
		}
		return *v, true
	case int64:
		return decimal.NewFromInt(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt(int64(v)), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case float32:
		return decimal.NewFromFloat32(v), true
	case bool:
		if v {
			return decimal.NewFromInt(1), true
		}
		return decimal.Zero, true
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		return d, err == nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(strings.ReplaceAll(trimmed, ",", ""))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

// FormatValue renders a cell as text for keys, exports and diffs.
func FormatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case decimal.Decimal:
		return v.String()
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format("2006-01-02")
		}
		return v.UTC().Format(time.RFC3339)
	case *time.Time:
		if v == nil {
			return ""
		}
		return FormatValue(*v)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case fmt.Stringer:
		return v.String()
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// CompareValues orders two cells: nulls first, numbers numerically, times
// chronologically, everything else by formatted text.
func CompareValues(a, b any) int {
	aNull, bNull := IsNull(a), IsNull(b)
	switch {
	case aNull && bNull:
		return 0
	case aNull:
		return -1
	case bNull:
		return 1
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !aStr && !bStr {
		if ad, ok := ToDecimal(a); ok {
			if bd, ok := ToDecimal(b); ok {
				return ad.Cmp(bd)
			}
		}
	}
	return strings.Compare(FormatValue(a), FormatValue(b))
}
