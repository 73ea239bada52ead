package domain

import "strings"

// FieldType represents the type of a column in a table schema
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeDecimal   FieldType = "decimal"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeDate      FieldType = "date"
)

// ParseFieldType normalizes a declared column type. Unknown values yield an empty type,
// which callers treat as "infer from data".
func ParseFieldType(value string) FieldType {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "string", "text", "varchar", "str":
		return FieldTypeString
	case "integer", "int", "int64", "bigint":
		return FieldTypeInteger
	case "float", "double", "float64", "real":
		return FieldTypeFloat
	case "decimal", "numeric", "money":
		return FieldTypeDecimal
	case "boolean", "bool":
		return FieldTypeBoolean
	case "timestamp", "datetime":
		return FieldTypeTimestamp
	case "date":
		return FieldTypeDate
	default:
		return ""
	}
}

// IsNumeric reports whether values of the type participate in arithmetic.
func (t FieldType) IsNumeric() bool {
	switch t {
	case FieldTypeInteger, FieldTypeFloat, FieldTypeDecimal:
		return true
	default:
		return false
	}
}

// ColumnSchema describes a declared column of a table.
type ColumnSchema struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type,omitempty" yaml:"type,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// ColumnDrift lists declared columns that are absent from the materialized header,
// and header columns that were never declared.
type ColumnDrift struct {
	Missing    []string
	Undeclared []string
}

// Empty reports whether the declared schema matches the header exactly.
func (d ColumnDrift) Empty() bool {
	return len(d.Missing) == 0 && len(d.Undeclared) == 0
}

// DetermineColumnDrift compares declared columns with the columns found in a source.
func DetermineColumnDrift(declared []ColumnSchema, header []string) ColumnDrift {
	if len(declared) == 0 {
		return ColumnDrift{}
	}
	present := make(map[string]struct{}, len(header))
	for _, name := range header {
		present[strings.ToLower(name)] = struct{}{}
	}
	known := make(map[string]struct{}, len(declared))
	var drift ColumnDrift
	for _, col := range declared {
		key := strings.ToLower(col.Name)
		known[key] = struct{}{}
		if _, ok := present[key]; !ok {
			drift.Missing = append(drift.Missing, col.Name)
		}
	}
	for _, name := range header {
		if _, ok := known[strings.ToLower(name)]; !ok {
			drift.Undeclared = append(drift.Undeclared, name)
		}
	}
	return drift
}
