package db

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/rpattn/recon/internal/domain"
)

// QualifiedName returns the sanitized identifier a table is read from. The
// table's Path is used when set (it may carry a schema), otherwise its Name.
func QualifiedName(table domain.Table, defaultSchema string) string {
	name := table.Path
	if name == "" {
		name = table.Name
	}
	parts := strings.Split(name, ".")
	if len(parts) == 1 && defaultSchema != "" {
		parts = []string{defaultSchema, parts[0]}
	}
	return pgx.Identifier(parts).Sanitize()
}

// LoadTable reads every row of a declared table into a relation.
func (c *Connection) LoadTable(ctx context.Context, table domain.Table) (*domain.Relation, error) {
	query := "SELECT * FROM " + QualifiedName(table, c.schema)
	rows, err := c.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query table %s: %w", table.Name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, field := range fields {
		columns[i] = field.Name
	}

	rel := domain.NewRelation(table.Name, columns)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read row of %s: %w", table.Name, err)
		}
		row := make(domain.Row, len(values))
		for i, value := range values {
			row[i] = normalizeValue(value)
		}
		rel.Rows = append(rel.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table %s: %w", table.Name, err)
	}
	return rel, nil
}

// normalizeValue maps pgx scan results onto relation cell types.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string, bool, time.Time, int64:
		return v
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case float32:
		return decimal.NewFromFloat32(v)
	case float64:
		return decimal.NewFromFloat(v)
	case pgtype.Numeric:
		return numericToDecimal(v)
	case [16]byte:
		return uuid.UUID(v).String()
	case []byte:
		return string(v)
	default:
		return domain.FormatValue(v)
	}
}

func numericToDecimal(n pgtype.Numeric) any {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil
	}
	intPart := n.Int
	if intPart == nil {
		intPart = big.NewInt(0)
	}
	return decimal.NewFromBigInt(intPart, n.Exp)
}
