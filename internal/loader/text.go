package loader

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/recon/internal/domain"
)

var byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

type tableData struct {
	headers []string
	rows    [][]string
}

func readCSVFile(path string, table domain.Table) (*domain.Relation, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := parseCSV(payload)
	if err != nil {
		return nil, err
	}
	return buildRelation(data, table)
}

func readExcelFile(path string, table domain.Table) (*domain.Relation, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, err := parseExcel(payload)
	if err != nil {
		return nil, err
	}
	return buildRelation(data, table)
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-empty record as the header and drops blank rows.
func normalizeTable(records [][]string) (tableData, error) {
	var headerRow []string
	var dataRows [][]string
	for _, row := range records {
		if isBlankRow(row) {
			continue
		}
		if headerRow == nil {
			headerRow = row
			continue
		}
		dataRows = append(dataRows, row)
	}
	if headerRow == nil {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(headerRow)
	for i := range dataRows {
		dataRows[i] = padRow(dataRows[i], len(headers))
	}
	return tableData{headers: headers, rows: dataRows}, nil
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int)

	for idx, value := range raw {
		name := strings.TrimSpace(value)
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, "-", "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}

		base := name
		count := seen[base]
		if count > 0 {
			name = fmt.Sprintf("%s_%d", base, count+1)
		}
		seen[base] = count + 1

		headers[idx] = name
	}

	return headers
}

func padRow(row []string, length int) []string {
	if len(row) >= length {
		return row[:length]
	}
	padded := make([]string, length)
	copy(padded, row)
	return padded
}

// buildRelation coerces text cells using declared column types, inferring the
// type of undeclared columns. Primary key columns stay text unless declared,
// so identifiers such as "00123" keep their leading zeros.
func buildRelation(data tableData, table domain.Table) (*domain.Relation, error) {
	declared := make(map[string]domain.FieldType, len(table.Columns))
	for _, col := range table.Columns {
		if col.Type != "" {
			declared[strings.ToLower(col.Name)] = col.Type
		}
	}
	keys := make(map[string]struct{}, len(table.PrimaryKey))
	for _, key := range table.PrimaryKey {
		keys[strings.ToLower(key)] = struct{}{}
	}

	types := make([]domain.FieldType, len(data.headers))
	for idx, header := range data.headers {
		lower := strings.ToLower(header)
		switch fieldType, ok := declared[lower]; {
		case ok:
			types[idx] = fieldType
		case isKey(keys, lower):
			types[idx] = domain.FieldTypeString
		default:
			types[idx] = profileColumn(idx, data.rows)
		}
	}

	rel := domain.NewRelation(table.Name, data.headers)
	rel.Rows = make([]domain.Row, 0, len(data.rows))
	for rowIdx, raw := range data.rows {
		row := make(domain.Row, len(raw))
		for col, cell := range raw {
			value, err := coerceValue(types[col], cell)
			if err != nil {
				return nil, fmt.Errorf("row %d column %s: %w", rowIdx+1, data.headers[col], err)
			}
			row[col] = value
		}
		rel.Rows = append(rel.Rows, row)
	}
	return rel, nil
}

func isKey(keys map[string]struct{}, name string) bool {
	_, ok := keys[name]
	return ok
}

func profileColumn(col int, rows [][]string) domain.FieldType {
	isBool := true
	isInt := true
	isNumber := true
	isTimestamp := true
	hasValue := false

	for _, row := range rows {
		if col >= len(row) {
			continue
		}
		value := strings.TrimSpace(row[col])
		if value == "" {
			continue
		}
		hasValue = true

		if isBool && !looksLikeBool(value) {
			isBool = false
		}
		if isInt && !looksLikeInt(value) {
			isInt = false
		}
		if isNumber && !looksLikeNumber(value) {
			isNumber = false
		}
		if isTimestamp && !looksLikeTimestamp(value) {
			isTimestamp = false
		}
	}

	switch {
	case !hasValue:
		return domain.FieldTypeString
	case isBool:
		return domain.FieldTypeBoolean
	case isInt:
		return domain.FieldTypeInteger
	case isNumber:
		return domain.FieldTypeDecimal
	case isTimestamp:
		return domain.FieldTypeTimestamp
	default:
		return domain.FieldTypeString
	}
}

func looksLikeBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "false", "yes", "no":
		return true
	default:
		return false
	}
}

// looksLikeInt rejects leading zeros so that codes such as "007" stay text.
func looksLikeInt(value string) bool {
	digits := strings.TrimPrefix(value, "-")
	if len(digits) > 1 && digits[0] == '0' {
		return false
	}
	_, err := strconv.ParseInt(value, 10, 64)
	return err == nil
}

func looksLikeNumber(value string) bool {
	digits := strings.TrimPrefix(value, "-")
	if len(digits) > 1 && digits[0] == '0' && digits[1] != '.' {
		return false
	}
	_, err := decimal.NewFromString(value)
	return err == nil
}

func looksLikeTimestamp(value string) bool {
	_, err := domain.ParseTimestamp(value)
	return err == nil
}

func coerceValue(fieldType domain.FieldType, raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	switch fieldType {
	case domain.FieldTypeInteger:
		if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return i, nil
		}
		if d, err := decimal.NewFromString(trimmed); err == nil && d.IsInteger() {
			return d.IntPart(), nil
		}
		return nil, fmt.Errorf("unable to coerce %q to integer", raw)
	case domain.FieldTypeFloat, domain.FieldTypeDecimal:
		d, err := decimal.NewFromString(strings.ReplaceAll(trimmed, ",", ""))
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to decimal", raw)
		}
		return d, nil
	case domain.FieldTypeBoolean:
		switch strings.ToLower(trimmed) {
		case "1", "yes", "y":
			return true, nil
		case "0", "no", "n":
			return false, nil
		}
		b, err := strconv.ParseBool(strings.ToLower(trimmed))
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to boolean", raw)
		}
		return b, nil
	case domain.FieldTypeTimestamp, domain.FieldTypeDate:
		ts, err := domain.ParseTimestamp(trimmed)
		if err != nil {
			return nil, fmt.Errorf("unable to coerce %q to timestamp: %w", raw, err)
		}
		return ts, nil
	default:
		return raw, nil
	}
}
