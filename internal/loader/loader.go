// Package loader reads declared tables from files into relations.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rpattn/recon/internal/domain"
)

// ErrUnsupportedFormat is returned for file extensions with no reader.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Format names accepted in table metadata.
const (
	FormatCSV     = "csv"
	FormatXLSX    = "xlsx"
	FormatParquet = "parquet"
	FormatArrow   = "arrow"
)

// FileLoader reads tables stored as files under a data root.
type FileLoader struct {
	Root string
}

// NewFileLoader creates a loader resolving relative table paths against root.
func NewFileLoader(root string) *FileLoader {
	return &FileLoader{Root: root}
}

// ResolvePath returns the absolute or root-relative path of a table's file.
func (l *FileLoader) ResolvePath(table domain.Table) string {
	if filepath.IsAbs(table.Path) || l.Root == "" {
		return table.Path
	}
	return filepath.Join(l.Root, table.Path)
}

// Load reads a table. A missing file is reported as *domain.MissingSourceError;
// whether that is fatal is decided by the caller.
func (l *FileLoader) Load(ctx context.Context, table domain.Table) (*domain.Relation, error) {
	if strings.TrimSpace(table.Path) == "" {
		return nil, domain.ErrValidation("table %q has no path", table.Name)
	}
	path := l.ResolvePath(table)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.MissingSourceError{Table: table.Name, Path: path}
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		rel *domain.Relation
		err error
	)
	switch format := DetectFormat(table); format {
	case FormatCSV:
		rel, err = readCSVFile(path, table)
	case FormatXLSX:
		rel, err = readExcelFile(path, table)
	case FormatParquet:
		rel, err = readParquetFile(ctx, path, table)
	case FormatArrow:
		rel, err = readArrowFile(path, table)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load table %s from %s: %w", table.Name, path, err)
	}
	rel.Name = table.Name
	return rel, nil
}

// DetectFormat returns the declared format, or infers it from the path extension.
func DetectFormat(table domain.Table) string {
	if table.Format != "" {
		return strings.ToLower(table.Format)
	}
	switch strings.ToLower(filepath.Ext(table.Path)) {
	case ".csv", ".txt":
		return FormatCSV
	case ".xlsx", ".xlsm":
		return FormatXLSX
	case ".parquet", ".pq":
		return FormatParquet
	case ".arrow", ".feather", ".ipc":
		return FormatArrow
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(table.Path)), ".")
	}
}

// EmptyRelation builds the relation used in place of an absent optional source.
func EmptyRelation(table domain.Table) *domain.Relation {
	return domain.NewRelation(table.Name, table.ColumnNames())
}
