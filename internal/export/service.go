package export

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/recon/internal/reconcile"
)

// Format selects the export file layout.
type Format string

const (
	// FormatCSV writes one CSV file per report section into a directory.
	FormatCSV Format = "csv"
	// FormatXLSX writes one workbook with a sheet per report section.
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts csv or xlsx, case-insensitively; empty means csv.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", value)
	}
}

// File is one written export file.
type File struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Rows     int    `json:"rows"`
	Bytes    int64  `json:"bytes"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url,omitempty"`
}

// Result lists the files written for one report.
type Result struct {
	ReportID uuid.UUID `json:"report_id"`
	Format   Format    `json:"format"`
	Files    []File    `json:"files"`
}

// Service writes reconciliation reports to the export directory.
type Service struct {
	exportDir string
	now       func() time.Time
	logger    *slog.Logger

	downloadSigner *downloadSigner
}

type Option func(*Service)

func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithDownloadTokenTTL customizes the TTL for generated download links.
func WithDownloadTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.downloadSigner = newDownloadSigner(ttl)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(opts ...Option) *Service {
	service := &Service{
		exportDir: filepath.Join(os.TempDir(), "recon-exports"),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(service)
	}
	if service.downloadSigner == nil {
		service.downloadSigner = newDownloadSigner(5 * time.Minute)
	}
	return service
}

// Directory returns the export root.
func (s *Service) Directory() string {
	return s.exportDir
}

// Export writes the report in the given format. Every file is written to a
// temporary name first and renamed into place once complete.
func (s *Service) Export(ctx context.Context, report reconcile.Report, format Format) (Result, error) {
	if report.ID == uuid.Nil {
		return Result{}, errors.New("report ID is required")
	}
	if err := s.ensureExportDirectory(); err != nil {
		return Result{}, err
	}
	result := Result{ReportID: report.ID, Format: format}
	sections := buildSections(report)

	var err error
	switch format {
	case FormatCSV:
		result.Files, err = s.writeCSV(ctx, report.ID, sections)
	case FormatXLSX:
		var file File
		file, err = s.writeXLSX(ctx, report.ID, sections)
		result.Files = []File{file}
	default:
		return Result{}, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return Result{}, err
	}
	for i := range result.Files {
		result.Files[i].URL = s.BuildDownloadURL(report.ID, result.Files[i].Name)
	}
	s.logger.Info("report exported", "report", report.ID, "format", format, "files", len(result.Files))
	return result, nil
}

func (s *Service) writeCSV(ctx context.Context, id uuid.UUID, sections []section) ([]File, error) {
	dir := filepath.Join(s.exportDir, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure report directory: %w", err)
	}
	files := make([]File, 0, len(sections))
	for _, sec := range sections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		file, err := writeCSVFile(dir, sec)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, nil
}

func writeCSVFile(dir string, sec section) (File, error) {
	tempFile, err := os.CreateTemp(dir, sec.name+"-*.csv.tmp")
	if err != nil {
		return File{}, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	buffered := bufio.NewWriter(tempFile)
	counter := &countingWriter{writer: buffered}
	csvWriter := csv.NewWriter(counter)
	if err := csvWriter.Write(sec.header); err != nil {
		return File{}, fmt.Errorf("write %s header: %w", sec.name, err)
	}
	for _, row := range sec.rows {
		if err := csvWriter.Write(row); err != nil {
			return File{}, fmt.Errorf("write %s row: %w", sec.name, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return File{}, fmt.Errorf("flush %s: %w", sec.name, err)
	}
	if err := buffered.Flush(); err != nil {
		return File{}, fmt.Errorf("flush buffered %s: %w", sec.name, err)
	}
	if err := tempFile.Sync(); err != nil {
		return File{}, fmt.Errorf("sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return File{}, fmt.Errorf("close export file: %w", err)
	}

	name := sec.name + ".csv"
	finalPath := filepath.Join(dir, name)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return File{}, fmt.Errorf("promote export file: %w", err)
	}
	cleanup = false
	return File{Name: name, Path: finalPath, Rows: len(sec.rows), Bytes: counter.count, MimeType: "text/csv"}, nil
}

func (s *Service) writeXLSX(ctx context.Context, id uuid.UUID, sections []section) (File, error) {
	workbook := excelize.NewFile()
	defer workbook.Close()

	rows := 0
	for i, sec := range sections {
		if err := ctx.Err(); err != nil {
			return File{}, err
		}
		if i == 0 {
			if err := workbook.SetSheetName("Sheet1", sec.name); err != nil {
				return File{}, fmt.Errorf("name sheet %s: %w", sec.name, err)
			}
		} else if _, err := workbook.NewSheet(sec.name); err != nil {
			return File{}, fmt.Errorf("add sheet %s: %w", sec.name, err)
		}
		if err := writeSheetRow(workbook, sec.name, 1, sec.header); err != nil {
			return File{}, err
		}
		for r, row := range sec.rows {
			if err := writeSheetRow(workbook, sec.name, r+2, row); err != nil {
				return File{}, err
			}
		}
		rows += len(sec.rows)
	}

	tempFile, err := os.CreateTemp(s.exportDir, id.String()+"-*.xlsx.tmp")
	if err != nil {
		return File{}, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	written, err := workbook.WriteTo(tempFile)
	if err != nil {
		return File{}, fmt.Errorf("write workbook: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return File{}, fmt.Errorf("close export file: %w", err)
	}
	name := id.String() + ".xlsx"
	finalPath := filepath.Join(s.exportDir, name)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return File{}, fmt.Errorf("promote export file: %w", err)
	}
	cleanup = false
	return File{
		Name:     name,
		Path:     finalPath,
		Rows:     rows,
		Bytes:    written,
		MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}, nil
}

func writeSheetRow(workbook *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		if d, err := decimal.NewFromString(v); err == nil && row > 1 {
			f, _ := d.Float64()
			cells[i] = f
			continue
		}
		cells[i] = v
	}
	if err := workbook.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

// BuildDownloadURL signs a short-lived download URL for an export file.
func (s *Service) BuildDownloadURL(reportID uuid.UUID, name string) string {
	token := s.downloadSigner.Sign(reportID, name, s.now())
	values := url.Values{}
	values.Set("token", token)
	return fmt.Sprintf("/exports/%s/%s?%s", reportID.String(), url.PathEscape(name), values.Encode())
}

// ValidateDownloadToken ensures the token is valid for the given file.
func (s *Service) ValidateDownloadToken(reportID uuid.UUID, name, token string) error {
	return s.downloadSigner.Verify(reportID, name, token, s.now())
}

// OpenFile opens a written export file for streaming to the client.
func (s *Service) OpenFile(reportID uuid.UUID, name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, errors.New("invalid export file name")
	}
	candidates := []string{
		filepath.Join(s.exportDir, reportID.String(), name),
		filepath.Join(s.exportDir, name),
	}
	for _, path := range candidates {
		file, err := os.Open(path)
		if err == nil {
			return file, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open export file: %w", err)
		}
	}
	return nil, fmt.Errorf("export file %s: %w", name, os.ErrNotExist)
}

func (s *Service) ensureExportDirectory() error {
	if strings.TrimSpace(s.exportDir) == "" {
		return errors.New("export directory is not configured")
	}
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return fmt.Errorf("ensure export directory: %w", err)
	}
	return nil
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

type downloadSigner struct {
	secret []byte
	ttl    time.Duration
}

func newDownloadSigner(ttl time.Duration) *downloadSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &downloadSigner{secret: []byte(uuid.New().String()), ttl: ttl}
}

func (s *downloadSigner) mac(payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func (s *downloadSigner) Sign(reportID uuid.UUID, name string, now time.Time) string {
	expires := now.Add(s.ttl).Unix()
	payload := fmt.Sprintf("%s/%s:%d", reportID.String(), name, expires)
	raw := fmt.Sprintf("%s:%s", payload, hex.EncodeToString(s.mac(payload)))
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func (s *downloadSigner) Verify(reportID uuid.UUID, name, token string, now time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("missing download token")
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	parts := strings.Split(string(decoded), ":")
	if len(parts) != 3 {
		return errors.New("invalid token format")
	}
	if parts[0] != reportID.String()+"/"+name {
		return errors.New("token does not match export file")
	}
	expires, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token expiration: %w", err)
	}
	if now.Unix() > expires {
		return errors.New("download token expired")
	}
	provided, err := hex.DecodeString(parts[2])
	if err != nil {
		return fmt.Errorf("invalid token signature: %w", err)
	}
	if !hmac.Equal(s.mac(parts[0]+":"+parts[1]), provided) {
		return errors.New("invalid download token")
	}
	return nil
}
