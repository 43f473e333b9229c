// Package sink persists a batch's record aggregate as CSV or JSON.
// Writes go through a temp file and rename so an interrupted run never
// leaves a half-written result behind.
package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/pubplat/scraper/pkg/types"
)

// utf8BOM makes the CSV open correctly in spreadsheet tools that
// assume a legacy encoding without it.
const utf8BOM = "\ufeff"

// Header is the canonical CSV column order.
var Header = []string{"公众号", "标题", "发布时间", "链接", "内容"}

// Writer persists record aggregates to disk.
type Writer struct {
	logger *zap.Logger
}

func NewWriter(logger *zap.Logger) *Writer {
	return &Writer{logger: logger}
}

// Write picks the format from the file extension: .json writes JSON,
// everything else CSV.
func (w *Writer) Write(path string, records []types.PostRecord) error {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return w.WriteJSON(path, records)
	}
	return w.WriteCSV(path, records)
}

// WriteCSV writes the aggregate as UTF-8 CSV with a BOM prefix.
func (w *Writer) WriteCSV(path string, records []types.PostRecord) error {
	var sb strings.Builder
	sb.WriteString(utf8BOM)

	cw := csv.NewWriter(&sb)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range records {
		row := []string{r.Publisher, r.Title, r.PublishedAtText, r.URL, r.Body}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}

	if err := w.atomicWrite(path, []byte(sb.String())); err != nil {
		return err
	}

	w.logger.Info("Results written",
		zap.String("path", path),
		zap.String("format", "csv"),
		zap.Int("records", len(records)))
	return nil
}

// WriteJSON writes the aggregate as a two-space indented JSON array,
// UTF-8 without BOM, keys in the canonical column order.
func (w *Writer) WriteJSON(path string, records []types.PostRecord) error {
	if records == nil {
		records = []types.PostRecord{}
	}

	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to marshal records: %w", err)
	}

	if err := w.atomicWrite(path, []byte(strings.TrimRight(buf.String(), "\n"))); err != nil {
		return err
	}

	w.logger.Info("Results written",
		zap.String("path", path),
		zap.String("format", "json"),
		zap.Int("records", len(records)))
	return nil
}

// atomicWrite creates the parent directory, writes a sibling temp
// file, and renames it over the target.
func (w *Writer) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace output file: %w", err)
	}
	return nil
}

// ReadJSON loads a JSON result file back into records, used by the
// post-hoc content search.
func ReadJSON(path string) ([]types.PostRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}

	var records []types.PostRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("invalid result file %s: %w", path, err)
	}
	return records, nil
}
