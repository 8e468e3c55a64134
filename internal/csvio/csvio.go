// Package csvio streams input CSVs in bounded batches and appends merged
// result rows, extending a pre-existing output header when needed.
package csvio

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"partsguide-ingest/internal/batch"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// openCSVReader skips a UTF-8 BOM if present; supplier exports often carry
// one.
func openCSVReader(path string) (*os.File, *csv.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	br := bufio.NewReader(f)
	if head, _ := br.Peek(3); len(head) == 3 && head[0] == utf8BOM[0] && head[1] == utf8BOM[1] && head[2] == utf8BOM[2] {
		_, _ = br.Discard(3)
	}
	r := csv.NewReader(br)
	r.FieldsPerRecord = -1
	return f, r, nil
}

// ReadHeader returns the header row of a CSV file, or nil when the file does
// not exist or is empty.
func ReadHeader(path string) ([]string, error) {
	f, r, err := openCSVReader(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return header, nil
}

// EachBatch streams path in batches of batchSize rows, skipping the first
// skipRows data rows, and calls fn with the absolute index of each batch's
// first row. The final batch may be short. fn errors stop the stream.
func EachBatch(path string, batchSize, skipRows int, fn func(start int, rows []batch.Row) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	f, r, err := openCSVReader(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	var rows []batch.Row
	start := skipRows
	index := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if index < skipRows {
			index++
			continue
		}
		index++

		row := make(batch.Row, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			} else {
				row[name] = ""
			}
		}
		rows = append(rows, row)
		if len(rows) >= batchSize {
			if err := fn(start, rows); err != nil {
				return err
			}
			start += len(rows)
			rows = nil
		}
	}
	if len(rows) > 0 {
		return fn(start, rows)
	}
	return nil
}

// EnsureOutputSchema computes the output header: the input columns plus
// extraFields, except that a pre-existing output file's header is preserved
// in order and only missing names are appended (extend policy).
func EnsureOutputSchema(outPath string, inputHeader, extraFields []string) ([]string, error) {
	want := append(append([]string{}, inputHeader...), extraFields...)
	existing, err := ReadHeader(outPath)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		return want, nil
	}
	merged := append([]string{}, existing...)
	seen := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		seen[name] = struct{}{}
	}
	for _, name := range want {
		if _, ok := seen[name]; !ok {
			merged = append(merged, name)
			seen[name] = struct{}{}
		}
	}
	return merged, nil
}

// AppendRows appends rows under header. A new file gets a UTF-8 BOM plus the
// header first; an existing file whose header differs is rewritten under the
// merged header via a temp file and rename before appending.
func AppendRows(outPath string, header []string, rows []batch.Row) error {
	existing, err := ReadHeader(outPath)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		if err := writeHeader(outPath, header); err != nil {
			return err
		}
	} else if !equalHeader(existing, header) {
		if err := rewriteUnderHeader(outPath, existing, header); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(outPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20)
	w := csv.NewWriter(bw)
	for _, row := range rows {
		rec := make([]string, len(header))
		for i, name := range header {
			rec[i] = row[name]
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeHeader(path string, header []string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(utf8BOM); err != nil {
		f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// rewriteUnderHeader re-emits every existing row under the new header, with
// blanks for columns the old file lacked.
func rewriteUnderHeader(path string, oldHeader, newHeader []string) error {
	f, r, err := openCSVReader(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := r.Read(); err != nil { // consume old header
		return err
	}

	tmp := path + ".tmp"
	if err := writeHeader(tmp, newHeader); err != nil {
		return err
	}
	out, err := os.OpenFile(tmp, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			out.Close()
			return err
		}
		row := make(map[string]string, len(oldHeader))
		for i, name := range oldHeader {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		newRec := make([]string, len(newHeader))
		for i, name := range newHeader {
			newRec[i] = row[name]
		}
		if err := w.Write(newRec); err != nil {
			out.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func equalHeader(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
