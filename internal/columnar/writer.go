package columnar

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"
)

// Writer appends rows to a parquet file, flushing to disk every
// flushThreshold rows so peak memory stays bounded regardless of total row
// volume. Rows are written to a temporary file and renamed into place on
// Close, so a partially-written chunk is never observed as complete.
type Writer struct {
	path    string
	tmpPath string
	file    *os.File
	pw      *parquet.GenericWriter[Row]
	buf     []Row
	flushAt int
	written int64
	closed  bool
}

// NewWriter creates a parquet writer targeting path. flushThreshold caps the
// number of buffered rows before a flush.
func NewWriter(path string, flushThreshold int) (*Writer, error) {
	if flushThreshold <= 0 {
		return nil, fmt.Errorf("flush threshold must be positive, got %d", flushThreshold)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmpPath, err)
	}

	pw := parquet.NewGenericWriter[Row](file, parquet.Compression(&parquet.Snappy))

	return &Writer{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		pw:      pw,
		buf:     make([]Row, 0, flushThreshold),
		flushAt: flushThreshold,
	}, nil
}

// Append buffers rows and flushes whenever the buffer reaches the threshold.
func (w *Writer) Append(rows ...Row) error {
	if w.closed {
		return fmt.Errorf("append to closed writer for %s", w.path)
	}

	w.buf = append(w.buf, rows...)
	if len(w.buf) >= w.flushAt {
		return w.flush()
	}
	return nil
}

func (w *Writer) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.pw.Write(w.buf)
	if err != nil {
		return fmt.Errorf("write %d rows to %s: %w", len(w.buf), w.tmpPath, err)
	}
	w.written += int64(n)
	w.buf = w.buf[:0]
	return nil
}

// Rows returns the number of rows flushed so far plus those still buffered.
func (w *Writer) Rows() int64 {
	return w.written + int64(len(w.buf))
}

// Close flushes remaining rows, finalizes the parquet footer, and renames
// the temporary file into place. It is safe to call more than once; only the
// first call does work. On error the temporary file is removed so a retry
// starts clean.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flush(); err != nil {
		w.discard()
		return err
	}
	if err := w.pw.Close(); err != nil {
		w.discard()
		return fmt.Errorf("finalize parquet %s: %w", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("close %s: %w", w.tmpPath, err)
	}
	if err := os.Rename(w.tmpPath, w.path); err != nil {
		os.Remove(w.tmpPath)
		return fmt.Errorf("finalize %s: %w", w.path, err)
	}
	return nil
}

// Discard abandons the writer without finalizing output. Used on error paths
// where a partial chunk must not survive.
func (w *Writer) Discard() {
	if w.closed {
		return
	}
	w.closed = true
	w.discard()
}

func (w *Writer) discard() {
	w.file.Close()
	os.Remove(w.tmpPath)
}

// ReadRows loads every row from a parquet file written with this schema.
func ReadRows(path string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("read parquet %s: %w", path, err)
	}
	return rows, nil
}
