// Package resultfile implements the row encoding and atomic file-handoff
// primitives shared by TaskRunner (writer), ResultFileServer (reader), and
// ResultMerger (remote reader): a deterministic, line-oriented row encoding
// agreed between worker and coordinator, optional gzip compression in
// flight, and the writing-name -> ready-name atomic rename that hands a
// file from writer to server.
package resultfile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// WritingSuffix and ReadySuffix name a result file's two lifecycle states on
// disk; the worker never lets the coordinator observe the writing name.
const (
	WritingSuffix = ".writing"
	ReadySuffix   = ".result"
)

// Path derives the deterministic base path for a bundle's result file from
// (coordinator_id, query_id, bundle_id).
func Path(dir, coordinatorID string, queryID, bundleID int64) string {
	name := fmt.Sprintf("%s-%d-%d", coordinatorID, queryID, bundleID)
	return filepath.Join(dir, name)
}

// Row is one result row: an ordered list of column values. The encoding
// treats every value as its JSON representation, which keeps the format
// simple and stable without committing to a binary layout the core does not
// otherwise care about.
type Row struct {
	Values []any `json:"v"`
}

// Writer streams rows into a result file under its writing name, tracking
// row and byte counts so TaskRunner can enforce a row/byte cap without a
// second pass over the file.
type Writer struct {
	f          *os.File
	w          io.Writer
	gz         *gzip.Writer
	bw         *bufio.Writer
	rows       int64
	bytes      int64
	writingPth string
	readyPath  string
}

// NewWriter creates the writing-name file for basePath, optionally wrapping
// it in gzip compression.
func NewWriter(basePath string, compress bool) (*Writer, error) {
	writingPath := basePath + WritingSuffix
	if err := os.MkdirAll(filepath.Dir(writingPath), 0o755); err != nil {
		return nil, fmt.Errorf("resultfile: mkdir: %w", err)
	}
	f, err := os.Create(writingPath)
	if err != nil {
		return nil, fmt.Errorf("resultfile: create %s: %w", writingPath, err)
	}
	bw := bufio.NewWriter(f)
	wtr := &Writer{f: f, bw: bw, writingPth: writingPath, readyPath: basePath + ReadySuffix}
	if compress {
		wtr.gz = gzip.NewWriter(bw)
		wtr.w = wtr.gz
	} else {
		wtr.w = bw
	}
	return wtr, nil
}

// WriteRow appends one row and returns the running row/byte totals.
func (w *Writer) WriteRow(row Row) (rows, bytesWritten int64, err error) {
	b, err := json.Marshal(row)
	if err != nil {
		return w.rows, w.bytes, fmt.Errorf("resultfile: marshal row: %w", err)
	}
	n, err := w.w.Write(append(b, '\n'))
	if err != nil {
		return w.rows, w.bytes, fmt.Errorf("resultfile: write row: %w", err)
	}
	w.rows++
	w.bytes += int64(n)
	return w.rows, w.bytes, nil
}

// Rows and Bytes report the running counters without requiring a flush.
func (w *Writer) Rows() int64  { return w.rows }
func (w *Writer) Bytes() int64 { return w.bytes }

// Abort closes and removes the writing-name file without renaming it ready,
// used when a task is cancelled or fails before producing a usable file.
func (w *Writer) Abort() error {
	if w.gz != nil {
		_ = w.gz.Close()
	}
	_ = w.bw.Flush()
	_ = w.f.Close()
	return os.Remove(w.writingPth)
}

// Close finishes writing and performs the atomic rename from writing name to
// ready name.
// Returns the ready path.
func (w *Writer) Close() (string, error) {
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			_ = w.f.Close()
			return "", fmt.Errorf("resultfile: close gzip: %w", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		_ = w.f.Close()
		return "", fmt.Errorf("resultfile: flush: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return "", fmt.Errorf("resultfile: fsync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return "", fmt.Errorf("resultfile: close: %w", err)
	}
	if err := os.Rename(w.writingPth, w.readyPath); err != nil {
		return "", fmt.Errorf("resultfile: rename to ready: %w", err)
	}
	return w.readyPath, nil
}

// Reader streams rows back out of a local ready-name result file (the
// worker's ResultFileServer serves the raw file bytes without decoding
// them); ResultMerger reads the HTTP body via DecodeStream rather than
// through this type.
type Reader struct {
	f  *os.File
	gz *gzip.Reader
	br *bufio.Scanner
}

func OpenReader(path string, compressed bool) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("resultfile: open %s: %w", path, err)
	}
	r := &Reader{f: f}
	var src io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("resultfile: gzip reader: %w", err)
		}
		r.gz = gz
		src = gz
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	r.br = scanner
	return r, nil
}

// Next decodes the next row, returning io.EOF when exhausted.
func (r *Reader) Next() (Row, error) {
	if !r.br.Scan() {
		if err := r.br.Err(); err != nil {
			return Row{}, err
		}
		return Row{}, io.EOF
	}
	var row Row
	if err := json.Unmarshal(r.br.Bytes(), &row); err != nil {
		return Row{}, fmt.Errorf("resultfile: decode row: %w", err)
	}
	return row, nil
}

func (r *Reader) Close() error {
	if r.gz != nil {
		_ = r.gz.Close()
	}
	return r.f.Close()
}

// DecodeStream reads rows directly from an arbitrary io.Reader (e.g. an
// HTTP response body), used by ResultMerger which never touches the local
// filesystem for a remote file.
func DecodeStream(r io.Reader, compressed bool) (*StreamDecoder, error) {
	src := r
	var gz *gzip.Reader
	if compressed {
		g, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("resultfile: gzip stream: %w", err)
		}
		gz = g
		src = g
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &StreamDecoder{gz: gz, scanner: scanner}, nil
}

type StreamDecoder struct {
	gz      *gzip.Reader
	scanner *bufio.Scanner
}

func (d *StreamDecoder) Next() (Row, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return Row{}, err
		}
		return Row{}, io.EOF
	}
	var row Row
	if err := json.Unmarshal(d.scanner.Bytes(), &row); err != nil {
		return Row{}, fmt.Errorf("resultfile: decode stream row: %w", err)
	}
	return row, nil
}

func (d *StreamDecoder) Close() error {
	if d.gz != nil {
		return d.gz.Close()
	}
	return nil
}
