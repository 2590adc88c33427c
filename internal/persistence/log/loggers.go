package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelfill.ai/internal/sim/world"
)

// JSONLZstdWriter appends JSON lines to hourly files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under baseDir.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Push the block out so readers see every line before the frame closes.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// AuditLogger writes one JSONL entry per voxel written by a fill.
type AuditLogger struct{ w *JSONLZstdWriter }

func NewAuditLogger(worldDir string) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "audit"), "audit")}
}

func (l *AuditLogger) WriteAudit(v world.AuditEntry) error { return l.w.Write(v) }
func (l *AuditLogger) Close() error                        { return l.w.Close() }

// RunLogger writes one JSONL entry per finished fill run.
type RunLogger struct{ w *JSONLZstdWriter }

func NewRunLogger(worldDir string) *RunLogger {
	return &RunLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "runs"), "runs")}
}

func (l *RunLogger) WriteRun(v world.RunLogEntry) error { return l.w.Write(v) }
func (l *RunLogger) Close() error                       { return l.w.Close() }

// Files lists <dir>/<prefix>-*.jsonl.zst in chronological order.
func Files(dir, prefix string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// ErrTruncated is returned by ReadJSONL when the file ends inside an
// unfinished zstd frame, as the current hour does while a server writes it.
// Every complete line before that point has already been passed to fn.
var ErrTruncated = errors.New("log truncated")

// ReadJSONL calls fn for each complete, non-empty line of a compressed log file.
func ReadJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()

	r := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, rerr := r.ReadBytes('\n')
		if rerr == nil {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			if err := fn(line); err != nil {
				return err
			}
			continue
		}
		// A trailing line without its newline was cut mid-write.
		if errors.Is(rerr, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				return fmt.Errorf("%w: partial last line", ErrTruncated)
			}
			return nil
		}
		return fmt.Errorf("%w: %v", ErrTruncated, rerr)
	}
}

// ReadAudits returns every audit entry recorded under worldDir. The newest
// file may still be open for writing; its complete lines are returned.
func ReadAudits(worldDir string) ([]world.AuditEntry, error) {
	files, err := Files(filepath.Join(worldDir, "audit"), "audit")
	if err != nil {
		return nil, err
	}
	var out []world.AuditEntry
	for i, p := range files {
		err := ReadJSONL(p, func(line []byte) error {
			var e world.AuditEntry
			if err := json.Unmarshal(line, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
		if errors.Is(err, ErrTruncated) && i == len(files)-1 {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
	}
	return out, nil
}
