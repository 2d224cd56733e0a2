package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotationOptions bounds the daemon log file.
type RotationOptions struct {
	// MaxBytes rotates before a write would grow the file past this size.
	// Zero or less disables rotation.
	MaxBytes int64
	// MaxAge prunes rotated files older than this. Zero keeps them.
	MaxAge   time.Duration
	Compress bool
}

// RotatingWriter is a size-bounded log file safe for concurrent writers.
// Rotated files are named <path>.<timestamp>-<seq> so two rotations within
// the same second never overwrite each other. A single write larger than
// MaxBytes lands whole in a fresh file.
type RotatingWriter struct {
	mu   sync.Mutex
	path string
	opts RotationOptions
	file *os.File
	size int64
	seq  int
	now  func() time.Time

	compressing sync.WaitGroup
}

// NewRotatingWriter opens path for appending and prunes expired rotations.
func NewRotatingWriter(path string, opts RotationOptions) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{path: path, opts: opts, now: time.Now}
	if err := w.open(); err != nil {
		return nil, err
	}
	w.prune()
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

// Write appends one log record, rotating first when it would not fit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.opts.MaxBytes > 0 && w.size > 0 && w.size+int64(len(p)) > w.opts.MaxBytes {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending compressions.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.compressing.Wait()
	return err
}

func (w *RotatingWriter) rotatedName() string {
	w.seq++
	return fmt.Sprintf("%s.%s-%03d", w.path, w.now().Format("20060102-150405"), w.seq)
}

// rotate must be called with w.mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	rotated := w.rotatedName()
	if err := os.Rename(w.path, rotated); err != nil {
		// Keep logging into the old file rather than dropping records.
		if openErr := w.open(); openErr != nil {
			return openErr
		}
		return err
	}
	if err := w.open(); err != nil {
		return err
	}

	if w.opts.Compress {
		w.compressing.Add(1)
		go func() {
			defer w.compressing.Done()
			if err := compressFile(rotated); err != nil {
				fmt.Fprintf(os.Stderr, "halte: failed to compress %s: %v\n", rotated, err)
			}
		}()
	}
	w.prune()
	return nil
}

// compressFile gzips path into path.gz and removes path once the archive is
// fully written.
func compressFile(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}

	gzw := gzip.NewWriter(dst)
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		dst.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// prune removes rotated files (plain or gzipped) older than MaxAge.
func (w *RotatingWriter) prune() {
	if w.opts.MaxAge <= 0 {
		return
	}

	files, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}

	cutoff := w.now().Add(-w.opts.MaxAge)
	for _, file := range files {
		if !strings.HasPrefix(file, w.path+".") {
			continue
		}
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(file)
		}
	}
}
