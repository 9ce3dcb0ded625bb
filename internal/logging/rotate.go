package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

const (
	rotateMaxBytes = 10 * 1024 * 1024
	rotateMaxGen   = 5
)

// rotator is a size-bounded, gzip-compressing append writer. It satisfies
// io.Writer; rotation happens synchronously on the write that crosses the
// size threshold, avoiding a background goroutine for simple plumbing code.
type rotator struct {
	mu      sync.Mutex
	dir     string
	name    string
	f       *os.File
	written int64
}

func newRotator(dir, name string) (*rotator, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &rotator{dir: dir, name: name}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotator) path() string { return filepath.Join(r.dir, r.name) }

func (r *rotator) open() error {
	f, err := os.OpenFile(r.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.f = f
	r.written = info.Size()
	return nil
}

func (r *rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written+int64(len(p)) > rotateMaxBytes {
		if err := r.rotate(); err != nil {
			// Keep writing to the existing file rather than drop logs.
			return r.f.Write(p)
		}
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

// rotate closes the active file, gzips it into generation 1, shifts older
// generations up, drops anything past rotateMaxGen, and opens a fresh file.
func (r *rotator) rotate() error {
	if err := r.f.Close(); err != nil {
		return err
	}

	// Shift .1.gz -> .2.gz -> ... dropping the oldest.
	for gen := rotateMaxGen - 1; gen >= 1; gen-- {
		from := r.genPath(gen)
		to := r.genPath(gen + 1)
		if _, err := os.Stat(from); err == nil {
			if gen+1 > rotateMaxGen {
				_ = os.Remove(from)
				continue
			}
			_ = os.Rename(from, to)
		}
	}

	if err := gzipFile(r.path(), r.genPath(1)); err != nil {
		// Reopen regardless so logging keeps working.
		_ = r.open()
		return err
	}
	if err := os.Remove(r.path()); err != nil {
		return err
	}
	return r.open()
}

func (r *rotator) genPath(gen int) string {
	return fmt.Sprintf("%s.%d.gz", r.path(), gen)
}

func gzipFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(filepath.Clean(dst))
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		_ = gw.Close()
		return err
	}
	return gw.Close()
}
