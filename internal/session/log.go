package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ringLog is the LogReference concept from the data model: an append-only
// log file on disk, paired with the last N lines kept in memory for a fast
// tailLog read without touching the filesystem.
type ringLog struct {
	mu    sync.Mutex
	file  *os.File
	w     *bufio.Writer
	lines []string // ring buffer, oldest-first
	max   int
	total int // total lines ever appended, including ones pushed out of the ring
}

func newRingLog(dir, name string, max int) (*ringLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // name is derived from an opaque session id.
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	return &ringLog{file: f, w: bufio.NewWriter(f), max: max}, nil
}

// Append writes line to the backing file and the in-memory ring.
func (r *ringLog) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.w.WriteString(line)
	_, _ = r.w.WriteString("\n")
	_ = r.w.Flush()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
	r.total++
}

// Tail returns every line appended since cursor, plus the cursor to resume
// from next time. If cursor is older than what the ring still holds, the
// earliest lines still in memory are returned instead of an error — callers
// needing the full history should read the backing file directly.
func (r *ringLog) Tail(cursor int) ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldest := r.total - len(r.lines)
	if cursor < oldest {
		cursor = oldest
	}
	skip := cursor - oldest
	if skip < 0 {
		skip = 0
	}
	if skip >= len(r.lines) {
		return nil, r.total
	}
	out := make([]string, len(r.lines)-skip)
	copy(out, r.lines[skip:])
	return out, r.total
}

func (r *ringLog) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.w.Flush()
	return r.file.Close()
}
