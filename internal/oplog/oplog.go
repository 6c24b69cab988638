package oplog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Record is one entry in the append-only audit trail. Every attempted
// mutating operation produces exactly one record.
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	OpID      string                 `json:"op_id"`
	Persona   string                 `json:"persona"`
	Op        string                 `json:"op"`
	Key       string                 `json:"key,omitempty"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	Before    map[string]interface{} `json:"before,omitempty"`
	After     map[string]interface{} `json:"after,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Log appends self-describing JSON lines to a single file. Appends are
// globally serialized; the engine never truncates the file.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	logger *zap.Logger
}

// Open opens the operation log for appending, creating parent directories
// as needed.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open operation log: %w", err)
	}
	return &Log{f: f, path: path, logger: logger}, nil
}

// Append writes one record and flushes it. Missing timestamp and op_id are
// filled in.
func (l *Log) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	if r.OpID == "" {
		r.OpID = uuid.New().String()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode op record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append op record: %w", err)
	}
	return nil
}

// Tail returns up to n most recent records, oldest first. Used for
// diagnostics; malformed lines are skipped.
func (l *Log) Tail(n int) ([]Record, error) {
	if n <= 0 {
		n = 50
	}
	l.mu.Lock()
	path := l.path
	l.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
		if len(out) > n {
			out = out[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
