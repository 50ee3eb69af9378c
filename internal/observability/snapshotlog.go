package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// jsonlSnapshotLog stores metrics snapshots one per line. Snapshots are
// immutable, so the file is only ever appended to.
type jsonlSnapshotLog struct {
	path string
	mu   sync.Mutex
}

// NewJSONLSnapshotLog creates a SnapshotStore backed by a JSONL file.
func NewJSONLSnapshotLog(path string) (storage.SnapshotStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &jsonlSnapshotLog{path: path}, nil
}

func (l *jsonlSnapshotLog) AppendSnapshot(_ context.Context, s *models.MetricsSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling snapshot: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening snapshot log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func (l *jsonlSnapshotLog) ListSnapshots(_ context.Context, limit int) ([]*models.MetricsSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening snapshot log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []*models.MetricsSnapshot
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var s models.MetricsSnapshot
		if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
			continue // skip malformed lines
		}
		out = append(out, &s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning snapshot log: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
