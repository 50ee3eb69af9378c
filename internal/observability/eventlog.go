package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// EventLog is the append-only event store plus its dead-letter record.
type EventLog interface {
	storage.EventStore
	Close() error
}

// logRecord is one line of the event log. Events are written once; the
// processed transition is appended as a separate mark so existing lines are
// never rewritten outside of retention pruning.
type logRecord struct {
	Event     *models.Event  `json:"event,omitempty"`
	Processed *processedMark `json:"processed,omitempty"`
}

type processedMark struct {
	EventID string    `json:"event_id"`
	At      time.Time `json:"at"`
}

// jsonlEventLog implements EventLog using append-only JSONL files. An
// in-memory index is kept in step with the file by reading any bytes
// appended since the last read, so events written by other processes become
// visible. Appends and retention rewrites of every process sharing the log
// serialize on a sidecar lock file, whose inode never changes.
type jsonlEventLog struct {
	path     string
	deadPath string

	mu       sync.Mutex
	file     *os.File
	readFrom os.FileInfo // file the index was built from
	offset   int64
	events   map[string]*models.Event
	order    []string
}

// NewJSONLEventLog creates an EventLog backed by JSONL files at the given
// paths.
func NewJSONLEventLog(path, deadLetterPath string) (EventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	l := &jsonlEventLog{
		path:     path,
		deadPath: deadLetterPath,
		file:     f,
		events:   make(map[string]*models.Event),
	}
	if err := l.catchUp(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

// catchUp indexes every complete line appended since the last call. Callers
// hold l.mu.
func (l *jsonlEventLog) catchUp() error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening event log for reading: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat event log: %w", err)
	}
	if l.readFrom == nil || !os.SameFile(info, l.readFrom) || info.Size() < l.offset {
		// First read, or the log was pruned and replaced; rebuild.
		l.resetIndex()
		l.readFrom = info
	}
	if info.Size() == l.offset {
		return nil
	}
	if _, err := f.Seek(l.offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking event log: %w", err)
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// A partial trailing line is picked up once its writer finishes.
			return nil
		}
		if err != nil {
			return fmt.Errorf("scanning event log: %w", err)
		}
		l.offset += int64(len(line))
		l.apply(line)
	}
}

func (l *jsonlEventLog) resetIndex() {
	l.offset = 0
	l.events = make(map[string]*models.Event)
	l.order = nil
}

func (l *jsonlEventLog) lockPath() string {
	return l.path + ".lock"
}

// reopenIfReplaced points l.file at the current log file when a retention
// rewrite elsewhere renamed a new file over the one we hold. Callers hold
// the sidecar lock.
func (l *jsonlEventLog) reopenIfReplaced() error {
	current, err := os.Stat(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stat event log: %w", err)
	}
	held, err := l.file.Stat()
	if err != nil {
		return fmt.Errorf("stat open event log: %w", err)
	}
	if current != nil && os.SameFile(current, held) {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopening event log: %w", err)
	}
	_ = l.file.Close()
	l.file = f
	return nil
}

func (l *jsonlEventLog) apply(line []byte) {
	if len(line) <= 1 {
		return
	}
	var rec logRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return // skip malformed lines
	}
	switch {
	case rec.Event != nil:
		if _, exists := l.events[rec.Event.ID]; exists {
			return
		}
		l.events[rec.Event.ID] = rec.Event
		l.order = append(l.order, rec.Event.ID)
	case rec.Processed != nil:
		if e, ok := l.events[rec.Processed.EventID]; ok && !e.Processed {
			at := rec.Processed.At
			e.Processed = true
			e.ProcessedAt = &at
		}
	}
}

// writeRecord appends one line under the sidecar lock so concurrent
// processes never interleave partial lines or write into a pruned file.
func (l *jsonlEventLog) writeRecord(rec logRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshalling event record: %w", err)
	}
	data = append(data, '\n')

	unlock, err := storage.LockFile(l.lockPath())
	if err != nil {
		return fmt.Errorf("locking event log: %w", err)
	}
	defer func() { _ = unlock() }()

	if err := l.reopenIfReplaced(); err != nil {
		return err
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

func (l *jsonlEventLog) AppendEvent(_ context.Context, e *models.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.catchUp(); err != nil {
		return err
	}
	if _, exists := l.events[e.ID]; exists {
		return fmt.Errorf("event %s: %w", e.ID, storage.ErrExists)
	}
	c := cloneEvent(e)
	if err := l.writeRecord(logRecord{Event: c}); err != nil {
		return err
	}
	return l.catchUp()
}

func (l *jsonlEventLog) GetEvent(_ context.Context, id string) (*models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.catchUp(); err != nil {
		return nil, err
	}
	e, ok := l.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	return cloneEvent(e), nil
}

// ListEvents returns matching events in append order. With a Limit only the
// most recent events are kept.
func (l *jsonlEventLog) ListEvents(_ context.Context, filter models.EventFilter) ([]*models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.catchUp(); err != nil {
		return nil, err
	}
	var out []*models.Event
	for _, id := range l.order {
		e := l.events[id]
		if filter.Matches(e) {
			out = append(out, cloneEvent(e))
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (l *jsonlEventLog) MarkProcessed(_ context.Context, id string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.catchUp(); err != nil {
		return err
	}
	e, ok := l.events[id]
	if !ok {
		return fmt.Errorf("event %s: %w", id, storage.ErrNotFound)
	}
	if e.Processed {
		return nil
	}
	if err := l.writeRecord(logRecord{Processed: &processedMark{EventID: id, At: at}}); err != nil {
		return err
	}
	return l.catchUp()
}

// PruneEvents rewrites the log without processed events older than before.
func (l *jsonlEventLog) PruneEvents(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.catchUp(); err != nil {
		return 0, err
	}

	unlock, err := storage.LockFile(l.lockPath())
	if err != nil {
		return 0, fmt.Errorf("locking event log: %w", err)
	}
	defer func() { _ = unlock() }()

	// Pick up anything appended between catchUp and the lock.
	if err := l.catchUp(); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".events-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("creating pruned event log: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	pruned := 0
	for _, id := range l.order {
		e := l.events[id]
		if e.Processed && e.Timestamp.Before(before) {
			pruned++
			continue
		}
		data, err := json.Marshal(logRecord{Event: e})
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return 0, fmt.Errorf("marshalling event record: %w", err)
		}
		_, _ = w.Write(append(data, '\n'))
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("writing pruned event log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("closing pruned event log: %w", err)
	}
	if pruned == 0 {
		_ = os.Remove(tmpName)
		return 0, nil
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("replacing event log: %w", err)
	}

	if err := l.reopenIfReplaced(); err != nil {
		return pruned, err
	}
	return pruned, l.catchUp()
}

func (l *jsonlEventLog) AppendDeadLetter(_ context.Context, d models.DeadLetter) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshalling dead letter: %w", err)
	}
	f, err := os.OpenFile(l.deadPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening dead-letter log: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("locking dead-letter log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters newest first.
func (l *jsonlEventLog) ListDeadLetters(_ context.Context, limit int) ([]models.DeadLetter, error) {
	f, err := os.Open(l.deadPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening dead-letter log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []models.DeadLetter
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var d models.DeadLetter
		if err := json.Unmarshal(scanner.Bytes(), &d); err != nil {
			continue // skip malformed lines
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning dead-letter log: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close closes the underlying log file.
func (l *jsonlEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing event log: %w", err)
	}
	return nil
}

func cloneEvent(e *models.Event) *models.Event {
	c := *e
	if e.Payload != nil {
		c.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			c.Payload[k] = v
		}
	}
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}
