package fanout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// FileTransport writes each delivery as a markdown file with YAML
// frontmatter under baseDir/outbox/<box>/, where box is the subscription's
// endpoint or its id.
type FileTransport struct {
	outboxDir string
	now       func() time.Time
}

// OutboxItem is one delivered file read back from an outbox.
type OutboxItem struct {
	Frontmatter OutboxFrontmatter
	Body        string
	Path        string
}

// OutboxFrontmatter is the YAML header of an outbox file.
type OutboxFrontmatter struct {
	ID            string `yaml:"id"`
	EventType     string `yaml:"event_type"`
	EntityID      string `yaml:"entity_id"`
	EntityType    string `yaml:"entity_type,omitempty"`
	Subscription  string `yaml:"subscription"`
	Subscriber    string `yaml:"subscriber"`
	Timestamp     string `yaml:"timestamp"`
	DeliveredAt   string `yaml:"delivered_at"`
	CorrelationID string `yaml:"correlation_id,omitempty"`
	Status        string `yaml:"status"`
}

// NewFileTransport creates a file transport rooted at baseDir.
func NewFileTransport(baseDir string) (*FileTransport, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("creating file transport: base dir is empty")
	}
	outbox := filepath.Join(baseDir, "outbox")
	if err := os.MkdirAll(outbox, 0o755); err != nil {
		return nil, fmt.Errorf("creating outbox directory %s: %w", outbox, err)
	}
	return &FileTransport{outboxDir: outbox, now: time.Now}, nil
}

func (t *FileTransport) Method() models.DeliveryMethod { return models.DeliveryFile }

// BoxDir returns the directory deliveries for sub are written to.
func (t *FileTransport) BoxDir(sub *models.Subscription) (string, error) {
	box := sub.ID
	if sub.Endpoint != "" {
		box = filepath.Clean(sub.Endpoint)
		if filepath.IsAbs(box) || box == "." || strings.HasPrefix(box, "..") {
			return "", fmt.Errorf("outbox name %q must be a relative path inside the outbox", sub.Endpoint)
		}
	}
	return filepath.Join(t.outboxDir, box), nil
}

func (t *FileTransport) Deliver(_ context.Context, sub *models.Subscription, e *models.Event) error {
	dir, err := t.BoxDir(sub)
	if err != nil {
		return Permanent(err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating outbox %s: %w", dir, err)
	}

	now := t.now().UTC()
	fm := OutboxFrontmatter{
		ID:            e.ID,
		EventType:     string(e.Type),
		EntityID:      e.EntityID,
		EntityType:    string(e.EntityKind),
		Subscription:  sub.ID,
		Subscriber:    sub.SubscriberID,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		DeliveredAt:   now.Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
		Status:        "sent",
	}
	body, err := renderEventBody(e)
	if err != nil {
		return Permanent(err)
	}
	content, err := renderOutboxFile(fm, body)
	if err != nil {
		return Permanent(fmt.Errorf("rendering outbox file: %w", err))
	}

	// Timestamp prefix keeps directory order equal to delivery order.
	name := fmt.Sprintf("%s-%s.md", now.Format("20060102T150405.000000000"), e.ID)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing outbox file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publishing outbox file: %w", err)
	}
	return nil
}

func (t *FileTransport) Close() error { return nil }

// ReadOutbox returns the items in dir in delivery order. Malformed files
// are skipped.
func ReadOutbox(dir string) ([]OutboxItem, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading outbox directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var items []OutboxItem
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		fm, body, err := parseOutboxFile(string(data))
		if err != nil {
			continue
		}
		items = append(items, OutboxItem{Frontmatter: fm, Body: body, Path: path})
	}
	return items, nil
}

func renderEventBody(e *models.Event) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s: %s\n", e.Type, e.EntityID)
	if len(e.Payload) > 0 {
		payload, err := yaml.Marshal(e.Payload)
		if err != nil {
			return "", fmt.Errorf("marshaling event payload: %w", err)
		}
		sb.WriteString("\n```yaml\n")
		sb.Write(payload)
		sb.WriteString("```\n")
	}
	return sb.String(), nil
}

// renderOutboxFile produces a markdown string with YAML frontmatter.
func renderOutboxFile(fm OutboxFrontmatter, body string) (string, error) {
	fmBytes, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("marshaling frontmatter: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(fmBytes)
	sb.WriteString("---\n\n")
	sb.WriteString(body)
	return sb.String(), nil
}

// parseOutboxFile splits a file into its YAML frontmatter and body.
func parseOutboxFile(content string) (OutboxFrontmatter, string, error) {
	var fm OutboxFrontmatter
	if !strings.HasPrefix(content, "---\n") {
		return fm, content, fmt.Errorf("no frontmatter delimiter found")
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return fm, content, fmt.Errorf("no closing frontmatter delimiter found")
	}
	body := strings.TrimLeft(rest[idx+5:], "\n")
	if err := yaml.Unmarshal([]byte(rest[:idx]), &fm); err != nil {
		return fm, body, fmt.Errorf("unmarshaling frontmatter: %w", err)
	}
	return fm, body, nil
}
