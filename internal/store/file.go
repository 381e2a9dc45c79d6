package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileCollection stores a collection as one UTF-8 JSON array file that is
// rewritten wholesale on every append.
//
// Appends are serialised by a mutex inside the process and by an advisory
// lock on <path>.lock across processes, and each append re-reads the file
// under that lock. The new content is written to a temp file and renamed over
// the old one, so readers never see a partial write.
type FileCollection struct {
	name    string
	path    string
	log     *slog.Logger
	metrics *Metrics

	mu sync.Mutex
}

func NewFileCollection(name, path string, log *slog.Logger, m *Metrics) *FileCollection {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &FileCollection{name: name, path: path, log: log, metrics: m}
}

// OpenFiles returns a Set backed by inbox.json, outbox.json and messages.json
// inside dir.
func OpenFiles(dir string, log *slog.Logger, m *Metrics) *Set {
	return &Set{
		Inbox:    NewFileCollection(Inbox, filepath.Join(dir, "inbox.json"), log, m),
		Outbox:   NewFileCollection(Outbox, filepath.Join(dir, "outbox.json"), log, m),
		Messages: NewFileCollection(Messages, filepath.Join(dir, "messages.json"), log, m),
	}
}

func (c *FileCollection) Name() string { return c.name }
func (c *FileCollection) Path() string { return c.path }

func (c *FileCollection) Load(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := c.read()
	if err != nil {
		c.metrics.storeError(c.name, "load")
		return nil, err
	}
	return entries, nil
}

func (c *FileCollection) Append(ctx context.Context, entry any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("store %s: encode entry: %w", c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		c.metrics.storeError(c.name, "append")
		return fmt.Errorf("store %s: %w", c.name, err)
	}
	unlock, err := lockFile(ctx, c.path+".lock")
	if err != nil {
		c.metrics.storeError(c.name, "lock")
		return fmt.Errorf("store %s: lock: %w", c.name, err)
	}
	defer unlock()

	entries, err := c.read()
	if err != nil {
		c.metrics.storeError(c.name, "append")
		return err
	}
	entries = append(entries, json.RawMessage(b))
	if err := writeAtomic(c.path, entries); err != nil {
		c.metrics.storeError(c.name, "append")
		return fmt.Errorf("store %s: write: %w", c.name, err)
	}
	c.metrics.appended(c.name)
	return nil
}

// read returns the decoded entries; absent and corrupt files read as empty.
func (c *FileCollection) read() ([]json.RawMessage, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("store %s: read: %w", c.name, err)
	}
	entries, ok := decodeEntries(data)
	if !ok {
		c.metrics.corrupt(c.name)
		c.log.Warn("store_corrupt",
			slog.String("collection", c.name),
			slog.String("path", c.path),
			slog.Int("bytes", len(data)),
		)
		return []json.RawMessage{}, nil
	}
	return entries, nil
}

// decodeEntries accepts a JSON array, a single object (one entry), or an
// ActivityStreams collection object carrying orderedItems/items.
func decodeEntries(data []byte) ([]json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []json.RawMessage{}, true
	}
	switch trimmed[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(trimmed, &entries); err != nil {
			return nil, false
		}
		return entries, true
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, false
		}
		for _, key := range []string{"orderedItems", "items"} {
			if raw, ok := obj[key]; ok {
				var items []json.RawMessage
				if err := json.Unmarshal(raw, &items); err == nil {
					return items, true
				}
			}
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, true
	}
	return nil, false
}

func writeAtomic(path string, entries []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	enc := json.NewEncoder(tmp)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
