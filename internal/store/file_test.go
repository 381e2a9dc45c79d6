package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/k1networth/activitypub-lmtp/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newCollection(t *testing.T, content *string) (*store.FileCollection, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "outbox.json")
	if content != nil {
		if err := os.WriteFile(path, []byte(*content), 0o644); err != nil {
			t.Fatalf("seed file: %v", err)
		}
	}
	return store.NewFileCollection(store.Outbox, path, nil, nil), path
}

func strPtr(s string) *string { return &s }

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content *string
		want    []string
	}{
		{name: "MissingFile", content: nil, want: []string{}},
		{name: "EmptyFile", content: strPtr("  \n"), want: []string{}},
		{name: "Array", content: strPtr(`[{"type":"Follow"},{"type":"Accept"}]`), want: []string{`{"type":"Follow"}`, `{"type":"Accept"}`}},
		{name: "SingleObject", content: strPtr(`{"type":"Accept","actor":"a"}`), want: []string{`{"type":"Accept","actor":"a"}`}},
		{name: "OrderedCollection", content: strPtr(`{"type":"OrderedCollection","orderedItems":[{"n":1},{"n":2}]}`), want: []string{`{"n":1}`, `{"n":2}`}},
		{name: "Collection", content: strPtr(`{"type":"Collection","items":[{"n":1}]}`), want: []string{`{"n":1}`}},
		{name: "MalformedJSON", content: strPtr(`[{"type":"Follow"},`), want: []string{}},
		{name: "Scalar", content: strPtr(`42`), want: []string{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newCollection(t, tc.content)
			got, err := c.Load(context.Background())
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d entries, got %d (%s)", len(tc.want), len(got), got)
			}
			for i := range got {
				if string(got[i]) != tc.want[i] {
					t.Fatalf("entry %d: expected %s, got %s", i, tc.want[i], got[i])
				}
			}
		})
	}
}

func TestAppendCreatesFileAndDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "inbox.json")
	c := store.NewFileCollection(store.Inbox, path, nil, nil)

	if err := c.Append(context.Background(), map[string]string{"type": "Follow", "note": "<b>&</b>"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := c.Append(context.Background(), store.MessageRecord{Timestamp: "t", Type: "Follow"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("expected a JSON array on disk, got %s: %v", data, err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !strings.Contains(string(data), "<b>&</b>") {
		t.Fatalf("expected html characters to be written unescaped, got %s", data)
	}
	if !strings.Contains(string(data), "\n  {") {
		t.Fatalf("expected indented output, got %s", data)
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".inbox.json.tmp-*"))
	if len(leftovers) != 0 {
		t.Fatalf("expected no temp files, got %v", leftovers)
	}
}

func TestAppendOverCorruptFileResets(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := store.NewMetrics(reg)
	path := filepath.Join(t.TempDir(), "messages.json")
	if err := os.WriteFile(path, []byte("{{{ not json"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c := store.NewFileCollection(store.Messages, path, nil, m)

	if err := c.Append(context.Background(), map[string]int{"n": 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := c.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || string(got[0]) != `{"n":1}` {
		t.Fatalf("expected only the new entry, got %s", got)
	}
	if v := testutil.ToFloat64(m.CorruptTotal.WithLabelValues(store.Messages)); v != 1 {
		t.Fatalf("expected corrupt counter 1, got %v", v)
	}
	if v := testutil.ToFloat64(m.AppendedTotal.WithLabelValues(store.Messages)); v != 1 {
		t.Fatalf("expected appended counter 1, got %v", v)
	}
}

func TestConcurrentAppendsAreNotLost(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	// Two handles on the same file model two independent writers.
	writers := []*store.FileCollection{
		store.NewFileCollection(store.Outbox, path, nil, nil),
		store.NewFileCollection(store.Outbox, path, nil, nil),
	}

	const perWriter = 25
	var wg sync.WaitGroup
	errs := make(chan error, perWriter*len(writers))
	for w, c := range writers {
		for i := 0; i < perWriter; i++ {
			wg.Add(1)
			go func(w, i int, c *store.FileCollection) {
				defer wg.Done()
				errs <- c.Append(context.Background(), map[string]string{"id": fmt.Sprintf("%d-%d", w, i)})
			}(w, i, c)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := writers[0].Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != perWriter*len(writers) {
		t.Fatalf("expected %d entries, got %d", perWriter*len(writers), len(got))
	}
}

func TestLatest(t *testing.T) {
	c, _ := newCollection(t, strPtr(`[{"n":1},{"n":2}]`))
	latest, ok, err := store.Latest(context.Background(), c)
	if err != nil || !ok {
		t.Fatalf("expected latest entry, ok=%v err=%v", ok, err)
	}
	if string(latest) != `{"n":2}` {
		t.Fatalf("expected last entry, got %s", latest)
	}

	empty, _ := newCollection(t, nil)
	if _, ok, _ := store.Latest(context.Background(), empty); ok {
		t.Fatalf("expected no entry in missing collection")
	}
}

func TestLoadHonoursCancelledContext(t *testing.T) {
	c, _ := newCollection(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Load(ctx); err == nil {
		t.Fatalf("expected context error")
	}
	if err := c.Append(ctx, map[string]int{}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestOpenFilesByName(t *testing.T) {
	dir := t.TempDir()
	set := store.OpenFiles(dir, nil, nil)
	for _, name := range []string{store.Inbox, store.Outbox, store.Messages} {
		c := set.ByName(name)
		if c == nil || c.Name() != name {
			t.Fatalf("expected collection %q, got %v", name, c)
		}
		fc := c.(*store.FileCollection)
		if fc.Path() != filepath.Join(dir, name+".json") {
			t.Fatalf("unexpected path %q", fc.Path())
		}
	}
	if set.ByName("other") != nil {
		t.Fatalf("expected nil for unknown collection")
	}
}
