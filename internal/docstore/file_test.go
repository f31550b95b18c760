package docstore

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	logx "watchbot/pkg/logx"
)

func openTestStore(t *testing.T, path string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	ctx := context.Background()

	s := openTestStore(t, path)
	doc := NewDocument()
	doc.Topics["gpu"] = &TopicState{
		Kind:        "pccg",
		URL:         "https://example.test/gpus",
		LastState:   json.RawMessage(`{"a":{"name":"a","status":"In stock","price":700}}`),
		Subscribers: []int64{20, 10},
	}
	doc.Admins = []int64{99}
	if err := s.Save(ctx, doc); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2 := openTestStore(t, path)
	got, err := s2.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ts, ok := got.Topics["gpu"]
	if !ok {
		t.Fatalf("topic lost: %+v", got)
	}
	if ts.Kind != "pccg" || ts.URL != "https://example.test/gpus" {
		t.Fatalf("topic = %+v", ts)
	}
	// Load normalizes: subscribers come back sorted.
	if len(ts.Subscribers) != 2 || ts.Subscribers[0] != 10 || ts.Subscribers[1] != 20 {
		t.Fatalf("subscribers = %v", ts.Subscribers)
	}
	if len(ts.LastState) == 0 {
		t.Fatalf("snapshot lost")
	}
	if !got.IsAdmin(99) || got.IsAdmin(1) {
		t.Fatalf("admins = %v", got.Admins)
	}
}

func TestFileStoreMissingFileStartsEmpty(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "doc.json"))
	doc, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Topics) != 0 || len(doc.Admins) != 0 {
		t.Fatalf("expected empty document, got %+v", doc)
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := openTestStore(t, path)
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatalf("expected error for corrupt document")
	}
}

func TestFileStoreRejectsTopicWithoutKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	raw := `{"topics":{"gpu":{"kind":"","url":"u","subscribers":[]}},"admins":[]}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s := openTestStore(t, path)
	if _, err := s.Load(context.Background()); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFileStoreAuditAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")
	ctx := context.Background()

	s := openTestStore(t, path)
	if err := s.AppendAudit(ctx, AuditEntry{Action: "subscribe", ActorID: 10, Topic: "gpu", OK: 1}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := s.AppendAudit(ctx, AuditEntry{Action: "topic.commit", Topic: "gpu", OK: 2}); err != nil {
		t.Fatalf("audit: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "doc.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()

	var entries []AuditEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("audit line: %v", err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit lines, got %d", len(entries))
	}
	if entries[0].Action != "subscribe" || entries[1].Action != "topic.commit" {
		t.Fatalf("entries = %+v", entries)
	}
	// Call sites leave At unset; the store must stamp it.
	for i, e := range entries {
		if e.At.IsZero() {
			t.Fatalf("entry %d has a zero timestamp", i)
		}
	}
}

func TestDocumentNormalizeDedups(t *testing.T) {
	doc := &Document{
		Topics: map[string]*TopicState{
			"gpu": {Kind: "pccg", Subscribers: []int64{3, 1, 3, 2, 1}},
		},
		Admins: []int64{5, 5, 4},
	}
	doc.Normalize()

	subs := doc.Topics["gpu"].Subscribers
	if len(subs) != 3 || subs[0] != 1 || subs[1] != 2 || subs[2] != 3 {
		t.Fatalf("subscribers = %v", subs)
	}
	if len(doc.Admins) != 2 || doc.Admins[0] != 4 {
		t.Fatalf("admins = %v", doc.Admins)
	}
}
