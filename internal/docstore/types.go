package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the snapshot store.
//
// Driver values:
//   - "file": JSON document + JSONL audit next to it
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Document is the entire persisted state: every topic with its last scraped
// snapshot and subscriber list, plus the admin allow-list.
//
// It is loaded whole at startup and saved whole on every commit or
// subscription mutation. There is no migration mechanism; schema changes are
// hand-edits.
type Document struct {
	Topics map[string]*TopicState `json:"topics"`
	Admins []int64                `json:"admins"`
}

// TopicState is one polled source. LastState is opaque to everything except
// the plugin selected by Kind.
type TopicState struct {
	Kind       string `json:"kind"`
	Title      string `json:"title,omitempty"`
	URL        string `json:"url"`
	AllowEmpty bool   `json:"allow_empty,omitempty"`

	LastState   json.RawMessage `json:"last_state,omitempty"`
	Subscribers []int64         `json:"subscribers"`
}

// AuditEntry records an operator-visible action (subscription change, topic
// commit, broadcast). Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time `json:"at"`
	ActorID int64     `json:"actor_id,omitempty"`
	Topic   string    `json:"topic,omitempty"`
	Action  string    `json:"action"`
	OK      int       `json:"ok"`
	Fail    int       `json:"fail"`
	Error   string    `json:"error,omitempty"`
	TookMS  int64     `json:"took_ms,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

func NewDocument() *Document {
	return &Document{Topics: map[string]*TopicState{}}
}

// Normalize makes the document safe to use: non-nil maps, deduplicated and
// sorted subscriber lists (stable delivery order).
func (d *Document) Normalize() {
	if d.Topics == nil {
		d.Topics = map[string]*TopicState{}
	}
	for _, ts := range d.Topics {
		if ts == nil {
			continue
		}
		ts.Subscribers = dedupSorted(ts.Subscribers)
	}
	d.Admins = dedupSorted(d.Admins)
}

// Validate rejects documents that would break the engine at runtime.
// Called once at load; failures are fatal configuration errors.
func (d *Document) Validate() error {
	for name, ts := range d.Topics {
		if strings.TrimSpace(name) == "" {
			return errors.New("document: topic with empty name")
		}
		if ts == nil {
			return fmt.Errorf("document: topic %q is null", name)
		}
		if strings.TrimSpace(ts.Kind) == "" {
			return fmt.Errorf("document: topic %q has no kind", name)
		}
	}
	return nil
}

// TopicNames returns the topics in stable iteration order.
func (d *Document) TopicNames() []string {
	names := make([]string, 0, len(d.Topics))
	for name := range d.Topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Document) IsAdmin(id int64) bool {
	for _, a := range d.Admins {
		if a == id {
			return true
		}
	}
	return false
}

func (t *TopicState) HasSubscriber(id int64) bool {
	for _, s := range t.Subscribers {
		if s == id {
			return true
		}
	}
	return false
}

// AddSubscriber reports whether the id was newly added.
func (t *TopicState) AddSubscriber(id int64) bool {
	if t.HasSubscriber(id) {
		return false
	}
	t.Subscribers = append(t.Subscribers, id)
	sort.Slice(t.Subscribers, func(i, j int) bool { return t.Subscribers[i] < t.Subscribers[j] })
	return true
}

// RemoveSubscriber reports whether the id was present.
func (t *TopicState) RemoveSubscriber(id int64) bool {
	for i, s := range t.Subscribers {
		if s == id {
			t.Subscribers = append(t.Subscribers[:i], t.Subscribers[i+1:]...)
			return true
		}
	}
	return false
}

func dedupSorted(ids []int64) []int64 {
	if len(ids) == 0 {
		return ids
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}
