package watch

import (
	"context"
	"encoding/json"
	"fmt"

	"watchbot/internal/docstore"
)

// FetchError is a transport-level failure (non-2xx, timeout, DNS, reset).
// Fetch errors are logged and skip the topic's cycle; they never abort the
// whole cycle or the process.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means the payload's structure did not match the expected shape,
// or parsing yielded zero items where that is treated as an upstream breakage
// signal rather than a legitimate empty state.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse: %s: %v", e.Reason, e.Err)
	}
	return "parse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Plugin is one topic implementation: fetch, parse, diff against the last
// snapshot, render. The runner never interprets TopicState.LastState; only
// the plugin selected by TopicState.Kind does.
type Plugin interface {
	// Kind is the registry tag matched against TopicState.Kind.
	Kind() string

	// Run executes one poll for the topic: fetch -> parse -> diff -> render.
	// It returns (nil, nil, nil) when nothing changed. On a non-empty diff it
	// returns the rendered notification chunks plus the encoded new snapshot.
	// FetchError/ParseError propagate to the runner; Run must not swallow them.
	Run(ctx context.Context, name string, ts *docstore.TopicState) (chunks []string, next json.RawMessage, err error)

	// Describe renders the current snapshot as a deterministically ordered,
	// human-readable report.
	Describe(ts *docstore.TopicState) (string, error)
}

// Registry is the closed set of known plugin kinds, built once at startup.
// Lookups after Check() cannot fail.
type Registry struct {
	kinds map[string]Plugin
}

func NewRegistry(plugins ...Plugin) (*Registry, error) {
	r := &Registry{kinds: make(map[string]Plugin, len(plugins))}
	for _, p := range plugins {
		if p == nil || p.Kind() == "" {
			return nil, fmt.Errorf("registry: plugin with empty kind")
		}
		if _, dup := r.kinds[p.Kind()]; dup {
			return nil, fmt.Errorf("registry: duplicate plugin kind %q", p.Kind())
		}
		r.kinds[p.Kind()] = p
	}
	return r, nil
}

func (r *Registry) Get(kind string) (Plugin, bool) {
	p, ok := r.kinds[kind]
	return p, ok
}

// Check verifies every topic in the document resolves to a registered plugin.
// An unknown kind is a fatal configuration error, surfaced before the first
// poll ever runs.
func (r *Registry) Check(doc *docstore.Document) error {
	for _, name := range doc.TopicNames() {
		kind := doc.Topics[name].Kind
		if _, ok := r.kinds[kind]; !ok {
			return fmt.Errorf("topic %q: unknown plugin kind %q", name, kind)
		}
	}
	return nil
}
