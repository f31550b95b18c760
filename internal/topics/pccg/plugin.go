// Package pccg tracks graphics-card stock on PC Case Gear category pages.
// It is the reference watch.Plugin implementation.
package pccg

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-resty/resty/v2"

	"watchbot/internal/docstore"
	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

const Kind = "pccg"

type Plugin struct {
	log  logx.Logger
	http *resty.Client
}

func New(log logx.Logger) *Plugin {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Plugin{
		log:  log.With(logx.String("plugin", Kind)),
		http: newHTTPClient(),
	}
}

func (p *Plugin) Kind() string { return Kind }

// Run polls the topic's URL, diffs against the last snapshot, and renders the
// notification. Returns (nil, nil, nil) when nothing changed.
func (p *Plugin) Run(ctx context.Context, name string, ts *docstore.TopicState) ([]string, json.RawMessage, error) {
	p.log.Debug("running check", logx.String("topic", name), logx.String("url", ts.URL))

	page, err := p.fetch(ctx, ts.URL)
	if err != nil {
		return nil, nil, err
	}
	next, err := p.parse(page, ts.AllowEmpty)
	if err != nil {
		return nil, nil, err
	}

	last, err := decodeSnapshot(ts.LastState)
	if err != nil {
		return nil, nil, &watch.ParseError{Reason: "stored snapshot is corrupt", Err: err}
	}

	diff := watch.DiffSnapshots(last, next)
	if diff.Empty() {
		return nil, nil, nil
	}

	chunks, err := renderDiff(title(name, ts), diff)
	if err != nil {
		return nil, nil, err
	}
	raw, err := encodeSnapshot(next)
	if err != nil {
		return nil, nil, err
	}
	p.log.Info("changes detected",
		logx.String("topic", name),
		logx.Int("added", len(diff.Added)),
		logx.Int("changed", len(diff.Changed)),
		logx.Int("removed", len(diff.Removed)),
	)
	return chunks, raw, nil
}

// Describe renders the current snapshot, sorted by status then price
// ascending with name as the tie-breaker, so repeated calls produce
// identical output.
func (p *Plugin) Describe(ts *docstore.TopicState) (string, error) {
	state, err := decodeSnapshot(ts.LastState)
	if err != nil {
		return "", fmt.Errorf("stored snapshot is corrupt: %w", err)
	}
	if len(state) == 0 {
		return "no items tracked yet, wait for the first poll", nil
	}

	items := make([]Product, 0, len(state))
	for _, it := range state {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Status != items[j].Status {
			return items[i].Status < items[j].Status
		}
		if items[i].Price != items[j].Price {
			return items[i].Price < items[j].Price
		}
		return items[i].Name < items[j].Name
	})

	b := watch.NewChunkBuilder()
	for _, it := range items {
		b.Add(fmt.Sprintf("'%s' $%d %s\n", it.Status, it.Price, it.Link))
	}
	// Status replies fit one message in practice.
	return strings.Join(b.Chunks(), ""), nil
}

func title(name string, ts *docstore.TopicState) string {
	if ts.Title != "" {
		return ts.Title
	}
	return name
}

// renderDiff turns a non-empty diff into delivery-ordered message chunks in
// the changed / added / removed section order.
func renderDiff(title string, diff watch.Diff[Product]) ([]string, error) {
	if diff.Empty() {
		return nil, watch.ErrEmptyDiff
	}

	b := watch.NewChunkBuilder()
	b.Add(title + " stock updated!\n\n")

	if len(diff.Changed) > 0 {
		for _, ch := range diff.Changed {
			b.Add(fmt.Sprintf("'%s' -> '%s' $%d %s\n", ch.Old.Status, ch.New.Status, ch.New.Price, ch.New.Link))
		}
		b.Newline()
	}
	if len(diff.Added) > 0 {
		for _, it := range diff.Added {
			b.Add(fmt.Sprintf("Newly listed: '%s' $%d %s\n", it.Status, it.Price, it.Link))
		}
		b.Newline()
	}
	if len(diff.Removed) > 0 {
		for _, it := range diff.Removed {
			b.Add(fmt.Sprintf("No longer listed: '%s' %s\n", it.Status, it.Name))
		}
	}

	return b.Chunks(), nil
}
