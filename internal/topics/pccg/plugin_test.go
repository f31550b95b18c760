package pccg

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"watchbot/internal/docstore"
	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

const fixturePage = `<!doctype html>
<html><body>
<ul class="media-list">
  <li>
    <a href="/products/rtx-5080">GeForce RTX 5080 16GB</a>
    <h3>$1099</h3>
    <button>In stock</button>
  </li>
  <li>
    <a href="/products/rtx-5070">GeForce RTX 5070 12GB</a>
    <h3>$799</h3>
    <button>Sold out</button>
  </li>
  <li>
    <a href="/products/rtx-5060">GeForce RTX 5060 8GB</a>
    <h3>Call for price</h3>
    <button>In stock</button>
  </li>
</ul>
</body></html>`

func testPlugin() *Plugin { return New(logx.Nop()) }

func TestParseFixture(t *testing.T) {
	state, err := testPlugin().parse(fixturePage, false)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(state) != 3 {
		t.Fatalf("expected 3 products, got %d", len(state))
	}

	p, ok := state["GeForce RTX 5080 16GB"]
	if !ok {
		t.Fatalf("missing 5080: %v", state)
	}
	if p.Link != "/products/rtx-5080" || p.Status != "In stock" || p.Price != 1099 {
		t.Fatalf("5080 = %+v", p)
	}

	if p := state["GeForce RTX 5070 12GB"]; p.Status != "Sold out" || p.Price != 799 {
		t.Fatalf("5070 = %+v", p)
	}

	// Unparseable price falls back to -1 rather than dropping the product.
	if p := state["GeForce RTX 5060 8GB"]; p.Price != -1 {
		t.Fatalf("5060 price = %d, want -1", p.Price)
	}
}

func TestParseEmptyPage(t *testing.T) {
	page := `<html><body><div>maintenance</div></body></html>`

	_, err := testPlugin().parse(page, false)
	var perr *watch.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}

	state, err := testPlugin().parse(page, true)
	if err != nil {
		t.Fatalf("allow_empty topic should accept an empty page: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("expected empty snapshot, got %v", state)
	}
}

func TestRenderDiffSections(t *testing.T) {
	diff := watch.Diff[Product]{
		Changed: []watch.Change[Product]{{
			Old: Product{Name: "5080", Status: "Sold out", Price: 1099, Link: "l1"},
			New: Product{Name: "5080", Status: "In stock", Price: 1099, Link: "l1"},
		}},
		Added:   []Product{{Name: "5070", Status: "In stock", Price: 799, Link: "l2"}},
		Removed: []Product{{Name: "5060", Status: "Sold out", Link: "l3"}},
	}

	chunks, err := renderDiff("GPUs", diff)
	if err != nil {
		t.Fatalf("renderDiff: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	msg := chunks[0]

	if !strings.HasPrefix(msg, "GPUs stock updated!\n\n") {
		t.Fatalf("missing header: %q", msg)
	}
	for _, want := range []string{
		"'Sold out' -> 'In stock' $1099 l1\n",
		"Newly listed: 'In stock' $799 l2\n",
		"No longer listed: 'Sold out' 5060\n",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	// Changed lines come before added, added before removed.
	if strings.Index(msg, "->") > strings.Index(msg, "Newly listed") ||
		strings.Index(msg, "Newly listed") > strings.Index(msg, "No longer listed") {
		t.Fatalf("sections out of order:\n%s", msg)
	}
}

func TestRenderDiffEmpty(t *testing.T) {
	_, err := renderDiff("GPUs", watch.Diff[Product]{})
	if !errors.Is(err, watch.ErrEmptyDiff) {
		t.Fatalf("expected ErrEmptyDiff, got %v", err)
	}
}

func TestRenderDiffChunksLongListing(t *testing.T) {
	var diff watch.Diff[Product]
	long := strings.Repeat("very-long-product-url-segment/", 4)
	for i := 0; i < 200; i++ {
		diff.Added = append(diff.Added, Product{
			Name: "card", Status: "In stock", Price: 1000 + i, Link: long,
		})
	}

	chunks, err := renderDiff("GPUs", diff)
	if err != nil {
		t.Fatalf("renderDiff: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for 200 items, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n >= watch.MaxChunkLen {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
		if !strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d cut mid-line", i)
		}
	}
}

func TestDescribeSortsByStatusThenPrice(t *testing.T) {
	state := snapshot{
		"b": {Name: "b", Status: "Sold out", Price: 500, Link: "lb"},
		"a": {Name: "a", Status: "In stock", Price: 900, Link: "la"},
		"c": {Name: "c", Status: "In stock", Price: 700, Link: "lc"},
	}
	raw, err := encodeSnapshot(state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := testPlugin().Describe(&docstore.TopicState{Kind: Kind, LastState: raw})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	want := "'In stock' $700 lc\n'In stock' $900 la\n'Sold out' $500 lb\n"
	if out != want {
		t.Fatalf("Describe = %q, want %q", out, want)
	}
}

func TestDescribeEmptySnapshot(t *testing.T) {
	out, err := testPlugin().Describe(&docstore.TopicState{Kind: Kind})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if !strings.Contains(out, "no items tracked yet") {
		t.Fatalf("Describe = %q", out)
	}
}

func TestSnapshotCodecRoundTrip(t *testing.T) {
	in := snapshot{"a": {Name: "a", Status: "In stock", Price: 700, Link: "l"}}
	raw, err := encodeSnapshot(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := decodeSnapshot(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["a"] != in["a"] {
		t.Fatalf("round trip mismatch: %+v", out)
	}

	if s, err := decodeSnapshot(nil); err != nil || len(s) != 0 {
		t.Fatalf("nil raw should decode to empty snapshot, got %v, %v", s, err)
	}

	if _, err := decodeSnapshot(json.RawMessage(`{broken`)); err == nil {
		t.Fatalf("expected decode error for corrupt snapshot")
	}
}
