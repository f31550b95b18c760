package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"watchbot/internal/docstore"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// fakePlugin reports a change whenever the stored snapshot differs from the
// payload it is primed with, mimicking a real fetch+diff.
type fakePlugin struct {
	mu      sync.Mutex
	payload string
	runs    int
	err     error
}

func (p *fakePlugin) Kind() string { return "fake" }

func (p *fakePlugin) Run(_ context.Context, name string, ts *docstore.TopicState) ([]string, json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	if p.err != nil {
		return nil, nil, p.err
	}
	next, _ := json.Marshal(p.payload)
	if string(ts.LastState) == string(next) {
		return nil, nil, nil
	}
	return []string{name + " changed to " + p.payload + "\n"}, next, nil
}

func (p *fakePlugin) Describe(ts *docstore.TopicState) (string, error) {
	var s string
	if len(ts.LastState) > 0 {
		if err := json.Unmarshal(ts.LastState, &s); err != nil {
			return "", err
		}
	}
	return "state: " + s, nil
}

func (p *fakePlugin) prime(payload string) {
	p.mu.Lock()
	p.payload = payload
	p.mu.Unlock()
}

func (p *fakePlugin) runCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// fakeDispatcher records deliveries and fails the users it is told to fail.
type fakeDispatcher struct {
	mu         sync.Mutex
	sent       map[int64][]string
	failUsers  map[int64]error
	adminNotes []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: map[int64][]string{}, failUsers: map[int64]error{}}
}

func (d *fakeDispatcher) Deliver(_ context.Context, userID int64, chunks []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failUsers[userID]; err != nil {
		return err
	}
	d.sent[userID] = append(d.sent[userID], chunks...)
	return nil
}

func (d *fakeDispatcher) NotifyAdmins(_ context.Context, _ []int64, text string) {
	d.mu.Lock()
	d.adminNotes = append(d.adminNotes, text)
	d.mu.Unlock()
}

func (d *fakeDispatcher) delivered(userID int64) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent[userID]...)
}

// memStore keeps the last saved document as JSON so tests can assert on what
// was actually persisted, not just the in-memory document.
type memStore struct {
	mu      sync.Mutex
	saved   []byte
	saveErr error
	audits  []docstore.AuditEntry
}

func (s *memStore) Load(context.Context) (*docstore.Document, error) {
	return docstore.NewDocument(), nil
}

func (s *memStore) Save(_ context.Context, doc *docstore.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.saved = b
	return nil
}

func (s *memStore) AppendAudit(_ context.Context, e docstore.AuditEntry) error {
	s.mu.Lock()
	s.audits = append(s.audits, e)
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) savedTopicState(t *testing.T, topic string) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		return ""
	}
	var doc docstore.Document
	require.NoError(t, json.Unmarshal(s.saved, &doc))
	ts, ok := doc.Topics[topic]
	if !ok {
		return ""
	}
	return string(ts.LastState)
}

func newTestRunner(t *testing.T, doc *docstore.Document) (*Runner, *fakePlugin, *fakeDispatcher, *memStore) {
	t.Helper()
	plugin := &fakePlugin{}
	disp := newFakeDispatcher()
	store := &memStore{}
	reg, err := NewRegistry(plugin)
	require.NoError(t, err)
	r, err := NewRunner(Config{}, doc, store, reg, disp, logx.Nop(), nil)
	require.NoError(t, err)
	return r, plugin, disp, store
}

func testDoc(topic string, subscribers ...int64) *docstore.Document {
	doc := docstore.NewDocument()
	doc.Topics[topic] = &docstore.TopicState{Kind: "fake", Subscribers: subscribers}
	return doc
}

func TestCycleDeliversAndCommits(t *testing.T) {
	doc := testDoc("gpu", 10, 20)
	r, plugin, disp, store := newTestRunner(t, doc)

	plugin.prime("v1")
	r.RunCycle(context.Background())

	require.Equal(t, []string{"gpu changed to v1\n"}, disp.delivered(10))
	require.Equal(t, []string{"gpu changed to v1\n"}, disp.delivered(20))
	require.Equal(t, `"v1"`, store.savedTopicState(t, "gpu"))
}

func TestCycleNoChangeSendsNothing(t *testing.T) {
	doc := testDoc("gpu", 10)
	r, plugin, disp, store := newTestRunner(t, doc)

	plugin.prime("v1")
	r.RunCycle(context.Background())
	require.Len(t, disp.delivered(10), 1)

	// Same payload again: the stored snapshot matches, so nothing goes out.
	r.RunCycle(context.Background())
	require.Len(t, disp.delivered(10), 1)
	require.Equal(t, `"v1"`, store.savedTopicState(t, "gpu"))
}

func TestDeliveryFailureAbortsCommitThenRetries(t *testing.T) {
	doc := testDoc("gpu", 10, 20)
	r, plugin, disp, store := newTestRunner(t, doc)

	plugin.prime("v1")
	disp.mu.Lock()
	disp.failUsers[20] = errors.New("network down")
	disp.mu.Unlock()

	r.RunCycle(context.Background())

	// User 10 got the message but the commit was aborted.
	require.Len(t, disp.delivered(10), 1)
	require.Empty(t, disp.delivered(20))
	require.Empty(t, store.savedTopicState(t, "gpu"))

	// Next cycle regenerates the identical diff for everyone.
	disp.mu.Lock()
	delete(disp.failUsers, 20)
	disp.mu.Unlock()
	r.RunCycle(context.Background())

	require.Equal(t, []string{"gpu changed to v1\n", "gpu changed to v1\n"}, disp.delivered(10))
	require.Equal(t, []string{"gpu changed to v1\n"}, disp.delivered(20))
	require.Equal(t, `"v1"`, store.savedTopicState(t, "gpu"))
}

func TestUnresolvableSubscriberDoesNotAbortCommit(t *testing.T) {
	doc := testDoc("gpu", 10, 20)
	doc.Admins = []int64{99}
	r, plugin, disp, store := newTestRunner(t, doc)

	plugin.prime("v1")
	disp.mu.Lock()
	disp.failUsers[20] = fmt.Errorf("resolve 20: %w", kit.ErrRecipientNotFound)
	disp.mu.Unlock()

	r.RunCycle(context.Background())

	require.Len(t, disp.delivered(10), 1)
	require.Equal(t, `"v1"`, store.savedTopicState(t, "gpu"))
	require.Len(t, disp.adminNotes, 1)
	require.Contains(t, disp.adminNotes[0], "20")
}

func TestZeroSubscribersStillCommits(t *testing.T) {
	doc := testDoc("gpu")
	r, plugin, _, store := newTestRunner(t, doc)

	plugin.prime("v1")
	r.RunCycle(context.Background())

	require.Equal(t, `"v1"`, store.savedTopicState(t, "gpu"))
}

func TestPluginErrorIsolatedPerTopic(t *testing.T) {
	doc := testDoc("gpu", 10)
	doc.Topics["cpu"] = &docstore.TopicState{Kind: "fake", Subscribers: []int64{10}}
	r, plugin, disp, _ := newTestRunner(t, doc)

	plugin.mu.Lock()
	plugin.err = &FetchError{URL: "http://example.test", Status: 503}
	plugin.mu.Unlock()

	r.RunCycle(context.Background())
	require.Empty(t, disp.delivered(10))

	plugin.mu.Lock()
	plugin.err = nil
	plugin.mu.Unlock()
	plugin.prime("v1")
	r.RunCycle(context.Background())
	require.Len(t, disp.delivered(10), 2)
}

func TestTriggerSkipsWhileCycleRunning(t *testing.T) {
	doc := testDoc("gpu", 10)
	r, plugin, _, _ := newTestRunner(t, doc)

	r.running.Store(true)
	r.trigger(context.Background())
	require.Zero(t, plugin.runCount())

	r.running.Store(false)
	r.trigger(context.Background())
	require.Equal(t, 1, plugin.runCount())
}

func TestApplyKeepsShutdownCancellation(t *testing.T) {
	doc := testDoc("gpu", 10)
	r, plugin, _, _ := newTestRunner(t, doc)
	plugin.prime("v1")

	// Intervals are hours so the scheduler never fires on its own here.
	r.Apply(Config{Enabled: true, Interval: time.Hour, FetchTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() { r.Stop(context.Background()) })

	r.Apply(Config{Enabled: true, Interval: 2 * time.Hour, FetchTimeout: time.Second})
	cancel()

	r.cronMu.Lock()
	job := r.c.Entry(r.entry).Job
	r.cronMu.Unlock()
	job.Run()

	// The re-registered trigger still observes the shutdown: no poll ran.
	require.Zero(t, plugin.runCount())
}

func TestSubscribeLifecycle(t *testing.T) {
	doc := testDoc("gpu")
	r, _, _, store := newTestRunner(t, doc)
	ctx := context.Background()

	added, err := r.Subscribe(ctx, "gpu", 10)
	require.NoError(t, err)
	require.True(t, added)

	added, err = r.Subscribe(ctx, "gpu", 10)
	require.NoError(t, err)
	require.False(t, added)

	_, err = r.Subscribe(ctx, "nope", 10)
	require.ErrorIs(t, err, ErrUnknownTopic)

	require.Equal(t, []string{"gpu"}, r.Subscriptions(10))

	removed, err := r.Unsubscribe(ctx, "gpu", 10)
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = r.Unsubscribe(ctx, "gpu", 10)
	require.NoError(t, err)
	require.False(t, removed)

	require.NotEmpty(t, store.audits)
}

func TestSubscribeRollsBackOnSaveFailure(t *testing.T) {
	doc := testDoc("gpu")
	r, _, _, store := newTestRunner(t, doc)

	store.mu.Lock()
	store.saveErr = errors.New("disk full")
	store.mu.Unlock()

	_, err := r.Subscribe(context.Background(), "gpu", 10)
	require.Error(t, err)
	require.Empty(t, r.Subscriptions(10))
}

func TestUnknownKindRejectedAtConstruction(t *testing.T) {
	doc := docstore.NewDocument()
	doc.Topics["gpu"] = &docstore.TopicState{Kind: "mystery"}

	reg, err := NewRegistry(&fakePlugin{})
	require.NoError(t, err)
	_, err = NewRunner(Config{}, doc, &memStore{}, reg, newFakeDispatcher(), logx.Nop(), nil)
	require.Error(t, err)
}
