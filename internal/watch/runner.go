package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"watchbot/internal/docstore"
	"watchbot/internal/eventbus"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// ErrUnknownTopic is returned by subscription operations for a topic name the
// document does not contain.
var ErrUnknownTopic = errors.New("unknown topic")

// Dispatcher delivers rendered notification chunks to one subscriber, strictly
// in chunk order, each send acknowledged before the next. Implemented by the
// notify service; faked in tests.
type Dispatcher interface {
	Deliver(ctx context.Context, userID int64, chunks []string) error
	// NotifyAdmins is a best-effort side channel; it must never block a cycle
	// on failure.
	NotifyAdmins(ctx context.Context, adminIDs []int64, text string)
}

type Config struct {
	Enabled      bool
	Interval     time.Duration
	FetchTimeout time.Duration
	Timezone     string
}

// Runner drives one poll cycle across all topics on a fixed cadence and owns
// the document between cycles.
//
// Locking discipline: docMu serializes every document access (the commit
// step, subscription mutations, status reads). It is held while mutating
// or persisting the document, never across a fetch or a delivery call.
type Runner struct {
	log   logx.Logger
	bus   eventbus.Bus
	store docstore.Store
	reg   *Registry
	disp  Dispatcher

	cfgMu sync.Mutex
	cfg   Config

	docMu sync.Mutex
	doc   *docstore.Document

	cronMu sync.Mutex
	c      *cron.Cron
	entry  cron.EntryID
	// runCtx is the context Start was given. Re-registered triggers (interval
	// hot-reload) must keep observing its cancellation.
	runCtx context.Context

	// running rejects overlapping cycle triggers. A firing while a cycle is
	// in flight is dropped, never queued.
	running atomic.Bool
}

func NewRunner(cfg Config, doc *docstore.Document, store docstore.Store, reg *Registry, disp Dispatcher, log logx.Logger, bus eventbus.Bus) (*Runner, error) {
	if doc == nil {
		return nil, errors.New("nil document")
	}
	if err := reg.Check(doc); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		log:   log,
		bus:   bus,
		store: store,
		reg:   reg,
		disp:  disp,
		cfg:   cfg,
		doc:   doc,
	}, nil
}

func (r *Runner) Enabled() bool {
	r.cfgMu.Lock()
	defer r.cfgMu.Unlock()
	return r.cfg.Enabled
}

// Start registers the poll trigger. The trigger itself never queues: if a
// cycle is still running when the interval fires, the firing is dropped.
func (r *Runner) Start(ctx context.Context) error {
	r.cfgMu.Lock()
	cfg := r.cfg
	r.cfgMu.Unlock()
	if !cfg.Enabled {
		r.log.Info("poller disabled")
		return nil
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return fmt.Errorf("poller.timezone: %w", err)
		}
		loc = l
	}

	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.c != nil {
		return nil
	}
	r.c = cron.New(cron.WithLocation(loc))
	r.runCtx = ctx
	id, err := r.c.AddFunc(fmt.Sprintf("@every %s", cfg.Interval), func() { r.trigger(ctx) })
	if err != nil {
		r.c = nil
		return err
	}
	r.entry = id
	r.c.Start()
	r.log.Info("poller started", logx.Duration("interval", cfg.Interval))
	return nil
}

func (r *Runner) Stop(ctx context.Context) {
	r.cronMu.Lock()
	c := r.c
	r.c = nil
	r.cronMu.Unlock()
	if c == nil {
		return
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		r.log.Warn("poller stop timed out with a cycle in flight")
	}
}

// Apply updates the poll interval live. Topic definitions and the storage
// driver are startup-only; only cadence is hot-reloadable.
func (r *Runner) Apply(cfg Config) {
	r.cfgMu.Lock()
	prev := r.cfg
	if cfg.Interval <= 0 {
		cfg.Interval = prev.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = prev.FetchTimeout
	}
	r.cfg = cfg
	r.cfgMu.Unlock()

	if cfg.Interval == prev.Interval {
		return
	}
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	if r.c == nil {
		return
	}
	ctx := r.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	r.c.Remove(r.entry)
	id, err := r.c.AddFunc(fmt.Sprintf("@every %s", cfg.Interval), func() { r.trigger(ctx) })
	if err != nil {
		r.log.Error("poll interval update failed", logx.Err(err))
		return
	}
	r.entry = id
	r.log.Info("poll interval updated", logx.Duration("interval", cfg.Interval))
}

func (r *Runner) trigger(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Warn("cycle already running, skipping trigger")
		return
	}
	defer r.running.Store(false)
	r.RunCycle(ctx)
}

// RunCycle runs one poll-diff-notify-commit pass over every topic in stable
// order. Per-topic failures are isolated; the cycle always finishes.
func (r *Runner) RunCycle(ctx context.Context) {
	start := time.Now()

	r.docMu.Lock()
	names := r.doc.TopicNames()
	admins := append([]int64(nil), r.doc.Admins...)
	r.docMu.Unlock()

	committed, failed := 0, 0
	for _, name := range names {
		if ctx.Err() != nil {
			r.log.Warn("cycle aborted by shutdown", logx.String("topic", name))
			break
		}
		if err := r.pollTopic(ctx, name, admins); err != nil {
			failed++
			r.log.Warn("topic poll failed", logx.String("topic", name), logx.Err(err))
			if r.bus != nil {
				r.bus.Publish(eventbus.Event{Type: eventbus.TypeTopicFailed, Data: map[string]any{"topic": name, "err": err.Error()}})
			}
		} else {
			committed++
		}
	}

	took := time.Since(start)
	r.log.Info("cycle finished",
		logx.Int("topics", len(names)),
		logx.Int("ok", committed),
		logx.Int("failed", failed),
		logx.Duration("took", took),
	)
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: map[string]any{"topics": len(names), "failed": failed, "took_ms": took.Milliseconds()}})
	}
}

// pollTopic runs one topic through fetch/parse/diff/render, fans the rendered
// chunks out to every subscriber, and commits the new snapshot only if every
// delivery succeeded. A failed delivery leaves LastState untouched so the
// same diff is recomputed and redelivered next cycle; the duplicate sent to
// subscribers that already got it is the accepted cost of never losing a
// notification.
func (r *Runner) pollTopic(ctx context.Context, name string, admins []int64) error {
	r.cfgMu.Lock()
	fetchTimeout := r.cfg.FetchTimeout
	r.cfgMu.Unlock()

	// Snapshot the topic state so no lock is held during fetch or delivery.
	r.docMu.Lock()
	live, ok := r.doc.Topics[name]
	if !ok {
		r.docMu.Unlock()
		return nil
	}
	snap := *live
	snap.Subscribers = append([]int64(nil), live.Subscribers...)
	r.docMu.Unlock()

	plugin, ok := r.reg.Get(snap.Kind)
	if !ok {
		// Registry was checked at startup; only a live document edit gets here.
		return fmt.Errorf("topic %q: unknown plugin kind %q", name, snap.Kind)
	}

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	chunks, next, err := plugin.Run(fctx, name, &snap)
	cancel()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		r.log.Debug("no changes", logx.String("topic", name))
		return nil
	}

	start := time.Now()
	delivered, unresolvable := 0, 0
	for _, sub := range snap.Subscribers {
		err := r.disp.Deliver(ctx, sub, chunks)
		if errors.Is(err, kit.ErrRecipientNotFound) {
			// One unresolvable subscriber must not abort the topic's commit.
			unresolvable++
			r.log.Warn("subscriber unresolvable", logx.String("topic", name), logx.Int64("user", sub))
			r.disp.NotifyAdmins(ctx, admins, fmt.Sprintf("subscriber %d on topic %q could not be resolved", sub, name))
			continue
		}
		if err != nil {
			// Abort the commit: LastState stays stale and the next cycle
			// regenerates the identical diff for everyone.
			if r.bus != nil {
				r.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryFailed, Data: map[string]any{"topic": name, "user": sub, "err": err.Error()}})
			}
			r.audit(ctx, docstore.AuditEntry{
				Topic: name, Action: "topic.deliver", OK: delivered, Fail: 1,
				Error: err.Error(), TookMS: time.Since(start).Milliseconds(),
			})
			return fmt.Errorf("deliver to %d: %w (commit aborted, will retry next cycle)", sub, err)
		}
		delivered++
	}

	// Commit: all deliveries succeeded (vacuously true with zero subscribers).
	r.docMu.Lock()
	if live, ok := r.doc.Topics[name]; ok {
		live.LastState = next
	}
	saveErr := r.store.Save(ctx, r.doc)
	r.docMu.Unlock()
	if saveErr != nil {
		// The in-memory state advanced; durability catches up on the next
		// successful save. A crash before then redelivers, same as a failed
		// delivery would.
		r.log.Error("document save failed after delivery", logx.String("topic", name), logx.Err(saveErr))
	}

	r.audit(ctx, docstore.AuditEntry{
		Topic: name, Action: "topic.commit", OK: delivered, Fail: unresolvable,
		TookMS: time.Since(start).Milliseconds(),
	})
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: eventbus.TypeTopicCommitted, Data: map[string]any{"topic": name, "delivered": delivered, "chunks": len(chunks)}})
	}
	r.log.Info("topic committed",
		logx.String("topic", name),
		logx.Int("subscribers", len(snap.Subscribers)),
		logx.Int("delivered", delivered),
		logx.Int("chunks", len(chunks)),
	)
	return nil
}

// ---- Subscription registry (serialized against the commit step) ----

// Subscribe adds id to the topic's subscriber list and persists the document.
// Reports whether the subscription is new.
func (r *Runner) Subscribe(ctx context.Context, topic string, id int64) (bool, error) {
	r.docMu.Lock()
	defer r.docMu.Unlock()

	ts, ok := r.doc.Topics[topic]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if !ts.AddSubscriber(id) {
		return false, nil
	}
	if err := r.store.Save(ctx, r.doc); err != nil {
		// Roll back: an unpersisted subscription would silently vanish on restart.
		ts.RemoveSubscriber(id)
		return false, err
	}
	r.auditLocked(ctx, docstore.AuditEntry{ActorID: id, Topic: topic, Action: "subscribe", OK: 1})
	return true, nil
}

// Unsubscribe removes id from the topic's subscriber list and persists the
// document. Reports whether the subscription existed.
func (r *Runner) Unsubscribe(ctx context.Context, topic string, id int64) (bool, error) {
	r.docMu.Lock()
	defer r.docMu.Unlock()

	ts, ok := r.doc.Topics[topic]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	if !ts.RemoveSubscriber(id) {
		return false, nil
	}
	if err := r.store.Save(ctx, r.doc); err != nil {
		ts.AddSubscriber(id)
		return false, err
	}
	r.auditLocked(ctx, docstore.AuditEntry{ActorID: id, Topic: topic, Action: "unsubscribe", OK: 1})
	return true, nil
}

// Subscriptions returns the topics id is subscribed to, sorted.
func (r *Runner) Subscriptions(id int64) []string {
	r.docMu.Lock()
	defer r.docMu.Unlock()

	var out []string
	for name, ts := range r.doc.Topics {
		if ts.HasSubscriber(id) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Topics returns all topic names, sorted.
func (r *Runner) Topics() []string {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	return r.doc.TopicNames()
}

// Describe renders the current snapshot of a topic via its plugin.
func (r *Runner) Describe(topic string) (string, error) {
	r.docMu.Lock()
	ts, ok := r.doc.Topics[topic]
	var snap docstore.TopicState
	if ok {
		snap = *ts
	}
	r.docMu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}
	plugin, ok := r.reg.Get(snap.Kind)
	if !ok {
		return "", fmt.Errorf("topic %q: unknown plugin kind %q", topic, snap.Kind)
	}
	return plugin.Describe(&snap)
}

func (r *Runner) IsAdmin(id int64) bool {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	return r.doc.IsAdmin(id)
}

func (r *Runner) Admins() []int64 {
	r.docMu.Lock()
	defer r.docMu.Unlock()
	return append([]int64(nil), r.doc.Admins...)
}

// AllSubscribers returns the deduplicated union of every topic's subscribers,
// sorted. Used by broadcast.
func (r *Runner) AllSubscribers() []int64 {
	r.docMu.Lock()
	defer r.docMu.Unlock()

	seen := map[int64]struct{}{}
	var out []int64
	for _, ts := range r.doc.Topics {
		for _, s := range ts.Subscribers {
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				out = append(out, s)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Runner) audit(ctx context.Context, e docstore.AuditEntry) {
	if err := r.store.AppendAudit(ctx, e); err != nil {
		r.log.Debug("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

// auditLocked is audit for callers already holding docMu (the stores accept
// concurrent calls; the name only documents call sites).
func (r *Runner) auditLocked(ctx context.Context, e docstore.AuditEntry) {
	r.audit(ctx, e)
}
