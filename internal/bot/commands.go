package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"watchbot/internal/docstore"
	kit "watchbot/internal/transport"
	"watchbot/internal/watch"
	logx "watchbot/pkg/logx"
)

const commandTimeout = 30 * time.Second

type request struct {
	msg  *kit.Message
	args []string
}

type command struct {
	name      string
	adminOnly bool
	handle    func(ctx context.Context, req *request) error
}

func (a *App) commands() []command {
	return []command{
		{
			name: "subscribe",
			handle: func(ctx context.Context, req *request) error {
				topic, ok := a.topicArg(ctx, req)
				if !ok {
					return nil
				}
				added, err := a.runner.Subscribe(ctx, topic, req.msg.FromID)
				if errors.Is(err, watch.ErrUnknownTopic) {
					return a.replyUnknownTopic(ctx, req, topic)
				}
				if err != nil {
					return err
				}
				if !added {
					return a.reply(ctx, req, "you were already subscribed! and you're still subscribed now")
				}
				return a.reply(ctx, req, fmt.Sprintf("you're subscribed to %q, I'll message you here when anything changes", topic))
			},
		},
		{
			name: "unsubscribe",
			handle: func(ctx context.Context, req *request) error {
				topic, ok := a.topicArg(ctx, req)
				if !ok {
					return nil
				}
				removed, err := a.runner.Unsubscribe(ctx, topic, req.msg.FromID)
				if errors.Is(err, watch.ErrUnknownTopic) {
					return a.replyUnknownTopic(ctx, req, topic)
				}
				if err != nil {
					return err
				}
				if !removed {
					return a.reply(ctx, req, fmt.Sprintf("you weren't subscribed to %q", topic))
				}
				return a.reply(ctx, req, fmt.Sprintf("you've unsubscribed from %q", topic))
			},
		},
		{
			name: "subscriptions",
			handle: func(ctx context.Context, req *request) error {
				subs := a.runner.Subscriptions(req.msg.FromID)
				if len(subs) == 0 {
					return a.reply(ctx, req, "you have no subscriptions; see /topics")
				}
				return a.reply(ctx, req, "your subscriptions:\n- "+strings.Join(subs, "\n- "))
			},
		},
		{
			name: "topics",
			handle: func(ctx context.Context, req *request) error {
				topics := a.runner.Topics()
				if len(topics) == 0 {
					return a.reply(ctx, req, "no topics are configured")
				}
				return a.reply(ctx, req, "topics:\n- "+strings.Join(topics, "\n- "))
			},
		},
		{
			name: "status",
			handle: func(ctx context.Context, req *request) error {
				topic, ok := a.topicArg(ctx, req)
				if !ok {
					return nil
				}
				report, err := a.runner.Describe(topic)
				if errors.Is(err, watch.ErrUnknownTopic) {
					return a.replyUnknownTopic(ctx, req, topic)
				}
				if err != nil {
					return err
				}
				return a.reply(ctx, req, report)
			},
		},
		{
			name: "test",
			handle: func(ctx context.Context, req *request) error {
				a.log.Info("sending test notification", logx.Int64("user", req.msg.FromID))
				return a.disp.Deliver(ctx, req.msg.FromID, []string{"This is a test notification"})
			},
		},
		{
			name:      "broadcast",
			adminOnly: true,
			handle: func(ctx context.Context, req *request) error {
				text := strings.TrimSpace(strings.Join(req.args, " "))
				if text == "" {
					return a.reply(ctx, req, "usage: /broadcast <text>")
				}
				targets := a.runner.AllSubscribers()
				okCount, failCount := 0, 0
				for _, id := range targets {
					if err := a.disp.Deliver(ctx, id, []string{text}); err != nil {
						failCount++
						a.log.Warn("broadcast delivery failed", logx.Int64("user", id), logx.Err(err))
						continue
					}
					okCount++
				}
				a.audit(ctx, docstore.AuditEntry{
					ActorID: req.msg.FromID, Action: "broadcast", OK: okCount, Fail: failCount,
				})
				return a.reply(ctx, req, fmt.Sprintf("broadcast delivered to %d/%d subscribers", okCount, len(targets)))
			},
		},
	}
}

// DispatchLoop consumes adapter updates and routes slash commands. Each
// command runs in its own supervised goroutine so a slow handler (broadcast)
// never blocks the loop.
func (a *App) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	cmds := map[string]command{}
	for _, c := range a.commands() {
		cmds[c.name] = c
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind != kit.UpdateMessage || up.Message == nil {
				continue
			}
			name, args, ok := parseCommand(up.Message.Text)
			if !ok {
				continue
			}
			c, known := cmds[name]
			if !known {
				a.log.Debug("unknown command ignored", logx.String("cmd", name))
				continue
			}
			msg := up.Message
			a.sup.Go0("cmd."+c.name, func(gctx context.Context) {
				cctx, cancel := context.WithTimeout(gctx, commandTimeout)
				defer cancel()

				req := &request{msg: msg, args: args}
				if c.adminOnly && !a.runner.IsAdmin(msg.FromID) {
					a.log.Warn("command denied", logx.String("cmd", c.name), logx.Int64("user", msg.FromID))
					_ = a.reply(cctx, req, "sorry, admins only")
					return
				}
				start := time.Now()
				if err := c.handle(cctx, req); err != nil {
					a.log.Error("command failed", logx.String("cmd", c.name), logx.Int64("user", msg.FromID), logx.Err(err))
					return
				}
				a.log.Debug("command handled", logx.String("cmd", c.name), logx.Int64("user", msg.FromID), logx.Duration("took", time.Since(start)))
			})
		}
	}
}

// parseCommand splits "/subscribe pccg-3080" into ("subscribe", ["pccg-3080"]).
// The "@botname" suffix Telegram appends in groups is stripped.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	name = fields[0]
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// topicArg extracts the single <topic> argument, replying with usage help when
// it is missing. Malformed input always gets an immediate explanatory answer.
func (a *App) topicArg(ctx context.Context, req *request) (string, bool) {
	if len(req.args) != 1 {
		_ = a.reply(ctx, req, "expected exactly one topic name; see /topics")
		return "", false
	}
	return req.args[0], true
}

func (a *App) replyUnknownTopic(ctx context.Context, req *request, topic string) error {
	topics := a.runner.Topics()
	if len(topics) == 0 {
		return a.reply(ctx, req, fmt.Sprintf("unknown topic %q (no topics configured)", topic))
	}
	return a.reply(ctx, req, fmt.Sprintf("unknown topic %q; known topics:\n- %s", topic, strings.Join(topics, "\n- ")))
}

func (a *App) reply(ctx context.Context, req *request, text string) error {
	to := kit.ChatTarget{ChatID: req.msg.ChatID}
	return a.adapter.SendText(ctx, to, text, &kit.SendOptions{DisablePreview: true})
}

func (a *App) audit(ctx context.Context, e docstore.AuditEntry) {
	if err := a.store.AppendAudit(ctx, e); err != nil {
		a.log.Debug("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}
