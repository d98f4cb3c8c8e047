package telegram

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "patchwatch/internal/transport"
	logx "patchwatch/pkg/logx"
)

// Middleware wraps a command handler.
type Middleware func(next kit.CommandHandler) kit.CommandHandler

func Chain(h kit.CommandHandler, m ...Middleware) kit.CommandHandler {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next kit.CommandHandler) kit.CommandHandler {
		return func(ctx context.Context, cmd kit.Command) string {
			if d <= 0 {
				return next(ctx, cmd)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, cmd)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next kit.CommandHandler) kit.CommandHandler {
		return func(ctx context.Context, cmd kit.Command) (reply string) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("command panicked", logx.String("cmd", cmd.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					reply = "internal error"
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// MWAllowUsers drops commands from senders not in ids. Empty ids allows all.
func MWAllowUsers(ids []int64, log logx.Logger) Middleware {
	allowed := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return func(next kit.CommandHandler) kit.CommandHandler {
		return func(ctx context.Context, cmd kit.Command) string {
			if len(allowed) > 0 {
				if _, ok := allowed[cmd.FromID]; !ok {
					log.Debug("command from unauthorized user ignored", logx.String("cmd", cmd.Name), logx.Int64("from_id", cmd.FromID))
					return ""
				}
			}
			return next(ctx, cmd)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next kit.CommandHandler) kit.CommandHandler {
		return func(ctx context.Context, cmd kit.Command) string {
			start := time.Now()
			reply := next(ctx, cmd)
			d := time.Since(start)
			fields := []logx.Field{
				logx.String("cmd", cmd.Name),
				logx.Int64("chat_id", cmd.ChatID),
				logx.Int64("from_id", cmd.FromID),
				logx.Duration("dur", d),
			}
			if d >= 750*time.Millisecond {
				log.Info("command handled", fields...)
			} else {
				log.Debug("command handled", fields...)
			}
			return reply
		}
	}
}

// Handle registers a bot command (name without the slash). Replies are sent
// as HTML into the chat and thread the command came from. Must be called
// before Start.
func (a *Adapter) Handle(name string, h kit.CommandHandler) {
	name = strings.TrimPrefix(strings.TrimSpace(name), "/")
	if name == "" || h == nil {
		return
	}
	wrapped := Chain(h,
		MWPanicRecover(a.log),
		MWRequestLog(a.log),
		MWAllowUsers(a.cfg.AllowedUsers, a.log),
		MWTimeout(a.cfg.CommandTimeout),
	)

	a.cmdMu.Lock()
	a.commands[name] = wrapped
	a.cmdMu.Unlock()

	a.bot.Handle("/"+name, func(c tele.Context) error {
		reply := a.dispatch(context.Background(), commandFrom(name, c))
		if reply == "" {
			return nil
		}
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
		if m := c.Message(); m != nil {
			opt.ThreadID = m.ThreadID
		}
		return c.Send(reply, opt)
	})
}

func (a *Adapter) dispatch(ctx context.Context, cmd kit.Command) string {
	a.cmdMu.Lock()
	h := a.commands[cmd.Name]
	a.cmdMu.Unlock()
	if h == nil {
		return ""
	}
	return h(ctx, cmd)
}

func commandFrom(name string, c tele.Context) kit.Command {
	cmd := kit.Command{Name: name}
	if m := c.Message(); m != nil {
		cmd.Args = strings.TrimSpace(m.Payload)
	}
	if ch := c.Chat(); ch != nil {
		cmd.ChatID = ch.ID
	}
	if u := c.Sender(); u != nil {
		cmd.FromID = u.ID
	}
	return cmd
}

// Commands lists registered command names (for logging).
func (a *Adapter) Commands() []string {
	a.cmdMu.Lock()
	defer a.cmdMu.Unlock()
	out := make([]string, 0, len(a.commands))
	for n := range a.commands {
		out = append(out, fmt.Sprintf("/%s", n))
	}
	sort.Strings(out)
	return out
}
