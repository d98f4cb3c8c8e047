package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	"patchwatch/internal/news"
	kit "patchwatch/internal/transport"
	logx "patchwatch/pkg/logx"
)

// ThreadMode decides whether a channel destination posts threads.
type ThreadMode string

const (
	ThreadsAuto   ThreadMode = "auto" // ask the platform
	ThreadsAlways ThreadMode = "always"
	ThreadsNever  ThreadMode = "never"
)

type ChannelConfig struct {
	Name    string
	ChatID  int64
	Threads ThreadMode
	Texts   Texts
}

// Channel delivers to a chat through the chat-platform adapter.
//
// Threaded chats: create a thread titled with the item title whose opening post
// is the link; if that is rejected, create an empty thread and send the
// formatted message into it. Plain chats: send the formatted message.
type Channel struct {
	cfg     ChannelConfig
	adapter kit.Adapter
	log     logx.Logger

	mu       sync.Mutex
	threaded *bool // cached platform answer for ThreadsAuto
}

func NewChannel(cfg ChannelConfig, adapter kit.Adapter, log logx.Logger) (*Channel, error) {
	if cfg.ChatID == 0 {
		return nil, news.ConfigError("channel %q: chat id is required", cfg.Name)
	}
	if adapter == nil {
		return nil, news.ConfigError("channel %q: chat platform credential is not configured", cfg.Name)
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = fmt.Sprintf("channel:%d", cfg.ChatID)
	}
	switch cfg.Threads {
	case "":
		cfg.Threads = ThreadsAuto
	case ThreadsAuto, ThreadsAlways, ThreadsNever:
	default:
		return nil, news.ConfigError("channel %q: unknown threads mode %q", cfg.Name, cfg.Threads)
	}
	if cfg.Texts.Description == "" {
		cfg.Texts.Description = DefaultChannelDescription
	}
	if cfg.Texts.Footer == "" {
		cfg.Texts.Footer = DefaultFooter
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{cfg: cfg, adapter: adapter, log: log}, nil
}

func (c *Channel) Name() string { return c.cfg.Name }
func (c *Channel) Kind() Kind   { return KindChannel }

func (c *Channel) Deliver(ctx context.Context, item news.Item) error {
	threaded, err := c.isThreaded(ctx)
	if err != nil {
		return fmt.Errorf("resolve chat %d: %w", c.cfg.ChatID, err)
	}

	text := FormatHTML(item, c.cfg.Texts)
	opt := &kit.SendOptions{ParseMode: "HTML"}

	if !threaded {
		_, err := c.adapter.SendText(ctx, kit.ChatTarget{ChatID: c.cfg.ChatID}, text, opt)
		return err
	}

	name := threadName(item)
	if _, err = c.adapter.CreateThread(ctx, c.cfg.ChatID, name, item.Link); err == nil {
		return nil
	}
	c.log.Debug("thread with content rejected; falling back to empty thread", logx.Int64("chat_id", c.cfg.ChatID), logx.Err(err))

	ref, err := c.adapter.CreateThread(ctx, c.cfg.ChatID, name, "")
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	if _, err := c.adapter.SendText(ctx, kit.ChatTarget{ChatID: c.cfg.ChatID, ThreadID: ref.ThreadID}, text, opt); err != nil {
		return fmt.Errorf("send into thread %d: %w", ref.ThreadID, err)
	}
	return nil
}

func (c *Channel) isThreaded(ctx context.Context) (bool, error) {
	switch c.cfg.Threads {
	case ThreadsAlways:
		return true, nil
	case ThreadsNever:
		return false, nil
	}

	c.mu.Lock()
	cached := c.threaded
	c.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	info, err := c.adapter.ChatInfo(ctx, c.cfg.ChatID)
	if err != nil {
		return false, err
	}
	v := info.Threaded
	c.mu.Lock()
	c.threaded = &v
	c.mu.Unlock()
	return v, nil
}

func threadName(item news.Item) string {
	if t := strings.TrimSpace(item.Title); t != "" {
		return t
	}
	return item.Link
}

// FormatHTML renders the chat message: linked bold title, description, italic footer.
func FormatHTML(item news.Item, t Texts) string {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		title = item.Link
	}
	var b strings.Builder
	b.WriteString(`<b><a href="`)
	b.WriteString(html.EscapeString(item.Link))
	b.WriteString(`">`)
	b.WriteString(html.EscapeString(title))
	b.WriteString("</a></b>")
	if t.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(t.Description))
	}
	if t.Footer != "" {
		b.WriteString("\n\n<i>")
		b.WriteString(html.EscapeString(t.Footer))
		b.WriteString("</i>")
	}
	return b.String()
}
