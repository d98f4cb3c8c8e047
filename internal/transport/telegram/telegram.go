package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "patchwatch/internal/runtime/supervisor"
	kit "patchwatch/internal/transport"
	logx "patchwatch/pkg/logx"
)

const (
	// Telegram caps forum topic names at 128 characters.
	topicNameLimit = 128

	// clientSlack is added to the long-poll timeout for the default HTTP
	// client so getUpdates can finish while other calls still time out.
	clientSlack = 5 * time.Second

	topicCleanupTimeout = 5 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint (tests, local bot API servers).
	APIURL string
	Client *http.Client

	// LogChatID receives log lines forwarded by the logx chat sink (0 = off).
	LogChatID   int64
	LogThreadID int

	// AllowedUsers restricts inbound commands; empty allows everyone.
	AllowedUsers   []int64
	CommandTimeout time.Duration
}

// Adapter implements transport.Adapter on the Telegram Bot API.
//
// The bot is built offline; authentication (getMe) happens in the poll loop
// and closes Ready once it succeeds.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	readyOnce sync.Once
	ready     chan struct{}
	polling   atomic.Bool

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	cmdMu    sync.Mutex
	commands map[string]kit.CommandHandler
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.PollTimeout + clientSlack}
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   strings.TrimSpace(cfg.Token),
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Client:  cfg.Client,
		Offline: true,
		OnError: func(err error, c tele.Context) {
			log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		ready:    make(chan struct{}),
		commands: map[string]kit.CommandHandler{},
	}, nil
}

// Ready is closed once the bot has authenticated.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// PollRestarts reports how often the poll loop has been restarted since Start.
func (a *Adapter) PollRestarts() uint64 {
	a.runMu.Lock()
	sup := a.sup
	a.runMu.Unlock()
	if sup == nil {
		return 0
	}
	var n uint64
	for _, t := range sup.Snapshot().Tasks {
		n += t.Restarts
	}
	return n
}

// call runs a blocking Bot API request and returns as soon as ctx ends.
// telebot takes no context; an abandoned request runs on until the HTTP
// client's own timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

func (a *Adapter) authenticate(ctx context.Context) error {
	data, err := call(ctx, func() ([]byte, error) { return a.bot.Raw("getMe", nil) })
	if err != nil {
		return fmt.Errorf("getMe: %w", err)
	}
	var resp struct {
		Result *tele.User `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return fmt.Errorf("getMe: %w", err)
	}
	if resp.Result == nil {
		return errors.New("getMe: empty result")
	}
	a.bot.Me = resp.Result
	a.readyOnce.Do(func() { close(a.ready) })
	a.log.Info("telegram authenticated", logx.String("username", resp.Result.Username))
	return nil
}

// Start authenticates and polls for commands until Stop or ctx cancellation.
// Authentication failures are retried with backoff.
func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "telegram"))))
	sup := a.sup
	a.runMu.Unlock()

	sup.GoRestart("telegram.poll", func(c context.Context) error {
		if err := a.authenticate(c); err != nil {
			return err
		}
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-c.Done():
				if a.polling.Load() {
					a.bot.Stop()
				}
			case <-done:
			}
		}()

		a.log.Info("polling started")
		a.polling.Store(true)
		a.bot.Start()
		a.polling.Store(false)
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// getUpdates may still be waiting on the server; keep shutdown short.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	for _, t := range sup.Snapshot().Tasks {
		if t.Restarts > 0 {
			a.log.Info("poll loop was restarted", logx.Int("restarts", int(t.Restarts)), logx.String("last_err", t.LastErr))
		}
	}
	return nil
}

func (a *Adapter) ChatInfo(ctx context.Context, chatID int64) (kit.ChatInfo, error) {
	chat, err := call(ctx, func() (*tele.Chat, error) { return a.bot.ChatByID(chatID) })
	if err != nil {
		return kit.ChatInfo{}, err
	}
	return kit.ChatInfo{
		ID:       chat.ID,
		Title:    chat.Title,
		Type:     string(chat.Type),
		Threaded: chat.IsForum,
	}, nil
}

// CreateThread creates a forum topic. With content, the content is posted as
// the topic's first message; if that post fails the topic is deleted again.
func (a *Adapter) CreateThread(ctx context.Context, chatID int64, name, content string) (kit.MessageRef, error) {
	chat := &tele.Chat{ID: chatID}
	topic, err := call(ctx, func() (*tele.Topic, error) {
		return a.bot.CreateTopic(chat, &tele.Topic{Name: topicName(name)})
	})
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("create topic: %w", err)
	}
	ref := kit.MessageRef{ChatID: chatID, ThreadID: topic.ThreadID}
	if content == "" {
		return ref, nil
	}

	msg, err := call(ctx, func() (*tele.Message, error) {
		return a.bot.Send(chat, content, &tele.SendOptions{ThreadID: topic.ThreadID})
	})
	if err != nil {
		// ctx may be spent already; the cleanup gets its own short deadline.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), topicCleanupTimeout)
		_, derr := call(dctx, func() (struct{}, error) { return struct{}{}, a.bot.DeleteTopic(chat, topic) })
		cancel()
		if derr != nil {
			a.log.Warn("delete topic after failed post", logx.Int64("chat_id", chatID), logx.Int("thread_id", topic.ThreadID), logx.Err(derr))
		}
		return kit.MessageRef{}, fmt.Errorf("post into topic: %w", err)
	}
	ref.MessageID = msg.ID
	return ref, nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitText(text, textLimit, opt.ParseMode) {
		msg, err := call(ctx, func() (*tele.Message, error) {
			return a.bot.Send(chat, chunk, &tele.SendOptions{
				ParseMode:             tele.ParseMode(opt.ParseMode),
				DisableWebPagePreview: opt.DisablePreview,
				ThreadID:              to.ThreadID,
			})
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendLog implements logx.Sink.
func (a *Adapter) SendLog(ctx context.Context, text string) error {
	if a.cfg.LogChatID == 0 {
		return nil
	}
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: a.cfg.LogChatID, ThreadID: a.cfg.LogThreadID}, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func topicName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "update"
	}
	rs := []rune(name)
	if len(rs) > topicNameLimit {
		return string(rs[:topicNameLimit-1]) + "…"
	}
	return name
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and, in HTML mode, never cutting inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			if html {
				open := lastIndex(rs[start:end], '<')
				if open > 0 && open > lastIndex(rs[start:end], '>') {
					end = start + open
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
