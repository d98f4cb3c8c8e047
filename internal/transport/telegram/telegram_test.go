package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwatch/internal/news"
	"patchwatch/internal/notifier"
	kit "patchwatch/internal/transport"
	logx "patchwatch/pkg/logx"
)

const testToken = "123:abc"

// fakeAPI is a minimal Bot API endpoint.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []string
	params   []map[string]any
	forum    bool
	failSend bool
	stall    time.Duration
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		var p map[string]any
		_ = json.NewDecoder(r.Body).Decode(&p)

		f.mu.Lock()
		f.calls = append(f.calls, method)
		f.params = append(f.params, p)
		forum, failSend, stall := f.forum, f.failSend, f.stall
		f.mu.Unlock()

		if stall > 0 {
			select {
			case <-time.After(stall):
			case <-r.Context().Done():
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pw","username":"patchwatch_bot"}}`)
		case "getChat":
			fmt.Fprintf(w, `{"ok":true,"result":{"id":-100,"type":"supergroup","title":"News","is_forum":%t}}`, forum)
		case "createForumTopic":
			fmt.Fprint(w, `{"ok":true,"result":{"message_thread_id":77,"name":"x","icon_color":7322096}}`)
		case "deleteForumTopic":
			fmt.Fprint(w, `{"ok":true,"result":true}`)
		case "sendMessage":
			if failSend {
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: message thread not found"}`)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":{"message_id":5,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`)
		default:
			t.Errorf("unexpected method %s", method)
			fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}
}

func (f *fakeAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestAdapter(t *testing.T, api *fakeAPI) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	a, err := New(Config{Token: testToken, APIURL: srv.URL, Client: srv.Client(), LogChatID: -200}, logx.Nop())
	require.NoError(t, err)
	return a
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{Token: "  "}, logx.Nop())
	assert.Error(t, err)
}

func TestAuthenticateClosesReady(t *testing.T) {
	a := newTestAdapter(t, &fakeAPI{})
	select {
	case <-a.Ready():
		t.Fatal("ready before authentication")
	default:
	}
	require.NoError(t, a.authenticate(context.Background()))
	select {
	case <-a.Ready():
	default:
		t.Fatal("ready not closed")
	}
	assert.Equal(t, "patchwatch_bot", a.bot.Me.Username)
}

func TestChatInfoReportsForum(t *testing.T) {
	api := &fakeAPI{forum: true}
	a := newTestAdapter(t, api)
	info, err := a.ChatInfo(context.Background(), -100)
	require.NoError(t, err)
	assert.True(t, info.Threaded)
	assert.Equal(t, "News", info.Title)
	assert.Equal(t, "supergroup", info.Type)
}

func TestCreateThreadWithContent(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)
	ref, err := a.CreateThread(context.Background(), -100, "Patch 1.0", "https://playvalorant.com/en-us/news/foo")
	require.NoError(t, err)
	assert.Equal(t, 77, ref.ThreadID)
	assert.Equal(t, 5, ref.MessageID)
	assert.Equal(t, []string{"createForumTopic", "sendMessage"}, api.methods())
	assert.Equal(t, "77", fmt.Sprint(api.params[1]["message_thread_id"]))
}

func TestCreateThreadDeletesTopicWhenPostFails(t *testing.T) {
	api := &fakeAPI{failSend: true}
	a := newTestAdapter(t, api)
	_, err := a.CreateThread(context.Background(), -100, "Patch 1.0", "link")
	require.Error(t, err)
	assert.Equal(t, []string{"createForumTopic", "sendMessage", "deleteForumTopic"}, api.methods())
}

func TestCreateEmptyThread(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)
	ref, err := a.CreateThread(context.Background(), -100, "Patch 1.0", "")
	require.NoError(t, err)
	assert.Equal(t, kit.MessageRef{ChatID: -100, ThreadID: 77}, ref)
	assert.Equal(t, []string{"createForumTopic"}, api.methods())
}

func TestSendLogTargetsLogChat(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)
	require.NoError(t, a.SendLog(context.Background(), "WRN fetch failed"))
	require.Equal(t, []string{"sendMessage"}, api.methods())
	assert.Equal(t, "-200", fmt.Sprint(api.params[0]["chat_id"]))
}

func TestCanceledContextSkipsCalls(t *testing.T) {
	api := &fakeAPI{}
	a := newTestAdapter(t, api)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.SendText(ctx, kit.ChatTarget{ChatID: 1}, "hi", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, api.methods())
}

func TestDefaultClientOutlivesLongPoll(t *testing.T) {
	a, err := New(Config{Token: testToken, PollTimeout: 10 * time.Second}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, a.cfg.Client.Timeout)
	assert.Zero(t, a.PollRestarts(), "not started")
}

func TestCallsReturnAtDeadline(t *testing.T) {
	api := &fakeAPI{stall: 2 * time.Second}
	a := newTestAdapter(t, api)

	for name, fn := range map[string]func(ctx context.Context) error{
		"getChat": func(ctx context.Context) error { _, err := a.ChatInfo(ctx, -100); return err },
		"topic":   func(ctx context.Context) error { _, err := a.CreateThread(ctx, -100, "Patch", "link"); return err },
		"send":    func(ctx context.Context) error { _, err := a.SendText(ctx, kit.ChatTarget{ChatID: -100}, "hi", nil); return err },
	} {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		start := time.Now()
		err := fn(ctx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded, name)
		assert.Less(t, time.Since(start), time.Second, name)
	}
}

func TestChannelDeliveryHonoursNotifyTimeout(t *testing.T) {
	api := &fakeAPI{stall: 2 * time.Second}
	a := newTestAdapter(t, api)
	dests, err := notifier.Build([]notifier.Spec{{Name: "primary", Kind: notifier.KindChannel, ChatID: -100}}, a, nil, logx.Nop())
	require.NoError(t, err)
	svc := notifier.New(notifier.Config{RatePerSec: 100, Timeout: 200 * time.Millisecond}, dests, logx.Nop())

	start := time.Now()
	res := svc.Deliver(context.Background(), news.Item{ID: "https://x/a", Title: "Patch", Link: "https://x/a"})
	assert.False(t, res.Delivered)
	require.Len(t, res.Attempts, 1)
	assert.ErrorIs(t, res.Attempts[0].Err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10, ""))

	parts := splitText(strings.Repeat("a", 25), 10, "")
	assert.Equal(t, []string{strings.Repeat("a", 10), strings.Repeat("a", 10), strings.Repeat("a", 5)}, parts)

	parts = splitText("aaaa\nbbbbbbbbbb", 10, "")
	assert.Equal(t, []string{"aaaa", "bbbbbbbbbb"}, parts)

	parts = splitText("abcdef<b>x</b>", 8, "HTML")
	assert.Equal(t, "abcdef", parts[0])
}

func TestTopicNameTruncates(t *testing.T) {
	long := strings.Repeat("é", 200)
	got := []rune(topicName(long))
	assert.Len(t, got, topicNameLimit)
	assert.Equal(t, "update", topicName("  "))
}

func TestCommandMiddleware(t *testing.T) {
	a := newTestAdapter(t, &fakeAPI{})
	a.cfg.AllowedUsers = []int64{42}
	a.Handle("/status", func(ctx context.Context, cmd kit.Command) string {
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return "ok " + cmd.Args
	})
	a.Handle("boom", func(ctx context.Context, cmd kit.Command) string { panic("x") })

	assert.Equal(t, []string{"/boom", "/status"}, a.Commands())
	assert.Equal(t, "ok now", a.dispatch(context.Background(), kit.Command{Name: "status", FromID: 42, Args: "now"}))
	assert.Empty(t, a.dispatch(context.Background(), kit.Command{Name: "status", FromID: 7}))
	assert.Equal(t, "internal error", a.dispatch(context.Background(), kit.Command{Name: "boom", FromID: 42}))
	assert.Empty(t, a.dispatch(context.Background(), kit.Command{Name: "nope", FromID: 42}))
}
