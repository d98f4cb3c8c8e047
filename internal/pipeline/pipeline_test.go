package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwatch/internal/extract"
	"patchwatch/internal/news"
	"patchwatch/internal/notifier"
	"patchwatch/internal/source"
	"patchwatch/internal/storage"
	logx "patchwatch/pkg/logx"
)

const (
	pageFoo = `<html><body><a href="/en-us/news/foo">Patch 1.0</a></body></html>`
	pageBar = `<html><body><a href="/en-us/news/bar">Patch 2.0</a></body></html>`
	pageNil = `<html><body><p>maintenance</p></body></html>`

	fooURL = "https://playvalorant.com/en-us/news/foo"
	barURL = "https://playvalorant.com/en-us/news/bar"
)

// scriptedFetcher returns pages (or errors) in order; the last entry repeats.
type scriptedFetcher struct {
	mu    sync.Mutex
	steps []any // string page or error
	n     int
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (source.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := min(f.n, len(f.steps)-1)
	f.n++
	switch v := f.steps[i].(type) {
	case error:
		return source.Document{}, v
	default:
		return source.Document{URL: source.DefaultURL, ContentType: "text/html", Body: []byte(v.(string))}, nil
	}
}

func pages(steps ...any) *scriptedFetcher { return &scriptedFetcher{steps: steps} }

// flakyDest fails its first failN deliveries.
type flakyDest struct {
	name  string
	failN int
	calls int
	got   []news.Item
}

func (d *flakyDest) Name() string        { return d.name }
func (d *flakyDest) Kind() notifier.Kind { return notifier.KindWebhook }
func (d *flakyDest) Deliver(ctx context.Context, item news.Item) error {
	d.calls++
	if d.calls <= d.failN {
		return errors.New("unavailable")
	}
	d.got = append(d.got, item)
	return nil
}

func newExtractor(t *testing.T) extract.Extractor {
	t.Helper()
	x, err := extract.New(extract.Config{})
	require.NoError(t, err)
	return x
}

func newNotifier(dests ...notifier.Destination) *notifier.Service {
	return notifier.New(notifier.Config{RatePerSec: 1000}, dests, logx.Nop())
}

func TestIdempotenceOnRepeatedItem(t *testing.T) {
	dest := &flakyDest{name: "hook"}
	store := storage.NewMemory()
	p := New(pages(pageFoo), newExtractor(t), newNotifier(dest), store, logx.Nop())

	assert.Equal(t, OutcomeDelivered, p.RunCycle(context.Background()).Outcome)
	for i := 0; i < 4; i++ {
		assert.Equal(t, OutcomeUnchanged, p.RunCycle(context.Background()).Outcome)
	}
	assert.Len(t, dest.got, 1)
	assert.Equal(t, 1, store.Saves())
	st, _ := store.Load(context.Background())
	assert.Equal(t, fooURL, st.Last)
}

func TestProgressDeliversInOrder(t *testing.T) {
	dest := &flakyDest{name: "hook"}
	store := storage.NewMemory()
	p := New(pages(pageFoo, pageFoo, pageBar), newExtractor(t), newNotifier(dest), store, logx.Nop())

	for i := 0; i < 5; i++ {
		p.RunCycle(context.Background())
	}
	require.Len(t, dest.got, 2)
	assert.Equal(t, fooURL, dest.got[0].ID)
	assert.Equal(t, barURL, dest.got[1].ID)
	st, _ := store.Load(context.Background())
	assert.Equal(t, barURL, st.Last)
}

func TestNoUpdateWhileSourceUnreachable(t *testing.T) {
	dest := &flakyDest{name: "hook"}
	store := storage.NewMemoryWith(news.State{Last: fooURL})
	unreachable := news.FetchError(errors.New("connection refused"), "GET source")
	p := New(pages(unreachable), newExtractor(t), newNotifier(dest), store, logx.Nop())

	for i := 0; i < 3; i++ {
		res := p.RunCycle(context.Background())
		assert.Equal(t, OutcomeFetchFailed, res.Outcome)
		assert.ErrorIs(t, res.Err, news.ErrFetch)
		assert.True(t, res.Outcome.Failed())
	}
	assert.Zero(t, dest.calls)
	assert.Zero(t, store.Saves())
	st, _ := store.Load(context.Background())
	assert.Equal(t, fooURL, st.Last)
}

func TestUnclassifiedFetchErrorIsMarked(t *testing.T) {
	p := New(pages(errors.New("boom")), newExtractor(t), newNotifier(), storage.NewMemory(), logx.Nop())
	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomeFetchFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, news.ErrFetch)
}

func TestParseErrorFromFetcher(t *testing.T) {
	bad := news.ParseError(errors.New("bad charset"), "decode")
	p := New(pages(bad), newExtractor(t), newNotifier(), storage.NewMemory(), logx.Nop())
	assert.Equal(t, OutcomeParseFailed, p.RunCycle(context.Background()).Outcome)
}

func TestFallbackDeliversOnce(t *testing.T) {
	primary := &flakyDest{name: "primary", failN: 100}
	fallback := &flakyDest{name: "fallback"}
	store := storage.NewMemory()
	p := New(pages(pageFoo), newExtractor(t), newNotifier(primary, fallback), store, logx.Nop())

	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, "fallback", res.Destination)
	assert.Len(t, fallback.got, 1)

	p.RunCycle(context.Background())
	assert.Len(t, fallback.got, 1)
	st, _ := store.Load(context.Background())
	assert.Equal(t, fooURL, st.Last)
}

func TestAllDestinationsFailThenRecover(t *testing.T) {
	dest := &flakyDest{name: "hook", failN: 1}
	store := storage.NewMemory()
	p := New(pages(pageFoo), newExtractor(t), newNotifier(dest), store, logx.Nop())

	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomeDeliveryFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, news.ErrDelivery)
	st, _ := store.Load(context.Background())
	assert.Empty(t, st.Last)

	assert.Equal(t, OutcomeDelivered, p.RunCycle(context.Background()).Outcome)
	assert.Equal(t, OutcomeUnchanged, p.RunCycle(context.Background()).Outcome)
	assert.Len(t, dest.got, 1)
}

func TestNoDestinationLeavesStateAlone(t *testing.T) {
	store := storage.NewMemory()
	p := New(pages(pageFoo), newExtractor(t), newNotifier(), store, logx.Nop())
	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomeNoDestination, res.Outcome)
	assert.Equal(t, fooURL, res.Item.ID)
	assert.False(t, res.Outcome.Failed())
	assert.Zero(t, store.Saves())
}

func TestExtractionDegradation(t *testing.T) {
	dest := &flakyDest{name: "hook"}
	store := storage.NewMemory()
	p := New(pages(pageNil), newExtractor(t), newNotifier(dest), store, logx.Nop())

	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomeNoItem, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Zero(t, dest.calls)
	assert.Zero(t, store.Saves())
}

func TestPersistFailureKeepsMemoryAndRetries(t *testing.T) {
	dest := &flakyDest{name: "hook"}
	store := storage.NewMemory()
	store.SetFailSave(errors.New("disk full"))
	p := New(pages(pageFoo), newExtractor(t), newNotifier(dest), store, logx.Nop())

	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomePersistFailed, res.Outcome)
	snap := p.Snapshot()
	assert.True(t, snap.Dirty)
	assert.Equal(t, fooURL, snap.State.Last)

	// Still failing: no re-notification.
	assert.Equal(t, OutcomeUnchanged, p.RunCycle(context.Background()).Outcome)
	assert.Len(t, dest.got, 1)

	store.SetFailSave(nil)
	assert.Equal(t, OutcomeUnchanged, p.RunCycle(context.Background()).Outcome)
	assert.False(t, p.Snapshot().Dirty)
	st, _ := store.Load(context.Background())
	assert.Equal(t, fooURL, st.Last)
	assert.Len(t, dest.got, 1)
}

type failingStore struct{ storage.Memory }

func (s *failingStore) Load(ctx context.Context) (news.State, error) {
	return news.State{}, errors.New("permission denied")
}

func TestStateUnavailable(t *testing.T) {
	dest := &flakyDest{name: "hook"}
	p := New(pages(pageFoo), newExtractor(t), newNotifier(dest), &failingStore{}, logx.Nop())
	assert.Error(t, p.Load(context.Background()))

	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomeStateUnavailable, res.Outcome)
	assert.Zero(t, dest.calls)
}

func TestReconfigureSwapsSource(t *testing.T) {
	dest := &flakyDest{name: "hook"}
	p := New(pages(pageFoo), newExtractor(t), newNotifier(dest), storage.NewMemory(), logx.Nop())
	p.RunCycle(context.Background())

	p.Reconfigure(pages(pageBar), nil, nil)
	res := p.RunCycle(context.Background())
	assert.Equal(t, OutcomeDelivered, res.Outcome)
	assert.Equal(t, barURL, res.Item.ID)
	assert.Equal(t, 2, p.Snapshot().Cycles)
	assert.NotEmpty(t, p.Snapshot().Last.ID)
}

// End to end: absent state file, HTML page over HTTP, webhook delivery, file
// persisted, second identical cycle silent.
func TestFirstRunScenario(t *testing.T) {
	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(pageFoo))
	}))
	defer page.Close()

	var (
		mu    sync.Mutex
		hooks int
	)
	var payload struct {
		Embeds []struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"embeds"`
	}
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		hooks++
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	path := filepath.Join(t.TempDir(), "state.json")
	store, err := storage.Open(storage.Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer store.Close()

	wh, err := notifier.NewWebhook(notifier.WebhookConfig{URL: hook.URL}, hook.Client())
	require.NoError(t, err)

	p := New(source.New(source.Config{URL: page.URL}, page.Client()), newExtractor(t), newNotifier(wh), store, logx.Nop())
	require.NoError(t, p.Load(context.Background()))
	assert.Empty(t, p.Snapshot().State.Last)

	res := p.RunCycle(context.Background())
	require.Equal(t, OutcomeDelivered, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, news.Item{ID: fooURL, Title: "Patch 1.0", Link: fooURL}, res.Item)
	mu.Lock()
	require.Len(t, payload.Embeds, 1)
	assert.Equal(t, "Patch 1.0", payload.Embeds[0].Title)
	assert.Equal(t, fooURL, payload.Embeds[0].URL)
	mu.Unlock()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"last":"`+fooURL+`"}`, string(raw))

	assert.Equal(t, OutcomeUnchanged, p.RunCycle(context.Background()).Outcome)
	mu.Lock()
	assert.Equal(t, 1, hooks)
	mu.Unlock()
}
