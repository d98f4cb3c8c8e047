// Package pipeline runs one check cycle: fetch, extract, dedup, deliver and
// persist. It owns the in-memory cursor between cycles.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"patchwatch/internal/extract"
	"patchwatch/internal/news"
	"patchwatch/internal/notifier"
	"patchwatch/internal/source"
	"patchwatch/internal/storage"
	logx "patchwatch/pkg/logx"
)

// Outcome classifies a finished cycle.
type Outcome string

const (
	OutcomeStateUnavailable Outcome = "state_unavailable"
	OutcomeFetchFailed      Outcome = "fetch_failed"
	OutcomeParseFailed      Outcome = "parse_failed"
	OutcomeNoItem           Outcome = "no_item"
	OutcomeUnchanged        Outcome = "unchanged"
	OutcomeNoDestination    Outcome = "no_destination"
	OutcomeDeliveryFailed   Outcome = "delivery_failed"
	OutcomeDelivered        Outcome = "delivered"
	OutcomePersistFailed    Outcome = "persist_failed"
	OutcomePanicked         Outcome = "panicked"
)

// Failed reports whether the outcome should slow the schedule down.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeStateUnavailable, OutcomeFetchFailed, OutcomeParseFailed,
		OutcomeDeliveryFailed, OutcomePersistFailed, OutcomePanicked:
		return true
	}
	return false
}

// Fetcher is the source side of a cycle.
type Fetcher interface {
	Fetch(ctx context.Context) (source.Document, error)
}

// Notifier is the delivery side of a cycle.
type Notifier interface {
	Deliver(ctx context.Context, item news.Item) notifier.Result
}

type CycleResult struct {
	ID          string
	Started     time.Time
	Took        time.Duration
	Outcome     Outcome
	Item        news.Item // zero unless an item was extracted
	Destination string    // set when delivered
	Err         error
}

type Snapshot struct {
	State  news.State
	Dirty  bool
	Cycles int
	Last   CycleResult
}

type Pipeline struct {
	cycleMu sync.Mutex // one cycle at a time

	mu        sync.Mutex
	fetcher   Fetcher
	extractor extract.Extractor
	notifier  Notifier
	store     storage.Store
	log       logx.Logger

	state  news.State
	loaded bool
	dirty  bool
	cycles int
	last   CycleResult
}

func New(f Fetcher, x extract.Extractor, n Notifier, store storage.Store, log logx.Logger) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{fetcher: f, extractor: x, notifier: n, store: store, log: log}
}

// Load reads the persisted cursor. Absent or corrupt records yield the empty
// state; only unrecoverable store errors are returned.
func (p *Pipeline) Load(ctx context.Context) error {
	st, err := p.store.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load state")
	}
	p.mu.Lock()
	p.state = st
	p.loaded = true
	p.dirty = false
	p.mu.Unlock()
	p.log.Info("state loaded", logx.String("last", st.Last))
	return nil
}

// Reconfigure swaps the source and destination side. nil arguments keep the
// current value. Takes effect from the next cycle.
func (p *Pipeline) Reconfigure(f Fetcher, x extract.Extractor, n Notifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f != nil {
		p.fetcher = f
	}
	if x != nil {
		p.extractor = x
	}
	if n != nil {
		p.notifier = n
	}
}

func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{State: p.state, Dirty: p.dirty, Cycles: p.cycles, Last: p.last}
}

// RunCycle performs one check. It never panics on stage failures and never
// returns an error: every failure is folded into the outcome and logged.
// The cursor moves only after a destination confirmed delivery.
func (p *Pipeline) RunCycle(ctx context.Context) CycleResult {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	res := CycleResult{ID: uuid.NewString(), Started: time.Now()}
	log := p.log.With(logx.String("cycle", res.ID))

	res.Outcome, res.Item, res.Destination, res.Err = p.run(ctx, log)
	res.Took = time.Since(res.Started)

	p.mu.Lock()
	p.cycles++
	p.last = res
	p.mu.Unlock()

	fields := []logx.Field{logx.String("outcome", string(res.Outcome)), logx.Duration("took", res.Took)}
	if res.Item.Valid() {
		fields = append(fields, logx.String("item", res.Item.ID))
	}
	if res.Err != nil {
		fields = append(fields, logx.String("kind", news.Kind(res.Err)), logx.Err(res.Err))
	}
	if res.Outcome.Failed() {
		log.Warn("cycle finished", fields...)
	} else {
		log.Info("cycle finished", fields...)
	}
	return res
}

func (p *Pipeline) run(ctx context.Context, log logx.Logger) (Outcome, news.Item, string, error) {
	p.mu.Lock()
	loaded := p.loaded
	p.mu.Unlock()
	if !loaded {
		if err := p.Load(ctx); err != nil {
			return OutcomeStateUnavailable, news.Item{}, "", err
		}
	}
	p.flushDirty(ctx, log)

	p.mu.Lock()
	f, x, n, st := p.fetcher, p.extractor, p.notifier, p.state
	p.mu.Unlock()

	doc, err := f.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, news.ErrFetch) && !errors.Is(err, news.ErrParse) {
			err = news.FetchError(err, "fetch")
		}
		if errors.Is(err, news.ErrParse) {
			return OutcomeParseFailed, news.Item{}, "", err
		}
		return OutcomeFetchFailed, news.Item{}, "", err
	}

	item, found, err := x.Extract(doc)
	if err != nil {
		if !errors.Is(err, news.ErrParse) {
			err = news.ParseError(err, "extract")
		}
		return OutcomeParseFailed, news.Item{}, "", err
	}
	if !found {
		log.Debug("no item found", logx.String("url", doc.URL))
		return OutcomeNoItem, news.Item{}, "", nil
	}
	if !news.IsNew(item, st) {
		log.Debug("no new item", logx.String("last", st.Last))
		return OutcomeUnchanged, item, "", nil
	}

	log.Info("new item", logx.String("title", item.Title), logx.String("link", item.Link))
	if n == nil {
		return OutcomeNoDestination, item, "", nil
	}
	dr := n.Deliver(ctx, item)
	if !dr.Delivered {
		if len(dr.Attempts) == 0 {
			return OutcomeNoDestination, item, "", nil
		}
		err := dr.Attempts[len(dr.Attempts)-1].Err
		if err == nil {
			err = news.DeliveryError(nil, "no destination accepted the item")
		}
		return OutcomeDeliveryFailed, item, "", err
	}

	next := news.State{Last: item.ID}
	p.mu.Lock()
	p.state = next
	p.dirty = true
	p.mu.Unlock()

	if err := p.store.Save(ctx, next); err != nil {
		return OutcomePersistFailed, item, dr.Destination, errors.Wrap(err, "save state")
	}
	p.mu.Lock()
	if p.state == next {
		p.dirty = false
	}
	p.mu.Unlock()
	return OutcomeDelivered, item, dr.Destination, nil
}

// flushDirty retries a save that failed after a delivery.
func (p *Pipeline) flushDirty(ctx context.Context, log logx.Logger) {
	p.mu.Lock()
	dirty, st := p.dirty, p.state
	p.mu.Unlock()
	if !dirty {
		return
	}
	if err := p.store.Save(ctx, st); err != nil {
		log.Warn("state still not persisted", logx.String("last", st.Last), logx.Err(err))
		return
	}
	p.mu.Lock()
	if p.state == st {
		p.dirty = false
	}
	p.mu.Unlock()
	log.Info("pending state persisted", logx.String("last", st.Last))
}
