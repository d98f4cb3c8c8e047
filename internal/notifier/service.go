package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"patchwatch/internal/news"
	logx "patchwatch/pkg/logx"
)

// Service tries destinations in priority order until one accepts the item.
//
// It is safe for concurrent use; Apply may swap destinations while no
// delivery is running.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	dests   []Destination
	limiter *rate.Limiter
	log     logx.Logger

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, dests []Destination, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log}
	s.applyLocked(cfg, dests)
	return s
}

func (s *Service) Apply(cfg Config, dests []Destination) {
	s.mu.Lock()
	s.applyLocked(cfg, dests)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config, dests []Destination) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	s.cfg = cfg
	s.dests = append([]Destination(nil), dests...)
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Destinations returns the configured destination names in priority order.
func (s *Service) Destinations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.dests))
	for _, d := range s.dests {
		out = append(out, d.Name())
	}
	return out
}

// Deliver attempts delivery in order and stops at the first success.
// Destination failures are logged and recorded in Result.Attempts.
func (s *Service) Deliver(ctx context.Context, item news.Item) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	dests := s.dests
	lim := s.limiter
	log := s.log
	s.mu.Unlock()

	var res Result
	if len(dests) == 0 {
		log.Warn("no destination configured; notification not sent", logx.String("item", item.ID))
		return res
	}

	for i, d := range dests {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				// Recorded as a failed attempt.
				at := Attempt{Destination: d.Name(), Kind: d.Kind(), Err: news.DeliveryError(err, "destination %s", d.Name())}
				res.Attempts = append(res.Attempts, at)
				s.appendHistory(cfg, item, d.Name(), at.Err)
				log.Warn("delivery aborted", logx.String("dest", d.Name()), logx.Err(err))
				break
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := safeDeliver(callCtx, d, item)
		cancel()

		at := Attempt{Destination: d.Name(), Kind: d.Kind(), Took: time.Since(start)}
		if err != nil {
			at.Err = news.DeliveryError(err, "destination %s", d.Name())
			res.Attempts = append(res.Attempts, at)
			s.appendHistory(cfg, item, d.Name(), at.Err)
			log.Warn("delivery failed",
				logx.String("dest", d.Name()),
				logx.String("kind", string(d.Kind())),
				logx.Int("priority", i),
				logx.Duration("took", at.Took),
				logx.Err(err),
			)
			continue
		}

		res.Attempts = append(res.Attempts, at)
		res.Delivered = true
		res.Destination = d.Name()
		s.appendHistory(cfg, item, d.Name(), nil)
		log.Info("delivered",
			logx.String("dest", d.Name()),
			logx.String("kind", string(d.Kind())),
			logx.String("title", item.Title),
			logx.Duration("took", at.Took),
		)
		return res
	}
	return res
}

// safeDeliver converts a destination panic into an error.
func safeDeliver(ctx context.Context, d Destination, item news.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Deliver(ctx, item)
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(cfg Config, item news.Item, dest string, err error) {
	h := HistoryItem{At: time.Now(), ItemID: item.ID, Title: item.Title, Destination: dest, OK: err == nil}
	if err != nil {
		h.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
