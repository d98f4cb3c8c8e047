package app

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"patchwatch/internal/news"
	"patchwatch/internal/storage"
	logx "patchwatch/pkg/logx"
)

// ShowState returns the persisted cursor.
func ShowState(ctx context.Context, cfgPath string, opts ...Option) (news.State, error) {
	var st news.State
	err := withStore(cfgPath, opts, func(s storage.Store, _ bool) error {
		var err error
		st, err = s.Load(ctx)
		return err
	})
	return st, err
}

// SetState overwrites the cursor with identity. With source.normalize_identity
// enabled the identity is normalized the same way extracted items are.
func SetState(ctx context.Context, cfgPath, identity string, opts ...Option) (news.State, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return news.State{}, news.ConfigError("identity must not be empty (use reset to clear)")
	}
	var st news.State
	err := withStore(cfgPath, opts, func(s storage.Store, normalize bool) error {
		if normalize {
			identity = news.NormalizeIdentity(identity)
		}
		st = news.State{Last: identity}
		return s.Save(ctx, st)
	})
	return st, err
}

// ResetState clears the cursor; the next cycle treats the newest item as new.
func ResetState(ctx context.Context, cfgPath string, opts ...Option) error {
	return withStore(cfgPath, opts, func(s storage.Store, _ bool) error {
		return s.Save(ctx, news.State{})
	})
}

func withStore(cfgPath string, opts []Option, fn func(s storage.Store, normalize bool) error) error {
	_, cfg, err := loadConfig(cfgPath, collectOptions(opts))
	if err != nil {
		return err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	if sc.Driver == "memory" {
		return news.ConfigError("state.driver memory keeps no state between runs")
	}
	store, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return errors.Wrapf(err, "open state store %s", sc.Path)
	}
	defer func() { _ = store.Close() }()
	return fn(store, cfg.Source.NormalizeIdentity)
}
