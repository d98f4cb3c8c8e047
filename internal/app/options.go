package app

import (
	"net/http"
	"os"

	"patchwatch/internal/config"
)

type options struct {
	getenv   func(string) string
	client   *http.Client
	logLevel string
	sdNotify sdNotifyFunc
}

type Option func(*options)

// WithEnv replaces the environment lookup.
func WithEnv(getenv func(string) string) Option {
	return func(o *options) { o.getenv = getenv }
}

// WithHTTPClient sets the client shared by the fetcher and webhook destinations.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithLogLevel overrides logging.level from the file and environment.
func WithLogLevel(level string) Option {
	return func(o *options) { o.logLevel = level }
}

func withSDNotify(fn sdNotifyFunc) Option {
	return func(o *options) { o.sdNotify = fn }
}

func collectOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

// loadConfig reads the file and environment. Failures, an unreadable file
// included, are configuration errors. A log level override is injected as
// the LOG_LEVEL variable so it survives hot reloads.
func loadConfig(cfgPath string, o options) (*config.ConfigManager, *config.Config, error) {
	getenv := o.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if lvl := o.logLevel; lvl != "" {
		base := getenv
		getenv = func(k string) string {
			if k == config.EnvLogLevel {
				return lvl
			}
			return base(k)
		}
	}
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnv(getenv)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, markConfig(err)
	}
	return cfgm, cfg, nil
}
