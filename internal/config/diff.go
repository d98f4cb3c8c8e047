package config

import (
	"reflect"
	"sort"
	"strings"

	logx "patchwatch/pkg/logx"
)

// Change summarizes a reload for logging. Attrs never carry secrets.
type Change struct {
	// Sections lists every changed top-level section.
	Sections []string
	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
	Attrs           []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares two configs section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, restart bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if restart {
			ch.RestartRequired = append(ch.RestartRequired, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if oldCfg.Source != newCfg.Source {
		mark("source", false,
			logx.String("source.url", newCfg.Source.URL),
			logx.String("source.format", newCfg.Source.Format),
			logx.Bool("source.normalize_identity", newCfg.Source.NormalizeIdentity),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		mark("schedule", false,
			logx.String("schedule.every", newCfg.Schedule.Every),
			logx.String("schedule.failure_backoff", newCfg.Schedule.FailureBackoff),
		)
	}
	if !reflect.DeepEqual(oldCfg.Destinations, newCfg.Destinations) {
		kinds := make([]string, 0, len(newCfg.Destinations))
		for _, d := range newCfg.Destinations {
			kinds = append(kinds, d.Kind)
		}
		mark("destinations", false,
			logx.Int("destinations.count", len(newCfg.Destinations)),
			logx.String("destinations.kinds", strings.Join(kinds, ",")),
		)
	}
	if oldCfg.Notify != newCfg.Notify {
		mark("notify", false, logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec))
	}
	if oldCfg.Texts != newCfg.Texts {
		mark("texts", false)
	}
	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.PollTimeout != nt.PollTimeout || ot.LogChatID != nt.LogChatID ||
		ot.LogThreadID != nt.LogThreadID || !reflect.DeepEqual(ot.AllowedUsers, nt.AllowedUsers) {
		mark("telegram", true,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.Int("telegram.allowed_users", len(nt.AllowedUsers)),
		)
	}
	if oldCfg.State != newCfg.State {
		mark("state", true, logx.String("state.driver", newCfg.State.Driver))
	}

	sort.Strings(ch.Sections)
	sort.Strings(ch.RestartRequired)
	return ch
}
