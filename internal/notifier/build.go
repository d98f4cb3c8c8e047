package notifier

import (
	"net/http"

	"patchwatch/internal/news"
	kit "patchwatch/internal/transport"
	logx "patchwatch/pkg/logx"
)

// Spec is the kind-tagged description of one destination.
type Spec struct {
	Name    string
	Kind    Kind
	ChatID  int64      // channel
	Threads ThreadMode // channel
	URL     string     // webhook
	Texts   Texts
}

// Build turns specs into destinations, preserving order. The kind tag alone
// selects the variant.
func Build(specs []Spec, adapter kit.Adapter, client *http.Client, log logx.Logger) ([]Destination, error) {
	out := make([]Destination, 0, len(specs))
	for _, sp := range specs {
		switch sp.Kind {
		case KindChannel:
			ch, err := NewChannel(ChannelConfig{Name: sp.Name, ChatID: sp.ChatID, Threads: sp.Threads, Texts: sp.Texts}, adapter, log.With(logx.String("dest", sp.Name)))
			if err != nil {
				return nil, err
			}
			out = append(out, ch)
		case KindWebhook:
			wh, err := NewWebhook(WebhookConfig{Name: sp.Name, URL: sp.URL, Texts: sp.Texts}, client)
			if err != nil {
				return nil, err
			}
			out = append(out, wh)
		default:
			return nil, news.ConfigError("destination %q: unknown kind %q", sp.Name, sp.Kind)
		}
	}
	return out, nil
}
