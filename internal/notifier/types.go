package notifier

import (
	"context"
	"time"

	"patchwatch/internal/news"
)

// Kind tags a destination variant.
type Kind string

const (
	KindChannel Kind = "channel"
	KindWebhook Kind = "webhook"
)

// Destination delivers one item. Deliver returns nil only when the remote side
// accepted the notification.
type Destination interface {
	Name() string
	Kind() Kind
	Deliver(ctx context.Context, item news.Item) error
}

// Config controls pacing and bounds of delivery attempts.
type Config struct {
	// RatePerSec paces attempts across all destinations.
	RatePerSec int
	// Timeout bounds a single destination attempt.
	Timeout     time.Duration
	HistorySize int
}

// Texts are the fixed strings rendered around an item.
type Texts struct {
	Username    string
	Description string
	Footer      string
}

const (
	DefaultUsername           = "Valorant Updates"
	DefaultWebhookDescription = "Patch notes / announcement terbaru — klik link untuk detail."
	DefaultChannelDescription = "Patch notes terbaru."
	DefaultFooter             = "Sumber: playvalorant.com"
)

// Attempt records one destination try.
type Attempt struct {
	Destination string
	Kind        Kind
	Err         error
	Took        time.Duration
}

// Result is the outcome of Service.Deliver.
type Result struct {
	Delivered   bool
	Destination string // name of the destination that accepted the item
	Attempts    []Attempt
}

type HistoryItem struct {
	At          time.Time
	ItemID      string
	Title       string
	Destination string
	OK          bool
	Error       string
}
