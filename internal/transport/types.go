package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // forum topic thread id (0 if none)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// ChatInfo describes a destination chat as reported by the platform.
type ChatInfo struct {
	ID    int64
	Title string
	Type  string
	// Threaded is true when the chat organizes posts as threads
	// (Telegram: a supergroup with topics enabled).
	Threaded bool
}

// Adapter is the chat-platform surface the notifier needs.
type Adapter interface {
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)
	// CreateThread opens a new thread named name. When content is non-empty it
	// becomes the thread's opening post; if that post is rejected the thread
	// must not be left behind and an error is returned.
	CreateThread(ctx context.Context, chatID int64, name, content string) (MessageRef, error)
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Command is an inbound bot command (e.g. "/status").
type Command struct {
	Name   string
	ChatID int64
	FromID int64
	Args   string
}

// CommandHandler answers an inbound command with reply text ("" = no reply).
type CommandHandler func(ctx context.Context, cmd Command) string
