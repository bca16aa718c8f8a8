package transport

import (
	"context"
	"errors"
)

// Platform names a chat backend.
type Platform string

const (
	Telegram Platform = "telegram"
	Discord  Platform = "discord"
)

// Adapters wrap platform errors with these so delivery can decide on a
// fallback without knowing the platform.
var (
	// ErrChatNotFound means the destination chat is gone or the bot lost access.
	ErrChatNotFound = errors.New("chat not found or not accessible")
	// ErrUserBlocked means direct messages to the user are not possible.
	ErrUserBlocked = errors.New("user cannot be messaged directly")
)

type Update struct {
	Platform Platform
	Message  *Message
}

// Message is an inbound text message. IDs are strings so Telegram int64
// chat ids and Discord snowflakes share one shape.
type Message struct {
	ID           string
	ChatID       string
	ThreadID     int // telegram forum topic (0 if none)
	FromID       string
	FromUsername string
	Text         string
	IsDirect     bool
}

type ChatTarget struct {
	ChatID   string
	ThreadID int
}

type MessageRef struct {
	ChatID    string
	MessageID string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Platform() Platform

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendDirect opens (or reuses) a private chat with userID and sends text there.
	SendDirect(ctx context.Context, userID string, text string, opt *SendOptions) (MessageRef, error)
}

// Mentioner is implemented by adapters that can render a user mention.
type Mentioner interface {
	Mention(userID string) string
}

// BotCommand is one entry of a platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters with a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
