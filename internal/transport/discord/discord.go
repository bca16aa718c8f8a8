package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Token string
}

// Adapter connects to the Discord gateway and relays guild and DM messages.
type Adapter struct {
	log     logx.Logger
	session *discordgo.Session

	out atomic.Pointer[chan<- transport.Update]

	runMu         sync.Mutex
	running       bool
	removeHandler func()

	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentGuildMessages | discordgo.IntentDirectMessages | discordgo.IntentMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{log: log, session: s}, nil
}

func (a *Adapter) Platform() transport.Platform { return transport.Discord }

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(&out)
	a.removeHandler = a.session.AddHandler(a.onMessage)
	if err := a.session.Open(); err != nil {
		a.removeHandler()
		a.out.Store(nil)
		return fmt.Errorf("discord gateway: %w", err)
	}
	a.running = true
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	p := a.out.Load()
	if p == nil || *p == nil {
		return
	}
	up := transport.Update{
		Platform: transport.Discord,
		Message: &transport.Message{
			ID:           m.ID,
			ChatID:       m.ChannelID,
			FromID:       m.Author.ID,
			FromUsername: m.Author.Username,
			Text:         m.Content,
			IsDirect:     m.GuildID == "",
		},
	}
	select {
	case *p <- up:
	default:
		if n := a.dropped.Add(1); n%50 == 1 {
			a.log.Warn("incoming messages dropped (channel full)", logx.Int64("total", int64(n)))
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	a.out.Store(nil)
	if a.removeHandler != nil {
		a.removeHandler()
		a.removeHandler = nil
	}
	a.log.Info("closing gateway")
	return a.session.Close()
}

const textLimit = 2000

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	ref, err := a.send(ctx, to.ChatID, text)
	return ref, classify(err, transport.ErrChatNotFound)
}

func (a *Adapter) SendDirect(ctx context.Context, userID string, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	ch, err := a.session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("%w: %v", transport.ErrUserBlocked, err)
	}
	ref, err := a.send(ctx, ch.ID, text)
	return ref, classify(err, transport.ErrUserBlocked)
}

func (a *Adapter) send(ctx context.Context, channelID, text string) (transport.MessageRef, error) {
	if rs := []rune(text); len(rs) > textLimit {
		text = string(rs[:textLimit-3]) + "..."
	}
	msg, err := a.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content: text,
		// Only ever ping the users named in the text, never roles or everyone.
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: channelID, MessageID: msg.ID}, nil
}

// Mention renders a user ping.
func (a *Adapter) Mention(userID string) string {
	return "<@" + userID + ">"
}

// classify maps Discord REST errors meaning "cannot post here" onto unreachable.
func classify(err error, unreachable error) error {
	if err == nil {
		return nil
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownChannel,
			discordgo.ErrCodeMissingAccess,
			discordgo.ErrCodeMissingPermissions,
			discordgo.ErrCodeCannotSendMessagesToThisUser:
			return fmt.Errorf("%w: %v", unreachable, err)
		}
	}
	return err
}
