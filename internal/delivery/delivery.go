package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/reminder"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var (
	ErrChannelUnreachable = errors.New("channel unreachable")
	ErrUserUnreachable    = errors.New("user unreachable")
)

// Via reports which destination accepted a notification.
type Via string

const (
	ViaChannel Via = "channel"
	ViaDirect  Via = "dm"
)

type Config struct {
	RatePerSec  float64
	Burst       int
	RetryMax    int
	RetryBase   time.Duration
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	return c
}

// Notification is one delivery attempt for a reminder.
type Notification struct {
	Reminder reminder.Reminder
	// Restored is set when the reminder was overdue at startup.
	Restored bool
	// Location renders times in the owner's zone; nil means UTC.
	Location *time.Location
}

type Result struct {
	Via       Via
	MessageID string
}

// Dispatcher sends reminder notifications to their channel and falls back
// to a direct message to the owner when the channel cannot be reached.
type Dispatcher struct {
	adapter transport.Adapter
	log     logx.Logger

	mu      sync.RWMutex
	cfg     Config
	limiter *rate.Limiter

	sleep func(ctx context.Context, d time.Duration) error
}

func New(adapter transport.Adapter, cfg Config, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		adapter: adapter,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		sleep:   sleepCtx,
	}
}

// SetConfig applies new limits and retry policy. Safe during hot reload.
func (d *Dispatcher) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	d.limiter.SetBurst(cfg.Burst)
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Deliver posts to the reminder's channel. When that fails it tries a DM.
// The returned error wraps ErrChannelUnreachable and ErrUserUnreachable
// when both destinations failed.
func (d *Dispatcher) Deliver(ctx context.Context, n Notification) (Result, error) {
	r := n.Reminder
	log := d.log.With(logx.String("reminder_id", r.ID), logx.String("user_id", r.UserID))

	mention := ""
	if m, ok := d.adapter.(transport.Mentioner); ok {
		mention = m.Mention(r.UserID)
	}

	var ref transport.MessageRef
	chErr := d.attempt(ctx, func(ctx context.Context) (err error) {
		ref, err = d.adapter.SendText(ctx, transport.ChatTarget{ChatID: r.ChannelID}, RenderChannel(n, mention), &transport.SendOptions{DisablePreview: true})
		return err
	})
	if chErr == nil {
		return Result{Via: ViaChannel, MessageID: ref.MessageID}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	log.Warn("channel delivery failed, trying DM", logx.String("channel_id", r.ChannelID), logx.Err(chErr))

	dmErr := d.attempt(ctx, func(ctx context.Context) (err error) {
		ref, err = d.adapter.SendDirect(ctx, r.UserID, RenderDirect(n, chErr), &transport.SendOptions{DisablePreview: true})
		return err
	})
	if dmErr == nil {
		return Result{Via: ViaDirect, MessageID: ref.MessageID}, nil
	}
	log.Warn("DM fallback failed", logx.Err(dmErr))
	return Result{}, errors.Join(
		fmt.Errorf("%w: %v", ErrChannelUnreachable, chErr),
		fmt.Errorf("%w: %v", ErrUserUnreachable, dmErr),
	)
}

// attempt runs send under the rate limiter, retrying transient errors with
// exponential backoff. Permanent unreachability is not retried.
func (d *Dispatcher) attempt(ctx context.Context, send func(ctx context.Context) error) error {
	cfg := d.config()
	d.mu.RLock()
	lim := d.limiter
	d.mu.RUnlock()

	backoff := cfg.RetryBase
	var err error
	for try := 0; try <= cfg.RetryMax; try++ {
		if try > 0 {
			if e := d.sleep(ctx, backoff); e != nil {
				return e
			}
			backoff *= 2
		}
		if e := lim.Wait(ctx); e != nil {
			return e
		}
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = send(sctx)
		cancel()
		if err == nil || permanent(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

func permanent(err error) bool {
	return errors.Is(err, transport.ErrChatNotFound) || errors.Is(err, transport.ErrUserBlocked)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
