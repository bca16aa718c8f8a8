package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatSender delivers a rendered log line to the ops chat.
// The app binds it to whatever transport adapter is active.
type ChatSender func(ctx context.Context, text string) error

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatLineMax     = 3500
	chatValueMax    = 600
)

// chatSink is a zerolog.LevelWriter that hands lines to a background
// sender. Writes never block; lines over the rate or queue limit are lost.
type chatSink struct {
	queue chan string

	mu       sync.Mutex
	send     ChatSender
	minLevel zerolog.Level
	limiter  *rate.Limiter
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

func newChatSink(send ChatSender) *chatSink {
	return &chatSink{queue: make(chan string, chatQueueSize), send: send, minLevel: zerolog.WarnLevel}
}

func (c *chatSink) setSender(fn ChatSender) {
	c.mu.Lock()
	c.send = fn
	c.mu.Unlock()
}

// configure sets the filter and starts the worker on first use.
func (c *chatSink) configure(minLevel zerolog.Level, perSec int) {
	perSec = max(perSec, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minLevel = minLevel
	c.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	if c.cancel != nil || c.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.run(ctx)
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.stopped = true
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			c.mu.Lock()
			send := c.send
			c.mu.Unlock()
			if send == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_ = send(sctx, line)
			cancel()
		}
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.NoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	ok := c.send != nil && c.limiter != nil && level != zerolog.NoLevel && level >= c.minLevel
	lim := c.limiter
	c.mu.Unlock()
	if !ok || !lim.Allow() {
		return len(p), nil
	}
	if line := formatChatLine(p); line != "" {
		select {
		case c.queue <- line:
		default:
		}
	}
	return len(p), nil
}

// formatChatLine renders a zerolog JSON line as "[LEVEL] message" followed
// by one "key: value" line per field. Keys are sorted with "err" last.
func formatChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), chatLineMax)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName:
		default:
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a == zerolog.ErrorFieldName:
			return 1
		case b == zerolog.ErrorFieldName:
			return -1
		}
		return strings.Compare(a, b)
	})
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(m[k]), chatValueMax))
	}
	return clip(b.String(), chatLineMax)
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	const ellipsis = "…"
	cut := n - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
