package commands

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindbot/internal/runtime/supervisor"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// defaultTimeout bounds a handler when its Command sets none.
const defaultTimeout = 20 * time.Second

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "reminders"
	//   "remind every"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["list", "view"]
	Description string
	Usage       string
	Access      Access

	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Platform transport.Platform
	Message  *transport.Message
	Chat     transport.ChatTarget
	FromID   string
	Path     []string // matched command path tokens
	Command  string
	Args     []string // positionals after the path

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter transport.Adapter
	Logger  logx.Logger
	Owner   bool
}

// Reply sends text to the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

// Router parses inbound messages into commands and runs them on a bounded
// worker pool.
type Router struct {
	mu    sync.RWMutex
	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	owners []string

	log     logx.Logger
	adapter transport.Adapter

	runMu   sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	jobs chan func()
}

func NewRouter(adapter transport.Adapter, log logx.Logger, owners []string) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		owners:  slices.Clone(owners),
		log:     log,
		adapter: adapter,
		jobs:    make(chan func(), 256),
	}
}

// SetOwners updates the ids allowed to run owner-only commands.
// Safe to call during hot-reload.
func (m *Router) SetOwners(owners []string) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *Router) isOwner(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return id != "" && slices.Contains(m.owners, id)
}

// SetRegistry replaces the command set. A help command is always added.
func (m *Router) SetRegistry(cmds []Command) {
	helper := Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show commands",
		Usage:       "help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req.Args, req.Owner))
		},
	}
	cmds = append(cmds, helper)

	root := newRoot()
	alias := map[string]*cmdNode{}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		leaf := root.add(route, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
		}
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	if up, ok := m.adapter.(transport.CommandMenuUpdater); ok {
		menu := menuCommands(root)
		run := func(parent context.Context) error {
			ctx, cancel := context.WithTimeout(parent, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(ctx, menu); err != nil {
				m.log.Warn("command menu update failed", logx.Err(err))
			}
			return nil
		}
		if sup := m.supervisor(); sup != nil {
			sup.Go("menu.update", run)
		} else {
			go run(context.Background())
		}
	}
}

func (m *Router) supervisor() *supervisor.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

func (m *Router) setSupervisor(sup *supervisor.Supervisor, running bool) {
	m.runMu.Lock()
	m.sup = sup
	m.running = running
	m.runMu.Unlock()
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (m *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop reads updates until ctx ends or updates is closed.
func (m *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	workers := max(runtime.NumCPU(), 2)

	sup := supervisor.New(ctx,
		supervisor.WithLogger(m.log.With(logx.String("comp", "commands.router"))),
		supervisor.WithCancelOnError(false),
	)
	m.setSupervisor(sup, true)
	m.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(m.jobs)))

	jobs := m.jobs
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if r := recover(); r != nil {
								m.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, 200*time.Millisecond, 5*time.Second)
	}

	defer func() {
		m.setSupervisor(sup, false)
		close(jobs)
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.setSupervisor(nil, false)
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *Router) route(root context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	body, ok := trimPrefix(strings.TrimSpace(msg.Text))
	if !ok {
		return
	}
	parts := tokenizeCommandLine(body)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(parts[0])
	// telegram appends the bot name in groups: /remind@remindbot
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	m.mu.RLock()
	rootNode := m.root
	aliasMap := m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf.cmd != nil {
		m.enqueue(root, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args)
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		// "!" is common in ordinary chat; only answer unknown slash commands.
		if strings.HasPrefix(msg.Text, "/") {
			_, _ = m.adapter.SendText(root, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	path := []string{word}
	for len(args) > 0 && !strings.HasPrefix(args[0], "--") {
		child, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = child
		path = append(path, strings.ToLower(args[0]))
		args = args[1:]
	}

	// container node without handler: show help for that path
	if cur.cmd == nil {
		_, _ = m.adapter.SendText(root, chat, m.helpText(path, m.isOwner(msg.FromID)), &transport.SendOptions{DisablePreview: true})
		return
	}
	m.enqueue(root, up, *cur.cmd, path, args)
}

func (m *Router) enqueue(root context.Context, up transport.Update, cmd Command, path, raw []string) {
	msg := up.Message
	chat := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	owner := m.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = m.adapter.SendText(root, chat, "⛔ This command is for bot owners only.", nil)
		return
	}

	rid := newReqID()
	reqLog := m.log.With(
		logx.String("rid", rid),
		logx.String("chat_id", msg.ChatID),
		logx.String("from_id", msg.FromID),
		logx.String("cmd", cmd.Route),
	)
	pos, flags, bools := parseFlags(raw)
	req := &Request{
		Platform:  up.Platform,
		Message:   msg,
		Chat:      chat,
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		RawArgs:   raw,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger:    reqLog,
		Owner:     owner,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(timeout),
	)
	if !m.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = m.adapter.SendText(root, chat, "Busy, try again in a moment.", nil)
	}
}
