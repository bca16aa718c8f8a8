package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"remindbot/internal/delivery"
	"remindbot/internal/prefs"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Engine is the scheduler surface the commands use. *scheduler.Engine
// satisfies it.
type Engine interface {
	ScheduleReminder(ctx context.Context, r *reminder.Reminder) error
	RemoveReminder(ctx context.Context, id string) error
	RemoveUserReminders(ctx context.Context, userID string) (int, error)
	GetReminders(ctx context.Context, userID string) ([]reminder.Reminder, error)
	Pause(ctx context.Context, id string) (reminder.Reminder, error)
	Resume(ctx context.Context, id string) (reminder.Reminder, error)
	CleanupStaleReminders(ctx context.Context) (int, error)
	Pending() int
}

// Preferences is the user preference store. *prefs.Service satisfies it.
type Preferences interface {
	Timezone(ctx context.Context, userID string) (string, error)
	Location(ctx context.Context, userID string) (*time.Location, error)
	SetTimezone(ctx context.Context, userID, tz string) (*time.Location, error)
	Flag(ctx context.Context, userID, name string) (bool, error)
	SetFlag(ctx context.Context, userID, name string, v bool) error
}

type AuditLog interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Reminders implements the reminder commands.
type Reminders struct {
	engine Engine
	prefs  Preferences
	audit  AuditLog
	log    logx.Logger
	now    func() time.Time

	minDuration atomic.Int64
}

type RemindersOption func(*Reminders)

func WithClock(now func() time.Time) RemindersOption {
	return func(h *Reminders) {
		if now != nil {
			h.now = now
		}
	}
}

func NewReminders(engine Engine, p Preferences, audit AuditLog, log logx.Logger, opts ...RemindersOption) *Reminders {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Reminders{engine: engine, prefs: p, audit: audit, log: log, now: time.Now}
	h.minDuration.Store(int64(reminder.MinDuration))
	for _, o := range opts {
		o(h)
	}
	return h
}

// SetMinDuration changes the shortest accepted "remind in" offset.
func (h *Reminders) SetMinDuration(d time.Duration) {
	if d <= 0 {
		d = reminder.MinDuration
	}
	h.minDuration.Store(int64(d))
}

// Commands returns the command registry for the router.
func (h *Reminders) Commands() []Command {
	return []Command{
		{
			Route:       "remind in",
			Description: "remind after a duration; --id edits one of your one-time reminders",
			Usage:       "remind in <duration> <message> [--id <id>]",
			Handle:      h.wrap(h.handleIn),
		},
		{
			Route:       "remind at",
			Description: "remind later today, in your timezone",
			Usage:       "remind at <h:mm AM|PM> <message>",
			Handle:      h.wrap(h.handleAt),
		},
		{
			Route:       "remind on",
			Description: "remind on a date, in your timezone",
			Usage:       "remind on <MM-DD-YYYY> <h:mm AM|PM> <message>",
			Handle:      h.wrap(h.handleOn),
		},
		{
			Route:       "remind every",
			Description: "recurring reminder: hour, day, week, month or a weekday",
			Usage:       "remind every <interval> <h:mm AM|PM> <message>",
			Handle:      h.wrap(h.handleEvery),
		},
		{
			Route:       "reminders",
			Aliases:     []string{"list", "view"},
			Description: "list your reminders",
			Usage:       "reminders",
			Handle:      h.wrap(h.handleList),
		},
		{
			Route:       "cancel",
			Description: "delete a reminder",
			Usage:       "cancel <id>",
			Handle:      h.wrap(h.handleCancel),
		},
		{
			Route:       "pause",
			Description: "pause a recurring reminder",
			Usage:       "pause <id>",
			Handle:      h.wrap(h.handlePause),
		},
		{
			Route:       "resume",
			Description: "resume a paused reminder",
			Usage:       "resume <id>",
			Handle:      h.wrap(h.handleResume),
		},
		{
			Route:       "clear",
			Description: "delete all of your reminders",
			Usage:       "clear",
			Handle:      h.wrap(h.handleClear),
		},
		{
			Route:       "timezone",
			Aliases:     []string{"tz"},
			Description: "show or set your timezone",
			Usage:       "timezone [Area/City]",
			Handle:      h.wrap(h.handleTimezone),
		},
		{
			Route:       "cleanup",
			Description: "delete stale paused reminders now",
			Usage:       "cleanup",
			Access:      AccessOwnerOnly,
			Timeout:     time.Minute,
			Handle:      h.wrap(h.handleCleanup),
		},
		{
			Route:       "status",
			Description: "show scheduler state",
			Usage:       "status",
			Access:      AccessOwnerOnly,
			Handle:      h.wrap(h.handleStatus),
		},
	}
}

// wrap turns handler errors into replies. Only errors without a user
// message reach the request log.
func (h *Reminders) wrap(fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		err := fn(ctx, req)
		if err == nil {
			return nil
		}
		msg, known := userMessage(err)
		if rerr := req.Reply(ctx, msg); rerr != nil {
			req.Logger.Warn("reply failed", logx.Err(rerr))
		}
		if known {
			return nil
		}
		return err
	}
}

func (h *Reminders) handleIn(ctx context.Context, req *Request) error {
	const usage = "remind in <duration> <message> [--id <id>]"
	if len(req.Args) < 1 {
		return usageError{usage}
	}
	msg, err := reminder.SanitizeMessage(strings.Join(req.Args[1:], " "))
	if err != nil {
		return err
	}
	now := h.now()
	at, err := reminder.ResolveIn(now, req.Args[0], time.Duration(h.minDuration.Load()))
	if err != nil {
		return err
	}

	r := reminder.Reminder{UserID: req.FromID, Origin: reminder.OriginIn}
	edit := false
	if raw := strings.TrimSpace(req.Flags["id"]); raw != "" {
		existing, err := h.resolveID(ctx, req.FromID, raw)
		if err != nil {
			return err
		}
		if existing.Recurring {
			return errEditRecurring
		}
		r = existing.Clone()
		r.Origin = reminder.OriginIn
		r.FailureCount = 0
		edit = true
	}
	r.ChannelID = req.Chat.ChatID
	r.RemindAt = at.UnixMilli()
	r.Message = msg

	title := "⏰ Reminder set!"
	action := "create"
	if edit {
		title = "✏️ Reminder updated!"
		action = "edit"
	}
	return h.create(ctx, req, &r, title, action)
}

func (h *Reminders) handleAt(ctx context.Context, req *Request) error {
	const usage = "remind at <h:mm AM|PM> <message>"
	clock, rest, ok := takeClock(req.Args)
	if !ok {
		return usageError{usage}
	}
	loc, err := h.prefs.Location(ctx, req.FromID)
	if err != nil {
		return err
	}
	msg, err := reminder.SanitizeMessage(strings.Join(rest, " "))
	if err != nil {
		return err
	}
	at, err := reminder.ResolveAt(h.now(), loc, clock)
	if err != nil {
		return err
	}
	r := reminder.Reminder{UserID: req.FromID, ChannelID: req.Chat.ChatID, RemindAt: at.UnixMilli(), Message: msg, Origin: reminder.OriginAt}
	return h.create(ctx, req, &r, "⏱️ Reminder set!", "create")
}

func (h *Reminders) handleOn(ctx context.Context, req *Request) error {
	const usage = "remind on <MM-DD-YYYY> <h:mm AM|PM> <message>"
	if len(req.Args) < 2 {
		return usageError{usage}
	}
	date := req.Args[0]
	clock, rest, _ := takeClock(req.Args[1:])
	loc, err := h.prefs.Location(ctx, req.FromID)
	if err != nil {
		return err
	}
	msg, err := reminder.SanitizeMessage(strings.Join(rest, " "))
	if err != nil {
		return err
	}
	at, err := reminder.ResolveOn(h.now(), loc, date, clock)
	if err != nil {
		return err
	}
	r := reminder.Reminder{UserID: req.FromID, ChannelID: req.Chat.ChatID, RemindAt: at.UnixMilli(), Message: msg, Origin: reminder.OriginOn}
	return h.create(ctx, req, &r, "📅 Reminder set!", "create")
}

func (h *Reminders) handleEvery(ctx context.Context, req *Request) error {
	const usage = "remind every <interval> <h:mm AM|PM> <message>"
	if len(req.Args) < 2 {
		return usageError{usage}
	}
	interval := req.Args[0]
	clock, rest, _ := takeClock(req.Args[1:])
	loc, err := h.prefs.Location(ctx, req.FromID)
	if err != nil {
		return err
	}
	msg, err := reminder.SanitizeMessage(strings.Join(rest, " "))
	if err != nil {
		return err
	}
	at, meta, err := reminder.ResolveEvery(h.now(), loc, interval, clock)
	if err != nil {
		return err
	}
	r := reminder.Reminder{
		UserID:     req.FromID,
		ChannelID:  req.Chat.ChatID,
		RemindAt:   at.UnixMilli(),
		Message:    msg,
		Recurring:  true,
		RepeatMeta: &meta,
		Origin:     reminder.OriginEvery,
	}
	return h.create(ctx, req, &r, "🔁 Recurring reminder set!", "create")
}

func (h *Reminders) create(ctx context.Context, req *Request, r *reminder.Reminder, title, action string) error {
	err := h.engine.ScheduleReminder(ctx, r)
	h.record(ctx, req, action, r.ID, err)
	if err != nil {
		return err
	}

	loc := h.displayLocation(ctx, req.FromID)
	var b strings.Builder
	b.WriteString(title)
	if r.Recurring && r.RepeatMeta != nil {
		b.WriteString("\nRepeats: " + delivery.DescribeRepeat(*r.RepeatMeta))
		b.WriteString("\nFirst reminder: ")
	} else {
		b.WriteString("\nTime: ")
	}
	b.WriteString(h.formatWhen(r.Due(), loc))
	b.WriteString("\nMessage: " + r.Message)
	b.WriteString("\nID: " + r.ShortID())
	b.WriteString(h.dmNote(ctx, req))

	req.Logger.Info("reminder "+action,
		logx.String("reminder_id", r.ID),
		logx.String("origin", string(r.Origin)),
		logx.Time("remind_at", r.Due()),
	)
	return req.Reply(ctx, b.String())
}

// dmNote returns a one-time explanation for reminders created in a DM.
func (h *Reminders) dmNote(ctx context.Context, req *Request) string {
	if req.Message == nil || !req.Message.IsDirect {
		return ""
	}
	shown, err := h.prefs.Flag(ctx, req.FromID, prefs.FlagDMWarningShown)
	if err != nil || shown {
		return ""
	}
	if err := h.prefs.SetFlag(ctx, req.FromID, prefs.FlagDMWarningShown, true); err != nil {
		req.Logger.Warn("dm warning flag not saved", logx.Err(err))
	}
	return "\n\n⚠️ This reminder will be delivered here. If your privacy settings block messages from the bot it cannot reach you; set reminders in a group chat for reliability."
}

var originOrder = []struct {
	origin reminder.Origin
	title  string
}{
	{reminder.OriginIn, "⏰ In"},
	{reminder.OriginOn, "📅 On"},
	{reminder.OriginAt, "⏱️ At"},
	{reminder.OriginEvery, "🔁 Every"},
}

func (h *Reminders) handleList(ctx context.Context, req *Request) error {
	rs, err := h.engine.GetReminders(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(rs) == 0 {
		return req.Reply(ctx, "📭 No active reminders. Try /remind in, /remind at, /remind on or /remind every.")
	}
	loc := h.displayLocation(ctx, req.FromID)

	groups := map[reminder.Origin][]reminder.Reminder{}
	var other []reminder.Reminder
	for _, r := range rs {
		switch r.Origin {
		case reminder.OriginIn, reminder.OriginOn, reminder.OriginAt, reminder.OriginEvery:
			groups[r.Origin] = append(groups[r.Origin], r)
		default:
			other = append(other, r)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Your reminders (%d)", len(rs))
	section := func(title string, list []reminder.Reminder) {
		if len(list) == 0 {
			return
		}
		b.WriteString("\n\n" + title)
		for _, r := range list {
			b.WriteString("\n• " + r.ShortID() + " · " + r.Due().In(loc).Format(delivery.TimeLayout))
			if r.Recurring && r.RepeatMeta != nil {
				b.WriteString(" · " + delivery.DescribeRepeat(*r.RepeatMeta))
			}
			if r.Paused {
				b.WriteString(" · ⏸️ paused")
			}
			b.WriteString("\n  " + r.Message)
		}
	}
	for _, g := range originOrder {
		section(g.title, groups[g.origin])
	}
	section("❔ Other", other)
	return req.Reply(ctx, b.String())
}

func (h *Reminders) handleCancel(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"cancel <id>"}
	}
	r, err := h.resolveID(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	err = h.engine.RemoveReminder(ctx, r.ID)
	h.record(ctx, req, "cancel", r.ID, err)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "🗑️ Reminder "+r.ShortID()+" cancelled.")
}

func (h *Reminders) handlePause(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"pause <id>"}
	}
	r, err := h.resolveID(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	_, err = h.engine.Pause(ctx, r.ID)
	h.record(ctx, req, "pause", r.ID, err)
	if err != nil {
		return err
	}
	return req.Reply(ctx, "⏸️ Reminder "+r.ShortID()+" paused. Resume it with /resume "+r.ShortID())
}

func (h *Reminders) handleResume(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usageError{"resume <id>"}
	}
	r, err := h.resolveID(ctx, req.FromID, req.Args[0])
	if err != nil {
		return err
	}
	next, err := h.engine.Resume(ctx, r.ID)
	h.record(ctx, req, "resume", r.ID, err)
	if err != nil {
		return err
	}
	loc := h.displayLocation(ctx, req.FromID)
	if !next.Due().After(h.now()) {
		return req.Reply(ctx, "▶️ Reminder "+r.ShortID()+" resumed. It was due "+h.formatWhen(next.Due(), loc)+" and will be sent on the next recovery run.")
	}
	return req.Reply(ctx, "▶️ Reminder "+r.ShortID()+" resumed. Next: "+h.formatWhen(next.Due(), loc))
}

func (h *Reminders) handleClear(ctx context.Context, req *Request) error {
	n, err := h.engine.RemoveUserReminders(ctx, req.FromID)
	h.record(ctx, req, "clear", "", err)
	if err != nil {
		return err
	}
	if n == 0 {
		return req.Reply(ctx, "📭 You have no reminders to clear.")
	}
	return req.Reply(ctx, fmt.Sprintf("🧹 Removed %d reminder(s).", n))
}

func (h *Reminders) handleTimezone(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		tz, err := h.prefs.Timezone(ctx, req.FromID)
		if err != nil {
			return err
		}
		if tz == "" {
			return reminder.ErrTimezoneNotSet
		}
		return req.Reply(ctx, "🌍 Your timezone is "+tz+".")
	}
	if len(req.Args) != 1 {
		return usageError{"timezone [Area/City]"}
	}
	loc, err := h.prefs.SetTimezone(ctx, req.FromID, req.Args[0])
	if errors.Is(err, reminder.ErrInvalidTimezone) {
		return err
	}
	h.record(ctx, req, "timezone", req.Args[0], err)
	if err != nil {
		return err
	}
	local := h.now().In(loc).Format("3:04 PM MST")
	return req.Reply(ctx, "🌍 Timezone set to "+loc.String()+". Your local time is "+local+".")
}

func (h *Reminders) handleCleanup(ctx context.Context, req *Request) error {
	n, err := h.engine.CleanupStaleReminders(ctx)
	h.record(ctx, req, "cleanup", "", err)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("🧹 Removed %d stale paused reminder(s).", n))
}

func (h *Reminders) handleStatus(ctx context.Context, req *Request) error {
	return req.Reply(ctx, fmt.Sprintf("⏱️ Armed timers: %d", h.engine.Pending()))
}

// resolveID finds one of the user's reminders by a unique id prefix.
// Reminders owned by others are never matched.
func (h *Reminders) resolveID(ctx context.Context, userID, prefix string) (reminder.Reminder, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	rs, err := h.engine.GetReminders(ctx, userID)
	if err != nil {
		return reminder.Reminder{}, err
	}
	var matches []reminder.Reminder
	for _, r := range rs {
		id := strings.ToLower(r.ID)
		if id == prefix {
			return r, nil
		}
		if prefix != "" && strings.HasPrefix(id, prefix) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return reminder.Reminder{}, notFound(prefix)
	case 1:
		return matches[0], nil
	default:
		return reminder.Reminder{}, fmt.Errorf("%w: %q", errAmbiguousID, prefix)
	}
}

func (h *Reminders) displayLocation(ctx context.Context, userID string) *time.Location {
	loc, err := h.prefs.Location(ctx, userID)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (h *Reminders) formatWhen(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(delivery.TimeLayout) + " (" + relative(t.Sub(h.now())) + ")"
}

func (h *Reminders) record(ctx context.Context, req *Request, action, target string, opErr error) {
	if h.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:        h.now(),
		ActorID:   req.FromID,
		Platform:  string(req.Platform),
		ChannelID: req.Chat.ChatID,
		Action:    action,
		Target:    target,
		OK:        opErr == nil,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := h.audit.AppendAudit(ctx, e); err != nil {
		req.Logger.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

// relative renders d as "in 2h 5m"; past durations read "now".
func relative(d time.Duration) string {
	if d < time.Minute {
		if d <= 0 {
			return "now"
		}
		return fmt.Sprintf("in %ds", int(d.Seconds()))
	}
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int(d / time.Hour)
	mins := int((d - time.Duration(hours)*time.Hour) / time.Minute)
	var parts []string
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 && days == 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	if len(parts) == 0 {
		return "in 1m"
	}
	return "in " + strings.Join(parts, " ")
}
