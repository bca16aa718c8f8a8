package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/delivery"
	"remindbot/internal/prefs"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type sentText struct {
	chat string
	text string
}

type fakeAdapter struct {
	mu   sync.Mutex
	sent []sentText
}

func (f *fakeAdapter) Platform() transport.Platform { return transport.Telegram }
func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error {
	return nil
}
func (f *fakeAdapter) Stop(ctx context.Context) error { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{chat: to.ChatID, text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: "1"}, nil
}

func (f *fakeAdapter) SendDirect(ctx context.Context, userID string, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	return f.SendText(ctx, transport.ChatTarget{ChatID: userID}, text, opt)
}

// last returns the most recent reply and clears the log.
func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	s := f.sent[len(f.sent)-1].text
	f.sent = nil
	return s
}

type nopDeliverer struct{}

func (nopDeliverer) Deliver(ctx context.Context, n delivery.Notification) (delivery.Result, error) {
	return delivery.Result{Via: delivery.ViaChannel}, nil
}

type auditRecorder struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (a *auditRecorder) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditRecorder) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type harness struct {
	router  *Router
	adapter *fakeAdapter
	engine  *scheduler.Engine
	prefs   *prefs.Service
	audit   *auditRecorder
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	clock := func() time.Time { return now }
	st := storage.NewMemory()
	eng := scheduler.New(st, nopDeliverer{}, scheduler.Config{CleanupSchedule: "off"}, logx.Nop(), scheduler.WithClock(clock))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	p := prefs.New(st, nil, 0, logx.Nop())
	audit := &auditRecorder{}
	a := &fakeAdapter{}
	r := NewRouter(a, logx.Nop(), []string{"owner"})
	r.SetRegistry(NewReminders(eng, p, audit, logx.Nop(), WithClock(clock)).Commands())
	return &harness{router: r, adapter: a, engine: eng, prefs: p, audit: audit}
}

// send routes text from user and runs the queued job, if any, inline.
func (h *harness) send(user, chat, text string, direct bool) string {
	up := transport.Update{Platform: transport.Telegram, Message: &transport.Message{
		ChatID: chat, FromID: user, Text: text, IsDirect: direct,
	}}
	h.router.route(context.Background(), up)
	select {
	case job := <-h.router.jobs:
		job()
	default:
	}
	return h.adapter.last()
}

func (h *harness) reminders(t *testing.T, user string) []reminder.Reminder {
	t.Helper()
	rs, err := h.engine.GetReminders(context.Background(), user)
	if err != nil {
		t.Fatalf("GetReminders: %v", err)
	}
	return rs
}

func mustContain(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Fatalf("reply = %q, want it to contain %q", got, want)
	}
}

var noon = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC) // a Tuesday

func TestRouting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)

	mustContain(t, h.send("u1", "c1", "/reminders", false), "No active reminders")
	mustContain(t, h.send("u1", "c1", "!list", false), "No active reminders")
	mustContain(t, h.send("u1", "c1", "/help", false), "/remind in <duration>")
	mustContain(t, h.send("u1", "c1", "/remind", false), "Help: /remind")
	mustContain(t, h.send("u1", "c1", "/nope", false), "Unknown command")
	if got := h.send("u1", "c1", "!nope", false); got != "" {
		t.Fatalf("reply to unknown ! command = %q, want none", got)
	}
	if got := h.send("u1", "c1", "just chatting", false); got != "" {
		t.Fatalf("reply to plain text = %q, want none", got)
	}
	mustContain(t, h.send("u1", "c1", "/remind@remindbot in 10m tea", false), "Reminder set")
}

func TestOwnerOnlyCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	mustContain(t, h.send("u1", "c1", "/status", false), "owners only")
	mustContain(t, h.send("owner", "c1", "/status", false), "Armed timers: 0")
	if strings.Contains(h.send("u1", "c1", "/help", false), "/cleanup") {
		t.Fatalf("help lists owner-only commands to a regular user")
	}
}

func TestRemindIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	reply := h.send("u1", "c1", "/remind in 10m take out the trash", false)
	mustContain(t, reply, "Reminder set")
	mustContain(t, reply, "in 10m")

	rs := h.reminders(t, "u1")
	if len(rs) != 1 {
		t.Fatalf("reminders = %d, want 1", len(rs))
	}
	r := rs[0]
	if r.RemindAt != noon.Add(10*time.Minute).UnixMilli() || r.Message != "take out the trash" || r.ChannelID != "c1" || r.Origin != reminder.OriginIn {
		t.Fatalf("reminder = %+v", r)
	}
	if !h.engine.Armed(r.ID) {
		t.Fatalf("reminder not armed")
	}

	mustContain(t, h.send("u1", "c1", "/remind in 5s too soon", false), "Invalid or too short")
	mustContain(t, h.send("u1", "c1", "/remind in 10m hey @everyone", false), "not allowed")
	mustContain(t, h.send("u1", "c1", "/remind in", false), "Usage: /remind in")
	if n := len(h.reminders(t, "u1")); n != 1 {
		t.Fatalf("rejected input stored a reminder: %d", n)
	}
}

func TestRemindInEditByID(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	h.send("u1", "c1", "/remind in 10m old text", false)
	id := h.reminders(t, "u1")[0].ID

	mustContain(t, h.send("u1", "c2", "/remind in 1h new text --id "+id[:6], false), "Reminder updated")
	rs := h.reminders(t, "u1")
	if len(rs) != 1 || rs[0].ID != id || rs[0].Message != "new text" || rs[0].RemindAt != noon.Add(time.Hour).UnixMilli() {
		t.Fatalf("after edit = %+v", rs)
	}

	// Another user cannot edit it.
	mustContain(t, h.send("u2", "c1", "/remind in 1h mine now --id "+id[:6], false), "No reminder of yours")
}

func TestRemindAtNeedsTimezoneAndFutureTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	mustContain(t, h.send("u1", "c1", "/remind at 1:30 PM standup", false), "Timezone not set")

	mustContain(t, h.send("u1", "c1", "/timezone Mars/Olympus", false), "Unknown timezone")
	mustContain(t, h.send("u1", "c1", "/timezone UTC", false), "Timezone set to UTC")
	mustContain(t, h.send("u1", "c1", "/tz", false), "Your timezone is UTC")

	mustContain(t, h.send("u1", "c1", "/remind at 9:00 AM standup", false), "already passed")
	mustContain(t, h.send("u1", "c1", "/remind at 1:30 PM standup", false), "Reminder set")
	rs := h.reminders(t, "u1")
	if len(rs) != 1 || rs[0].RemindAt != noon.Add(90*time.Minute).UnixMilli() {
		t.Fatalf("reminders = %+v", rs)
	}
}

func TestRemindOn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	h.send("u1", "c1", "/timezone America/New_York", false)
	mustContain(t, h.send("u1", "c1", "/remind on 02-30-2025 9:00 AM nope", false), "not valid")
	mustContain(t, h.send("u1", "c1", "/remind on 2025-01-01 9:00 AM nope", false), "Invalid date")
	mustContain(t, h.send("u1", "c1", "/remind on 01-02-2025 9:00 AM dentist", false), "Reminder set")

	ny, _ := time.LoadLocation("America/New_York")
	want := time.Date(2025, 1, 2, 9, 0, 0, 0, ny)
	if rs := h.reminders(t, "u1"); len(rs) != 1 || !rs[0].Due().Equal(want) {
		t.Fatalf("reminders = %+v", rs)
	}
}

func TestRemindEveryWeekdaySkipsToday(t *testing.T) {
	t.Parallel()
	ny, _ := time.LoadLocation("America/New_York")
	now := time.Date(2024, 5, 14, 10, 0, 0, 0, ny) // Tuesday 10:00 AM
	h := newHarness(t, now)
	h.send("u1", "c1", "/timezone America/New_York", false)

	reply := h.send("u1", "c1", "/remind every tuesday 9:00 AM weekly sync", false)
	mustContain(t, reply, "Recurring reminder set")
	mustContain(t, reply, "every tuesday")

	rs := h.reminders(t, "u1")
	if len(rs) != 1 {
		t.Fatalf("reminders = %d", len(rs))
	}
	if want := time.Date(2024, 5, 21, 9, 0, 0, 0, ny); !rs[0].Due().Equal(want) {
		t.Fatalf("first = %v, want %v", rs[0].Due().In(ny), want)
	}
	if !rs[0].Recurring || rs[0].RepeatMeta == nil || rs[0].RepeatMeta.Type != "tuesday" {
		t.Fatalf("reminder = %+v", rs[0])
	}
	mustContain(t, h.send("u1", "c1", "/remind every fortnight 9:00 AM x", false), "Unknown interval")
}

func TestPauseResumeCancelClear(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	h.send("u1", "c1", "/timezone UTC", false)
	h.send("u1", "c1", "/remind every day 9:00 AM vitamins", false)
	h.send("u1", "c1", "/remind in 1h call back", false)

	var daily, once reminder.Reminder
	for _, r := range h.reminders(t, "u1") {
		if r.Recurring {
			daily = r
		} else {
			once = r
		}
	}

	mustContain(t, h.send("u1", "c1", "/pause "+once.ShortID(), false), "Only recurring")
	mustContain(t, h.send("u1", "c1", "/pause "+daily.ShortID(), false), "paused")
	mustContain(t, h.send("u1", "c1", "/reminders", false), "⏸️ paused")
	mustContain(t, h.send("u1", "c1", "/pause "+daily.ShortID(), false), "already paused")
	if h.engine.Armed(daily.ID) {
		t.Fatalf("paused reminder armed")
	}
	mustContain(t, h.send("u1", "c1", "/resume "+daily.ShortID(), false), "resumed")
	if !h.engine.Armed(daily.ID) {
		t.Fatalf("resumed reminder not armed")
	}

	mustContain(t, h.send("u2", "c1", "/cancel "+once.ShortID(), false), "No reminder of yours")
	mustContain(t, h.send("u1", "c1", "/cancel "+once.ShortID(), false), "cancelled")
	mustContain(t, h.send("u1", "c1", "/clear", false), "Removed 1 reminder")
	mustContain(t, h.send("u1", "c1", "/clear", false), "no reminders to clear")

	// Failed engine calls are audited too; lookups that match nothing are not.
	want := []string{"timezone", "create", "create", "pause", "pause", "pause", "resume", "cancel", "clear", "clear"}
	if got := h.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit = %v, want %v", got, want)
	}
}

func TestDMWarningShownOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	mustContain(t, h.send("u1", "u1", "/remind in 10m first", true), "will be delivered here")
	if got := h.send("u1", "u1", "/remind in 10m second", true); strings.Contains(got, "will be delivered here") {
		t.Fatalf("DM warning repeated: %q", got)
	}
	shown, err := h.prefs.Flag(context.Background(), "u1", prefs.FlagDMWarningShown)
	if err != nil || !shown {
		t.Fatalf("flag = %v, %v", shown, err)
	}
	if got := h.send("u2", "c1", "/remind in 10m group", false); strings.Contains(got, "will be delivered here") {
		t.Fatalf("DM warning in a group chat: %q", got)
	}
}

func TestResolveIDAmbiguous(t *testing.T) {
	t.Parallel()
	h := newHarness(t, noon)
	ctx := context.Background()
	for _, id := range []string{"abc111", "abc222"} {
		r := &reminder.Reminder{ID: id, UserID: "u1", ChannelID: "c1", RemindAt: noon.Add(time.Hour).UnixMilli(), Message: "x"}
		if err := h.engine.ScheduleReminder(ctx, r); err != nil {
			t.Fatalf("ScheduleReminder: %v", err)
		}
	}
	mustContain(t, h.send("u1", "c1", "/cancel abc", false), "more than one")
	mustContain(t, h.send("u1", "c1", "/cancel ABC1", false), "cancelled")
}
