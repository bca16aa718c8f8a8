package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"remindbot/internal/delivery"
	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

type fakeDeliverer struct {
	mu      sync.Mutex
	calls   []string
	fail    bool
	entered chan string   // optional; receives the id when Deliver starts
	release chan struct{} // optional; Deliver waits on it
}

func (f *fakeDeliverer) Deliver(ctx context.Context, n delivery.Notification) (delivery.Result, error) {
	if f.entered != nil {
		f.entered <- n.Reminder.ID
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, n.Reminder.ID)
	if f.fail {
		return delivery.Result{}, delivery.ErrChannelUnreachable
	}
	return delivery.Result{Via: delivery.ViaChannel, MessageID: "msg"}, nil
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, d Deliverer, opts ...Option) (*Engine, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	e := New(st, d, Config{CleanupSchedule: "off"}, logx.Nop(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, st
}

func seed(t *testing.T, st storage.Store, rs ...*reminder.Reminder) {
	t.Helper()
	for _, r := range rs {
		if err := st.SaveReminder(context.Background(), r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func oneShotAt(id string, at time.Time) *reminder.Reminder {
	return &reminder.Reminder{ID: id, UserID: "u1", ChannelID: "c1", RemindAt: at.UnixMilli(), Message: "hi", Origin: reminder.OriginIn}
}

func dailyAt(id string, at time.Time) *reminder.Reminder {
	return &reminder.Reminder{ID: id, UserID: "u1", ChannelID: "c1", RemindAt: at.UnixMilli(), Message: "standup",
		Recurring: true, RepeatMeta: &reminder.RepeatMeta{Type: reminder.KindDay}, Origin: reminder.OriginEvery}
}

func TestScheduleOneShotFiresOnceAndIsRemoved(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	e := New(st, d, Config{CleanupSchedule: "off"}, logx.Nop(), WithEventBus(bus))
	defer e.Stop(context.Background())

	r := &reminder.Reminder{UserID: "u1", ChannelID: "c1", RemindAt: time.Now().Add(20 * time.Millisecond).UnixMilli(), Message: "test", Origin: reminder.OriginIn}
	if err := e.ScheduleReminder(context.Background(), r); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}
	if r.ID == "" || !e.Armed(r.ID) {
		t.Fatalf("reminder not armed: id=%q", r.ID)
	}

	deadline := time.After(2 * time.Second)
	for removed := false; !removed; {
		select {
		case ev := <-events:
			removed = ev.Type == eventbus.ReminderRemoved
		case <-deadline:
			t.Fatalf("reminder was not removed after firing")
		}
	}
	if got := d.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
	if _, ok, _ := st.GetReminder(context.Background(), r.ID); ok {
		t.Fatalf("one-shot still stored after delivery")
	}
	if e.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", e.Pending())
	}
}

func TestScheduleRejectsInvalid(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDeliverer{})
	err := e.ScheduleReminder(context.Background(), &reminder.Reminder{UserID: "u1", RemindAt: testNow.Add(time.Hour).UnixMilli()})
	if !errors.Is(err, reminder.ErrInvalidRecord) {
		t.Fatalf("ScheduleReminder = %v, want ErrInvalidRecord", err)
	}
}

func TestArmPastIsNoop(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDeliverer{})
	if e.Arm(*oneShotAt("old", testNow.Add(-time.Second))) {
		t.Fatalf("Arm of a past reminder returned true")
	}
	if e.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", e.Pending())
	}
	if !e.Arm(*oneShotAt("new", testNow.Add(time.Hour))) {
		t.Fatalf("Arm of a future reminder returned false")
	}
	// Re-arming keeps a single timer per id.
	e.Arm(*oneShotAt("new", testNow.Add(2*time.Hour)))
	if e.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", e.Pending())
	}
}

func TestRecoveryDeliversOverdueAndArmsFuture(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	e, st := newTestEngine(t, d)
	paused := dailyAt("paused", testNow.Add(-time.Hour))
	paused.Paused = true
	paused.PausedAt = testNow.Add(-time.Hour).UnixMilli()
	seed(t, st,
		oneShotAt("overdue", testNow.Add(-time.Minute)),
		oneShotAt("future", testNow.Add(time.Hour)),
		dailyAt("daily", testNow.Add(-2*time.Hour)),
		paused,
	)

	stats, err := e.LoadReminders(context.Background())
	if err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	if stats.Delivered != 2 || stats.Armed != 1 || stats.Paused != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	ctx := context.Background()
	if _, ok, _ := st.GetReminder(ctx, "overdue"); ok {
		t.Fatalf("overdue one-shot not removed")
	}
	daily, _, _ := st.GetReminder(ctx, "daily")
	if want := testNow.Add(22 * time.Hour); !daily.Due().Equal(want) {
		t.Fatalf("daily next = %v, want %v", daily.Due().UTC(), want)
	}
	if !e.Armed("future") || !e.Armed("daily") || e.Armed("paused") {
		t.Fatalf("armed: future=%v daily=%v paused=%v", e.Armed("future"), e.Armed("daily"), e.Armed("paused"))
	}

	// A second sweep, as after a crash loop, must not deliver again.
	if _, err := e.LoadReminders(ctx); err != nil {
		t.Fatalf("second LoadReminders: %v", err)
	}
	if got := d.count(); got != 2 {
		t.Fatalf("deliveries after second sweep = %d, want 2", got)
	}
	if e.Pending() != 2 {
		t.Fatalf("Pending = %d, want 2", e.Pending())
	}
}

func TestRecurringAutoPausesAfterThreshold(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{fail: true}
	e, st := newTestEngine(t, d)
	ctx := context.Background()
	r := dailyAt("flaky", testNow.Add(-time.Minute))
	r.FailureCount = 2
	seed(t, st, r)

	if _, err := e.LoadReminders(ctx); err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	got, ok, _ := st.GetReminder(ctx, "flaky")
	if !ok {
		t.Fatalf("auto-paused reminder deleted")
	}
	if !got.Paused || got.PausedAt != testNow.UnixMilli() || got.FailureCount != 3 {
		t.Fatalf("reminder = %+v, want paused with 3 failures", got)
	}
	if e.Armed("flaky") {
		t.Fatalf("auto-paused reminder is armed")
	}

	// Paused reminders are excluded from the next sweep.
	if _, err := e.LoadReminders(ctx); err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	if got := d.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestRecurringFailureBelowThresholdAdvances(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t, &fakeDeliverer{fail: true})
	ctx := context.Background()
	seed(t, st, dailyAt("d", testNow.Add(-time.Minute)))

	if _, err := e.LoadReminders(ctx); err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	got, _, _ := st.GetReminder(ctx, "d")
	if got.FailureCount != 1 || got.Paused || !got.Due().After(testNow) {
		t.Fatalf("reminder = %+v", got)
	}
	if !e.Armed("d") {
		t.Fatalf("reminder not re-armed")
	}
}

func TestOneShotFailureIsDropped(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{fail: true}
	e, st := newTestEngine(t, d)
	ctx := context.Background()
	seed(t, st, oneShotAt("once", testNow.Add(-time.Minute)))

	stats, err := e.LoadReminders(ctx)
	if err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v, want one failure", stats)
	}
	if _, ok, _ := st.GetReminder(ctx, "once"); ok {
		t.Fatalf("one-shot kept after a failed delivery")
	}
	if _, err := e.LoadReminders(ctx); err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	if got := d.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
}

func TestUnknownRecurrenceIsTerminal(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{}
	e, st := newTestEngine(t, d)
	ctx := context.Background()
	overdue := dailyAt("overdue", testNow.Add(-time.Minute))
	overdue.RepeatMeta.Type = "fortnight"
	future := dailyAt("future", testNow.Add(time.Hour))
	future.RepeatMeta.Type = "fortnight"
	broken := oneShotAt("broken", testNow.Add(-time.Minute))
	broken.ChannelID = ""
	seed(t, st, overdue, future, broken) // stores skip validation, as legacy rows would

	stats, err := e.LoadReminders(ctx)
	if err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	if stats.Delivered != 1 || stats.Armed != 1 || stats.Skipped != 1 {
		t.Fatalf("stats = %+v, want 1 delivered, 1 armed, 1 skipped", stats)
	}
	if _, ok, _ := st.GetReminder(ctx, "overdue"); ok {
		t.Fatalf("reminder with unknown repeat type kept after delivery")
	}
	if !e.Armed("future") {
		t.Fatalf("future reminder with unknown repeat type not armed")
	}

	for i := 0; i < 2; i++ {
		if _, err := e.LoadReminders(ctx); err != nil {
			t.Fatalf("LoadReminders: %v", err)
		}
	}
	if got := d.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}

	tr := Decide(*future, true, testNow.Add(time.Hour), time.UTC, 3)
	if tr.Outcome != OutcomeTerminated {
		t.Fatalf("Outcome = %v, want terminated", tr.Outcome)
	}
}

func TestDeliveryKeepsMessageID(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t, &fakeDeliverer{})
	ctx := context.Background()
	r := dailyAt("d", testNow.Add(-time.Minute))
	r.MessageID = "confirm-1"
	seed(t, st, r)

	if _, err := e.LoadReminders(ctx); err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	got, ok, _ := st.GetReminder(ctx, "d")
	if !ok || got.MessageID != "confirm-1" {
		t.Fatalf("MessageID = %q (ok=%v), want confirm-1", got.MessageID, ok)
	}
}

func TestCancelDuringDeliveryIsNotResurrected(t *testing.T) {
	t.Parallel()
	d := &fakeDeliverer{entered: make(chan string, 1), release: make(chan struct{})}
	e, st := newTestEngine(t, d)
	ctx := context.Background()
	seed(t, st, dailyAt("racy", testNow.Add(-time.Minute)))

	done := make(chan error, 1)
	go func() {
		_, err := e.LoadReminders(ctx)
		done <- err
	}()

	select {
	case <-d.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery did not start")
	}
	if err := e.RemoveReminder(ctx, "racy"); err != nil {
		t.Fatalf("RemoveReminder: %v", err)
	}
	close(d.release)
	if err := <-done; err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}

	if _, ok, _ := st.GetReminder(ctx, "racy"); ok {
		t.Fatalf("cancelled reminder was saved again by the in-flight delivery")
	}
	if e.Armed("racy") {
		t.Fatalf("cancelled reminder was re-armed")
	}
	if d.count() != 1 {
		t.Fatalf("deliveries = %d, want 1", d.count())
	}
}

func TestPauseAndResume(t *testing.T) {
	t.Parallel()
	now := testNow
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	d := &fakeDeliverer{}
	e, st := newTestEngine(t, d, WithClock(clock))
	ctx := context.Background()

	r := dailyAt("p", testNow.Add(time.Hour))
	if err := e.ScheduleReminder(ctx, r); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}
	if _, err := e.Pause(ctx, "p"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if e.Armed("p") {
		t.Fatalf("paused reminder still armed")
	}
	if _, err := e.Pause(ctx, "p"); !errors.Is(err, ErrAlreadyPaused) {
		t.Fatalf("second Pause = %v, want ErrAlreadyPaused", err)
	}

	// Resuming three days later keeps the stored time.
	mu.Lock()
	now = testNow.Add(72*time.Hour + 2*time.Hour)
	mu.Unlock()
	got, err := e.Resume(ctx, "p")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if want := testNow.Add(time.Hour); !got.Due().Equal(want) {
		t.Fatalf("resumed at = %v, want %v", got.Due().UTC(), want)
	}
	stored, _, _ := st.GetReminder(ctx, "p")
	if stored.Paused || stored.PausedAt != 0 || stored.RemindAt != r.RemindAt {
		t.Fatalf("stored = %+v", stored)
	}
	if e.Armed("p") {
		t.Fatalf("past reminder armed on resume")
	}

	// The next recovery sweep delivers it and moves on to the next day.
	if _, err := e.LoadReminders(ctx); err != nil {
		t.Fatalf("LoadReminders: %v", err)
	}
	if got := d.count(); got != 1 {
		t.Fatalf("deliveries = %d, want 1", got)
	}
	stored, _, _ = st.GetReminder(ctx, "p")
	if want := testNow.Add(97 * time.Hour); !stored.Due().Equal(want) || !e.Armed("p") {
		t.Fatalf("next = %v armed=%v, want %v", stored.Due().UTC(), e.Armed("p"), want)
	}
	if _, err := e.Resume(ctx, "p"); !errors.Is(err, ErrNotPaused) {
		t.Fatalf("second Resume = %v, want ErrNotPaused", err)
	}
}

func TestPauseRejectsOneShot(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDeliverer{})
	ctx := context.Background()
	if err := e.ScheduleReminder(ctx, oneShotAt("o", testNow.Add(time.Hour))); err != nil {
		t.Fatalf("ScheduleReminder: %v", err)
	}
	if _, err := e.Pause(ctx, "o"); !errors.Is(err, ErrNotRecurring) {
		t.Fatalf("Pause = %v, want ErrNotRecurring", err)
	}
	if _, err := e.Pause(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Pause(missing) = %v, want ErrNotFound", err)
	}
}

func TestCleanupStaleReminders(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t, &fakeDeliverer{})
	ctx := context.Background()
	old := dailyAt("old", testNow)
	old.Paused, old.PausedAt = true, testNow.Add(-31*24*time.Hour).UnixMilli()
	recent := dailyAt("recent", testNow)
	recent.Paused, recent.PausedAt = true, testNow.Add(-29*24*time.Hour).UnixMilli()
	seed(t, st, old, recent, oneShotAt("active", testNow.Add(time.Hour)))

	n, err := e.CleanupStaleReminders(ctx)
	if err != nil {
		t.Fatalf("CleanupStaleReminders: %v", err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if _, ok, _ := st.GetReminder(ctx, "recent"); !ok {
		t.Fatalf("recently paused reminder removed")
	}
}

func TestRemoveUserReminders(t *testing.T) {
	t.Parallel()
	e, st := newTestEngine(t, &fakeDeliverer{})
	ctx := context.Background()
	other := oneShotAt("x", testNow.Add(time.Hour))
	other.UserID = "u2"
	for _, r := range []*reminder.Reminder{oneShotAt("a", testNow.Add(time.Hour)), dailyAt("b", testNow.Add(time.Hour)), other} {
		if err := e.ScheduleReminder(ctx, r); err != nil {
			t.Fatalf("ScheduleReminder: %v", err)
		}
	}
	n, err := e.RemoveUserReminders(ctx, "u1")
	if err != nil || n != 2 {
		t.Fatalf("RemoveUserReminders = %d, %v", n, err)
	}
	left, _ := st.ListReminders(ctx)
	if len(left) != 1 || left[0].ID != "x" || e.Pending() != 1 {
		t.Fatalf("left = %+v pending=%d", left, e.Pending())
	}
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"", "off", "0 3 * * *", "@daily", "*/30 * * * * *"} {
		if err := ValidateSchedule(ok); err != nil {
			t.Fatalf("ValidateSchedule(%q) = %v", ok, err)
		}
	}
	if err := ValidateSchedule("every tuesday"); err == nil {
		t.Fatalf("ValidateSchedule accepted garbage")
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, &fakeDeliverer{})
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.Arm(*oneShotAt("a", testNow.Add(time.Hour)))
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.Pending() != 0 {
		t.Fatalf("Pending after Stop = %d", e.Pending())
	}
	if err := e.ScheduleReminder(ctx, oneShotAt("b", testNow.Add(time.Hour))); !errors.Is(err, ErrStopped) {
		t.Fatalf("ScheduleReminder after Stop = %v, want ErrStopped", err)
	}
}
