package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(dir, "reminders.json")
	case "sqlite":
		cfg.Path = filepath.Join(dir, "reminders.db")
	}
	st, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sample(user string, at int64) *reminder.Reminder {
	return &reminder.Reminder{
		UserID:    user,
		ChannelID: "chan-1",
		RemindAt:  at,
		Message:   "drink water",
		Origin:    reminder.OriginIn,
	}
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver)

			a := sample("u1", 2000)
			if err := st.SaveReminder(ctx, a); err != nil {
				t.Fatalf("SaveReminder: %v", err)
			}
			if a.ID == "" || a.CreatedAt == 0 {
				t.Fatalf("SaveReminder did not assign id/createdAt: %+v", a)
			}

			b := sample("u1", 1000)
			b.Recurring = true
			b.RepeatMeta = &reminder.RepeatMeta{Type: reminder.KindMonth, UserDayOfMonth: 31}
			b.Origin = reminder.OriginEvery
			if err := st.SaveReminder(ctx, b); err != nil {
				t.Fatalf("SaveReminder: %v", err)
			}
			if err := st.SaveReminder(ctx, sample("u2", 1500)); err != nil {
				t.Fatalf("SaveReminder: %v", err)
			}

			got, ok, err := st.GetReminder(ctx, b.ID)
			if err != nil || !ok {
				t.Fatalf("GetReminder = %v, %v", ok, err)
			}
			if got.RepeatMeta == nil || got.RepeatMeta.Type != reminder.KindMonth || got.RepeatMeta.UserDayOfMonth != 31 {
				t.Fatalf("RepeatMeta = %+v", got.RepeatMeta)
			}
			if got.Origin != reminder.OriginEvery || !got.Recurring {
				t.Fatalf("GetReminder = %+v", got)
			}

			mine, err := st.ListRemindersByUser(ctx, "u1")
			if err != nil {
				t.Fatalf("ListRemindersByUser: %v", err)
			}
			if len(mine) != 2 || mine[0].ID != b.ID {
				t.Fatalf("ListRemindersByUser order = %+v", mine)
			}

			// Upsert replaces in place.
			a.FailureCount = 2
			a.Paused = true
			a.PausedAt = 5000
			if err := st.SaveReminder(ctx, a); err != nil {
				t.Fatalf("SaveReminder update: %v", err)
			}
			all, err := st.ListReminders(ctx)
			if err != nil {
				t.Fatalf("ListReminders: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("ListReminders len = %d, want 3", len(all))
			}
			got, _, _ = st.GetReminder(ctx, a.ID)
			if got.FailureCount != 2 || !got.Paused || got.PausedAt != 5000 {
				t.Fatalf("updated reminder = %+v", got)
			}

			if err := st.DeleteReminder(ctx, b.ID); err != nil {
				t.Fatalf("DeleteReminder: %v", err)
			}
			if err := st.DeleteReminder(ctx, b.ID); err != nil {
				t.Fatalf("DeleteReminder twice: %v", err)
			}
			if _, ok, _ := st.GetReminder(ctx, b.ID); ok {
				t.Fatalf("reminder still present after delete")
			}
		})
	}
}

func TestStoreDeleteStalePaused(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver)
			cutoff := time.UnixMilli(10_000)

			old := sample("u1", 1)
			old.Paused, old.PausedAt = true, 9_000
			fresh := sample("u1", 2)
			fresh.Paused, fresh.PausedAt = true, 11_000
			active := sample("u1", 3)
			legacy := sample("u1", 4)
			legacy.Paused = true // paused without a timestamp is kept
			for _, r := range []*reminder.Reminder{old, fresh, active, legacy} {
				if err := st.SaveReminder(ctx, r); err != nil {
					t.Fatalf("SaveReminder: %v", err)
				}
			}

			n, err := st.DeleteStalePaused(ctx, cutoff)
			if err != nil {
				t.Fatalf("DeleteStalePaused: %v", err)
			}
			if n != 1 {
				t.Fatalf("DeleteStalePaused = %d, want 1", n)
			}
			if _, ok, _ := st.GetReminder(ctx, old.ID); ok {
				t.Fatalf("stale reminder kept")
			}
			rest, _ := st.ListReminders(ctx)
			if len(rest) != 3 {
				t.Fatalf("remaining = %d, want 3", len(rest))
			}
		})
	}
}

func TestStorePrefsAndAudit(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"memory", "file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openDriver(t, driver)

			if _, ok, err := st.GetUserPrefs(ctx, "u1"); err != nil || ok {
				t.Fatalf("GetUserPrefs missing = %v, %v", ok, err)
			}
			p := UserPrefs{UserID: "u1", Timezone: "Europe/Berlin", Flags: map[string]bool{"dm_warning_shown": true}}
			if err := st.PutUserPrefs(ctx, p); err != nil {
				t.Fatalf("PutUserPrefs: %v", err)
			}
			got, ok, err := st.GetUserPrefs(ctx, "u1")
			if err != nil || !ok {
				t.Fatalf("GetUserPrefs = %v, %v", ok, err)
			}
			if got.Timezone != "Europe/Berlin" || !got.Flags["dm_warning_shown"] {
				t.Fatalf("GetUserPrefs = %+v", got)
			}
			if err := st.AppendAudit(ctx, AuditEntry{ActorID: "u1", Action: "remind", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStoreReopenReplaysJournal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reminders.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	keep := sample("u1", 100)
	gone := sample("u1", 200)
	_ = st.SaveReminder(ctx, keep)
	_ = st.SaveReminder(ctx, gone)
	_ = st.DeleteReminder(ctx, gone.ID)
	_ = st.PutUserPrefs(ctx, UserPrefs{UserID: "u1", Timezone: "UTC"})

	// Simulate a crash: no Close, plus a torn trailing line.
	fs := st.(*fileStore)
	fs.mu.Lock()
	_, _ = fs.journalFile.WriteString(`{"op":"put","remin`)
	fs.mu.Unlock()

	st2, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	all, _ := st2.ListReminders(ctx)
	if len(all) != 1 || all[0].ID != keep.ID {
		t.Fatalf("replayed reminders = %+v", all)
	}
	if p, ok, _ := st2.GetUserPrefs(ctx, "u1"); !ok || p.Timezone != "UTC" {
		t.Fatalf("replayed prefs = %+v, %v", p, ok)
	}
}

func TestFileStoreCloseCompacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "reminders.json")}

	st, err := Open(ctx, cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.SaveReminder(ctx, sample("u1", 100))
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	fi, err := os.Stat(filepath.Join(dir, "reminders.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal size = %d, want 0 after compaction", fi.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "reminders.snapshot.json")); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	_ = st.Close()
	if err := st.SaveReminder(context.Background(), sample("u1", 1)); err != ErrClosed {
		t.Fatalf("SaveReminder after Close = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("Open(etcd) error = nil")
	}
}
