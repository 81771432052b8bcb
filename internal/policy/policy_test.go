package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WaGate/internal/models"
	"github.com/BTreeMap/WaGate/internal/store"
)

// 07:00 in Bogota is 12:00 UTC.
func utc(day, hour, min int) time.Time {
	return time.Date(2026, 3, day, hour, min, 0, 0, time.UTC)
}

func newEngine(t *testing.T, repo store.WindowRepo, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := New(repo, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return e
}

func noFreeEntry(c *Config) { c.DisableFreeEntry = true }

func mustInbound(t *testing.T, e *Engine, phone string, at time.Time) *models.ConversationWindow {
	t.Helper()
	w, err := e.RecordInbound(context.Background(), phone, at)
	if err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}
	return w
}

func expectDecision(t *testing.T, got models.Decision, allowed bool, reason string) {
	t.Helper()
	if got.Allowed != allowed || got.Reason != reason {
		t.Errorf("decision = %+v, want allowed=%v reason=%q", got, allowed, reason)
	}
}

func TestAuthorize_BusinessHours(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore())
	mustInbound(t, e, "573001234567", utc(2, 8, 0)) // 03:00 Bogota

	tests := []struct {
		name    string
		now     time.Time
		allowed bool
		reason  string
	}{
		{"06:59 Bogota", utc(2, 11, 59), false, ReasonOutsideHours},
		{"07:00 Bogota", utc(2, 12, 0), true, ""},
		{"19:59 Bogota", utc(3, 0, 59), true, ""},
		{"20:00 Bogota", utc(3, 1, 0), false, ReasonOutsideHours},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := e.Authorize(ctx, "573001234567", tt.now)
			if err != nil {
				t.Fatalf("Authorize failed: %v", err)
			}
			expectDecision(t, d, tt.allowed, tt.reason)
		})
	}
}

func TestAuthorize_NoConversation(t *testing.T) {
	e := newEngine(t, store.NewInMemoryStore())
	d, err := e.Authorize(context.Background(), "573000000000", utc(2, 14, 0))
	if err != nil {
		t.Fatalf("Authorize failed: %v", err)
	}
	expectDecision(t, d, false, ReasonNoConversation)

	// Hours are checked first.
	d, _ = e.Authorize(context.Background(), "573000000000", utc(2, 3, 0))
	expectDecision(t, d, false, ReasonOutsideHours)
}

func TestAuthorize_SessionWindow(t *testing.T) {
	ctx := context.Background()
	t0 := utc(2, 14, 0) // 09:00 Bogota

	t.Run("without free entry", func(t *testing.T) {
		e := newEngine(t, store.NewInMemoryStore(), noFreeEntry)
		w := mustInbound(t, e, "p1", t0)
		if w.FreeEntryExpiresAt != nil {
			t.Errorf("free entry should be disabled, got %v", w.FreeEntryExpiresAt)
		}
		d, _ := e.Authorize(ctx, "p1", t0.Add(23*time.Hour+59*time.Minute))
		expectDecision(t, d, true, "")
		d, _ = e.Authorize(ctx, "p1", t0.Add(24*time.Hour+time.Minute))
		expectDecision(t, d, false, ReasonWindowClosed)
	})

	t.Run("within free entry", func(t *testing.T) {
		e := newEngine(t, store.NewInMemoryStore())
		w := mustInbound(t, e, "p1", t0)
		if w.FreeEntryExpiresAt == nil || !w.FreeEntryExpiresAt.Equal(t0.Add(72*time.Hour)) {
			t.Fatalf("FreeEntryExpiresAt = %v, want %v", w.FreeEntryExpiresAt, t0.Add(72*time.Hour))
		}
		d, _ := e.Authorize(ctx, "p1", t0.Add(24*time.Hour+time.Minute))
		expectDecision(t, d, true, "")
		d, _ = e.Authorize(ctx, "p1", t0.Add(72*time.Hour+time.Minute))
		expectDecision(t, d, false, ReasonWindowClosed)
	})
}

func TestTryProactiveSend_DailyLimit(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore())
	mustInbound(t, e, "p1", utc(2, 11, 0)) // 06:00 Bogota

	// 07:00, 11:00, 15:00 and 19:00 Bogota; the last one is already the next
	// UTC day but the same Bogota day.
	for i, at := range []time.Time{utc(2, 12, 0), utc(2, 16, 0), utc(2, 20, 0), utc(3, 0, 0)} {
		d, err := e.TryProactiveSend(ctx, "p1", at)
		if err != nil {
			t.Fatalf("send %d failed: %v", i+1, err)
		}
		expectDecision(t, d, true, "")
	}

	d, _ := e.TryProactiveSend(ctx, "p1", utc(3, 0, 30))
	expectDecision(t, d, false, ReasonDailyLimit)

	w, _ := e.repo.GetWindow(ctx, "p1")
	if w.ProactiveCount != 4 || w.ProactiveCountDate != "2026-03-02" {
		t.Errorf("counter = %d on %s, want 4 on 2026-03-02", w.ProactiveCount, w.ProactiveCountDate)
	}

	// Next Bogota morning the counter resets. The 24h window is gone but
	// free entry still covers it.
	d, _ = e.TryProactiveSend(ctx, "p1", utc(3, 12, 0))
	expectDecision(t, d, true, "")
	w, _ = e.repo.GetWindow(ctx, "p1")
	if w.ProactiveCount != 1 || w.ProactiveCountDate != "2026-03-03" {
		t.Errorf("counter after reset = %d on %s, want 1 on 2026-03-03", w.ProactiveCount, w.ProactiveCountDate)
	}
}

func TestTryProactiveSend_ConcurrentAtLimit(t *testing.T) {
	repos := map[string]func(t *testing.T) store.WindowRepo{
		"memory": func(t *testing.T) store.WindowRepo { return store.NewInMemoryStore() },
		"sqlite": func(t *testing.T) store.WindowRepo {
			s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "policy.db")))
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
	const callers = 10

	for name, open := range repos {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := open(t)
			e := newEngine(t, repo)
			now := utc(2, 22, 0) // 17:00 Bogota
			mustInbound(t, e, "p1", utc(2, 10, 0))

			last := now.Add(-5 * time.Hour)
			if _, err := repo.UpdateWindow(ctx, "p1", func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
				cur.ProactiveCount = 3
				cur.ProactiveCountDate = "2026-03-02"
				cur.LastProactiveAt = &last
				return cur, nil
			}); err != nil {
				t.Fatalf("seed failed: %v", err)
			}

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				allowed int
			)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := e.TryProactiveSend(ctx, "p1", now)
					if err != nil {
						t.Errorf("TryProactiveSend failed: %v", err)
						return
					}
					if d.Allowed {
						mu.Lock()
						allowed++
						mu.Unlock()
					} else if d.Reason != ReasonDailyLimit {
						t.Errorf("unexpected denial %q", d.Reason)
					}
				}()
			}
			wg.Wait()

			if allowed != 1 {
				t.Errorf("allowed = %d, want exactly 1", allowed)
			}
			w, _ := repo.GetWindow(ctx, "p1")
			if w.ProactiveCount != 4 {
				t.Errorf("final count = %d, want 4", w.ProactiveCount)
			}
		})
	}
}

func TestAuthorize_GuardAndMinInterval(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore())
	mustInbound(t, e, "p1", utc(2, 14, 0))

	d, _ := e.Authorize(ctx, "p1", utc(2, 14, 3))
	expectDecision(t, d, false, ReasonRecentInbound)
	d, _ = e.Authorize(ctx, "p1", utc(2, 14, 5))
	expectDecision(t, d, true, "")

	if d, _ := e.TryProactiveSend(ctx, "p1", utc(2, 14, 10)); !d.Allowed {
		t.Fatalf("first send denied: %+v", d)
	}
	d, _ = e.Authorize(ctx, "p1", utc(2, 18, 9))
	expectDecision(t, d, false, ReasonMinInterval)
	d, _ = e.Authorize(ctx, "p1", utc(2, 18, 10))
	expectDecision(t, d, true, "")
}

func TestReleaseProactiveSend(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore())
	mustInbound(t, e, "p1", utc(2, 13, 0))

	d, first, err := e.ReserveProactiveSend(ctx, "p1", utc(2, 13, 10))
	if err != nil || !d.Allowed || first == nil {
		t.Fatalf("first reserve = %+v, %v, %v", d, first, err)
	}
	d, grant, err := e.ReserveProactiveSend(ctx, "p1", utc(2, 17, 10))
	if err != nil || !d.Allowed || grant == nil {
		t.Fatalf("second reserve = %+v, %v, %v", d, grant, err)
	}
	if err := e.ReleaseProactiveSend(ctx, grant); err != nil {
		t.Fatalf("ReleaseProactiveSend failed: %v", err)
	}

	w, _ := e.repo.GetWindow(ctx, "p1")
	if w.ProactiveCount != 1 {
		t.Errorf("ProactiveCount = %d, want 1", w.ProactiveCount)
	}
	if w.LastProactiveAt == nil || !w.LastProactiveAt.Equal(utc(2, 13, 10)) {
		t.Errorf("LastProactiveAt = %v, want the first send", w.LastProactiveAt)
	}
	// The released slot is immediately available again.
	d, _ = e.Authorize(ctx, "p1", utc(2, 17, 11))
	expectDecision(t, d, true, "")

	// A release after a newer send only hands back the count.
	_, stale, _ := e.ReserveProactiveSend(ctx, "p1", utc(2, 17, 11))
	if err := e.RecordProactiveSend(ctx, "p1", utc(2, 21, 11)); err != nil {
		t.Fatalf("RecordProactiveSend failed: %v", err)
	}
	if err := e.ReleaseProactiveSend(ctx, stale); err != nil {
		t.Fatalf("stale release failed: %v", err)
	}
	w, _ = e.repo.GetWindow(ctx, "p1")
	if w.ProactiveCount != 2 || !w.LastProactiveAt.Equal(utc(2, 21, 11)) {
		t.Errorf("after stale release = %d at %v, want 2 at the newer send", w.ProactiveCount, w.LastProactiveAt)
	}

	if _, denied, _ := e.ReserveProactiveSend(ctx, "p1", utc(2, 21, 12)); denied != nil {
		t.Errorf("denied reserve returned a grant: %+v", denied)
	}
	if err := e.ReleaseProactiveSend(ctx, nil); err != nil {
		t.Errorf("nil release: %v", err)
	}
}

func TestAuthorize_ConfigurableGuard(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore(), func(c *Config) { c.InboundGuard = 0 })
	mustInbound(t, e, "p1", utc(2, 14, 0))
	d, _ := e.Authorize(ctx, "p1", utc(2, 14, 0))
	expectDecision(t, d, true, "")
}

func TestRecordInbound_Ordering(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore())
	t0 := utc(2, 14, 0)

	mustInbound(t, e, "p1", t0)
	mustInbound(t, e, "p1", t0.Add(2*time.Hour))
	w := mustInbound(t, e, "p1", t0.Add(time.Hour)) // delivered late

	if !w.LastInboundAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("LastInboundAt = %v, want %v", w.LastInboundAt, t0.Add(2*time.Hour))
	}
	if !w.WindowExpiresAt.Equal(t0.Add(26 * time.Hour)) {
		t.Errorf("WindowExpiresAt = %v, want %v", w.WindowExpiresAt, t0.Add(26*time.Hour))
	}

	w = mustInbound(t, e, "p1", t0.Add(10*time.Hour))
	if !w.FirstInboundAt.Equal(t0) {
		t.Errorf("FirstInboundAt moved to %v", w.FirstInboundAt)
	}
	if w.FreeEntryExpiresAt == nil || !w.FreeEntryExpiresAt.Equal(t0.Add(72*time.Hour)) {
		t.Errorf("free entry must be fixed at first contact, got %v", w.FreeEntryExpiresAt)
	}

	if err := e.RecordProactiveSend(ctx, "p1", t0.Add(11*time.Hour)); err != nil {
		t.Fatalf("RecordProactiveSend failed: %v", err)
	}
	after, _ := e.repo.GetWindow(ctx, "p1")
	if !after.WindowExpiresAt.Equal(w.WindowExpiresAt) {
		t.Errorf("outbound send moved the window: %v -> %v", w.WindowExpiresAt, after.WindowExpiresAt)
	}
}

func TestRecordProactiveSend_NoConversation(t *testing.T) {
	e := newEngine(t, store.NewInMemoryStore())
	err := e.RecordProactiveSend(context.Background(), "p1", utc(2, 14, 0))
	if err == nil {
		t.Fatal("expected an error without a conversation")
	}
}

func TestCanReply(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore(), noFreeEntry)

	d, _ := e.CanReply(ctx, "p1", utc(2, 14, 0))
	expectDecision(t, d, false, ReasonNoConversation)

	mustInbound(t, e, "p1", utc(2, 7, 0))
	// 02:05 Bogota: proactive sends are closed but replies are not.
	d, _ = e.CanReply(ctx, "p1", utc(2, 7, 5))
	expectDecision(t, d, true, "")
	d, _ = e.CanReply(ctx, "p1", utc(3, 7, 0))
	expectDecision(t, d, false, ReasonWindowClosed)
}

func TestState(t *testing.T) {
	e := newEngine(t, store.NewInMemoryStore())
	t0 := utc(2, 14, 0)
	free := t0.Add(72 * time.Hour)
	w := &models.ConversationWindow{LastInboundAt: t0, WindowExpiresAt: t0.Add(24 * time.Hour), FreeEntryExpiresAt: &free}

	if got := e.State(nil, t0); got != models.WindowUnengaged {
		t.Errorf("State(nil) = %q", got)
	}
	if got := e.State(w, t0.Add(time.Hour)); got != models.WindowOpen {
		t.Errorf("State(open) = %q", got)
	}
	if got := e.State(w, t0.Add(24*time.Hour)); got != models.WindowClosed {
		t.Errorf("State(expired) = %q", got)
	}
}

func TestNextSlot(t *testing.T) {
	e := newEngine(t, store.NewInMemoryStore())

	if got := e.NextSlot(nil, utc(2, 14, 0)); !got.IsZero() {
		t.Errorf("NextSlot(nil) = %v, want zero", got)
	}

	t.Run("allowed now", func(t *testing.T) {
		w := &models.ConversationWindow{LastInboundAt: utc(2, 12, 0), WindowExpiresAt: utc(3, 12, 0)}
		now := utc(2, 15, 0)
		if got := e.NextSlot(w, now); !got.Equal(now) {
			t.Errorf("NextSlot = %v, want %v", got, now)
		}
	})

	t.Run("min interval runs past closing", func(t *testing.T) {
		sent := utc(2, 23, 10) // 18:10 Bogota
		w := &models.ConversationWindow{
			LastInboundAt:      utc(2, 23, 0),
			WindowExpiresAt:    utc(3, 23, 0),
			ProactiveCount:     1,
			ProactiveCountDate: "2026-03-02",
			LastProactiveAt:    &sent,
		}
		want := utc(3, 12, 0)
		if got := e.NextSlot(w, sent); !got.Equal(want) {
			t.Errorf("NextSlot = %v, want %v", got, want)
		}
	})

	t.Run("window ends before next opening", func(t *testing.T) {
		sent := utc(3, 0, 0)
		w := &models.ConversationWindow{
			LastInboundAt:      utc(2, 12, 0),
			WindowExpiresAt:    utc(3, 12, 0),
			ProactiveCount:     4,
			ProactiveCountDate: "2026-03-02",
			LastProactiveAt:    &sent,
		}
		if got := e.NextSlot(w, utc(3, 0, 30)); !got.IsZero() {
			t.Errorf("NextSlot = %v, want zero", got)
		}
	})
}

func TestInspect(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, store.NewInMemoryStore())
	mustInbound(t, e, "p1", utc(2, 14, 0))

	snap, err := e.Inspect(ctx, "p1", utc(2, 14, 1))
	if err != nil {
		t.Fatalf("Inspect failed: %v", err)
	}
	if snap.State != models.WindowOpen || !snap.CanReply {
		t.Errorf("snapshot = %+v", snap)
	}
	expectDecision(t, snap.Decision, false, ReasonRecentInbound)
	if snap.NextSlot == nil || !snap.NextSlot.Equal(utc(2, 14, 5)) {
		t.Errorf("NextSlot = %v, want %v", snap.NextSlot, utc(2, 14, 5))
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	body := "daily_limit: 2\nmin_interval: 6h\ninbound_guard: 10m\ndisable_free_entry: true\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DailyLimit != 2 || cfg.MinInterval != 6*time.Hour || cfg.InboundGuard != 10*time.Minute || !cfg.DisableFreeEntry {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Timezone != DefaultTimezone || cfg.BusinessStart != DefaultBusinessStart || cfg.SessionWindow != DefaultSessionWindow {
		t.Errorf("defaults not kept: %+v", cfg)
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("business_hours_start: \"21:00\"\n"), 0o600)
	if _, err := LoadConfig(bad); err == nil {
		t.Error("expected error when start is after end")
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad clock", func(c *Config) { c.BusinessEnd = "8pm" }},
		{"zero limit", func(c *Config) { c.DailyLimit = 0 }},
		{"zero session", func(c *Config) { c.SessionWindow = 0 }},
		{"negative guard", func(c *Config) { c.InboundGuard = -time.Minute }},
		{"unknown timezone", func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
