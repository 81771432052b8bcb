package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/WaGate/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", "noop", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron", "bad", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestSchedulerLocation(t *testing.T) {
	bogota := time.FixedZone("America/Bogota", -5*60*60)
	s := NewScheduler(bogota)
	defer s.Stop()
	if err := s.AddJob("0 3 * * *", "purge", func() {}); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}
	// Entries only get a next time once the scheduler loop has run.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if next := s.Next(); len(next) == 1 && !next[0].IsZero() {
			local := next[0].In(bogota)
			if local.Hour() != 3 || local.Minute() != 0 {
				t.Errorf("next run = %v, want 03:00 Bogota", local)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduler never computed a next run")
}

func TestMaintenance_PurgeDedup(t *testing.T) {
	st := store.NewInMemoryStore()
	st.RecordInbound("wamid.old", "573001234567")

	m := &Maintenance{Dedup: st, Now: func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }}
	n, err := m.PurgeDedup()
	if err != nil {
		t.Fatalf("PurgeDedup failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	st.RecordInbound("wamid.new", "573001234567")
	m.Now = nil
	if n, _ := m.PurgeDedup(); n != 0 {
		t.Errorf("fresh record purged: %d", n)
	}
}

func TestMaintenance_Register(t *testing.T) {
	st := store.NewInMemoryStore()
	sender := store.NewOutboxSender(st, func(context.Context, store.OutboxMessage) error { return nil }, time.Second)
	s := NewScheduler(nil)
	defer s.Stop()

	m := &Maintenance{Dedup: st, Outbox: sender}
	if err := m.Register(s, ""); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
	if err := m.Register(s, "bogus"); err == nil {
		t.Error("expected error for invalid purge schedule")
	}
}
