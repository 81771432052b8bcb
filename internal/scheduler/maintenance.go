package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaGate/internal/store"
)

// Maintenance defaults.
const (
	DefaultPurgeSchedule   = "0 3 * * *"
	DefaultRecoverSchedule = "*/5 * * * *"
	DefaultDedupRetention  = 7 * 24 * time.Hour
)

// Maintenance purges old inbound dedup records and requeues outbox messages
// left in sending state by a crashed sender.
type Maintenance struct {
	Dedup     store.DedupRepo
	Outbox    *store.OutboxSender
	Retention time.Duration
	Now       func() time.Time
}

// PurgeDedup deletes dedup records older than the retention period.
func (m *Maintenance) PurgeDedup() (int, error) {
	retention := m.Retention
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	n, err := m.Dedup.PurgeDedupBefore(now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("purge dedup records: %w", err)
	}
	slog.Info("Maintenance.PurgeDedup: purged dedup records", "count", n, "retention", retention)
	return n, nil
}

// Register schedules the purge at purgeExpr (DefaultPurgeSchedule when
// empty) and outbox recovery every five minutes.
func (m *Maintenance) Register(s *Scheduler, purgeExpr string) error {
	if purgeExpr == "" {
		purgeExpr = DefaultPurgeSchedule
	}
	if err := s.AddJob(purgeExpr, "dedup-purge", func() {
		if _, err := m.PurgeDedup(); err != nil {
			slog.Error("Maintenance: dedup purge failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule dedup purge %q: %w", purgeExpr, err)
	}
	if m.Outbox == nil {
		return nil
	}
	if err := s.AddJob(DefaultRecoverSchedule, "outbox-recover", func() {
		if err := m.Outbox.RecoverStaleMessages(); err != nil {
			slog.Error("Maintenance: outbox recovery failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule outbox recovery: %w", err)
	}
	return nil
}
