package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/WaGate/internal/models"
)

func TestWindowRepo_CreateUpdateSkip(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	free := t0.Add(72 * time.Hour)

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)

			w, err := s.GetWindow(ctx, "573001234567")
			if err != nil || w != nil {
				t.Fatalf("GetWindow on empty store = %+v, %v; want nil, nil", w, err)
			}

			created, err := s.UpdateWindow(ctx, "573001234567", func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
				if cur != nil {
					t.Errorf("expected no current window, got %+v", cur)
				}
				return &models.ConversationWindow{
					FirstInboundAt:     t0,
					LastInboundAt:      t0,
					FreeEntryExpiresAt: &free,
					WindowExpiresAt:    t0.Add(24 * time.Hour),
				}, nil
			})
			if err != nil {
				t.Fatalf("UpdateWindow create failed: %v", err)
			}
			if created.Version != 1 || created.Phone != "573001234567" {
				t.Errorf("created window = %+v", created)
			}

			sent := t0.Add(2 * time.Hour)
			updated, err := s.UpdateWindow(ctx, "573001234567", func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
				cur.ProactiveCount++
				cur.ProactiveCountDate = "2026-03-02"
				cur.LastProactiveAt = &sent
				return cur, nil
			})
			if err != nil {
				t.Fatalf("UpdateWindow failed: %v", err)
			}
			if updated.Version != 2 {
				t.Errorf("version = %d, want 2", updated.Version)
			}

			got, err := s.GetWindow(ctx, "573001234567")
			if err != nil {
				t.Fatalf("GetWindow failed: %v", err)
			}
			if got.ProactiveCount != 1 || got.ProactiveCountDate != "2026-03-02" {
				t.Errorf("counter not persisted: %+v", got)
			}
			if got.LastProactiveAt == nil || !got.LastProactiveAt.Equal(sent) {
				t.Errorf("LastProactiveAt = %v, want %v", got.LastProactiveAt, sent)
			}
			if got.FreeEntryExpiresAt == nil || !got.FreeEntryExpiresAt.Equal(free) {
				t.Errorf("FreeEntryExpiresAt = %v, want %v", got.FreeEntryExpiresAt, free)
			}
			if !got.WindowExpiresAt.Equal(t0.Add(24 * time.Hour)) {
				t.Errorf("WindowExpiresAt = %v", got.WindowExpiresAt)
			}

			skipped, err := s.UpdateWindow(ctx, "573001234567", func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
				cur.ProactiveCount = 99
				return nil, ErrSkipUpdate
			})
			if err != nil {
				t.Fatalf("UpdateWindow skip failed: %v", err)
			}
			if skipped.ProactiveCount != 1 || skipped.Version != 2 {
				t.Errorf("skip must return the unchanged window, got %+v", skipped)
			}

			boom := errors.New("boom")
			if _, err := s.UpdateWindow(ctx, "573001234567", func(*models.ConversationWindow) (*models.ConversationWindow, error) {
				return nil, boom
			}); !errors.Is(err, boom) {
				t.Errorf("expected fn error to propagate, got %v", err)
			}
		})
	}
}

func TestWindowRepo_ConcurrentUpdatesSerialize(t *testing.T) {
	ctx := context.Background()
	const writers = 10

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t0 := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

			var wg sync.WaitGroup
			errs := make(chan error, writers)
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.UpdateWindow(ctx, "573009999999", func(cur *models.ConversationWindow) (*models.ConversationWindow, error) {
						if cur == nil {
							cur = &models.ConversationWindow{FirstInboundAt: t0, LastInboundAt: t0, WindowExpiresAt: t0.Add(24 * time.Hour)}
						}
						cur.ProactiveCount++
						return cur, nil
					})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent UpdateWindow failed: %v", err)
				}
			}

			got, err := s.GetWindow(ctx, "573009999999")
			if err != nil {
				t.Fatalf("GetWindow failed: %v", err)
			}
			if got.ProactiveCount != writers {
				t.Errorf("ProactiveCount = %d, want %d (lost update)", got.ProactiveCount, writers)
			}
			if got.Version != writers {
				t.Errorf("Version = %d, want %d", got.Version, writers)
			}
		})
	}
}
