package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaGate/internal/models"
)

// Compile-time check that SQLiteStore implements WindowRepo.
var _ WindowRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) GetWindow(ctx context.Context, phone string) (*models.ConversationWindow, error) {
	w, err := scanWindow(s.db.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM conversation_windows WHERE phone = ?`, phone))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation window failed: %w", err)
	}
	return w, nil
}

// UpdateWindow uses optimistic concurrency: the write only lands if the
// version read is still current, otherwise fn is re-run on fresh state.
func (s *SQLiteStore) UpdateWindow(ctx context.Context, phone string, fn WindowUpdateFunc) (*models.ConversationWindow, error) {
	for attempt := 1; attempt <= maxWindowUpdateRetries; attempt++ {
		current, err := s.GetWindow(ctx, phone)
		if err != nil {
			return nil, err
		}
		next, write, err := applyWindowUpdate(phone, current, fn)
		if err != nil || !write {
			return next, err
		}
		next.UpdatedAt = time.Now().UTC()

		var ok bool
		if current == nil {
			next.Version = 1
			ok, err = s.insertWindow(ctx, next)
		} else {
			next.Version = current.Version + 1
			ok, err = s.swapWindow(ctx, current.Version, next)
		}
		if err != nil {
			return nil, err
		}
		if ok {
			slog.Debug("SQLiteStore.UpdateWindow", "phone", phone, "version", next.Version)
			return next, nil
		}
		slog.Debug("SQLiteStore.UpdateWindow: version conflict, retrying", "phone", phone, "attempt", attempt)
	}
	return nil, fmt.Errorf("%w: %s", ErrWindowConflict, phone)
}

func (s *SQLiteStore) insertWindow(ctx context.Context, w *models.ConversationWindow) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_windows (`+windowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (phone) DO NOTHING`,
		w.Phone, w.FirstInboundAt.UTC(), w.LastInboundAt.UTC(), nullableTime(w.FreeEntryExpiresAt), w.WindowExpiresAt.UTC(),
		w.ProactiveCount, w.ProactiveCountDate, nullableTime(w.LastProactiveAt), w.Version, w.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert conversation window failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert conversation window rows affected failed: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) swapWindow(ctx context.Context, expectedVersion int64, w *models.ConversationWindow) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversation_windows SET
		   first_inbound_at = ?, last_inbound_at = ?, free_entry_expires_at = ?, window_expires_at = ?,
		   proactive_count = ?, proactive_count_date = ?, last_proactive_sent_at = ?,
		   version = ?, updated_at = ?
		 WHERE phone = ? AND version = ?`,
		w.FirstInboundAt.UTC(), w.LastInboundAt.UTC(), nullableTime(w.FreeEntryExpiresAt), w.WindowExpiresAt.UTC(),
		w.ProactiveCount, w.ProactiveCountDate, nullableTime(w.LastProactiveAt),
		w.Version, w.UpdatedAt, w.Phone, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update conversation window failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update conversation window rows affected failed: %w", err)
	}
	return n == 1, nil
}
