package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/WaGate/internal/models"
)

// Compile-time check that PostgresStore implements WindowRepo.
var _ WindowRepo = (*PostgresStore)(nil)

func (s *PostgresStore) GetWindow(ctx context.Context, phone string) (*models.ConversationWindow, error) {
	w, err := scanWindow(s.db.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM conversation_windows WHERE phone = $1`, phone))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation window failed: %w", err)
	}
	return w, nil
}

// UpdateWindow holds a row lock (SELECT ... FOR UPDATE) for the whole
// read-modify-write. A first-contact insert that loses the race to another
// writer is retried and then takes the lock on the winner's row.
func (s *PostgresStore) UpdateWindow(ctx context.Context, phone string, fn WindowUpdateFunc) (*models.ConversationWindow, error) {
	for attempt := 1; attempt <= maxWindowUpdateRetries; attempt++ {
		next, done, err := s.updateWindowTx(ctx, phone, fn)
		if err != nil {
			return nil, err
		}
		if done {
			return next, nil
		}
		slog.Debug("PostgresStore.UpdateWindow: concurrent first insert, retrying", "phone", phone, "attempt", attempt)
	}
	return nil, fmt.Errorf("%w: %s", ErrWindowConflict, phone)
}

func (s *PostgresStore) updateWindowTx(ctx context.Context, phone string, fn WindowUpdateFunc) (*models.ConversationWindow, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin window transaction failed: %w", err)
	}
	defer tx.Rollback()

	current, err := scanWindow(tx.QueryRowContext(ctx,
		`SELECT `+windowColumns+` FROM conversation_windows WHERE phone = $1 FOR UPDATE`, phone))
	if err == sql.ErrNoRows {
		current = nil
	} else if err != nil {
		return nil, false, fmt.Errorf("lock conversation window failed: %w", err)
	}

	next, write, err := applyWindowUpdate(phone, current, fn)
	if err != nil {
		return nil, false, err
	}
	if !write {
		return next, true, nil
	}
	next.UpdatedAt = time.Now().UTC()

	var result sql.Result
	if current == nil {
		next.Version = 1
		result, err = tx.ExecContext(ctx,
			`INSERT INTO conversation_windows (`+windowColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (phone) DO NOTHING`,
			next.Phone, next.FirstInboundAt, next.LastInboundAt, nullableTime(next.FreeEntryExpiresAt), next.WindowExpiresAt,
			next.ProactiveCount, next.ProactiveCountDate, nullableTime(next.LastProactiveAt), next.Version, next.UpdatedAt,
		)
	} else {
		next.Version = current.Version + 1
		result, err = tx.ExecContext(ctx,
			`UPDATE conversation_windows SET
			   first_inbound_at = $1, last_inbound_at = $2, free_entry_expires_at = $3, window_expires_at = $4,
			   proactive_count = $5, proactive_count_date = $6, last_proactive_sent_at = $7,
			   version = version + 1, updated_at = $8
			 WHERE phone = $9`,
			next.FirstInboundAt, next.LastInboundAt, nullableTime(next.FreeEntryExpiresAt), next.WindowExpiresAt,
			next.ProactiveCount, next.ProactiveCountDate, nullableTime(next.LastProactiveAt),
			next.UpdatedAt, next.Phone,
		)
	}
	if err != nil {
		return nil, false, fmt.Errorf("write conversation window failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, false, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit window transaction failed: %w", err)
	}
	slog.Debug("PostgresStore.UpdateWindow", "phone", phone, "version", next.Version)
	return next, true, nil
}
