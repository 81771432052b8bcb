// Package store provides the WindowRepo interface for per-phone conversation windows.
package store

import (
	"context"
	"errors"

	"github.com/BTreeMap/WaGate/internal/models"
)

var (
	// ErrSkipUpdate may be returned by a WindowUpdateFunc to leave the
	// stored window untouched. UpdateWindow then returns the current window.
	ErrSkipUpdate = errors.New("skip window update")
	// ErrWindowConflict is returned when optimistic retries are exhausted.
	ErrWindowConflict = errors.New("conversation window update conflict")
)

// maxWindowUpdateRetries bounds compare-and-swap retries per UpdateWindow call.
const maxWindowUpdateRetries = 16

// WindowUpdateFunc computes the next window from the current one. current is
// nil when the phone number has no record yet and is a private copy the
// function may modify and return.
type WindowUpdateFunc func(current *models.ConversationWindow) (*models.ConversationWindow, error)

// WindowRepo persists conversation windows. UpdateWindow is a serialized
// read-modify-write per phone number: no two calls for the same phone
// observe the same version.
type WindowRepo interface {
	// GetWindow returns the window for phone, or nil when there is none.
	GetWindow(ctx context.Context, phone string) (*models.ConversationWindow, error)

	// UpdateWindow applies fn atomically and returns the stored result.
	// fn may run more than once if a concurrent writer wins a race.
	UpdateWindow(ctx context.Context, phone string, fn WindowUpdateFunc) (*models.ConversationWindow, error)
}

// applyWindowUpdate runs fn on a copy of current and normalizes the result.
// It reports write=false when fn asked to skip the update.
func applyWindowUpdate(phone string, current *models.ConversationWindow, fn WindowUpdateFunc) (next *models.ConversationWindow, write bool, err error) {
	next, err = fn(current.Clone())
	if errors.Is(err, ErrSkipUpdate) {
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return current, false, nil
	}
	next.Phone = phone
	return next, true, nil
}
