// Package storage defines the string keyed persistence scopes used by the
// client and the corruption tolerant JSON accessors on top of them.
//
// Two scopes exist: a page-lifetime scope (memory backend) that is gone
// with the process, and a durable scope (sqlite or file backend) that
// survives restarts. Both hold JSON documents under string keys.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/electronicpartnerio/realtime-communication/internal/wserr"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("storage: closed")

// Store is a string keyed document store.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys with the given prefix in ascending order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// ReadJSON decodes the document under key into v. Missing, unreadable or
// malformed documents leave v untouched and report false; failures are
// logged, never returned.
func ReadJSON(ctx context.Context, log *slog.Logger, s Store, key string, v any) bool {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		logStorage(log, &wserr.StorageError{Op: "read", Key: key, Cause: err})
		return false
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		logStorage(log, &wserr.StorageError{Op: "decode", Key: key, Cause: err})
		return false
	}
	return true
}

// WriteJSON encodes v under key. It reports success; failures are logged.
func WriteJSON(ctx context.Context, log *slog.Logger, s Store, key string, v any) bool {
	b, err := json.Marshal(v)
	if err != nil {
		logStorage(log, &wserr.StorageError{Op: "encode", Key: key, Cause: err})
		return false
	}
	if err := s.Set(ctx, key, string(b)); err != nil {
		logStorage(log, &wserr.StorageError{Op: "write", Key: key, Cause: err})
		return false
	}
	return true
}

// Remove deletes key, logging failures.
func Remove(ctx context.Context, log *slog.Logger, s Store, key string) bool {
	if err := s.Delete(ctx, key); err != nil {
		logStorage(log, &wserr.StorageError{Op: "delete", Key: key, Cause: err})
		return false
	}
	return true
}

func logStorage(log *slog.Logger, err error) {
	if log == nil {
		log = slog.Default()
	}
	log.Warn("storage access failed, using empty state", slog.Any("error", err))
}
