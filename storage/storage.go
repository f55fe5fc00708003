// Package storage deletes and checks artifact bytes in the external cache
// store. Registry records point at locations; this package is the only path
// by which those bytes are removed.
package storage

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/sparesparrow/lifecycle/errors"
)

// Storage is the collaborator used by invalidation and retention. Delete
// must be idempotent: deleting a missing location succeeds.
type Storage interface {
	Delete(ctx context.Context, location string) error
	Exists(ctx context.Context, location string) (bool, error)
}

// Nop is a Storage that owns nothing. Every delete succeeds.
type Nop struct{}

// Delete implements Storage.
func (Nop) Delete(context.Context, string) error { return nil }

// Exists implements Storage.
func (Nop) Exists(context.Context, string) (bool, error) { return false, nil }

// Mux routes locations to a backend by URI scheme. Locations without a
// scheme go to the fallback.
type Mux struct {
	backends map[string]Storage
	fallback Storage
}

// NewMux creates a Mux with the given fallback backend.
func NewMux(fallback Storage) *Mux {
	if fallback == nil {
		fallback = Nop{}
	}
	return &Mux{backends: make(map[string]Storage), fallback: fallback}
}

// Handle registers backend for scheme (for example "s3").
func (m *Mux) Handle(scheme string, backend Storage) *Mux {
	m.backends[scheme] = backend
	return m
}

func (m *Mux) route(location string) Storage {
	if scheme, _, ok := strings.Cut(location, "://"); ok {
		if b, found := m.backends[scheme]; found {
			return b
		}
	}
	return m.fallback
}

// Delete implements Storage.
func (m *Mux) Delete(ctx context.Context, location string) error {
	return m.route(location).Delete(ctx, location)
}

// Exists implements Storage.
func (m *Mux) Exists(ctx context.Context, location string) (bool, error) {
	return m.route(location).Exists(ctx, location)
}

// timeoutStorage bounds every call with a deadline.
type timeoutStorage struct {
	next    Storage
	timeout time.Duration
}

// WithTimeout wraps s so that every call runs under timeout. Expiry is
// reported with errors.CodeTimeout; other failures with
// errors.CodeIOFailure.
func WithTimeout(s Storage, timeout time.Duration) Storage {
	return &timeoutStorage{next: s, timeout: timeout}
}

func (t *timeoutStorage) Delete(ctx context.Context, location string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	err := t.next.Delete(ctx, location)
	return classify(ctx, err, "storage delete", location)
}

func (t *timeoutStorage) Exists(ctx context.Context, location string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	ok, err := t.next.Exists(ctx, location)
	return ok, classify(ctx, err, "storage exists", location)
}

func classify(ctx context.Context, err error, op, location string) error {
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil || stderrors.Is(err, context.DeadlineExceeded) {
		if ctxErr == nil {
			ctxErr = context.DeadlineExceeded
		}
		if classified := errors.FromContext(ctxErr, op+" exceeded its deadline"); classified != nil {
			return errors.WithContext(classified, "location", location)
		}
	}

	var pe errors.PlatformError
	if errors.As(err, &pe) {
		return err
	}
	return errors.WithContext(errors.Wrapf(err, errors.CodeIOFailure, "%s failed", op), "location", location)
}
