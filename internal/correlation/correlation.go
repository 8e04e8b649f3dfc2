// Package correlation mints the identifiers that tie one hedge decision to
// its reservation, its exchange order and its audit record.
//
// A correlation id is minted once per decision. The exchange client order id
// is derived from it deterministically, so re-deriving it after a crash or a
// retried scheduler tick always produces the same value and the venue can be
// queried for the order without any extra bookkeeping.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidClientOrderID is returned when a client order id cannot be mapped
// back to a correlation id.
var ErrInvalidClientOrderID = errors.New("correlation: invalid client order id")

type ctxKey struct{}

// New mints a fresh correlation id.
func New() uuid.UUID {
	return uuid.New()
}

// ClientOrderID derives the exchange client order id for a correlation id.
// Venues restrict client ids to alphanumerics, so the dashes are dropped.
func ClientOrderID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}

// FromClientOrderID reverses ClientOrderID.
func FromClientOrderID(clientOrderID string) (uuid.UUID, error) {
	if len(clientOrderID) != 32 {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidClientOrderID, clientOrderID)
	}
	id, err := uuid.Parse(clientOrderID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidClientOrderID, clientOrderID)
	}
	return id, nil
}

// WithID returns a context carrying the correlation id.
func WithID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the correlation id carried by ctx, if any.
func FromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

// FromContextOrNew returns the id carried by ctx or mints a new one.
func FromContextOrNew(ctx context.Context) uuid.UUID {
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return New()
}
