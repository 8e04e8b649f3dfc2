package correlation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestClientOrderID_Deterministic(t *testing.T) {
	id := uuid.MustParse("3f1c2a4e-9b7d-4e21-8a55-0c6e2f9d1b10")

	first := ClientOrderID(id)
	second := ClientOrderID(id)
	if first != second {
		t.Fatalf("expected identical derivations, got %s and %s", first, second)
	}
	if first != "3f1c2a4e9b7d4e218a550c6e2f9d1b10" {
		t.Errorf("unexpected client order id: %s", first)
	}
	if strings.Contains(first, "-") {
		t.Errorf("client order id must not contain dashes: %s", first)
	}
}

func TestClientOrderID_DistinctPerCorrelation(t *testing.T) {
	a, b := New(), New()
	if ClientOrderID(a) == ClientOrderID(b) {
		t.Error("expected distinct client order ids for distinct correlation ids")
	}
}

func TestFromClientOrderID_RoundTrip(t *testing.T) {
	id := New()
	back, err := FromClientOrderID(ClientOrderID(id))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if back != id {
		t.Errorf("expected %s, got %s", id, back)
	}
}

func TestFromClientOrderID_Invalid(t *testing.T) {
	tests := []string{
		"",
		"abc",
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz",
		"3f1c2a4e-9b7d-4e21-8a55-0c6e2f9d1b10",
	}
	for _, s := range tests {
		if _, err := FromClientOrderID(s); !errors.Is(err, ErrInvalidClientOrderID) {
			t.Errorf("expected ErrInvalidClientOrderID for %q, got %v", s, err)
		}
	}
}

func TestContextPropagation(t *testing.T) {
	ctx := context.Background()
	if _, ok := FromContext(ctx); ok {
		t.Fatal("expected no correlation id on a bare context")
	}

	id := New()
	ctx = WithID(ctx, id)
	got, ok := FromContext(ctx)
	if !ok || got != id {
		t.Errorf("expected %s from context, got %s (ok=%v)", id, got, ok)
	}
	if FromContextOrNew(ctx) != id {
		t.Error("FromContextOrNew should reuse the carried id")
	}
}

func TestFromContextOrNew_MintsWhenAbsent(t *testing.T) {
	a := FromContextOrNew(context.Background())
	b := FromContextOrNew(context.Background())
	if a == uuid.Nil || b == uuid.Nil {
		t.Fatal("expected non-nil ids")
	}
	if a == b {
		t.Error("expected fresh ids per call")
	}
}

func TestFromContext_NilIgnored(t *testing.T) {
	ctx := WithID(context.Background(), uuid.Nil)
	if _, ok := FromContext(ctx); ok {
		t.Error("nil uuid should not count as a correlation id")
	}
}
