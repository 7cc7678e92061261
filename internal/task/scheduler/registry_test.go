package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func noop(ctx context.Context) error { return nil }

func TestRegisterDuplicateKeepsFirst(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register("cache-crls", 86100*time.Second, noop); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := r.Register("cache-crls", time.Minute, noop)

	var dup *DuplicateJobError
	if !errors.As(err, &dup) || dup.ID != "cache-crls" {
		t.Fatalf("err = %v, want DuplicateJobError", err)
	}
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("errors.Is(ErrDuplicateJob) = false for %v", err)
	}
	j, ok := r.Get("cache-crls")
	if !ok || j.Interval != 86100*time.Second {
		t.Fatalf("first registration mutated: %+v", j)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegisterInvalidInterval(t *testing.T) {
	t.Parallel()
	for _, d := range []time.Duration{0, -time.Second} {
		r := NewRegistry()
		err := r.Register("bad", d, noop)
		var inv *InvalidIntervalError
		if !errors.As(err, &inv) || inv.Interval != d {
			t.Fatalf("interval %s: err = %v, want InvalidIntervalError", d, err)
		}
		if !errors.Is(err, ErrInvalidInterval) {
			t.Fatalf("interval %s: errors.Is(ErrInvalidInterval) = false", d)
		}
		if r.Len() != 0 {
			t.Fatalf("interval %s: job registered anyway", d)
		}
	}
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	if err := r.Register(" ", time.Second, noop); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := r.Register("x", time.Second, nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestListKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	ids := []string{"generate-ocsp-keys", "cache-crls", "audit"}
	for _, id := range ids {
		if err := r.Register(id, time.Hour, noop); err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	got := r.List()
	if len(got) != len(ids) {
		t.Fatalf("List len = %d", len(got))
	}
	for i, j := range got {
		if j.ID != ids[i] {
			t.Fatalf("List[%d] = %s, want %s", i, j.ID, ids[i])
		}
	}
}
