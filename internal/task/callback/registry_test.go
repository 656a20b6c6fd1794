package callback

import (
	"context"
	"errors"
	"testing"
)

func noop(ctx context.Context) error { return nil }

func TestHandleStableAcrossRegistries(t *testing.T) {
	t.Parallel()
	a := NewRegistry()
	b := NewRegistry()

	cbA, err := a.Register("sync", noop)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cbB, err := b.Register("sync", noop)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if cbA.Handle() != cbB.Handle() {
		t.Fatalf("same name produced different handles: %d vs %d", cbA.Handle(), cbB.Handle())
	}
	if cbA.Handle() != HandleFor("sync") {
		t.Fatalf("Register handle %d != HandleFor %d", cbA.Handle(), HandleFor("sync"))
	}
	if HandleFor("sync") == HandleFor("probe") {
		t.Fatal("distinct names mapped to the same handle")
	}
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	if _, err := r.Register("", noop); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("empty name: got %v, want ErrNameRequired", err)
	}
	if _, err := r.Register("sync", nil); !errors.Is(err, ErrNilFunc) {
		t.Fatalf("nil func: got %v, want ErrNilFunc", err)
	}
	if _, err := r.Register("sync", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := r.Register("sync", noop); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("duplicate: got %v, want ErrDuplicateName", err)
	}
}

func TestLookupAndUnregister(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	cb := r.MustRegister("sync", noop)

	got, ok := r.Lookup(cb.Handle())
	if !ok || got.Name() != "sync" {
		t.Fatalf("Lookup = (%q, %v), want (sync, true)", got.Name(), ok)
	}
	if _, ok := r.Lookup(HandleFor("never-registered")); ok {
		t.Fatal("lookup of unregistered handle succeeded")
	}

	if !r.Unregister("sync") {
		t.Fatal("Unregister returned false for registered name")
	}
	if r.Unregister("sync") {
		t.Fatal("second Unregister returned true")
	}
	if _, ok := r.Lookup(cb.Handle()); ok {
		t.Fatal("handle still resolves after Unregister")
	}
}

func TestReplaceRebindsFunc(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	calls := 0
	if _, err := r.Replace("job", func(ctx context.Context) error { calls = 1; return nil }); err != nil {
		t.Fatalf("replace (fresh): %v", err)
	}
	cb, err := r.Replace("job", func(ctx context.Context) error { calls = 2; return nil })
	if err != nil {
		t.Fatalf("replace (rebind): %v", err)
	}

	if err := cb.Func()(context.Background()); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if calls != 2 {
		t.Fatalf("stale func ran: calls = %d, want 2", calls)
	}
}

func TestNamesSorted(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.MustRegister("zeta", noop)
	r.MustRegister("alpha", noop)
	r.MustRegister("mid", noop)

	got := r.Names()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestZeroCallback(t *testing.T) {
	t.Parallel()
	var cb Callback
	if !cb.IsZero() {
		t.Fatal("zero Callback not reported as zero")
	}
	r := NewRegistry()
	if got := r.MustRegister("x", noop); got.IsZero() {
		t.Fatal("registered callback reported as zero")
	}
}
