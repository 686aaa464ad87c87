package signet

import (
	"context"
	"errors"
	"testing"
)

func TestWritePath_Accept_RegularEvent(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()

	e := createTestSignedEvent(t, 1, "a regular note", nil)
	if err := w.Accept(ctx, e); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	rows, err := store.ReplacementTargets(ctx, e.Kind, e.PubKey, nil)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected the regular event to be stored, rows = %v, err = %v", rows, err)
	}
}

func TestWritePath_Accept_RegularDuplicateRejected(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()

	e := createTestSignedEvent(t, 1, "idempotence check", nil)
	if err := w.Accept(ctx, e); err != nil {
		t.Fatalf("first Accept() error = %v", err)
	}
	if err := w.Accept(ctx, e); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Accept() error = %v, want ErrDuplicate", err)
	}

	rows, err := store.ReplacementTargets(ctx, e.Kind, e.PubKey, nil)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected exactly one stored copy, rows = %v, err = %v", rows, err)
	}
}

func TestWritePath_Accept_ReplaceableKeepsOnlyNewest(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()
	k := newTestKeypair(t)

	older := k.sign(t, Event{CreatedAt: 100, Kind: 0, Content: `{"name":"old"}`})
	newer := k.sign(t, Event{CreatedAt: 200, Kind: 0, Content: `{"name":"new"}`})

	if err := w.Accept(ctx, older); err != nil {
		t.Fatalf("Accept(older) error = %v", err)
	}
	if err := w.Accept(ctx, newer); err != nil {
		t.Fatalf("Accept(newer) error = %v", err)
	}

	rows, err := store.ReplacementTargets(ctx, 0, k.pub, nil)
	if err != nil {
		t.Fatalf("ReplacementTargets() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != newer.ID {
		t.Fatalf("expected only the newer kind-0 event to survive, got %v", rows)
	}
}

func TestWritePath_Accept_ReplaceableRejectsOlder(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()
	k := newTestKeypair(t)

	newer := k.sign(t, Event{CreatedAt: 200, Kind: 3, Content: "newer"})
	older := k.sign(t, Event{CreatedAt: 100, Kind: 3, Content: "older"})

	if err := w.Accept(ctx, newer); err != nil {
		t.Fatalf("Accept(newer) error = %v", err)
	}
	if err := w.Accept(ctx, older); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Accept(older-after-newer) error = %v, want ErrDuplicate", err)
	}

	rows, err := store.ReplacementTargets(ctx, 3, k.pub, nil)
	if err != nil || len(rows) != 1 || rows[0].ID != newer.ID {
		t.Fatalf("expected only the newer event to remain, rows = %v, err = %v", rows, err)
	}
}

// TestWritePath_Accept_ReplaceableResubmissionIsNoop covers resending the
// exact same event for a replaceable kind: it must be reported as a
// duplicate and leave the stored copy untouched, never deleted.
func TestWritePath_Accept_ReplaceableResubmissionIsNoop(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()
	k := newTestKeypair(t)

	e := k.sign(t, Event{CreatedAt: 100, Kind: 3, Content: "contacts"})

	if err := w.Accept(ctx, e); err != nil {
		t.Fatalf("first Accept() error = %v", err)
	}
	if err := w.Accept(ctx, e); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("resubmission Accept() error = %v, want ErrDuplicate", err)
	}

	rows, err := store.ReplacementTargets(ctx, 3, k.pub, nil)
	if err != nil || len(rows) != 1 || rows[0].ID != e.ID {
		t.Fatalf("expected the original event to remain stored untouched, rows = %v, err = %v", rows, err)
	}
}

// TestWritePath_Accept_ParameterizedReplaceableResubmissionIsNoop is the
// parameterized-replaceable counterpart: resending an unchanged kind-30000
// event under the same d-tag must not erase it.
func TestWritePath_Accept_ParameterizedReplaceableResubmissionIsNoop(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()
	k := newTestKeypair(t)

	e := k.sign(t, Event{CreatedAt: 1, Kind: 30000, Tags: Tags{{"d", "a"}}, Content: "a-v1"})

	if err := w.Accept(ctx, e); err != nil {
		t.Fatalf("first Accept() error = %v", err)
	}
	if err := w.Accept(ctx, e); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("resubmission Accept() error = %v, want ErrDuplicate", err)
	}

	d := "a"
	rows, err := store.ReplacementTargets(ctx, 30000, k.pub, &d)
	if err != nil || len(rows) != 1 || rows[0].ID != e.ID {
		t.Fatalf("expected the original event to remain stored untouched, rows = %v, err = %v", rows, err)
	}
}

func TestWritePath_Accept_ParameterizedReplaceableKeyedByDTag(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()
	k := newTestKeypair(t)

	a1 := k.sign(t, Event{CreatedAt: 1, Kind: 30000, Tags: Tags{{"d", "a"}}, Content: "a-v1"})
	a2 := k.sign(t, Event{CreatedAt: 2, Kind: 30000, Tags: Tags{{"d", "a"}}, Content: "a-v2"})
	b1 := k.sign(t, Event{CreatedAt: 1, Kind: 30000, Tags: Tags{{"d", "b"}}, Content: "b-v1"})

	for _, e := range []Event{a1, a2, b1} {
		if err := w.Accept(ctx, e); err != nil {
			t.Fatalf("Accept(%s) error = %v", e.Content, err)
		}
	}

	d := "a"
	rowsA, err := store.ReplacementTargets(ctx, 30000, k.pub, &d)
	if err != nil || len(rowsA) != 1 || rowsA[0].ID != a2.ID {
		t.Fatalf("expected only a2 to survive under d=a, got %v, err = %v", rowsA, err)
	}

	d = "b"
	rowsB, err := store.ReplacementTargets(ctx, 30000, k.pub, &d)
	if err != nil || len(rowsB) != 1 || rowsB[0].ID != b1.ID {
		t.Fatalf("expected b1 to be untouched under d=b, got %v, err = %v", rowsB, err)
	}
}

// TestWritePath_Accept_EphemeralStoredUntilHistoricalRead verifies the
// write path stores an ephemeral event like any regular one (spec.md §4.5:
// "treated as normal"): deletion is the historical read path's job
// (connection.go), triggered the moment the event is returned to a
// matching REQ, not the write path's.
func TestWritePath_Accept_EphemeralStoredUntilHistoricalRead(t *testing.T) {
	store := newTestStore(t)
	w := NewWritePath(store)
	ctx := context.Background()

	e := createTestSignedEvent(t, 20000, "ephemeral", nil)
	if err := w.Accept(ctx, e); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	rows, err := store.ReplacementTargets(ctx, e.Kind, e.PubKey, nil)
	if err != nil {
		t.Fatalf("ReplacementTargets() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != e.ID {
		t.Errorf("expected the ephemeral event to remain stored until a matching historical read, got %v", rows)
	}
}
