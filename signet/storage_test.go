package signet

import (
	"context"
	"errors"
	"testing"
)

func createTestSignedEvent(t *testing.T, kind Kind, content string, tags Tags) Event {
	k := newTestKeypair(t)
	return k.sign(t, Event{CreatedAt: 1700000000, Kind: kind, Content: content, Tags: tags})
}

func TestStore_InsertAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := createTestSignedEvent(t, 1, "hello from storage", nil)
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	rows, err := store.ReplacementTargets(ctx, e.Kind, e.PubKey, nil)
	if err != nil {
		t.Fatalf("ReplacementTargets() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != e.ID {
		t.Fatalf("ReplacementTargets() = %v, want exactly the inserted event", rows)
	}
}

func TestStore_Insert_DuplicateRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := createTestSignedEvent(t, 1, "once only", nil)
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}
	if err := store.Insert(ctx, e); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Insert() error = %v, want ErrDuplicate", err)
	}
}

func TestStore_DeleteByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := createTestSignedEvent(t, 1, "to delete", nil)
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := store.DeleteByID(ctx, e.ID); err != nil {
		t.Fatalf("DeleteByID() error = %v", err)
	}

	rows, err := store.ReplacementTargets(ctx, e.Kind, e.PubKey, nil)
	if err != nil {
		t.Fatalf("ReplacementTargets() error = %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("event still present after DeleteByID(): %v", rows)
	}
}

func TestStore_TagIndexIsQueryable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cfg := &Config{AllowedKinds: []int{1}}

	e := createTestSignedEvent(t, 1, "tagged", Tags{{"t", "bitcoin"}, {"p", "someone"}})
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	plan, err := CompileFilterSet([]Filter{{Kinds: []Kind{1}, Tags: map[string][]string{"t": {"bitcoin"}}}}, cfg, store.Schema)
	if err != nil {
		t.Fatalf("CompileFilterSet() error = %v", err)
	}
	rows, err := store.Query(ctx, plan)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != e.ID {
		t.Fatalf("Query() by tag = %v, want exactly the tagged event", rows)
	}
}

func TestStore_ReplacementTargets_ByDTag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	k := newTestKeypair(t)

	e1 := k.sign(t, Event{CreatedAt: 1, Kind: 30000, Tags: Tags{{"d", "my-article"}}, Content: "v1"})
	if err := store.Insert(ctx, e1); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	other := k.sign(t, Event{CreatedAt: 2, Kind: 30000, Tags: Tags{{"d", "other-article"}}, Content: "unrelated"})
	if err := store.Insert(ctx, other); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	d := "my-article"
	rows, err := store.ReplacementTargets(ctx, 30000, k.pub, &d)
	if err != nil {
		t.Fatalf("ReplacementTargets() error = %v", err)
	}
	if len(rows) != 1 || rows[0].ID != e1.ID {
		t.Fatalf("ReplacementTargets() with d-tag = %v, want exactly e1", rows)
	}
}

func TestStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cfg := &Config{AllowedKinds: []int{1}}

	store.Insert(ctx, createTestSignedEvent(t, 1, "the quick brown fox", nil))
	store.Insert(ctx, createTestSignedEvent(t, 1, "completely unrelated text", nil))

	plan, err := CompileFilterSet([]Filter{{Kinds: []Kind{1}, Search: "fox"}}, cfg, store.Schema)
	if err != nil {
		t.Fatalf("CompileFilterSet() error = %v", err)
	}
	rows, err := store.Query(ctx, plan)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) == 0 {
		t.Error("expected search for 'fox' to find at least one event")
	}
}

// TestStore_Search_OrdersByRankNotRecency verifies a search filter's result
// order follows FTS relevance rather than created_at, even though the
// underlying query is a UNION across the filter set (signet/filter.go's
// CompileFilterSet threads a rank column through that union for exactly
// this reason).
func TestStore_Search_OrdersByRankNotRecency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cfg := &Config{AllowedKinds: []int{1}}

	k := newTestKeypair(t)
	higherRankOlder := k.sign(t, Event{CreatedAt: 100, Kind: 1, Content: "fox fox fox, the fox ran"})
	lowerRankNewer := k.sign(t, Event{CreatedAt: 200, Kind: 1, Content: "a single fox sighting"})

	if err := store.Insert(ctx, higherRankOlder); err != nil {
		t.Fatalf("Insert(higherRankOlder) error = %v", err)
	}
	if err := store.Insert(ctx, lowerRankNewer); err != nil {
		t.Fatalf("Insert(lowerRankNewer) error = %v", err)
	}

	plan, err := CompileFilterSet([]Filter{{Kinds: []Kind{1}, Search: "fox"}}, cfg, store.Schema)
	if err != nil {
		t.Fatalf("CompileFilterSet() error = %v", err)
	}
	rows, err := store.Query(ctx, plan)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both events to match, got %d rows", len(rows))
	}
	if rows[0].ID != higherRankOlder.ID {
		t.Errorf("expected the higher-relevance older event first despite being older, got order %v", rows)
	}
}

// TestStore_EphemeralDeletedAfterHistoricalRead exercises the primitive
// connection.go's handleReq builds on: an ephemeral event matched by a
// historical query is deleted immediately afterward, so a second identical
// query returns zero rows (spec.md §3).
func TestStore_EphemeralDeletedAfterHistoricalRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cfg := &Config{AllowedKinds: []int{20001}}

	e := createTestSignedEvent(t, 20001, "ephemeral", nil)
	if err := store.Insert(ctx, e); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	plan, err := CompileFilterSet([]Filter{{Kinds: []Kind{20001}, IDs: []ID{e.ID}}}, cfg, store.Schema)
	if err != nil {
		t.Fatalf("CompileFilterSet() error = %v", err)
	}

	first, err := store.Query(ctx, plan)
	if err != nil {
		t.Fatalf("Query() #1 error = %v", err)
	}
	if len(first) != 1 || first[0].ID != e.ID {
		t.Fatalf("first historical query = %v, want exactly the ephemeral event once", first)
	}
	for _, row := range first {
		if IsEphemeral(row.Kind) {
			if err := store.DeleteByID(ctx, row.ID); err != nil {
				t.Fatalf("DeleteByID() error = %v", err)
			}
		}
	}

	second, err := store.Query(ctx, plan)
	if err != nil {
		t.Fatalf("Query() #2 error = %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second identical historical query = %v, want zero rows", second)
	}
}
