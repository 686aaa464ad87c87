package signet

import (
	"context"
	"testing"
)

func TestDispatcher_DeliversToMatchingSubscriptionsOnly(t *testing.T) {
	store := newTestStore(t)
	writer := NewWritePath(store)
	k := newTestKeypair(t)
	cfg := newTestConfigStoreKinds(t, k.pub.Hex(), 1, 2)

	reg := NewRegistry()
	matching := &recordingDeliverer{}
	nonMatching := &recordingDeliverer{}

	reg.Add(SubKey{Conn: NextConnID(), Sub: "a"}, []Filter{{Kinds: []Kind{1}}}, matching)
	reg.Add(SubKey{Conn: NextConnID(), Sub: "b"}, []Filter{{Kinds: []Kind{2}}}, nonMatching)

	e := k.sign(t, Event{CreatedAt: 1700000000, Kind: 1, Content: "hello"})
	if err := writer.Accept(context.Background(), e); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	d := NewDispatcher(reg, store, cfg, store.Schema)
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	if len(matching.delivered) != 1 {
		t.Errorf("matching subscription received %d events, want 1", len(matching.delivered))
	}
	if len(nonMatching.delivered) != 0 {
		t.Errorf("non-matching subscription received %d events, want 0", len(nonMatching.delivered))
	}
}

func TestDispatcher_NoSubscriptionsIsNoop(t *testing.T) {
	store := newTestStore(t)
	k := newTestKeypair(t)
	cfg := newTestConfigStoreKinds(t, k.pub.Hex(), 1)

	reg := NewRegistry()
	d := NewDispatcher(reg, store, cfg, store.Schema)

	e := k.sign(t, Event{CreatedAt: 1700000000, Kind: 1})

	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Errorf("Dispatch() error = %v, want nil with no subscribers", err)
	}
}

func TestDispatcher_OneSubscriptionManyFilters(t *testing.T) {
	store := newTestStore(t)
	writer := NewWritePath(store)
	k := newTestKeypair(t)
	cfg := newTestConfigStoreKinds(t, k.pub.Hex(), 1, 2)

	reg := NewRegistry()
	out := &recordingDeliverer{}
	reg.Add(SubKey{Conn: NextConnID(), Sub: "a"}, []Filter{{Kinds: []Kind{2}}, {Kinds: []Kind{1}}}, out)

	e := k.sign(t, Event{CreatedAt: 1700000000, Kind: 1})
	if err := writer.Accept(context.Background(), e); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	d := NewDispatcher(reg, store, cfg, store.Schema)
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(out.delivered) != 1 {
		t.Errorf("delivered %d times, want exactly 1 even though two filters are registered", len(out.delivered))
	}
}

func TestDispatcher_EphemeralEventStillFansOut(t *testing.T) {
	store := newTestStore(t)
	writer := NewWritePath(store)
	k := newTestKeypair(t)
	cfg := newTestConfigStoreKinds(t, k.pub.Hex(), 20001)

	reg := NewRegistry()
	out := &recordingDeliverer{}
	reg.Add(SubKey{Conn: NextConnID(), Sub: "a"}, []Filter{{Kinds: []Kind{20001}}}, out)

	e := k.sign(t, Event{CreatedAt: 1700000000, Kind: 20001, Content: "ephemeral"})
	if err := writer.Accept(context.Background(), e); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	d := NewDispatcher(reg, store, cfg, store.Schema)
	if err := d.Dispatch(context.Background(), e); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(out.delivered) != 1 {
		t.Errorf("delivered %d times, want exactly 1 for a freshly written ephemeral event", len(out.delivered))
	}
}
