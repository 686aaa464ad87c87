package signet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WritePath is the C5 write path: classify by replacement class, resolve
// any existing events that conflict, and persist, all behind one entry
// point so callers never need to know which replacement rule applies.
type WritePath struct {
	Store *Store
}

// NewWritePath returns a WritePath writing through store.
func NewWritePath(store *Store) *WritePath {
	return &WritePath{Store: store}
}

// maxStorageBusyRetries bounds the write path's retry loop on a transient
// ErrStorageBusy (e.g. the pool is momentarily out of connections).
const maxStorageBusyRetries = 3

// Accept runs the full write decision for e, which the caller has already
// run through Validate. It returns ErrDuplicate when e (or, for a
// replaceable/parameterized-replaceable kind, a newer event with the same
// identity) already exists, so the connection layer can ack with OK false
// "duplicate" instead of treating it as a fresh write.
func (w *WritePath) Accept(ctx context.Context, e Event) error {
	for attempt := 0; ; attempt++ {
		err := w.accept(ctx, e)
		if !errors.Is(err, ErrStorageBusy) || attempt == maxStorageBusyRetries {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
}

func (w *WritePath) accept(ctx context.Context, e Event) error {
	switch Classify(e.Kind) {
	case ClassReplaceable:
		return w.acceptReplaceable(ctx, e, nil)
	case ClassParameterizedReplaceable:
		d := e.Tags.GetD()
		return w.acceptReplaceable(ctx, e, &d)
	case ClassEphemeral:
		// Ephemeral events are inserted like any regular event so fan-out
		// can reuse the same compiled-query match as everything else; the
		// historical read path (connection.go) deletes an ephemeral row
		// the moment it has been returned to a matching REQ (spec.md §3:
		// never retained after being returned to a historical query that
		// matched them).
		return w.insertOrDuplicate(ctx, e)
	default:
		return w.insertOrDuplicate(ctx, e)
	}
}

// insertOrDuplicate inserts e, passing ErrDuplicate through unwrapped and
// wrapping any other error: spec.md §8 requires a real duplicate to surface
// as a negative ack ("duplicate"), not a silent success.
func (w *WritePath) insertOrDuplicate(ctx context.Context, e Event) error {
	if err := w.Store.Insert(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return ErrDuplicate
		}
		return fmt.Errorf("write path: %w", err)
	}
	return nil
}

// acceptReplaceable keeps, among all events sharing the replacement key
// (kind+pubkey, or kind+pubkey+d-tag), only the one with the largest
// (created_at, id) tuple — id breaking ties between events sharing the
// same created_at, with the larger id winning. The lookup, insert, and
// predecessor delete all run inside one Store.Transaction call, so a crash
// or StorageBusy error between steps never leaves both the new and a
// superseded event (or neither) persisted.
func (w *WritePath) acceptReplaceable(ctx context.Context, e Event, dTag *string) error {
	duplicate := false
	err := w.Store.Transaction(ctx, func(tx *Tx) error {
		existing, err := tx.ReplacementTargets(ctx, e.Kind, e.PubKey, dTag)
		if err != nil {
			return fmt.Errorf("write path: loading replacement targets: %w", err)
		}

		// Existence is resolved before the replacement-key tie-break: e may
		// equal one of its own replacement targets when the caller resends
		// the exact same event (spec.md §4.5 step 1). Without this check,
		// isNewer(prior, e) is false on an id tie, so the loop below would
		// queue the event's own row for deletion while still believing it
		// should be saved, and the transaction would erase the only stored
		// copy instead of leaving it untouched.
		for _, prior := range existing {
			if prior.ID == e.ID {
				duplicate = true
				return nil
			}
		}

		var toDelete []ID
		shouldSave := true
		for _, prior := range existing {
			if isNewer(prior, e) {
				shouldSave = false
			} else {
				toDelete = append(toDelete, prior.ID)
			}
		}

		if shouldSave {
			if err := tx.Insert(ctx, e); err != nil && !errors.Is(err, ErrDuplicate) {
				return fmt.Errorf("write path: %w", err)
			}
		}

		// Delete superseded events last: if the insert above failed for a
		// reason other than ErrDuplicate we already returned, so reaching
		// here means either the new event is stored or it lost to something
		// newer — either way toDelete only ever names strictly older events.
		for _, id := range toDelete {
			if err := tx.DeleteByID(ctx, id); err != nil {
				return fmt.Errorf("write path: deleting superseded event %s: %w", id.Hex(), err)
			}
		}

		duplicate = !shouldSave
		return nil
	})
	if err != nil {
		return err
	}
	if duplicate {
		return ErrDuplicate
	}
	return nil
}

// isNewer reports whether prior should be kept over candidate: a strictly
// later created_at wins outright; a tie is broken by the larger id.
func isNewer(prior, candidate Event) bool {
	if prior.CreatedAt != candidate.CreatedAt {
		return prior.CreatedAt > candidate.CreatedAt
	}
	return prior.ID.Hex() > candidate.ID.Hex()
}
