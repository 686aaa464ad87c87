package signet

import (
	"context"
	"time"
)

// Deliverer sends a matched event down one subscription's live connection.
// The connection layer implements this; fan-out only decides who matches.
type Deliverer interface {
	Deliver(ctx context.Context, key SubKey, e Event) error
}

// fanoutPace is how long Dispatch yields between deliveries, so a fan-out
// across many subscriptions never monopolizes the write path that
// triggered it.
const fanoutPace = 3 * time.Millisecond

// Dispatcher is the C7 fan-out stage: on every newly accepted event, re-run
// each live subscription's filter set (constrained to this one event id)
// through the same filter compiler and storage query the historical path
// uses, and push a copy to every match. Reusing C3/C2 instead of a separate
// in-memory predicate means "event matches filter" has exactly one
// implementation — the SQL the historical query runs.
type Dispatcher struct {
	Registry *Registry
	Store    *Store
	Config   *ConfigStore
	Schema   *Schema
}

// NewDispatcher returns a Dispatcher reading subscriptions from registry and
// re-matching through store using cfg's admission gate and schema's table
// names.
func NewDispatcher(registry *Registry, store *Store, cfg *ConfigStore, schema *Schema) *Dispatcher {
	return &Dispatcher{Registry: registry, Store: store, Config: cfg, Schema: schema}
}

// Dispatch re-matches e against every live subscription and delivers it to
// each one it satisfies. Delivery is sequential with a short pace delay
// between subscriptions (§4.7/§5): best-effort, not ordered across
// subscriptions, and never blocking on one slow sink longer than its own
// Deliver call takes.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) error {
	subs := d.Registry.Snapshot()
	if len(subs) == 0 {
		return nil
	}

	cfg := d.Config.Get()
	var firstErr error

	for i, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		matched, err := d.matches(ctx, sub.Filters, e, cfg)
		if err != nil {
			// A subscription whose filter set no longer compiles (e.g. a
			// config reload narrowed the admission gate) simply never
			// matches again; it is not a fan-out failure.
			continue
		}
		if matched && sub.Out != nil {
			if err := sub.Out.Deliver(ctx, sub.Key, e); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		if i < len(subs)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fanoutPace):
			}
		}
	}

	return firstErr
}

// matches answers "does e satisfy filters" by constraining every filter's
// ids to {e.id}, compiling the resulting set exactly as a REQ would, and
// running it through storage: the historical query and fan-out share one
// source of truth for "matches".
func (d *Dispatcher) matches(ctx context.Context, filters []Filter, e Event, cfg *Config) (bool, error) {
	constrained := make([]Filter, len(filters))
	for i, f := range filters {
		cf := f
		cf.IDs = []ID{e.ID}
		constrained[i] = cf
	}

	plan, err := CompileFilterSet(constrained, cfg, d.Schema)
	if err != nil {
		return false, err
	}

	rows, err := d.Store.Query(ctx, plan)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.ID == e.ID {
			return true, nil
		}
	}
	return false, nil
}
