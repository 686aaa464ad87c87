package signet

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// historicalQueueCap bounds how many live events a subscription buffers
// while its historical query is still running: once full, the oldest
// buffered event is dropped rather than blocking the writer goroutine
// that drives fan-out for every other connection.
const historicalQueueCap = 256

// Connection is the C8 connection protocol: one WebSocket, its registered
// subscriptions, and the historical-query -> EOSE -> live state machine
// that keeps a subscription from losing events written while its backlog
// is still streaming.
type Connection struct {
	id       ConnID
	ws       *websocket.Conn
	store    *Store
	writer   *WritePath
	registry *Registry
	dispatch *Dispatcher
	cfg      *ConfigStore
	schema   *Schema

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*pendingQueue // subID -> queue, present only during backlog replay
}

// pendingQueue buffers live-matched events for a subscription that is
// still being served its historical backlog.
type pendingQueue struct {
	events []Event
}

// Server owns the shared state every Connection needs: storage, the write
// path, the subscription registry, and the fan-out dispatcher. One Server
// serves every accepted WebSocket.
type Server struct {
	Store      *Store
	WritePath  *WritePath
	Registry   *Registry
	Dispatcher *Dispatcher
	Config     *ConfigStore
	Schema     *Schema
}

// ServeHTTP upgrades an HTTP request to a WebSocket and runs its
// connection loop until the client disconnects.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("websocket accept failed: %v", err)
		return
	}

	conn := &Connection{
		id:       NextConnID(),
		ws:       ws,
		store:    srv.Store,
		writer:   srv.WritePath,
		registry: srv.Registry,
		dispatch: srv.Dispatcher,
		cfg:      srv.Config,
		schema:   srv.Schema,
		pending:  make(map[string]*pendingQueue),
	}

	defer conn.close()
	conn.run(r.Context())
}

// fatalIfCorrupt logs and aborts the process on ErrStorageCorrupt rather
// than trying to keep serving against a storage layer that has returned
// data it can no longer trust.
func fatalIfCorrupt(err error) {
	if errors.Is(err, ErrStorageCorrupt) {
		log.Fatalf("storage corrupt, aborting: %v", err)
	}
}

func (c *Connection) close() {
	c.registry.RemoveConnection(c.id)
	c.ws.Close(websocket.StatusNormalClosure, "")
}

// run reads frames until the socket closes or the request context ends.
func (c *Connection) run(ctx context.Context) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		frame, err := DecodeClientFrame(data)
		if err != nil {
			c.sendNotice(ctx, err.Error())
			continue
		}

		switch frame.Verb {
		case verbEvent:
			c.handleEvent(ctx, frame.Event)
		case verbReq:
			c.handleReq(ctx, frame.SubID, frame.Filters)
		case verbClose:
			c.handleClose(ctx, frame.SubID)
		}
	}
}

func (c *Connection) handleEvent(ctx context.Context, e Event) {
	allowed := c.cfg.Get().AllowListFor(e.PubKey)
	if err := Validate(e, allowed); err != nil {
		c.sendOK(ctx, e.ID, false, err.Error())
		return
	}

	err := c.writer.Accept(ctx, e)
	fatalIfCorrupt(err)
	switch {
	case err == nil:
		c.sendOK(ctx, e.ID, true, "")
	case errors.Is(err, ErrDuplicate):
		// spec.md §8: a duplicate is a negative ack, not a success; either
		// way nothing new was written, so there is nothing to fan out.
		c.sendOK(ctx, e.ID, false, "duplicate")
		return
	default:
		c.sendOK(ctx, e.ID, false, err.Error())
		return
	}

	if c.dispatch != nil {
		_ = c.dispatch.Dispatch(ctx, e)
	}
}

// handleReq opens or replaces a subscription: it compiles and runs the
// filter set's historical query, streams matching rows, sends EOSE, then
// flips the subscription live — replaying anything fan-out queued for it
// while the backlog was still being read.
func (c *Connection) handleReq(ctx context.Context, subID string, filters []Filter) {
	key := SubKey{Conn: c.id, Sub: subID}

	c.mu.Lock()
	c.pending[subID] = &pendingQueue{}
	c.mu.Unlock()

	plan, err := CompileFilterSet(filters, c.cfg.Get(), c.schema)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, subID)
		c.mu.Unlock()
		c.sendClosed(ctx, subID, "")
		return
	}

	// Register before the historical query runs, so fan-out for events
	// written meanwhile lands in the pending queue instead of being missed.
	c.registry.Add(key, filters, c)

	rows, err := c.store.Query(ctx, plan)
	fatalIfCorrupt(err)
	if err != nil {
		c.registry.Remove(key)
		c.mu.Lock()
		delete(c.pending, subID)
		c.mu.Unlock()
		c.sendNotice(ctx, "error: "+err.Error())
		return
	}

	for _, e := range rows {
		c.sendEvent(ctx, subID, e)
		if IsEphemeral(e.Kind) {
			// Never retained after being returned to a matching historical
			// query: delete it now so a second identical REQ sees nothing.
			if err := c.store.DeleteByID(ctx, e.ID); err != nil {
				fatalIfCorrupt(err)
			}
		}
	}

	c.sendEOSE(ctx, subID)

	// Flip live: drain whatever fan-out queued while the backlog above was
	// still streaming. c.mu is held until the queue is gone, so a concurrent
	// Deliver cannot send directly ahead of the queued events.
	c.mu.Lock()
	if queued := c.pending[subID]; queued != nil {
		for _, e := range queued.events {
			c.sendEvent(ctx, subID, e)
		}
	}
	delete(c.pending, subID)
	c.mu.Unlock()
}

// handleClose removes subID's subscription and acknowledges with a CLOSED
// frame. Sending CLOSED only after the registry removal is synchronous:
// spec.md §5 guarantees no further EVENT frame for this subscription is
// produced once CLOSED has gone out.
func (c *Connection) handleClose(ctx context.Context, subID string) {
	c.registry.Remove(SubKey{Conn: c.id, Sub: subID})
	c.mu.Lock()
	delete(c.pending, subID)
	c.mu.Unlock()
	c.sendClosed(ctx, subID, "")
}

// Deliver implements Deliverer: it is called by the dispatcher for every
// subscription on this connection that matches a newly accepted event. If
// the subscription's historical backlog is still being read, the event is
// queued instead of written directly, preserving delivery order.
func (c *Connection) Deliver(ctx context.Context, key SubKey, e Event) error {
	if key.Conn != c.id {
		return nil
	}

	c.mu.Lock()
	if q, replaying := c.pending[key.Sub]; replaying {
		if len(q.events) >= historicalQueueCap {
			q.events = q.events[1:]
		}
		q.events = append(q.events, e)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.sendEvent(ctx, key.Sub, e)
}

func (c *Connection) sendEvent(ctx context.Context, subID string, e Event) error {
	data, err := encodeEvent(subID, e)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

func (c *Connection) sendEOSE(ctx context.Context, subID string) {
	data, err := encodeEOSE(subID)
	if err != nil {
		return
	}
	_ = c.write(ctx, data)
}

func (c *Connection) sendOK(ctx context.Context, id ID, accepted bool, message string) {
	data, err := encodeOK(id, accepted, message)
	if err != nil {
		return
	}
	_ = c.write(ctx, data)
}

func (c *Connection) sendClosed(ctx context.Context, subID, reason string) {
	data, err := encodeClosed(subID, reason)
	if err != nil {
		return
	}
	_ = c.write(ctx, data)
}

func (c *Connection) sendNotice(ctx context.Context, message string) {
	data, err := encodeNotice(message)
	if err != nil {
		return
	}
	_ = c.write(ctx, data)
}

func (c *Connection) write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
