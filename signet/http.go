package signet

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/cors"
)

// RESTBridge implements GET/POST /: a one-shot HTTP equivalent of a
// single REQ or EVENT frame, for clients that can't hold a WebSocket
// open. A POST body carrying "id" and "sig" is treated as an EVENT;
// anything else is treated as a Filter.
type RESTBridge struct {
	Store     *Store
	WritePath *WritePath
	Config    *ConfigStore
	Schema    *Schema
}

func (b *RESTBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch r.Method {
	case http.MethodGet:
		b.handleFilterQuery(w, r)
	case http.MethodPost:
		b.handlePost(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (b *RESTBridge) handleFilterQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("filter")
	if query == "" {
		query = "{}"
	}
	b.runFilter(r.Context(), w, []byte(query))
}

func (b *RESTBridge) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	var probe struct {
		ID  json.RawMessage `json:"id"`
		Sig json.RawMessage `json:"sig"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.ID != nil && probe.Sig != nil {
		b.handleEventPost(r.Context(), w, body)
		return
	}

	b.runFilter(r.Context(), w, body)
}

func (b *RESTBridge) handleEventPost(ctx context.Context, w http.ResponseWriter, body []byte) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		writeJSONOK(w, nil, false, err.Error())
		return
	}

	if err := Validate(e, b.Config.Get().AllowListFor(e.PubKey)); err != nil {
		writeJSONOK(w, &e.ID, false, err.Error())
		return
	}

	switch err := b.WritePath.Accept(ctx, e); {
	case err == nil:
		writeJSONOK(w, &e.ID, true, "")
	case err == ErrDuplicate:
		writeJSONOK(w, &e.ID, false, "duplicate")
	default:
		fatalIfCorrupt(err)
		writeJSONOK(w, &e.ID, false, err.Error())
	}
}

func (b *RESTBridge) runFilter(ctx context.Context, w http.ResponseWriter, raw []byte) {
	f, err := DecodeFilter(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	plan, err := CompileFilterSet([]Filter{f}, b.Config.Get(), b.Schema)
	if err != nil {
		writeJSONError(w, http.StatusForbidden, err)
		return
	}

	events, err := b.Store.Query(ctx, plan)
	if err != nil {
		fatalIfCorrupt(err)
		writeJSONError(w, http.StatusInternalServerError, err)
		return
	}

	for _, e := range events {
		if IsEphemeral(e.Kind) {
			if err := b.Store.DeleteByID(ctx, e.ID); err != nil {
				fatalIfCorrupt(err)
			}
		}
	}

	json.NewEncoder(w).Encode(events)
}

func writeJSONOK(w http.ResponseWriter, id *ID, accepted bool, message string) {
	idHex := ""
	if id != nil {
		idHex = id.Hex()
	}
	json.NewEncoder(w).Encode(map[string]any{
		"id":       idHex,
		"accepted": accepted,
		"message":  message,
	})
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// NewHTTPHandler wires the REST bridge, blob store, and websocket upgrade
// into one mux, wrapped with permissive CORS the way a public relay's HTTP
// surface needs to be reachable from any browser origin.
func NewHTTPHandler(srv *Server, blossom *BlossomStore) http.Handler {
	mux := http.NewServeMux()

	bridge := &RESTBridge{
		Store:     srv.Store,
		WritePath: srv.WritePath,
		Config:    srv.Config,
		Schema:    srv.Schema,
	}

	if blossom != nil {
		mux.HandleFunc("/upload", blossom.HandleUpload)
	}
	mux.Handle("/", rootHandler(srv, bridge, blossom))

	return cors.AllowAll().Handler(mux)
}

// rootHandler dispatches "/" between the WebSocket upgrade, blob GET/HEAD,
// and the REST bridge, based on the request's Upgrade header and path.
// blossom is nil when the relay's config disables the blob store, in which
// case every non-websocket request falls through to the REST bridge.
func rootHandler(srv *Server, bridge *RESTBridge, blossom *BlossomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			srv.ServeHTTP(w, r)
			return
		}
		if blossom != nil && r.URL.Path != "/" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
			blossom.ServeHTTP(w, r)
			return
		}
		bridge.ServeHTTP(w, r)
	}
}
