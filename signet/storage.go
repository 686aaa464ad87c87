package signet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// sb is the shared Dollar-format squirrel builder for statements this
// package issues directly (as opposed to filter.go's Plan, which is
// compiled separately and already carries $N placeholders).
var sb = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var (
	dbPool *sql.DB
	dbOnce sync.Once
)

// pool lazily opens the shared *sql.DB, sized from the
// DB_MAX_OPEN_CONNS / DB_MAX_IDLE_CONNS / DB_CONN_MAX_LIFETIME_SECS
// environment knobs.
func pool() *sql.DB {
	dbOnce.Do(func() {
		dsn := Env("DATABASE_URL")
		if dsn == "" {
			log.Fatal("DATABASE_URL environment variable is required")
		}

		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}

		conn.SetMaxOpenConns(envInt("DB_MAX_OPEN_CONNS", 20))
		conn.SetMaxIdleConns(envInt("DB_MAX_IDLE_CONNS", 5))
		conn.SetConnMaxLifetime(time.Duration(envInt("DB_CONN_MAX_LIFETIME_SECS", 300)) * time.Second)

		dbPool = conn
	})

	return dbPool
}

// Store is the C2 storage adapter: a Postgres-backed event table plus a
// single-letter tag index, schema-prefixed so multiple relay instances can
// share one database (schema.go/cmd/migrate's original naming idiom).
type Store struct {
	Schema *Schema
}

// NewStore returns a Store bound to schema. The shared connection pool is
// opened lazily on first use.
func NewStore(schema *Schema) *Store {
	return &Store{Schema: schema}
}

// Init bootstraps the schema: the events table, its tag index, and the
// full-text search trigger, via reload-safe CREATE ... IF NOT EXISTS
// statements that run safely on every startup.
func (s *Store) Init(ctx context.Context) error {
	statements := []string{
		s.Schema.Render(`
			CREATE TABLE IF NOT EXISTS {{.Name}}__events (
				id TEXT PRIMARY KEY,
				created_at BIGINT NOT NULL,
				kind INTEGER NOT NULL,
				pubkey TEXT NOT NULL,
				content TEXT NOT NULL,
				tags TEXT NOT NULL,
				sig TEXT NOT NULL
			)`),
		s.Schema.Render(`CREATE INDEX IF NOT EXISTS {{.Name}}__idx_events_created_at ON {{.Name}}__events(created_at)`),
		s.Schema.Render(`CREATE INDEX IF NOT EXISTS {{.Name}}__idx_events_kind_pubkey ON {{.Name}}__events(kind, pubkey)`),
		s.Schema.Render(`CREATE INDEX IF NOT EXISTS {{.Name}}__idx_events_kind_pubkey_created_at ON {{.Name}}__events(kind, pubkey, created_at DESC)`),
		s.Schema.Render(`
			CREATE TABLE IF NOT EXISTS {{.Name}}__tag_index (
				fid TEXT NOT NULL REFERENCES {{.Name}}__events(id) ON DELETE CASCADE,
				value TEXT NOT NULL
			)`),
		s.Schema.Render(`CREATE INDEX IF NOT EXISTS {{.Name}}__idx_tag_index_fid ON {{.Name}}__tag_index(fid)`),
		s.Schema.Render(`CREATE INDEX IF NOT EXISTS {{.Name}}__idx_tag_index_value ON {{.Name}}__tag_index(value)`),
	}

	for _, stmt := range statements {
		if _, err := pool().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema init failed: %w", err)
		}
	}

	s.initFTS(ctx)
	return nil
}

// initFTS adds the tsvector column, its GIN index, and the trigger that
// keeps it current on insert. Failures here are logged, not fatal: a relay
// without FTS still serves every filter but a "search" one.
func (s *Store) initFTS(ctx context.Context) {
	statements := []string{
		s.Schema.Render(`ALTER TABLE {{.Name}}__events ADD COLUMN IF NOT EXISTS search_vector tsvector`),
		s.Schema.Render(`CREATE INDEX IF NOT EXISTS {{.Name}}__idx_events_search ON {{.Name}}__events USING GIN(search_vector)`),
		s.Schema.Render(`
			CREATE OR REPLACE FUNCTION {{.Name}}_update_search_vector() RETURNS trigger AS $$
			BEGIN
				NEW.search_vector := to_tsvector('english', COALESCE(NEW.content, ''));
				RETURN NEW;
			END;
			$$ LANGUAGE plpgsql`),
		s.Schema.Render(`DROP TRIGGER IF EXISTS {{.Name}}_events_search_update ON {{.Name}}__events`),
		s.Schema.Render(`
			CREATE TRIGGER {{.Name}}_events_search_update
				BEFORE INSERT OR UPDATE ON {{.Name}}__events
				FOR EACH ROW EXECUTE FUNCTION {{.Name}}_update_search_vector()`),
	}

	for _, stmt := range statements {
		if _, err := pool().ExecContext(ctx, stmt); err != nil {
			log.Printf("FTS init warning: %v", err)
		}
	}
}

// Close is a no-op: the pool is a process-wide shared resource, not owned
// by any one Store.
func (s *Store) Close() {}

// execer is satisfied by both *sql.DB and *sql.Tx, so the insert/delete/query
// helpers below run identically whether called directly against the pool or
// against a Tx from Store.Transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Tx is one database transaction, handed to the function passed to
// Store.Transaction. It exposes the same Insert/DeleteByID/ReplacementTargets
// operations as Store, so the write path can combine a replacement's insert
// and predecessor delete into a single atomic unit.
type Tx struct {
	db     execer
	schema *Schema
}

func (t *Tx) Insert(ctx context.Context, e Event) error {
	return insertEvent(ctx, t.db, t.schema, e)
}

func (t *Tx) DeleteByID(ctx context.Context, id ID) error {
	return deleteEventByID(ctx, t.db, t.schema, id)
}

func (t *Tx) ReplacementTargets(ctx context.Context, kind Kind, pubkey PubKey, dTag *string) ([]Event, error) {
	return replacementTargets(ctx, t.db, t.schema, kind, pubkey, dTag)
}

// Transaction runs fn against a fresh *sql.Tx, committing on success and
// rolling back on any error fn returns (or panics past).
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) error {
	tx, err := pool().BeginTx(ctx, nil)
	if err != nil {
		return classifyPgError(err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{db: tx, schema: s.Schema}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// Insert writes e and its single-letter tag index rows in one transaction,
// relying on "ON CONFLICT (id) DO NOTHING" affecting zero rows to detect
// duplicates race-safely instead of a SELECT-then-INSERT.
func (s *Store) Insert(ctx context.Context, e Event) error {
	return s.Transaction(ctx, func(tx *Tx) error {
		return tx.Insert(ctx, e)
	})
}

// DeleteByID removes an event and its indexed tags (cascade).
func (s *Store) DeleteByID(ctx context.Context, id ID) error {
	return deleteEventByID(ctx, pool(), s.Schema, id)
}

// ReplacementTargets returns every stored event sharing kind and pubkey
// (and, when dTag is non-nil, the same "d" tag value), newest first, for
// the write path's replacement decision.
func (s *Store) ReplacementTargets(ctx context.Context, kind Kind, pubkey PubKey, dTag *string) ([]Event, error) {
	return replacementTargets(ctx, pool(), s.Schema, kind, pubkey, dTag)
}

// insertEvent is the execer-agnostic body of Store.Insert/Tx.Insert: it
// assumes the caller already holds whatever transaction boundary it needs
// (Store.Insert opens its own single-statement-pair one; Tx.Insert shares
// the caller's).
func insertEvent(ctx context.Context, db execer, schema *Schema, e Event) error {
	tagsJSON, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	insertSQL, insertArgs, err := sb.Insert(schema.Prefix("events")).
		Columns("id", "created_at", "kind", "pubkey", "content", "tags", "sig").
		Values(e.ID.Hex(), e.CreatedAt, int(e.Kind), e.PubKey.Hex(), e.Content, string(tagsJSON), e.Sig.Hex()).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	result, err := db.ExecContext(ctx, insertSQL, insertArgs...)
	if err != nil {
		return classifyPgError(err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDuplicate
	}

	tagQb := sb.Insert(schema.Prefix("tag_index")).Columns("fid", "value")
	hasTags := false
	for _, t := range e.Tags {
		if len(t) >= 2 && len(t.Name()) == 1 {
			tagQb = tagQb.Values(e.ID.Hex(), t.Name()+":"+t.Value())
			hasTags = true
		}
	}
	if hasTags {
		tagSQL, tagArgs, err := tagQb.ToSql()
		if err != nil {
			return fmt.Errorf("building tag insert: %w", err)
		}
		if _, err := db.ExecContext(ctx, tagSQL, tagArgs...); err != nil {
			return classifyPgError(err)
		}
	}
	return nil
}

func deleteEventByID(ctx context.Context, db execer, schema *Schema, id ID) error {
	delSQL, delArgs, err := sb.Delete(schema.Prefix("events")).Where(sq.Eq{"id": id.Hex()}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	if _, err := db.ExecContext(ctx, delSQL, delArgs...); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func replacementTargets(ctx context.Context, db execer, schema *Schema, kind Kind, pubkey PubKey, dTag *string) ([]Event, error) {
	qb := sb.Select("id", "created_at", "kind", "pubkey", "content", "tags", "sig").
		From(schema.Prefix("events")).
		Where(sq.Eq{"kind": int(kind)}).
		Where(sq.Eq{"pubkey": pubkey.Hex()}).
		OrderBy("created_at DESC")

	if dTag != nil {
		// Built with squirrel's default "?" placeholder and merged as raw
		// SQL text; the outer Dollar-format qb renumbers every "?" it
		// accumulates (its own plus this subquery's) in one ToSql pass.
		sub := sq.Select("fid").From(schema.Prefix("tag_index")).Where(sq.Eq{"value": "d:" + *dTag})
		subSQL, subArgs, err := sub.ToSql()
		if err != nil {
			return nil, fmt.Errorf("building d-tag subquery: %w", err)
		}
		qb = qb.Where("id IN ("+subSQL+")", subArgs...)
	}

	querySQL, queryArgs, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building replacement query: %w", err)
	}

	return runQuery(ctx, db, querySQL, queryArgs)
}

// Query executes a compiled Plan (filter.go's CompileFilterSet output).
func (s *Store) Query(ctx context.Context, plan Plan) ([]Event, error) {
	return runQuery(ctx, pool(), plan.SQL, plan.Args)
}

// runQuery executes querySQL (column order id, created_at, kind, pubkey,
// content, tags, sig — matching both filter.go's Plan and the SELECT above)
// and decodes each row into an Event.
func runQuery(ctx context.Context, db execer, querySQL string, args []any) ([]Event, error) {
	rows, err := db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var idHex, pubkeyHex, sigHex, tagsJSON, content string
		var createdAt int64
		var kind int

		if err := rows.Scan(&idHex, &createdAt, &kind, &pubkeyHex, &content, &tagsJSON, &sigHex); err != nil {
			return nil, fmt.Errorf("%w: scanning row: %s", ErrStorageCorrupt, err)
		}

		id, err := IDFromHex(idHex)
		if err != nil {
			return nil, fmt.Errorf("%w: id column: %s", ErrStorageCorrupt, err)
		}
		pubkey, err := PubKeyFromHex(pubkeyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: pubkey column: %s", ErrStorageCorrupt, err)
		}
		sig, err := SigFromHex(sigHex)
		if err != nil {
			return nil, fmt.Errorf("%w: sig column: %s", ErrStorageCorrupt, err)
		}
		var tags Tags
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			return nil, fmt.Errorf("%w: tags column: %s", ErrStorageCorrupt, err)
		}

		out = append(out, Event{
			ID:        id,
			PubKey:    pubkey,
			CreatedAt: createdAt,
			Kind:      Kind(kind),
			Tags:      tags,
			Content:   content,
			Sig:       sig,
		})
	}
	return out, rows.Err()
}

// classifyPgError maps a Postgres driver error onto the relay's coarse
// storage error taxonomy, leaving everything else untouched so callers
// can still inspect it with errors.As.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return ErrDuplicate
		case pgErr.Code[:2] == "08" || pgErr.Code == "53300" || pgErr.Code == "57P03":
			return fmt.Errorf("%w: %s", ErrStorageBusy, pgErr.Message)
		case pgErr.Code[:2] == "58" || pgErr.Code[:2] == "XX":
			return fmt.Errorf("%w: %s", ErrStorageCorrupt, pgErr.Message)
		}
	}
	return err
}
