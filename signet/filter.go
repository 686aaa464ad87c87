package signet

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Filter is a conjunctive selector over events; a Filter set (a []Filter)
// is a disjunction — an event matches the set iff it matches at least one
// filter.
type Filter struct {
	IDs     []ID
	Authors []PubKey
	Kinds   []Kind
	// Tags maps a single ASCII letter to its set of allowed values (the
	// "#X" filter keys).
	Tags      map[string][]string
	Since     int64
	Until     int64
	Search    string
	Limit     int
	LimitZero bool // client explicitly sent limit:0 (request zero results)
}

// Matches reports whether e satisfies the constraints in f, evaluated in
// memory. It is the in-memory counterpart to compileOneFilter; Search is
// not evaluated here. The fan-out dispatcher does not use it: fan-out
// matches through CompileFilterSet and storage (see Dispatcher.matches).
func (f Filter) Matches(e Event) bool {
	if len(f.IDs) > 0 && !containsID(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsPubKey(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && e.CreatedAt > f.Until {
		return false
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !eventHasTagValue(e, key, values) {
			return false
		}
	}
	if f.LimitZero {
		return false
	}
	return true
}

func containsID(ids []ID, id ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func containsPubKey(pks []PubKey, pk PubKey) bool {
	for _, x := range pks {
		if x == pk {
			return true
		}
	}
	return false
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func eventHasTagValue(e Event, key string, values []string) bool {
	for _, t := range e.Tags {
		if t.Name() != key {
			continue
		}
		for _, v := range values {
			if t.Value() == v {
				return true
			}
		}
	}
	return false
}

var searchSanitizer = regexp.MustCompile(`[^A-Za-z0-9_\s]`)

func sanitizeSearch(s string) string {
	return searchSanitizer.ReplaceAllString(s, " ")
}

// isEmpty reports whether f constrains nothing at all. An all-empty
// filter compiles to an immediate EOSE with zero rows rather than being
// rejected by the admission gate.
func (f Filter) isEmpty() bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		len(f.Tags) == 0 && f.Since == 0 && f.Until == 0 && f.Search == "" &&
		f.Limit == 0 && !f.LimitZero
}

// DecodeFilter parses a single JSON filter object (one element of a REQ
// frame's filter list), rejecting unrecognized keys.
func DecodeFilter(data []byte) (Filter, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(data, &generic); err != nil {
		return Filter{}, fmt.Errorf("%w: filter is not a JSON object: %s", ErrBadInput, err)
	}

	f := Filter{Tags: map[string][]string{}}

	for key, val := range generic {
		switch {
		case key == "ids":
			hexes, err := decodeStringArray(val)
			if err != nil {
				return Filter{}, fmt.Errorf("%w: ids: %s", ErrBadInput, err)
			}
			for _, h := range hexes {
				id, err := IDFromHex(h)
				if err != nil {
					return Filter{}, err
				}
				f.IDs = append(f.IDs, id)
			}

		case key == "authors":
			hexes, err := decodeStringArray(val)
			if err != nil {
				return Filter{}, fmt.Errorf("%w: authors: %s", ErrBadInput, err)
			}
			for _, h := range hexes {
				pk, err := PubKeyFromHex(h)
				if err != nil {
					return Filter{}, err
				}
				f.Authors = append(f.Authors, pk)
			}

		case key == "kinds":
			var ints []int
			if err := json.Unmarshal(val, &ints); err != nil {
				return Filter{}, fmt.Errorf("%w: kinds: %s", ErrBadInput, err)
			}
			for _, k := range ints {
				if k < 0 || k > 65535 {
					return Filter{}, fmt.Errorf("%w: kind %d out of range", ErrBadInput, k)
				}
				f.Kinds = append(f.Kinds, Kind(k))
			}

		case key == "since":
			var n int64
			if err := json.Unmarshal(val, &n); err != nil {
				return Filter{}, fmt.Errorf("%w: since: %s", ErrBadInput, err)
			}
			f.Since = n

		case key == "until":
			var n int64
			if err := json.Unmarshal(val, &n); err != nil {
				return Filter{}, fmt.Errorf("%w: until: %s", ErrBadInput, err)
			}
			f.Until = n

		case key == "search":
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				return Filter{}, fmt.Errorf("%w: search: %s", ErrBadInput, err)
			}
			f.Search = s

		case key == "limit":
			var n int
			if err := json.Unmarshal(val, &n); err != nil {
				return Filter{}, fmt.Errorf("%w: limit: %s", ErrBadInput, err)
			}
			if n == 0 {
				f.LimitZero = true
			} else if n < 0 {
				return Filter{}, fmt.Errorf("%w: limit must be positive", ErrBadInput)
			}
			f.Limit = n

		case len(key) == 2 && key[0] == '#' && isASCIILetter(key[1]):
			values, err := decodeStringArray(val)
			if err != nil {
				return Filter{}, fmt.Errorf("%w: %s: %s", ErrBadInput, key, err)
			}
			f.Tags[string(key[1])] = values

		default:
			return Filter{}, fmt.Errorf("%w: unrecognized filter key %q", ErrBadInput, key)
		}
	}

	return f, nil
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func decodeStringArray(val json.RawMessage) ([]string, error) {
	var out []string
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Plan is the compiled, executable form of a filter set: final query text
// with bound parameters. It carries no connection to storage and performs
// no side effects — compilation is pure.
type Plan struct {
	SQL  string
	Args []any
}

// CompileFilterSet translates a filter set into a single indexed query
// plan. The admission gate is checked per filter; a single rejected
// filter rejects the whole set.
func CompileFilterSet(filters []Filter, cfg *Config, schema *Schema) (Plan, error) {
	if len(filters) == 0 {
		return Plan{}, fmt.Errorf("%w: empty filter set", ErrBadInput)
	}

	allowed := cfg.AllowedKindSet()

	type compiled struct {
		sql  string
		args []any
	}
	parts := make([]compiled, 0, len(filters))

	for _, f := range filters {
		if f.isEmpty() {
			parts = append(parts, compiled{sql: "SELECT id, created_at, kind, pubkey, content, tags, sig, 0 AS rank FROM " + schema.Prefix("events") + " WHERE false", args: nil})
			continue
		}

		if !intersectsAllowed(f.Kinds, allowed) {
			return Plan{}, fmt.Errorf("%w", errAdmissionRejected)
		}

		sqlText, args, err := compileOneFilter(f, schema)
		if err != nil {
			return Plan{}, err
		}
		parts = append(parts, compiled{sql: sqlText, args: args})
	}

	subqueries := make([]string, len(parts))
	var allArgs []any
	for i, p := range parts {
		subqueries[i] = fmt.Sprintf("SELECT * FROM (%s) AS f%d", p.sql, i)
		allArgs = append(allArgs, p.args...)
	}

	// Each subquery carries its own "rank" column (below): a real ts_rank
	// for a search filter, 0 otherwise. Ordering the merged result by rank
	// first and created_at second preserves FTS relevance order when search
	// is present, and reduces to plain recency order when every rank is 0.
	// A subquery's own ORDER BY has no effect once merged into a UNION under
	// an outer ORDER BY, so the rank column is what actually carries it through.
	merged := "SELECT id, created_at, kind, pubkey, content, tags, sig FROM (" +
		strings.Join(subqueries, " UNION ") + ") AS merged"
	finalSQL := merged + " ORDER BY rank DESC, created_at DESC"

	placeholdered, err := sq.Dollar.ReplacePlaceholders(finalSQL)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to render query placeholders: %w", err)
	}

	return Plan{SQL: placeholdered, Args: allArgs}, nil
}

func intersectsAllowed(kinds []Kind, allowed map[Kind]struct{}) bool {
	for _, k := range kinds {
		if _, ok := allowed[k]; ok {
			return true
		}
	}
	return false
}

// compileOneFilter builds one filter's SELECT using squirrel's default "?"
// placeholders; CompileFilterSet renumbers them to $N once at the end, with
// sq.Dollar.ReplacePlaceholders over the final merged query text.
func compileOneFilter(f Filter, schema *Schema) (string, []any, error) {
	qb := sq.Select("id", "created_at", "kind", "pubkey", "content", "tags", "sig").
		From(schema.Prefix("events"))

	if len(f.IDs) > 0 {
		ids := make([]any, len(f.IDs))
		for i, id := range f.IDs {
			ids[i] = id.Hex()
		}
		qb = qb.Where(sq.Eq{"id": ids})
	}

	if len(f.Authors) > 0 {
		authors := make([]any, len(f.Authors))
		for i, a := range f.Authors {
			authors[i] = a.Hex()
		}
		qb = qb.Where(sq.Eq{"pubkey": authors})
	}

	if len(f.Kinds) > 0 {
		kinds := make([]any, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = int(k)
		}
		qb = qb.Where(sq.Eq{"kind": kinds})
	}

	if f.Since != 0 {
		qb = qb.Where(sq.GtOrEq{"created_at": f.Since})
	}
	if f.Until != 0 {
		qb = qb.Where(sq.LtOrEq{"created_at": f.Until})
	}

	// Multiple single-letter tag axes within one filter intersect: each
	// becomes its own ANDed "id IN (...)" clause, which is equivalent to
	// an INTERSECT across the sets of matching ids.
	tagKeys := make([]string, 0, len(f.Tags))
	for k := range f.Tags {
		tagKeys = append(tagKeys, k)
	}
	sort.Strings(tagKeys) // deterministic SQL text for identical filters
	for _, key := range tagKeys {
		values := f.Tags[key]
		if len(values) == 0 {
			continue
		}
		valueArgs := make([]any, len(values))
		for i, v := range values {
			valueArgs[i] = key + ":" + v
		}
		sub := sq.Select("fid").From(schema.Prefix("tag_index")).Where(sq.Eq{"value": valueArgs})
		subSQL, subArgs, err := sub.ToSql()
		if err != nil {
			return "", nil, fmt.Errorf("compiling tag filter #%s: %w", key, err)
		}
		qb = qb.Where("id IN ("+subSQL+")", subArgs...)
	}

	switch {
	case f.Search != "" && len(f.Search) == 2:
		// An exact-length-2 search is an exact name-tag prefix match via
		// substring on the raw tags column; it carries no FTS rank.
		qb = qb.Where("tags LIKE ?", `%"name","`+f.Search+`%`)
		qb = qb.Column("0 AS rank")

	case f.Search != "":
		sanitized := sanitizeSearch(f.Search)
		qb = qb.Where("search_vector @@ plainto_tsquery('english', ?)", sanitized)
		// squirrel's Column takes no bound parameters here; sanitizeSearch
		// has already stripped everything but [A-Za-z0-9_\s], so inlining
		// it as a single-quoted literal carries no injection risk. The rank
		// column is threaded through CompileFilterSet's outer ORDER BY,
		// since a subquery's own ORDER BY has no effect once merged into a
		// UNION under an outer ORDER BY.
		qb = qb.Column(fmt.Sprintf("ts_rank(search_vector, plainto_tsquery('english', '%s')) AS rank", sanitized))

	default:
		qb = qb.Column("0 AS rank")
	}

	if f.LimitZero {
		qb = qb.Where("false")
	} else if f.Limit > 0 {
		qb = qb.Limit(uint64(f.Limit))
	}

	return qb.ToSql()
}
