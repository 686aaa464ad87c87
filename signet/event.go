// Package signet implements a relay for a signed-event pub/sub protocol
// and a content-addressed blob store for binary artifacts the events
// reference.
package signet

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ID is the 32-byte event id: the SHA-256 of the event's canonical
// serialization (see Event.Digest).
type ID [32]byte

// PubKey is a 32-byte secp256k1 x-only public key.
type PubKey [32]byte

// Sig is a 64-byte BIP-340 Schnorr signature.
type Sig [64]byte

func (id ID) Hex() string     { return hex.EncodeToString(id[:]) }
func (pk PubKey) Hex() string { return hex.EncodeToString(pk[:]) }
func (s Sig) Hex() string     { return hex.EncodeToString(s[:]) }

func (id ID) String() string     { return id.Hex() }
func (pk PubKey) String() string { return pk.Hex() }

// IDFromHex decodes a lowercase hex string into an ID. It fails unless the
// string is exactly 64 hex characters.
func IDFromHex(s string) (ID, error) {
	var id ID
	if err := decodeFixed(s, id[:]); err != nil {
		return id, fmt.Errorf("%w: id: %s", ErrMalformedEvent, err)
	}
	return id, nil
}

// PubKeyFromHex decodes a lowercase hex string into a PubKey.
func PubKeyFromHex(s string) (PubKey, error) {
	var pk PubKey
	if err := decodeFixed(s, pk[:]); err != nil {
		return pk, fmt.Errorf("%w: pubkey: %s", ErrMalformedEvent, err)
	}
	return pk, nil
}

// SigFromHex decodes a lowercase hex string into a Sig.
func SigFromHex(s string) (Sig, error) {
	var sig Sig
	if err := decodeFixed(s, sig[:]); err != nil {
		return sig, fmt.Errorf("%w: sig: %s", ErrMalformedEvent, err)
	}
	return sig, nil
}

func decodeFixed(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("not hex: %w", err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("wrong length %d, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}

// Kind classifies an event's semantics. See ReplacementClass for the kind
// ranges that govern retention.
type Kind uint16

// Tag is an ordered sequence of strings; element 0 is the tag name,
// element 1 (when present) is the primary value.
type Tag []string

// Name returns the tag's first element, or "" if the tag is empty.
func (t Tag) Name() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the tag's second element, or "" if absent.
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is an ordered sequence of tags.
type Tags []Tag

// Find returns the first tag with the given name, or nil.
func (tags Tags) Find(name string) Tag {
	for _, t := range tags {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// FindAll returns every tag with the given name, in order.
func (tags Tags) FindAll(name string) Tags {
	out := make(Tags, 0)
	for _, t := range tags {
		if t.Name() == name {
			out = append(out, t)
		}
	}
	return out
}

// GetD returns the value of the first "d" tag, or "" if absent.
func (tags Tags) GetD() string {
	return tags.Find("d").Value()
}

// Event is the canonical in-memory representation of a signed event.
type Event struct {
	ID        ID
	PubKey    PubKey
	CreatedAt int64 // unix seconds
	Kind      Kind
	Tags      Tags
	Content   string
	Sig       Sig
}

// wireEvent is the on-the-wire JSON shape: tags as an array of arrays,
// scalar fields loosely typed the way JSON delivers them.
type wireEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// MarshalJSON implements the wire codec for an event as sent over the
// protocol.
func (e Event) MarshalJSON() ([]byte, error) {
	tags := make([][]string, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = []string(t)
	}
	if tags == nil {
		tags = [][]string{}
	}
	return json.Marshal(wireEvent{
		ID:        e.ID.Hex(),
		PubKey:    e.PubKey.Hex(),
		CreatedAt: e.CreatedAt,
		Kind:      int(e.Kind),
		Tags:      tags,
		Content:   e.Content,
		Sig:       e.Sig.Hex(),
	})
}

// UnmarshalJSON implements the wire codec. It fails with ErrMalformedEvent
// when required fields are absent, mistyped, or outside their domain.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	// Decode into a map first so we can tell "absent" from "zero value" for
	// required fields, and catch wrong JSON types (e.g. kind as a string).
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: not a JSON object: %s", ErrMalformedEvent, err)
	}
	for _, field := range []string{"id", "pubkey", "created_at", "kind", "tags", "content", "sig"} {
		if _, ok := raw[field]; !ok {
			return fmt.Errorf("%w: missing field %q", ErrMalformedEvent, field)
		}
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedEvent, err)
	}

	id, err := IDFromHex(w.ID)
	if err != nil {
		return err
	}
	pubkey, err := PubKeyFromHex(w.PubKey)
	if err != nil {
		return err
	}
	sig, err := SigFromHex(w.Sig)
	if err != nil {
		return err
	}
	if w.Kind < 0 || w.Kind > 65535 {
		return fmt.Errorf("%w: kind %d out of range", ErrMalformedEvent, w.Kind)
	}

	tags := make(Tags, len(w.Tags))
	for i, t := range w.Tags {
		if len(t) == 0 {
			return fmt.Errorf("%w: empty tag", ErrMalformedEvent)
		}
		tags[i] = Tag(t)
	}

	e.ID = id
	e.PubKey = pubkey
	e.CreatedAt = w.CreatedAt
	e.Kind = Kind(w.Kind)
	e.Tags = tags
	e.Content = w.Content
	e.Sig = sig
	return nil
}

// Digest computes the NIP-01 canonical serialization and its SHA-256: the
// JSON array [0, pubkey, created_at, kind, tags, content] with compact
// (whitespace-free, unescaped-slash) encoding.
func (e Event) Digest() [32]byte {
	tags := e.Tags
	if tags == nil {
		tags = Tags{}
	}
	arr := []any{0, e.PubKey.Hex(), e.CreatedAt, int(e.Kind), tagsToAny(tags), e.Content}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // NIP-01 leaves <, > and & unescaped
	_ = enc.Encode(arr)
	return sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

func tagsToAny(tags Tags) []any {
	out := make([]any, len(tags))
	for i, t := range tags {
		el := make([]any, len(t))
		for j, s := range t {
			el[j] = s
		}
		out[i] = el
	}
	return out
}

// ComputeID sets e.ID to the SHA-256 digest of the canonical serialization
// (Digest), as callers do before signing a freshly constructed event.
func (e *Event) ComputeID() {
	d := e.Digest()
	e.ID = ID(d)
}

// ReplacementClass classifies an event by its kind range.
type ReplacementClass int

const (
	ClassRegular ReplacementClass = iota
	ClassReplaceable
	ClassParameterizedReplaceable
	ClassEphemeral
)

// Classify returns the replacement class governing retention for kind.
func Classify(kind Kind) ReplacementClass {
	switch {
	case kind == 0 || kind == 3 || (kind >= 10000 && kind < 20000):
		return ClassReplaceable
	case kind >= 20000 && kind < 30000:
		return ClassEphemeral
	case kind >= 30000 && kind < 40000:
		return ClassParameterizedReplaceable
	default:
		return ClassRegular
	}
}

// IsEphemeral reports whether kind falls in the ephemeral range.
func IsEphemeral(kind Kind) bool { return Classify(kind) == ClassEphemeral }
