package signet

import "fmt"

// Kinds with extra d-tag restrictions. These mirror the real-world NKBIP
// software-release kinds this relay specializes in.
const (
	KindReleaseArtifact    Kind = 30063
	KindReleaseArtifactSet Kind = 32267
)

// AllowList is the static publisher allow-list: an unrestricted entry
// accepts any kind from that publisher; a restricted entry additionally
// constrains which d-tagged events of certain kinds it may post.
type AllowList map[PubKey]AllowEntry

// Validate runs the full C4 pipeline: signature, publisher membership,
// kind-specific d-tag policy. It fails soft — the caller turns a non-nil
// error into a negative ack, never persisting the event.
func Validate(e Event, allowed AllowList) error {
	if !VerifySignature(e) {
		return fmt.Errorf("%w: signature does not verify for pubkey %s", ErrSignatureInvalid, e.PubKey.Hex())
	}

	entry, ok := allowed[e.PubKey]
	if !ok {
		return fmt.Errorf("%w: publisher %s is not on the allow-list", ErrNotAuthorized, e.PubKey.Hex())
	}

	if err := checkKindPolicy(e, entry); err != nil {
		return err
	}

	return nil
}

// checkKindPolicy applies kind-specific d-tag restrictions. Entries with
// Unrestricted set skip all of it.
func checkKindPolicy(e Event, entry AllowEntry) error {
	if entry.Unrestricted {
		return nil
	}

	switch e.Kind {
	case KindReleaseArtifact:
		if len(entry.Prefixes) == 0 {
			return nil
		}
		d := e.Tags.GetD()
		if !entry.HasPrefix(d) {
			return fmt.Errorf("%w: d-tag %q does not match any allowed prefix for publisher %s", ErrNotAuthorized, d, e.PubKey.Hex())
		}
	case KindReleaseArtifactSet:
		d := e.Tags.GetD()
		if !entry.HasExact(d) {
			return fmt.Errorf("%w: d-tag %q is not an allowed value for publisher %s", ErrNotAuthorized, d, e.PubKey.Hex())
		}
	}

	return nil
}
