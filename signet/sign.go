package signet

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// VerifySignature reports whether e.Sig is a valid BIP-340 Schnorr
// signature over e.Digest() by e.PubKey (NIP-01's signing scheme).
func VerifySignature(e Event) bool {
	pubkey, err := schnorr.ParsePubKey(e.PubKey[:])
	if err != nil {
		return false
	}
	sig, err := schnorr.ParseSignature(e.Sig[:])
	if err != nil {
		return false
	}
	digest := e.Digest()
	return sig.Verify(digest[:], pubkey)
}
