package signet

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// testKeypair holds a secp256k1 private key alongside its x-only public key,
// for constructing signed test events without a network round trip.
type testKeypair struct {
	priv *btcec.PrivateKey
	pub  PubKey
}

func newTestKeypair(t interface{ Fatalf(string, ...any) }) testKeypair {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	var pub PubKey
	copy(pub[:], schnorr.SerializePubKey(priv.PubKey()))
	return testKeypair{priv: priv, pub: pub}
}

// sign computes e's id (the NIP-01 digest) and signs it under k, the way a
// real publisher finalizes an event before transmitting it.
func (k testKeypair) sign(t interface{ Fatalf(string, ...any) }, e Event) Event {
	e.PubKey = k.pub
	e.ComputeID()
	sig, err := schnorr.Sign(k.priv, e.ID[:])
	if err != nil {
		t.Fatalf("signing test event: %v", err)
	}
	copy(e.Sig[:], sig.Serialize())
	return e
}
