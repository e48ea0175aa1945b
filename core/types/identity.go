package types

// Signer produces a signature over a payload digest. Implementations hold the
// key material; the relay only ever passes digests through.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

// Identity is a signing account usable to authorise calls.
type Identity struct {
	Address string
	Signer  Signer
}
