package signet

import "errors"

// Error kinds distinguished with errors.Is at the boundaries that need to
// tell them apart (the write path's retry on ErrStorageBusy, the connection
// protocol mapping an error to an OK/CLOSED reason string).
var (
	ErrMalformedEvent    = errors.New("malformed event")
	ErrBadInput          = errors.New("bad input")
	ErrSignatureInvalid  = errors.New("signature invalid")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrDuplicate         = errors.New("duplicate")
	ErrStorageBusy       = errors.New("storage busy")
	ErrStorageCorrupt    = errors.New("storage corrupt")
	ErrProtocolViolation = errors.New("protocol violation")

	// errAdmissionRejected is a distinguished BadInput case: a filter that
	// fails the compiler's kind allow-list gate. The connection layer maps
	// this to a CLOSED frame with an empty reason, unlike other BadInput
	// cases which become a NOTICE.
	errAdmissionRejected = errors.New("filter rejected by admission gate")
)
