package signet

import (
	"encoding/json"
	"fmt"
)

// Frame verbs exchanged over the connection.
const (
	verbEvent  = "EVENT"
	verbReq    = "REQ"
	verbClose  = "CLOSE"
	verbEOSE   = "EOSE"
	verbOK     = "OK"
	verbClosed = "CLOSED"
	verbNotice = "NOTICE"
)

// ClientFrame is a decoded inbound message. Verb is always set; the other
// fields populated depend on it (Event for EVENT, SubID and Filters for
// REQ, SubID for CLOSE).
type ClientFrame struct {
	Verb    string
	Event   Event
	SubID   string
	Filters []Filter
}

// DecodeClientFrame parses one JSON array frame from the client. It is
// strict about the verb and frame shape, decodes an EVENT payload through
// the wire codec and each REQ filter through DecodeFilter (returning their
// errors), and leaves signature and policy checks to the caller (Validate).
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: not a JSON array: %s", ErrProtocolViolation, err)
	}
	if len(raw) == 0 {
		return ClientFrame{}, fmt.Errorf("%w: empty frame", ErrProtocolViolation)
	}

	var verb string
	if err := json.Unmarshal(raw[0], &verb); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: frame verb is not a string: %s", ErrProtocolViolation, err)
	}

	switch verb {
	case verbEvent:
		if len(raw) != 2 {
			return ClientFrame{}, fmt.Errorf("%w: EVENT frame needs exactly 2 elements", ErrProtocolViolation)
		}
		var e Event
		if err := json.Unmarshal(raw[1], &e); err != nil {
			return ClientFrame{}, err
		}
		return ClientFrame{Verb: verbEvent, Event: e}, nil

	case verbReq:
		if len(raw) < 3 {
			return ClientFrame{}, fmt.Errorf("%w: REQ frame needs a subscription id and at least one filter", ErrProtocolViolation)
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return ClientFrame{}, fmt.Errorf("%w: REQ subscription id is not a string: %s", ErrProtocolViolation, err)
		}
		filters := make([]Filter, 0, len(raw)-2)
		for _, fr := range raw[2:] {
			f, err := DecodeFilter(fr)
			if err != nil {
				return ClientFrame{}, err
			}
			filters = append(filters, f)
		}
		return ClientFrame{Verb: verbReq, SubID: subID, Filters: filters}, nil

	case verbClose:
		if len(raw) != 2 {
			return ClientFrame{}, fmt.Errorf("%w: CLOSE frame needs exactly 2 elements", ErrProtocolViolation)
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return ClientFrame{}, fmt.Errorf("%w: CLOSE subscription id is not a string: %s", ErrProtocolViolation, err)
		}
		return ClientFrame{Verb: verbClose, SubID: subID}, nil

	default:
		return ClientFrame{}, fmt.Errorf("%w: unrecognized verb %q", ErrProtocolViolation, verb)
	}
}

// encodeEvent builds an ["EVENT", subID, event] frame.
func encodeEvent(subID string, e Event) ([]byte, error) {
	return json.Marshal([]any{verbEvent, subID, e})
}

// encodeEOSE builds an ["EOSE", subID] frame.
func encodeEOSE(subID string) ([]byte, error) {
	return json.Marshal([]any{verbEOSE, subID})
}

// encodeOK builds an ["OK", id, accepted, message] frame.
func encodeOK(id ID, accepted bool, message string) ([]byte, error) {
	return json.Marshal([]any{verbOK, id.Hex(), accepted, message})
}

// encodeClosed builds a ["CLOSED", subID, reason] frame.
func encodeClosed(subID, reason string) ([]byte, error) {
	return json.Marshal([]any{verbClosed, subID, reason})
}

// encodeNotice builds a ["NOTICE", message] frame.
func encodeNotice(message string) ([]byte, error) {
	return json.Marshal([]any{verbNotice, message})
}
