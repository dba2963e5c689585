package wsserver

import "strconv"

// CloseCode is a WebSocket close status. Negative values are local
// conditions that never appear on the wire.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseProtocolError   CloseCode = 1002
	CloseUnsupportedData CloseCode = 1003
	CloseNoStatus        CloseCode = 1005
	CloseAbnormal        CloseCode = 1006
	CloseInvalidPayload  CloseCode = 1007
	ClosePolicyViolation CloseCode = 1008
	CloseMessageTooBig   CloseCode = 1009
	CloseMandatoryExt    CloseCode = 1010
	CloseInternalError   CloseCode = 1011
	CloseServiceRestart  CloseCode = 1012
	CloseTryAgainLater   CloseCode = 1013
	CloseBadGateway      CloseCode = 1014
	CloseTLSHandshake    CloseCode = 1015

	// CloseNeverConnected reports a socket that closed before the handshake completed.
	CloseNeverConnected CloseCode = -1
	// CloseBuggyClose reports a peer whose close frame could not be parsed.
	CloseBuggyClose CloseCode = -2
)

// DefaultCloseCode passed to a close command selects CloseNormal.
const DefaultCloseCode = -1

// abnormal lists the codes reported with wasClean=false.
var abnormal = map[CloseCode]struct{}{
	CloseAbnormal:        {},
	CloseProtocolError:   {},
	ClosePolicyViolation: {},
	CloseMessageTooBig:   {},
	CloseTLSHandshake:    {},
	CloseGoingAway:       {},
	CloseMandatoryExt:    {},
	CloseServiceRestart:  {},
	CloseTryAgainLater:   {},
	CloseBadGateway:      {},
	CloseNoStatus:        {},
	CloseNeverConnected:  {},
	CloseBuggyClose:      {},
}

// WasClean classifies a close code. Application codes (3000-4999) and the
// codes not in the abnormal set, such as 1000 and 1011, count as clean.
func WasClean(code CloseCode) bool {
	_, bad := abnormal[code]
	return !bad
}

// ResolveCloseCode maps a close command's code argument onto a wire code.
// DefaultCloseCode becomes CloseNormal; codes outside 1000-4999 cannot be
// encoded and are rejected.
func ResolveCloseCode(code int) (CloseCode, bool) {
	if code == DefaultCloseCode {
		return CloseNormal, true
	}
	if code < 1000 || code > 4999 {
		return 0, false
	}
	return CloseCode(code), true
}

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going_away"
	case CloseProtocolError:
		return "protocol_error"
	case CloseNoStatus:
		return "no_status"
	case CloseAbnormal:
		return "abnormal"
	case ClosePolicyViolation:
		return "policy_violation"
	case CloseMessageTooBig:
		return "message_too_big"
	case CloseInternalError:
		return "internal_error"
	case CloseNeverConnected:
		return "never_connected"
	case CloseBuggyClose:
		return "buggy_close"
	}
	return strconv.Itoa(int(c))
}
