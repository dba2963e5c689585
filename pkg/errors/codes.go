package errors

import "sync"

// ErrorCodeDefinition defines an error code's properties
type ErrorCodeDefinition struct {
	Code     string   `json:"code"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Help     string   `json:"help"`
}

var (
	registry   = make(map[string]ErrorCodeDefinition)
	registryMu sync.RWMutex
)

// Default error code definitions
var defaultCodes = map[string]ErrorCodeDefinition{
	// Handshake admission (ADM)
	"ADM-001": {
		Code:     "ADM-001",
		Category: "admission",
		Severity: SeverityWarning,
		Message:  "origin not allowed",
		Help:     "Add the client's Origin header value to server.origins or clear the list",
	},
	"ADM-002": {
		Code:     "ADM-002",
		Category: "admission",
		Severity: SeverityWarning,
		Message:  "no acceptable subprotocol",
		Help:     "None of the client's Sec-WebSocket-Protocol values is in server.subprotocols",
	},
	"ADM-003": {
		Code:     "ADM-003",
		Category: "admission",
		Severity: SeverityWarning,
		Message:  "subprotocol required",
		Help:     "server.require_subprotocol is set and the client offered no subprotocol",
	},

	// Identity registry (REG)
	"REG-001": {
		Code:     "REG-001",
		Category: "registry",
		Severity: SeverityCritical,
		Message:  "could not allocate a unique connection identity",
		Help:     "The identity generator kept colliding; check server.max_identity_attempts and the generator",
	},

	// Commands (CMD)
	"CMD-001": {
		Code:     "CMD-001",
		Category: "command",
		Severity: SeverityWarning,
		Message:  "unknown connection",
		Help:     "The connection was never registered or has already closed",
	},
	"CMD-002": {
		Code:     "CMD-002",
		Category: "command",
		Severity: SeverityWarning,
		Message:  "connection not open",
		Help:     "A close was already requested for this connection",
	},
	"CMD-003": {
		Code:     "CMD-003",
		Category: "command",
		Severity: SeverityWarning,
		Message:  "server failed",
		Help:     "The server hit a fatal transport error; start a new instance",
	},
	"CMD-004": {
		Code:     "CMD-004",
		Category: "command",
		Severity: SeverityWarning,
		Message:  "binary payload is not valid base64",
		Help:     "Binary sends must carry standard base64 text",
	},
	"CMD-005": {
		Code:     "CMD-005",
		Category: "command",
		Severity: SeverityWarning,
		Message:  "server not running",
		Help:     "Start the server before issuing commands",
	},
	"CMD-006": {
		Code:     "CMD-006",
		Category: "command",
		Severity: SeverityWarning,
		Message:  "outbound queue full",
		Help:     "The peer is not reading fast enough; raise server.send_buffer or slow down",
	},
	"CMD-007": {
		Code:     "CMD-007",
		Category: "command",
		Severity: SeverityWarning,
		Message:  "invalid close code",
		Help:     "Close codes must be -1 (normal) or between 1000 and 4999",
	},

	// Server lifecycle (SRV)
	"SRV-001": {
		Code:     "SRV-001",
		Category: "server",
		Severity: SeverityError,
		Message:  "failed to bind listener",
		Help:     "Check that the port is free and the host address is valid",
	},
	"SRV-002": {
		Code:     "SRV-002",
		Category: "server",
		Severity: SeverityWarning,
		Message:  "server already started",
		Help:     "Stop the running server before starting another one",
	},
	"SRV-003": {
		Code:     "SRV-003",
		Category: "server",
		Severity: SeverityWarning,
		Message:  "server not running",
		Help:     "Stop is only valid for a running server",
	},
	"SRV-004": {
		Code:     "SRV-004",
		Category: "server",
		Severity: SeverityError,
		Message:  "lifecycle wait interrupted",
		Help:     "The bounded start or stop wait expired or its context was cancelled",
	},
	"SRV-005": {
		Code:     "SRV-005",
		Category: "server",
		Severity: SeverityCritical,
		Message:  "server transport failure",
		Help:     "The listener failed; the instance is now terminal",
	},
	"SRV-006": {
		Code:     "SRV-006",
		Category: "server",
		Severity: SeverityError,
		Message:  "invalid server options",
		Help:     "Check the port range and that an event sink is configured",
	},

	// Event delivery (EVT)
	"EVT-001": {
		Code:     "EVT-001",
		Category: "event",
		Severity: SeverityError,
		Message:  "event delivery failed",
		Help:     "The event consumer queue rejected the event",
	},

	// System (SYS)
	"SYS-001": {
		Code:     "SYS-001",
		Category: "system",
		Severity: SeverityError,
		Message:  "internal error",
		Help:     "Unclassified error; see the wrapped cause",
	},
	"SYS-002": {
		Code:     "SYS-002",
		Category: "system",
		Severity: SeverityError,
		Message:  "configuration error",
		Help:     "Check the configuration file and WSBRIDGE_* environment variables",
	},
}

func init() {
	for code, def := range defaultCodes {
		registry[code] = def
	}
}

// Lookup retrieves an error code definition
func Lookup(code string) ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if def, ok := registry[code]; ok {
		return def
	}

	return ErrorCodeDefinition{
		Code:     code,
		Category: "unknown",
		Severity: SeverityError,
		Message:  "unknown error",
		Help:     "No additional help available for this error code",
	}
}

// AllCodes returns all registered error codes
func AllCodes() map[string]ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make(map[string]ErrorCodeDefinition, len(registry))
	for k, v := range registry {
		result[k] = v
	}
	return result
}

// CodesByCategory returns all codes in a given category
func CodesByCategory(category string) []ErrorCodeDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	var result []ErrorCodeDefinition
	for _, def := range registry {
		if def.Category == category {
			result = append(result, def)
		}
	}
	return result
}
