package wsserver

import (
	"fmt"
	"net/http"
	"slices"
	"strings"
	"unicode"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
)

// Policy is the handshake admission policy. It is copied when a server is
// built and never changes afterwards.
type Policy struct {
	// Origins is the Origin allow-list; empty admits any origin.
	Origins []string
	// Subprotocols is the server's supported list; empty disables negotiation.
	Subprotocols []string
	// RequireSubprotocol rejects clients that offer nothing when Subprotocols is set.
	RequireSubprotocol bool
}

func (p Policy) clone() Policy {
	return Policy{
		Origins:            append([]string(nil), p.Origins...),
		Subprotocols:       append([]string(nil), p.Subprotocols...),
		RequireSubprotocol: p.RequireSubprotocol,
	}
}

// Accepted is the outcome of a successful admission
type Accepted struct {
	// Subprotocol to echo in the handshake response; "" for none.
	Subprotocol string
}

// Rejection describes a refused handshake
type Rejection struct {
	Code   CloseCode
	Status int
	Reason string
	// Metric label: "origin", "subprotocol" or "subprotocol_required".
	Cause string
	Err   *errsys.TracedError
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("handshake rejected (%d): %s", r.Code, r.Reason)
}

// ParseSubprotocols splits a Sec-WebSocket-Protocol value on commas and
// whitespace, keeping the client's preference order.
func ParseSubprotocols(header string) []string {
	return strings.FieldsFunc(header, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// Evaluate applies the policy to the upgrade request headers
func (p Policy) Evaluate(h http.Header) (Accepted, *Rejection) {
	if len(p.Origins) > 0 {
		origin := h.Get("Origin")
		if !slices.Contains(p.Origins, origin) {
			return Accepted{}, &Rejection{
				Code:   ClosePolicyViolation,
				Status: http.StatusForbidden,
				Reason: "origin not allowed",
				Cause:  "origin",
				Err: errsys.NewBuilder("ADM-001").
					WithFunction("Policy.Evaluate").
					WithInput("origin", origin).
					Build(),
			}
		}
	}

	if len(p.Subprotocols) == 0 {
		return Accepted{}, nil
	}

	offered := ParseSubprotocols(strings.Join(h.Values("Sec-WebSocket-Protocol"), ","))
	if len(offered) == 0 {
		if p.RequireSubprotocol {
			return Accepted{}, &Rejection{
				Code:   CloseProtocolError,
				Status: http.StatusBadRequest,
				Reason: "subprotocol required",
				Cause:  "subprotocol_required",
				Err: errsys.NewBuilder("ADM-003").
					WithFunction("Policy.Evaluate").
					Build(),
			}
		}
		return Accepted{}, nil
	}

	for _, proto := range offered {
		if slices.Contains(p.Subprotocols, proto) {
			return Accepted{Subprotocol: proto}, nil
		}
	}

	return Accepted{}, &Rejection{
		Code:   CloseProtocolError,
		Status: http.StatusBadRequest,
		Reason: "no acceptable subprotocol",
		Cause:  "subprotocol",
		Err: errsys.NewBuilder("ADM-002").
			WithFunction("Policy.Evaluate").
			WithInput("offered", offered).
			Build(),
	}
}
