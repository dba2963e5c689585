package wsserver

import (
	"context"
	"encoding/base64"
	"errors"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
)

// Send writes payload to the connection with the given identity. Binary
// payloads arrive as standard base64 and are decoded before sending.
// Every failure is reported and returned as a coded error; nothing is
// sent in that case.
func (s *Server) Send(id, payload string, isBinary bool) error {
	if te := s.commandGate("Server.Send", id); te != nil {
		return s.drop("send", id, te)
	}

	conn, ok := s.registry.Lookup(id)
	if !ok {
		return s.drop("send", id, errsys.NewBuilder("CMD-001").
			WithFunction("Server.Send").
			WithInput("conn_id", id).
			Build())
	}
	if st := conn.State(); st != StateOpen {
		return s.drop("send", id, errsys.NewBuilder("CMD-002").
			WithFunction("Server.Send").
			WithInput("conn_id", id).
			WithStateValue("state", st.String()).
			Build())
	}

	var err error
	if isBinary {
		data, derr := base64.StdEncoding.DecodeString(payload)
		if derr != nil {
			return s.drop("send", id, errsys.NewBuilder("CMD-004").
				Wrap(derr).
				WithFunction("Server.Send").
				WithInput("conn_id", id).
				WithInput("payload_len", len(payload)).
				Build())
		}
		err = conn.transport.SendBinary(data)
	} else {
		err = conn.transport.SendText(payload)
	}

	switch {
	case err == nil:
		s.metrics.RecordSent(isBinary)
		return nil
	case errors.Is(err, ErrSendQueueFull):
		return s.drop("send", id, errsys.NewBuilder("CMD-006").
			Wrap(err).
			WithFunction("Server.Send").
			WithInput("conn_id", id).
			WithStateValue("send_buffer", s.opts.SendBuffer).
			Build())
	default:
		return s.drop("send", id, errsys.NewBuilder("CMD-002").
			Wrap(err).
			WithFunction("Server.Send").
			WithInput("conn_id", id).
			Build())
	}
}

// Close starts the closing handshake on a connection. DefaultCloseCode
// selects 1000. The Close event follows once the socket is gone.
func (s *Server) Close(id string, code int, reason string) error {
	if te := s.commandGate("Server.Close", id); te != nil {
		return s.drop("close", id, te)
	}

	conn, ok := s.registry.Lookup(id)
	if !ok {
		return s.drop("close", id, errsys.NewBuilder("CMD-001").
			WithFunction("Server.Close").
			WithInput("conn_id", id).
			Build())
	}

	wire, ok := ResolveCloseCode(code)
	if !ok {
		return s.drop("close", id, errsys.NewBuilder("CMD-007").
			WithFunction("Server.Close").
			WithInput("conn_id", id).
			WithInput("code", code).
			Build())
	}

	if !conn.markClosing() {
		return s.drop("close", id, errsys.NewBuilder("CMD-002").
			WithFunction("Server.Close").
			WithInput("conn_id", id).
			WithStateValue("state", conn.State().String()).
			Build())
	}

	if err := conn.transport.Close(wire, reason); err != nil {
		return s.drop("close", id, errsys.NewBuilder("CMD-002").
			Wrap(err).
			WithFunction("Server.Close").
			WithInput("conn_id", id).
			Build())
	}
	return nil
}

// commandGate refuses commands outside Starting and Running
func (s *Server) commandGate(fn, id string) *errsys.TracedError {
	switch p := s.Phase(); {
	case p.Live():
		return nil
	case p == PhaseFailed:
		return errsys.NewBuilder("CMD-003").
			WithFunction(fn).
			WithInput("conn_id", id).
			Build()
	default:
		return errsys.NewBuilder("CMD-005").
			WithFunction(fn).
			WithInput("conn_id", id).
			WithStateValue("phase", p.String()).
			Build()
	}
}

func (s *Server) drop(command, id string, te *errsys.TracedError) error {
	s.metrics.RecordCommandDropped(te.Code)
	s.sec.LogCommandDropped(context.Background(), command, id, te.Code)
	return s.reporter.Report(context.Background(), te)
}
