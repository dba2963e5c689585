package rpc

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	errsys "github.com/armorclaw/wsbridge/pkg/errors"
	"github.com/armorclaw/wsbridge/pkg/eventbus"
	"github.com/armorclaw/wsbridge/pkg/host"
	"github.com/armorclaw/wsbridge/pkg/wsserver"
)

// handleRequest routes a single JSON-RPC request
func (s *Server) handleRequest(req *Request) *Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, InvalidRequest, "invalid JSON-RPC version", nil)
	}

	if req.ID != nil {
		s.log.WithRequestID(fmt.Sprint(req.ID)).Debug("rpc request", "method", req.Method)
	}

	switch req.Method {
	case "server.start":
		return s.handleStart(req)
	case "server.stop":
		return s.handleStop(req)
	case "server.status":
		return success(req.ID, s.backend.Status())
	case "conn.send":
		return s.handleSend(req)
	case "conn.close":
		return s.handleClose(req)
	case "conn.list":
		return success(req.ID, s.backend.Connections())
	case "net.interfaces":
		return s.handleInterfaces(req)
	case "pairing.qr":
		return s.handlePairingQR(req)
	case "diagnostics.list":
		return s.handleDiagnosticsList(req)
	case "diagnostics.resolve":
		return s.handleDiagnosticsResolve(req)
	case "diagnostics.stats":
		return s.handleDiagnosticsStats(req)
	case "diagnostics.codes":
		return s.handleDiagnosticsCodes(req)
	default:
		return errorResponse(req.ID, MethodNotFound, "method not found: "+req.Method, nil)
	}
}

// decodeParams unmarshals optional params into v
func decodeParams(req *Request, v interface{}) *Response {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return errorResponse(req.ID, InvalidParams, err.Error(), nil)
	}
	return nil
}

func (s *Server) handleStart(req *Request) *Response {
	var params host.StartParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}

	addr, err := s.backend.Start(s.ctx, params)
	if err != nil {
		return failure(req.ID, err)
	}
	s.log.Info("server started over rpc", "addr", addr.String())
	return success(req.ID, addr)
}

func (s *Server) handleStop(req *Request) *Response {
	addr, err := s.backend.Stop(s.ctx)
	if err != nil {
		return failure(req.ID, err)
	}
	return success(req.ID, addr)
}

type sendParams struct {
	ID       string `json:"uuid"`
	Msg      string `json:"msg"`
	IsBinary bool   `json:"is_binary"`
}

func (s *Server) handleSend(req *Request) *Response {
	var params sendParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.ID == "" {
		return errorResponse(req.ID, InvalidParams, "uuid is required", nil)
	}

	// Command failures are diagnostics; the server already reported them
	if err := s.backend.Send(params.ID, params.Msg, params.IsBinary); err != nil {
		return failure(req.ID, err)
	}
	return success(req.ID, map[string]string{"status": "queued"})
}

type closeParams struct {
	ID     string `json:"uuid"`
	Code   *int   `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleClose(req *Request) *Response {
	var params closeParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.ID == "" {
		return errorResponse(req.ID, InvalidParams, "uuid is required", nil)
	}

	code := wsserver.DefaultCloseCode
	if params.Code != nil {
		code = *params.Code
	}
	if err := s.backend.Close(params.ID, code, params.Reason); err != nil {
		return failure(req.ID, err)
	}
	return success(req.ID, map[string]string{"status": "closing"})
}

func (s *Server) handleInterfaces(req *Request) *Response {
	ifaces, err := s.backend.Interfaces()
	if err != nil {
		return failure(req.ID, err)
	}
	return success(req.ID, ifaces)
}

func (s *Server) handlePairingQR(req *Request) *Response {
	var params struct {
		Host string `json:"host"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}

	res, err := s.backend.PairingQR(params.Host)
	if err != nil {
		return failure(req.ID, err)
	}
	return success(req.ID, res)
}

func (s *Server) noStore(req *Request) *Response {
	return errorResponse(req.ID, InternalError, "diagnostics are not persisted", nil)
}

func (s *Server) handleDiagnosticsList(req *Request) *Response {
	if s.store == nil {
		return s.noStore(req)
	}
	var params struct {
		Code     string `json:"code"`
		ConnID   string `json:"conn_id"`
		Resolved *bool  `json:"resolved"`
		Limit    int    `json:"limit"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}

	results, err := s.store.Query(s.ctx, errsys.ErrorQuery{
		Code:     params.Code,
		ConnID:   params.ConnID,
		Resolved: params.Resolved,
		Limit:    params.Limit,
	})
	if err != nil {
		return failure(req.ID, err)
	}
	if results == nil {
		results = []errsys.StoredError{}
	}
	return success(req.ID, results)
}

func (s *Server) handleDiagnosticsResolve(req *Request) *Response {
	if s.store == nil {
		return s.noStore(req)
	}
	var params struct {
		TraceID string `json:"trace_id"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.TraceID == "" {
		return errorResponse(req.ID, InvalidParams, "trace_id is required", nil)
	}

	if err := s.store.Resolve(s.ctx, params.TraceID); err != nil {
		return failure(req.ID, err)
	}
	return success(req.ID, map[string]string{"status": "resolved", "trace_id": params.TraceID})
}

func (s *Server) handleDiagnosticsStats(req *Request) *Response {
	if s.store == nil {
		return s.noStore(req)
	}
	stats, err := s.store.Stats(s.ctx)
	if err != nil {
		return failure(req.ID, err)
	}
	return success(req.ID, stats)
}

// handleDiagnosticsCodes lists the diagnostic code catalog, optionally
// narrowed to one category. It works without a store.
func (s *Server) handleDiagnosticsCodes(req *Request) *Response {
	var params struct {
		Category string `json:"category"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}

	var defs []errsys.ErrorCodeDefinition
	if params.Category != "" {
		defs = errsys.CodesByCategory(params.Category)
	} else {
		for _, def := range errsys.AllCodes() {
			defs = append(defs, def)
		}
	}
	if defs == nil {
		defs = []errsys.ErrorCodeDefinition{}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Code < defs[j].Code })
	return success(req.ID, defs)
}

// handleSubscribe attaches the client as the bus consumer. The response is
// written before the first notification so clients can rely on ordering.
func (s *Server) handleSubscribe(c *client, req *Request) {
	var params struct {
		ConsumerID string `json:"consumer_id"`
	}
	if resp := decodeParams(req, &params); resp != nil {
		c.write(resp)
		return
	}
	if params.ConsumerID == "" {
		params.ConsumerID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscription != "" {
		c.writeLocked(errorResponse(req.ID, InvalidRequest, "already subscribed", map[string]string{
			"consumer_id": c.subscription,
		}))
		return
	}
	if err := s.backend.Bus().Attach(params.ConsumerID, c); err != nil {
		c.writeLocked(errorResponse(req.ID, CommandFailed, err.Error(), busErrorData(err)))
		return
	}
	c.subscription = params.ConsumerID

	s.log.Info("event consumer subscribed", "consumer_id", params.ConsumerID)
	c.writeLocked(success(req.ID, map[string]string{"consumer_id": params.ConsumerID}))
}

// handleUnsubscribe detaches the client. The client lock is not held across
// Detach because Detach waits for an in-flight Consume on this client.
func (s *Server) handleUnsubscribe(c *client, req *Request) {
	c.mu.Lock()
	id := c.subscription
	c.subscription = ""
	c.mu.Unlock()

	if id == "" {
		c.write(errorResponse(req.ID, InvalidRequest, "not subscribed", nil))
		return
	}
	if err := s.backend.Bus().Detach(id); err != nil {
		c.write(errorResponse(req.ID, CommandFailed, err.Error(), busErrorData(err)))
		return
	}
	s.log.Info("event consumer unsubscribed", "consumer_id", id)
	c.write(success(req.ID, map[string]string{"consumer_id": id}))
}

func busErrorData(err error) map[string]string {
	return map[string]string{"code": string(eventbus.GetCode(err))}
}

var _ Backend = (*host.Controller)(nil)
