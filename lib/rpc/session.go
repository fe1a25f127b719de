package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/memkeep/memkeep/lib/metrics"
)

// session is one client connection. Requests on a session are served in
// order; TCP sessions must authenticate before calling any other method.
type session struct {
	srv     *Server
	conn    net.Conn
	network string
	remote  string
	scanner *bufio.Scanner
	authed  bool
}

func newSession(srv *Server, conn net.Conn, network string) *session {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), MaxRequestSize)

	return &session{
		srv:     srv,
		conn:    conn,
		network: network,
		remote:  conn.RemoteAddr().String(),
		scanner: sc,
		authed:  network != "tcp" || srv.token == nil,
	}
}

func (ss *session) serve(ctx context.Context) {
	defer ss.conn.Close()

	metrics.RPCConnections.Inc()
	defer metrics.RPCConnections.Dec()

	log.WithField("network", ss.network).WithField("remote", ss.remote).Debug("session opened")

	for ctx.Err() == nil {
		if err := ss.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			log.WithField("remote", ss.remote).WithError(err).Warn("failed to set read deadline")
		}
		if !ss.scanner.Scan() {
			ss.readFailed(ss.scanner.Err())
			return
		}
		if resp := ss.handleLine(ctx, ss.scanner.Bytes()); resp != nil {
			ss.write(resp)
		}
	}
}

// readFailed reports why a session ended. Oversized requests get a reply
// before the connection is dropped.
func (ss *session) readFailed(err error) {
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.Is(err, bufio.ErrTooLong):
		ss.write(NewErrorResponse(nil, fault(ErrCodeInvalidRequest, "request too large")))
	default:
		log.WithField("remote", ss.remote).WithError(err).Debug("read failed")
	}
}

func (ss *session) handleLine(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return NewErrorResponse(nil, fault(ErrCodeParse, err.Error()))
	}
	if err := ValidateRequest(&req); err != nil {
		return NewErrorResponse(req.ID, fault(ErrCodeInvalidRequest, err.Error()))
	}

	if req.Method == MethodAuth {
		return ss.authenticate(&req)
	}
	if !ss.authed {
		return NewErrorResponse(req.ID, ErrAuthRequired())
	}
	return ss.dispatch(ctx, &req)
}

func (ss *session) authenticate(req *Request) *Response {
	if ss.srv.token == nil {
		ss.authed = true
		return NewSuccessResponse(req.ID, map[string]string{"message": "authentication not required"})
	}

	var params struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrInvalidParams("token required"))
	}

	ok, err := ss.srv.token.matches(params.Token)
	if err != nil {
		return NewErrorResponse(req.ID, ErrInvalidParams("invalid token format"))
	}
	if !ok {
		log.WithField("remote", ss.remote).Warn("authentication failed")
		return NewErrorResponse(req.ID, ErrPermissionDenied("invalid token"))
	}

	ss.authed = true
	return NewSuccessResponse(req.ID, map[string]string{"message": "authenticated"})
}

func (ss *session) dispatch(ctx context.Context, req *Request) *Response {
	h, ok := ss.srv.handler(req.Method)
	if !ok {
		return NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}
	metrics.RPCRequests.Inc()

	hctx, cancel := context.WithTimeout(ctx, HandlerTimeout)
	defer cancel()

	start := time.Now()
	result, rpcErr := h(hctx, req.Params)
	log.WithField("method", req.Method).
		WithField("duration", time.Since(start)).
		Debug("request handled")

	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	return NewSuccessResponse(req.ID, result)
}

func (ss *session) write(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("marshal response")
		return
	}

	if err := ss.conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		log.WithField("remote", ss.remote).WithError(err).Warn("failed to set write deadline")
	}
	if _, err := ss.conn.Write(append(data, '\n')); err != nil {
		log.WithField("remote", ss.remote).WithError(err).Debug("write failed")
	}
}
