package base

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/rocket/rpc/common"
)

// Request sends req on conn and waits for the matching response.
//
// The wait is bounded by timeout (ReceiveTimeout if <= 0). On timeout the
// request either fails with *common.RequestTimeoutError or, if the engine
// retries on timeout, is sent again with the same id once the connection is
// ready. Authentication requests are never resent. The wait also ends when
// ctx is done or the engine is closed.
func (e *Engine) Request(ctx context.Context, conn *Connection, req *common.RequestFrame, timeout time.Duration) (*common.ResponseFrame, error) {
	if timeout <= 0 {
		timeout = e.config.ReceiveTimeout
	}

	doc, err := e.serializer.Serialize(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	body := tagged(requestTag, doc)
	gated := e.awaitConnected && !req.IsAuthRequest()
	retry := e.retryOnTimeout && !req.IsAuthRequest()

	call, ok := e.pending.register(req.Guid, conn, req.MethodName)
	if !ok {
		return nil, fmt.Errorf("request %s is already pending", req.Guid)
	}
	defer e.pending.remove(req.Guid)

	if !e.ready(conn, gated) {
		return nil, common.ErrNotConnected
	}
	e.enqueue(conn, body, gated, nil)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case resp := <-call.response:
			return resp, nil
		case <-ctx.Done():
			if resp, ok := call.received(); ok {
				return resp, nil
			}
			return nil, ctx.Err()
		case <-e.ctx.Done():
			if resp, ok := call.received(); ok {
				return resp, nil
			}
			return nil, common.ErrClosed
		case <-timer.C:
			if !retry {
				return nil, &common.RequestTimeoutError{Method: req.MethodName, RequestID: req.Guid}
			}
			if e.ready(conn, gated) {
				Logger.Debugf("%s: %s: no response to %s after %s, resending", e.name, conn, req.Guid, timeout)
				e.enqueue(conn, body, gated, nil)
			} else {
				Logger.Debugf("%s: %s: no response to %s after %s, waiting for the connection", e.name, conn, req.Guid, timeout)
			}
			timer.Reset(timeout)
		}
	}
}

// Invoke calls method on the peer of conn and returns the raw result.
// param may be nil, a json.RawMessage (sent as is) or any value the serializer can encode.
func (e *Engine) Invoke(ctx context.Context, conn *Connection, method string, param any) (json.RawMessage, error) {
	raw, err := e.encodeParam(param)
	if err != nil {
		return nil, err
	}

	resp, err := e.Request(ctx, conn, common.NewRequestFrame(method, raw), 0)
	if err != nil {
		return nil, err
	}
	return resp.Result, checkResponse(method, resp)
}

// Call invokes method on the peer of conn and converts the result to R
func Call[R any](ctx context.Context, e *Engine, conn *Connection, method string, param any) (R, error) {
	var result R

	raw, err := e.Invoke(ctx, conn, method, param)
	if err != nil {
		return result, err
	}
	if err := e.serializer.Convert(raw, &result); err != nil {
		return result, fmt.Errorf("invalid result of %s: %w", method, err)
	}
	return result, nil
}

// checkResponse maps the status of a response to an error
func checkResponse(method string, resp *common.ResponseFrame) error {
	switch resp.StatusCode {
	case common.StatusOk:
		return nil
	case common.StatusInexistMethod:
		return &common.MethodDoesNotExistError{Method: method}
	case common.StatusUnauthorized:
		return common.ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status %s for %s", resp.StatusCode, method)
	}
}

func (e *Engine) encodeParam(param any) (json.RawMessage, error) {
	switch p := param.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := e.serializer.Serialize(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode parameter: %w", err)
		}
		return raw, nil
	}
}
