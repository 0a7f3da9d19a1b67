package gateway

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// maxCloseReason is the WebSocket limit on close reason length in bytes.
const maxCloseReason = 123

// SubstituteCloseCode maps an upstream close code to one that is legal to
// send from an endpoint. Normal closure and the application range pass
// through; reserved or library-internal codes collapse to normal closure.
func SubstituteCloseCode(code websocket.StatusCode) websocket.StatusCode {
	if code == websocket.StatusNormalClosure || (code >= 3000 && code <= 4999) {
		return code
	}
	return websocket.StatusNormalClosure
}

// TruncateReason clips a close reason to the wire limit.
func TruncateReason(s string) string {
	if len(s) > maxCloseReason {
		return s[:maxCloseReason]
	}
	return s
}

// Relay copies frames between a client connection and an upstream connection
// until either side closes, then propagates the closure: an upstream close
// code is substituted per SubstituteCloseCode, an upstream transport error
// becomes 1011 toward the client. Blocks until both directions stop.
func Relay(ctx context.Context, client, upstream *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		fromUpstream bool
		err          error
	}
	results := make(chan result, 2)

	go func() { results <- result{fromUpstream: false, err: pipe(ctx, client, upstream)} }()
	go func() { results <- result{fromUpstream: true, err: pipe(ctx, upstream, client)} }()

	first := <-results
	cancel()

	if first.fromUpstream {
		code, reason := closeDetails(first.err)
		if code == -1 {
			client.Close(websocket.StatusInternalError, "upstream connection lost")
		} else {
			client.Close(SubstituteCloseCode(code), TruncateReason(reason))
		}
		upstream.Close(websocket.StatusNormalClosure, "")
	} else {
		code, _ := closeDetails(first.err)
		if code == -1 {
			code = websocket.StatusNormalClosure
		}
		upstream.Close(SubstituteCloseCode(code), "")
		client.Close(websocket.StatusNormalClosure, "")
	}

	<-results
}

// pipe forwards frames from src to dst until src errors.
func pipe(ctx context.Context, src, dst *websocket.Conn) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
	}
}

func closeDetails(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return websocket.CloseStatus(err), ""
}
