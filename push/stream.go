package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	pingInterval = 15 * time.Second
	pingTimeout  = 3 * time.Second
	writeTimeout = 3 * time.Second
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

// ServeSSE writes sub's events as Server-Sent Events until ctx ends or the
// subscription is closed. A comment line is sent every keepalive.
func ServeSSE(ctx context.Context, w http.ResponseWriter, sub *Subscription, keepalive time.Duration) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if keepalive <= 0 {
		keepalive = pingInterval
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
				return err
			}
		}
		flusher.Flush()
	}
}

// ServeWebSocket writes sub's events to conn as {event, data} JSON frames
// until the peer goes away or the subscription is closed. Inbound data
// messages are not part of the protocol and close the connection.
func ServeWebSocket(ctx context.Context, conn *websocket.Conn, sub *Subscription) error {
	ctx = conn.CloseRead(ctx)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.CloseNow()
			return nil
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				_ = conn.CloseNow()
				return err
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return conn.Close(websocket.StatusGoingAway, "unsubscribed")
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			cancel()
			if err != nil {
				_ = conn.CloseNow()
				return err
			}
		}
	}
}
