package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ErrMalformedEvent marks frames that are not valid event JSON
// (heartbeats, pings). Readers skip them silently.
var ErrMalformedEvent = errors.New("chat: malformed event frame")

const streamReadLimit = 512 << 10

// EventConn is a single established event-stream connection.
// ReadEvent blocks until a frame arrives, the context is canceled, or the
// connection dies.
type EventConn interface {
	ReadEvent(ctx context.Context) (Event, error)
	Close() error
}

// EventDialer opens event-stream connections. The dial includes sending the
// authentication challenge; the caller waits for the "hello" acknowledgment
// through ReadEvent before treating the connection as usable.
type EventDialer interface {
	Dial(ctx context.Context) (EventConn, error)
}

// StreamDialer dials the platform's websocket endpoint.
type StreamDialer struct {
	URL   string
	Token string

	// HTTPClient is used for the websocket handshake. Nil means a client with
	// a 15s handshake timeout.
	HTTPClient *http.Client
}

type authChallenge struct {
	Seq    int64             `json:"seq"`
	Action string            `json:"action"`
	Data   map[string]string `json:"data"`
}

func (d *StreamDialer) Dial(ctx context.Context) (EventConn, error) {
	hc := d.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	c, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPClient: hc})
	if err != nil {
		return nil, transportError("stream dial", err)
	}
	c.SetReadLimit(streamReadLimit)

	conn := &wsConn{c: c}
	if err := conn.authenticate(ctx, d.Token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

type wsConn struct {
	c   *websocket.Conn
	seq atomic.Int64
}

func (w *wsConn) authenticate(ctx context.Context, token string) error {
	frame := authChallenge{
		Seq:    w.seq.Add(1),
		Action: "authentication_challenge",
		Data:   map[string]string{"token": token},
	}
	if err := wsjson.Write(ctx, w.c, frame); err != nil {
		return transportError("stream auth", err)
	}
	return nil
}

func (w *wsConn) ReadEvent(ctx context.Context) (Event, error) {
	_, data, err := w.c.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, transportError("stream read", err)
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		// Heartbeats, pings, ack frames: not events, not errors.
		return Event{}, ErrMalformedEvent
	}
	return ev, nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "client shutdown")
}
