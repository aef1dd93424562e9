package realtime

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
)

// transport abstracts the channel's underlying stream so the websocket and
// the event-stream fallback are interchangeable to the read loop.
type transport interface {
	read(ctx context.Context) ([]byte, error)
	close() error
	name() string
}

type websocketTransport struct {
	conn *websocket.Conn
}

func (t *websocketTransport) read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *websocketTransport) close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

func (t *websocketTransport) name() string {
	return "websocket"
}

type eventStreamTransport struct {
	response *http.Response
	scanner  *bufio.Scanner
}

func newEventStreamTransport(response *http.Response) *eventStreamTransport {
	return &eventStreamTransport{
		response: response,
		scanner:  bufio.NewScanner(response.Body),
	}
}

// read returns the next data frame from the event stream. Comment lines are
// server heartbeats and are skipped.
func (t *eventStreamTransport) read(ctx context.Context) ([]byte, error) {
	for t.scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := t.scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data: ") {
			return []byte(strings.TrimPrefix(line, "data: ")), nil
		}
	}
	if err := t.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (t *eventStreamTransport) close() error {
	return t.response.Body.Close()
}

func (t *eventStreamTransport) name() string {
	return "event-stream"
}
