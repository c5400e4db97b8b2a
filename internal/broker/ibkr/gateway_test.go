package ibkr

import (
	"bufio"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeGateway plays the TWS side of a net.Pipe. It answers the handshake
// and START_API on its own and hands every other request to respond.
type fakeGateway struct {
	t       *testing.T
	conn    net.Conn
	respond func(g *fakeGateway, fields []string)

	mu       sync.Mutex
	received [][]string
	dials    int

	skipNextValidID bool
}

func newFakeGateway(t *testing.T, respond func(g *fakeGateway, fields []string)) *fakeGateway {
	t.Helper()
	return &fakeGateway{t: t, respond: respond}
}

// dial returns the client end of a fresh pipe and serves the other end.
func (g *fakeGateway) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	g.mu.Lock()
	g.conn = server
	g.dials++
	g.mu.Unlock()
	go g.serve(server)
	return client, nil
}

func (g *fakeGateway) serve(conn net.Conn) {
	r := bufio.NewReader(conn)

	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil || string(prefix) != "API\x00" {
		return
	}
	if _, err := readFrame(r); err != nil {
		return
	}
	g.writeTo(conn, "176", "20250312 10:00:00 EST")

	for {
		fields, err := readFrame(r)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.received = append(g.received, fields)
		g.mu.Unlock()

		if len(fields) > 0 && fields[0] == strconv.Itoa(outStartAPI) {
			if !g.skipNextValidID {
				g.writeTo(conn, inNextValidID, 1, 500)
			}
			continue
		}
		if g.respond != nil {
			g.respond(g, fields)
		}
	}
}

func (g *fakeGateway) writeTo(conn net.Conn, fields ...any) {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write(encodeFrame(fields...)); err != nil {
		g.t.Logf("fake gateway write: %v", err)
	}
}

// send writes a message to the client.
func (g *fakeGateway) send(fields ...any) {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	g.writeTo(conn, fields...)
}

// drop closes the server side of the pipe.
func (g *fakeGateway) drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	_ = g.conn.Close()
}

// requests returns received messages with the given id.
func (g *fakeGateway) requests(msgID int) [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out [][]string
	for _, f := range g.received {
		if len(f) > 0 && f[0] == strconv.Itoa(msgID) {
			out = append(out, f)
		}
	}
	return out
}

func (g *fakeGateway) dialCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dials
}
