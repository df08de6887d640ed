package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConn adapts a gorilla/websocket connection to Conn. Reads must
// only ever happen from one goroutine (the session's read loop);
// writes are serialized with a mutex because gorilla/websocket
// forbids concurrent writers, mirroring the write-side guard in the
// teacher's session.writeLoop.
type WSConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (c *WSConn) Read(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			done <- result{err: fmt.Errorf("read message: %w", err)}
			return
		}
		done <- result{line: string(data)}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.line, r.err
	}
}

func (c *WSConn) Write(ctx context.Context, chunk string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(chunk)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *WSConn) RemoteAddr() string {
	if c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

func (c *WSConn) Close() error {
	return c.conn.Close()
}
