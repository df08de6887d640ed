// Package transport defines the narrow boundary between the session
// engine and whoever owns the listener (spec §6): a bidirectional,
// line-oriented byte stream. The engine never imports net/http or the
// WebSocket library directly; it depends only on this interface.
package transport

import "context"

// Conn is one connected client's transport. Read blocks until the
// next inbound chunk (typically one keystroke, sometimes a batch, or
// a JSON control line) is available, the context is cancelled, or the
// peer disconnects (a wrapped error). Write sends one outbound chunk
// verbatim — the caller is responsible for any line terminator.
type Conn interface {
	Read(ctx context.Context) (string, error)
	Write(ctx context.Context, chunk string) error
	RemoteAddr() string
	Close() error
}
