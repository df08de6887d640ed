package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ocgully/construct/internal/transport"
)

// output adapts a transport.Conn to the two narrow writer interfaces
// the rest of the module depends on: ceremony.Writer (io.StringWriter)
// for paced typewriter text, and service.Output (Write/WriteLine) for
// service rendering. Both ultimately call the same transport write; a
// write failure reports once through onErr, which the engine wires to
// its own connection teardown.
type output struct {
	ctx          context.Context
	conn         transport.Conn
	writeTimeout time.Duration
	onErr        func(error)
}

func newOutput(ctx context.Context, conn transport.Conn, writeTimeout time.Duration, onErr func(error)) *output {
	return &output{ctx: ctx, conn: conn, writeTimeout: writeTimeout, onErr: onErr}
}

// WriteString satisfies ceremony.Writer. Each write is individually
// deadline-bounded so a stalled peer cannot hang the session goroutine.
func (o *output) WriteString(s string) (int, error) {
	ctx := o.ctx
	if o.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(o.ctx, o.writeTimeout)
		defer cancel()
	}
	if err := o.conn.Write(ctx, s); err != nil {
		if o.onErr != nil {
			o.onErr(err)
		}
		return 0, err
	}
	return len(s), nil
}

// Write satisfies service.Output: an unterminated chunk.
func (o *output) Write(text string) {
	o.WriteString(text)
}

// WriteLine satisfies service.Output: text plus a line terminator.
func (o *output) WriteLine(text string) {
	o.WriteString(text + "\r\n")
}

// WriteControl marshals v and writes it as one chunk, bypassing the
// ceremony's baud pacing entirely — control messages are metadata,
// not typewriter output.
func (o *output) WriteControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = o.WriteString(string(data))
	return err
}
