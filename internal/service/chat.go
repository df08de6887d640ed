package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ocgully/construct/internal/chat"
	"github.com/ocgully/construct/internal/persist"
)

// Chat is the single-room teleconference service. It does not own the
// subscription's delivery loop — that runs on the session's own
// select loop, which also has to interleave the timer and the active
// service — so Chat only formats outgoing lines and turns typed text
// into ChatManager.Message/Action/Page calls.
type Chat struct {
	manager *chat.Manager
}

func NewChat(manager *chat.Manager) *Chat {
	return &Chat{manager: manager}
}

func (s *Chat) Key() string                      { return "chat" }
func (s *Chat) Label() string                    { return "Teleconference" }
func (s *Chat) RequiredLevel() persist.UserLevel { return persist.LevelUser }

func (s *Chat) Enter(_ context.Context, sc *Context) error {
	sc.Output.WriteLine("-- Teleconference --")
	sc.Output.WriteLine("Type a line and press Enter to speak. /quit to leave.")
	return nil
}

// Line is called by the session with a complete line of chat input
// (chat is one of the services that operates at line, not byte,
// granularity; the session buffers bytes for it the same way flows
// buffer for themselves).
func (s *Chat) Line(sc *Context, handle, line string) Result {
	switch {
	case line == "/quit":
		return Result{Outcome: Complete}
	case len(line) > 1 && line[0] == '/' && line[1] == 'p':
		// "/p <handle> <text>" sends a page.
		to, text, _ := strings.Cut(strings.TrimSpace(line[2:]), " ")
		s.manager.Page(handle, to, text)
	case len(line) > 0 && line[0] == '/' && len(line) > 2 && line[1] == 'm' && line[2] == 'e':
		s.manager.Action(handle, line[3:])
	default:
		s.manager.Message(handle, line)
	}
	return Result{Outcome: Continue}
}

// HandleChar is unused: the session drives Chat via Line for
// line-granularity input, matching ChatManager's message-at-a-time
// publish API rather than the byte-at-a-time menu convention.
func (s *Chat) HandleChar(_ context.Context, _ *Context, _ byte) (Result, error) {
	return Result{Outcome: Continue}, nil
}

// RenderEvent formats one chat.Event for display.
func RenderEvent(ev chat.Event) string {
	switch ev.Kind {
	case chat.EventJoined:
		return fmt.Sprintf("* %s has joined.", ev.From)
	case chat.EventLeft:
		return fmt.Sprintf("* %s has left.", ev.From)
	case chat.EventAction:
		return fmt.Sprintf("* %s %s", ev.From, ev.Text)
	case chat.EventPage:
		return fmt.Sprintf("[page from %s] %s", ev.From, ev.Text)
	default:
		return fmt.Sprintf("<%s> %s", ev.From, ev.Text)
	}
}
