package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ocgully/construct/internal/persist"
)

type mailState int

const (
	mailMenu mailState = iota
	mailComposeTo
	mailComposeSubject
	mailComposeBody
)

// Mail is the private-message service: inbox listing, read, compose,
// delete. Full CRUD over the messages table per SPEC_FULL's
// supplemented stub set.
type Mail struct {
	messages *persist.MessageRepo
	users    *persist.UserRepo

	state   mailState
	buf     strings.Builder
	toUser  string
	subject string
}

func NewMail(messages *persist.MessageRepo, users *persist.UserRepo) *Mail {
	return &Mail{messages: messages, users: users}
}

func (s *Mail) Key() string                      { return "mail" }
func (s *Mail) Label() string                    { return "Mail" }
func (s *Mail) RequiredLevel() persist.UserLevel { return persist.LevelUser }

// AtMenu reports whether Mail is sitting at its top-level menu rather
// than mid-compose, so the engine knows when a typed 'r'/'d' should
// be captured as a full "r <id>" / "d <id>" command line instead of
// being forwarded byte-by-byte into a compose field.
func (s *Mail) AtMenu() bool { return s.state == mailMenu }

func (s *Mail) Enter(ctx context.Context, sc *Context) error {
	s.state = mailMenu
	s.renderInbox(ctx, sc)
	return nil
}

func (s *Mail) renderInbox(ctx context.Context, sc *Context) {
	inbox, err := s.messages.Inbox(ctx, sc.User.ID)
	if err != nil {
		sc.Output.WriteLine("(inbox unavailable)")
	} else if len(inbox) == 0 {
		sc.Output.WriteLine("-- Mail: no messages --")
	} else {
		sc.Output.WriteLine("-- Mail --")
		for _, m := range inbox {
			status := " "
			if m.ReadAt == nil {
				status = "*"
			}
			sc.Output.WriteLine(fmt.Sprintf(" %s #%-4d %s", status, m.ID, m.Subject))
		}
	}
	sc.Output.WriteLine("[C]ompose [R]ead <id> [D]elete <id> [Q]uit")
}

func (s *Mail) HandleChar(ctx context.Context, sc *Context, b byte) (Result, error) {
	switch s.state {
	case mailMenu:
		return s.handleMenu(ctx, sc, b)
	case mailComposeTo:
		return s.handleLine(b, &s.toUser, func() {
			s.state = mailComposeSubject
			sc.Output.WriteLine("Subject:")
		})
	case mailComposeSubject:
		return s.handleLine(b, &s.subject, func() {
			s.state = mailComposeBody
			sc.Output.WriteLine("Message (single line):")
		})
	case mailComposeBody:
		var body string
		res, err := s.handleLine(b, &body, func() {})
		if body != "" || b == '\r' || b == '\n' {
			if err := s.sendComposed(ctx, sc, body); err != nil {
				sc.Output.WriteLine("(could not send message)")
			} else {
				sc.Output.WriteLine("Message sent.")
			}
			s.state = mailMenu
			s.renderInbox(ctx, sc)
		}
		return res, err
	default:
		return Result{Outcome: Complete}, nil
	}
}

// handleLine accumulates bytes in s.buf across HandleChar calls until
// Enter, then copies the buffer into *field, resets it, calls onDone
// and returns Continue.
func (s *Mail) handleLine(b byte, field *string, onDone func()) (Result, error) {
	if b == '\r' || b == '\n' {
		*field = s.buf.String()
		s.buf.Reset()
		onDone()
		return Result{Outcome: Continue}, nil
	}
	if b == 0x7f || b == 0x08 {
		str := s.buf.String()
		if len(str) > 0 {
			s.buf.Reset()
			s.buf.WriteString(str[:len(str)-1])
		}
		return Result{Outcome: Continue}, nil
	}
	if b >= 0x20 {
		s.buf.WriteByte(b)
	}
	return Result{Outcome: Continue}, nil
}

func (s *Mail) sendComposed(ctx context.Context, sc *Context, body string) error {
	to, err := s.users.ByHandle(ctx, s.toUser)
	if err != nil {
		return err
	}
	if to == nil {
		return fmt.Errorf("no such user %q", s.toUser)
	}
	if _, err := s.messages.Send(ctx, sc.User.ID, to.ID, s.subject, body); err != nil {
		return err
	}
	return s.users.IncrementMessagesSent(ctx, sc.User.ID)
}

func (s *Mail) handleMenu(ctx context.Context, sc *Context, b byte) (Result, error) {
	switch {
	case b == 'c' || b == 'C':
		s.state = mailComposeTo
		sc.Output.WriteLine("To (handle):")
		return Result{Outcome: Continue}, nil
	case b == 'q' || b == 'Q':
		return Result{Outcome: Complete}, nil
	case b == 'r' || b == 'R' || b == 'd' || b == 'D':
		// id-based read/delete is accepted as a single command line in
		// practice; the minimal byte-wise menu here just acknowledges it.
		return Result{Outcome: Continue}, nil
	default:
		return Result{Outcome: Continue}, nil
	}
}

// ReadOrDelete performs an explicit read or delete by id, exposed for
// a line-oriented command (e.g. "r 42") rather than single-keystroke
// dispatch, since mail ids don't fit single-character menu routing.
func (s *Mail) ReadOrDelete(ctx context.Context, sc *Context, cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) != 2 {
		sc.Output.WriteLine("usage: r <id> | d <id>")
		return
	}
	id, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		sc.Output.WriteLine("invalid message id")
		return
	}
	switch strings.ToLower(fields[0]) {
	case "r":
		m, err := s.messages.ByID(ctx, id)
		if err != nil || m == nil || (m.ToUserID != sc.User.ID && m.FromUserID != sc.User.ID) {
			sc.Output.WriteLine("no such message")
			return
		}
		if m.ToUserID == sc.User.ID {
			s.messages.MarkRead(ctx, id)
		}
		sc.Output.WriteLine(fmt.Sprintf("Subject: %s", m.Subject))
		sc.Output.WriteLine(m.Body)
	case "d":
		s.messages.Delete(ctx, id, sc.User.ID)
		sc.Output.WriteLine("deleted")
	}
}
