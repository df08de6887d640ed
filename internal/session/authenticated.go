package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ocgully/construct/internal/chat"
	"github.com/ocgully/construct/internal/node"
	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/service"
)

// menuShortcuts maps a registered service key to the single byte that
// selects it from the main menu. A key with no entry falls back to
// its own first letter.
var menuShortcuts = map[string]byte{
	"who":         'w',
	"lastcallers": 'l',
	"profile":     'p',
	"mail":        'm',
	"chat":        'c',
	"news":        'n',
	"wander":      'g',
	"admin":       'x',
}

func shortcutFor(key string) byte {
	if b, ok := menuShortcuts[key]; ok {
		return b
	}
	return key[0]
}

// lineCapture names the narrow set of services the engine buffers a
// full line for instead of dispatching byte by byte: Chat speaks
// whole lines, Admin's kick command and Mail's read/delete commands
// take a handle or id that doesn't fit single-character routing.
type lineCapture int

const (
	captureNone lineCapture = iota
	captureChat
	captureAdminKick
	captureMailCmd
)

// authLoop holds everything runAuthenticated mutates across input
// events, kept together so dispatch helpers can take one pointer.
type authLoop struct {
	sc      *service.Context
	active  service.Service
	capture lineCapture
	lineBuf strings.Builder
	chatSub *chat.Subscription
}

// runAuthenticated renders the main menu and routes input to the
// active service until logout, idle/daily timeout, or the transport
// goes away. cancel is the connection's own context.CancelFunc,
// registered in the Directory so a sysop kick or a duplicate-login
// KickOld can terminate this goroutine from another connection.
func (e *Engine) runAuthenticated(ctx context.Context, cancel context.CancelFunc, user *persist.User, token string) error {
	var slot int
	if e.pendingSlot != 0 {
		// A fresh login: the ceremony's placeholder slot carries over
		// with its identity updated in place (spec §4.F update_identity),
		// rather than being released and reassigned here.
		slot = e.pendingSlot
		e.pendingSlot = 0
		e.deps.Nodes.UpdateIdentity(slot, user.ID, user.Handle)
	} else {
		// A resumed session (spec §4.J "Ceremony deferral"/S5): no
		// placeholder slot exists yet, so assign one directly.
		var err error
		slot, err = e.deps.Nodes.Assign(user.Handle, user.ID)
		if err != nil {
			if errors.Is(err, node.ErrLineBusy) {
				e.out.WriteLine("Line busy: no node available.")
				return nil
			}
			return fmt.Errorf("assign node: %w", err)
		}
	}
	defer e.deps.Nodes.Release(slot)

	level := user.UserLevel
	if e.deps.Config.IsSysop(user.Handle) {
		level = persist.LevelSysop
	}

	e.deps.Directory.Register(user.Handle, cancel)
	defer e.deps.Directory.Unregister(user.Handle)

	sessionStart := time.Now()
	_, maxNodes := e.deps.Nodes.Status()
	_ = e.out.WriteControl(sessionControl{Type: "session", NodeSlot: slot, MaxNodes: maxNodes, Handle: user.Handle})

	loop := &authLoop{sc: &service.Context{Output: e.out, User: user, Level: level, NodeSlot: slot}}
	defer func() {
		if loop.chatSub != nil {
			loop.chatSub.Close()
		}
	}()

	e.renderMenu(loop)

	conn := e.deps.Config.Connection
	idleTimeout := time.Duration(conn.IdleTimeoutMinutes) * time.Minute
	dailyDeadline := time.Now().Add(time.Duration(conn.DailyTimeLimitMinutes) * time.Minute)
	lastActivity := time.Now()
	warnedDaily := make(map[int]bool)
	warnedIdle := make(map[int]bool)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		var chatEvents <-chan chat.Event
		if loop.chatSub != nil {
			chatEvents = loop.chatSub.Events()
		}

		select {
		case <-ctx.Done():
			return e.finishAuthenticated(user, token, sessionStart, reasonUnclean)

		case r, ok := <-e.lines:
			if !ok || r.err != nil {
				return e.finishAuthenticated(user, token, sessionStart, reasonUnclean)
			}
			lastActivity = time.Now()
			if len(warnedIdle) != 0 {
				warnedIdle = make(map[int]bool)
			}
			e.deps.Nodes.Touch(slot)
			quit, err := e.dispatchAuthenticated(ctx, loop, r.s)
			if err != nil {
				e.log.Error("service dispatch error", zap.Error(err))
			}
			if quit {
				return e.finishAuthenticated(user, token, sessionStart, reasonQuit)
			}

		case ev := <-chatEvents:
			e.out.WriteLine(service.RenderEvent(ev))

		case <-ticker.C:
			now := time.Now()
			if now.Sub(lastActivity) >= idleTimeout {
				e.out.WriteLine("Idle timeout. Goodbye.")
				return e.finishAuthenticated(user, token, sessionStart, reasonTimeout)
			}
			if now.After(dailyDeadline) {
				e.out.WriteLine("Your time for today has run out. Goodbye.")
				return e.finishAuthenticated(user, token, sessionStart, reasonTimeout)
			}
			remaining := dailyDeadline.Sub(now)
			idleRemaining := idleTimeout - now.Sub(lastActivity)
			for _, wm := range conn.TimeWarningMinutes {
				threshold := time.Duration(wm) * time.Minute
				if !warnedDaily[wm] && remaining > 0 && remaining <= threshold {
					warnedDaily[wm] = true
					e.out.Write("\a")
					e.out.WriteLine(fmt.Sprintf("-- %d minute(s) remaining in today's session --", wm))
				}
				if !warnedIdle[wm] && idleRemaining > 0 && idleRemaining <= threshold {
					warnedIdle[wm] = true
					e.out.Write("\a")
					e.out.WriteLine(fmt.Sprintf("-- idle: %d minute(s) until disconnect --", wm))
				}
			}
		}
	}
}

func (e *Engine) renderMenu(loop *authLoop) {
	loop.sc.Output.WriteLine("-- The Construct --")
	for _, svc := range e.deps.Services.List(loop.sc.Level) {
		loop.sc.Output.WriteLine(fmt.Sprintf("  [%c] %s", shortcutFor(svc.Key()), svc.Label()))
	}
	loop.sc.Output.WriteLine("  [q] Logoff")
}

// dispatchAuthenticated feeds one inbound chunk byte by byte into
// either the main menu's shortcut dispatch or the active service,
// recovering from any panic a service raises so it ends only this
// session, never the listener (spec §9).
func (e *Engine) dispatchAuthenticated(ctx context.Context, loop *authLoop, chunk string) (quit bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("recovered service panic", zap.Any("panic", r))
			e.leaveService(loop)
			err = fmt.Errorf("service panic: %v", r)
		}
	}()

	for i := 0; i < len(chunk); i++ {
		b := chunk[i]
		isEnter := e.feedFlowByte(b)

		if loop.active == nil {
			if isEnter {
				continue
			}
			if b == 'q' || b == 'Q' {
				return true, nil
			}
			e.enterServiceForKey(ctx, loop, b)
			continue
		}

		if done := e.dispatchToActiveService(ctx, loop, b, isEnter); done {
			e.leaveService(loop)
		}
	}
	return false, nil
}

func (e *Engine) enterServiceForKey(ctx context.Context, loop *authLoop, b byte) {
	for _, svc := range e.deps.Services.List(loop.sc.Level) {
		if shortcutFor(svc.Key()) == lowerByte(b) {
			e.activateService(ctx, loop, svc)
			return
		}
	}
}

func (e *Engine) activateService(ctx context.Context, loop *authLoop, svc service.Service) {
	if err := svc.Enter(ctx, loop.sc); err != nil {
		e.log.Error("service enter error", zap.Error(err), zap.String("service", svc.Key()))
		return
	}
	loop.active = svc
	loop.capture = captureNone
	if svc.Key() == "chat" {
		sub, err := e.deps.Chat.Join(ctx, loop.sc.User.Handle)
		if err != nil {
			e.log.Error("chat join error", zap.Error(err))
			loop.active = nil
			return
		}
		loop.chatSub = sub
		loop.capture = captureChat
	}
}

// switchService honors a Route outcome: control moves to the named
// service if it is registered, enabled, and within the caller's level;
// an unknown or disabled key falls back to redrawing the main menu
// (spec §4.K).
func (e *Engine) switchService(ctx context.Context, loop *authLoop, key string) {
	if loop.chatSub != nil {
		loop.chatSub.Close()
		loop.chatSub = nil
	}
	loop.active = nil
	loop.capture = captureNone
	loop.lineBuf.Reset()

	svc, ok := e.deps.Services.Get(key)
	if !ok || svc.RequiredLevel() > loop.sc.Level {
		e.renderMenu(loop)
		return
	}
	e.activateService(ctx, loop, svc)
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b - 'A' + 'a'
	}
	return b
}

// dispatchToActiveService handles one byte against whichever service
// is active, returning true when that service has signalled Complete.
func (e *Engine) dispatchToActiveService(ctx context.Context, loop *authLoop, b byte, isEnter bool) bool {
	switch loop.capture {
	case captureChat:
		return e.captureLine(loop, b, isEnter, func(line string) bool {
			chatSvc := loop.active.(*service.Chat)
			return chatSvc.Line(loop.sc, loop.sc.User.Handle, line).Outcome == service.Complete
		})

	case captureAdminKick:
		return e.captureLine(loop, b, isEnter, func(line string) bool {
			admin := loop.active.(*service.Admin)
			admin.Kick(loop.sc, strings.TrimSpace(line))
			loop.capture = captureNone
			return false
		})

	case captureMailCmd:
		return e.captureLine(loop, b, isEnter, func(line string) bool {
			mail := loop.active.(*service.Mail)
			mail.ReadOrDelete(ctx, loop.sc, strings.TrimSpace(line))
			loop.capture = captureNone
			return false
		})

	default:
		if admin, ok := loop.active.(*service.Admin); ok && (b == 'k' || b == 'K') {
			loop.capture = captureAdminKick
			loop.lineBuf.Reset()
			loop.sc.Output.WriteLine("Kick handle:")
			_ = admin
			return false
		}
		if mail, ok := loop.active.(*service.Mail); ok && mail.AtMenu() && (b == 'r' || b == 'R' || b == 'd' || b == 'D') {
			loop.capture = captureMailCmd
			loop.lineBuf.Reset()
			loop.lineBuf.WriteByte(lowerByte(b))
			loop.lineBuf.WriteByte(' ')
			return false
		}

		if isEnter {
			// Services that collect line input (profile edits, mail
			// compose fields) terminate on a literal CR; the CRLF fold
			// already collapsed any trailing LF.
			b = '\r'
		}
		res, err := loop.active.HandleChar(ctx, loop.sc, b)
		if err != nil {
			e.log.Error("service handle char error", zap.Error(err))
			return true
		}
		if res.Outcome == service.Route {
			e.switchService(ctx, loop, res.NextKey)
			return false
		}
		return res.Outcome == service.Complete
	}
}

// captureLine buffers bytes until Enter, then hands the completed
// line to onLine, echoing printable input and backspace the same way
// the pre-auth flows do.
func (e *Engine) captureLine(loop *authLoop, b byte, isEnter bool, onLine func(line string) bool) bool {
	if isEnter {
		line := loop.lineBuf.String()
		loop.lineBuf.Reset()
		return onLine(line)
	}
	switch {
	case b == 0x7f || b == 0x08:
		s := loop.lineBuf.String()
		if len(s) > 0 {
			loop.lineBuf.Reset()
			loop.lineBuf.WriteString(s[:len(s)-1])
			loop.sc.Output.Write("\b \b")
		}
	case b >= 0x20:
		loop.lineBuf.WriteByte(b)
		loop.sc.Output.Write(string(b))
	}
	return false
}

func (e *Engine) leaveService(loop *authLoop) {
	if loop.chatSub != nil {
		loop.chatSub.Close()
		loop.chatSub = nil
	}
	loop.active = nil
	loop.capture = captureNone
	loop.lineBuf.Reset()
	e.renderMenu(loop)
}

// goodbyeHold keeps the goodbye screen on the peer's terminal briefly
// before Run returns and the caller closes the transport.
const goodbyeHold = time.Second

// finishAuthenticated records the session's end and, on a clean exit,
// renders the goodbye screen. An unclean disconnect (the transport is
// already gone) writes nothing and only tears down persistence-side
// state. The node slot is released by runAuthenticated's deferred
// Release once this returns.
func (e *Engine) finishAuthenticated(user *persist.User, token string, sessionStart time.Time, reason string) error {
	clean := reason != reasonUnclean
	if clean {
		_ = e.out.WriteControl(logoutControl{Type: "logout", Reason: reason})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	elapsedMinutes := int64(time.Since(sessionStart).Minutes())
	if elapsedMinutes < 1 {
		elapsedMinutes = 1
	}
	if err := e.deps.Users.AddTimeMinutes(ctx, user.ID, elapsedMinutes); err != nil {
		e.log.Warn("record connected time", zap.Error(err))
	}

	if clean {
		e.out.WriteLine("")
		e.out.WriteLine(fmt.Sprintf("Thanks for calling, %s.", user.Handle))
		e.out.WriteLine(fmt.Sprintf("Connected %d minute(s) this call.", elapsedMinutes))
		e.out.WriteLine("NO CARRIER")
	}

	if err := e.deps.Sessions.Delete(ctx, token); err != nil {
		e.log.Warn("delete session on disconnect", zap.Error(err))
	}

	if clean {
		time.Sleep(goodbyeHold)
	}
	return nil
}
