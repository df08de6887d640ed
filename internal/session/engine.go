// Package session implements the per-connection engine: the state
// machine that walks one transport.Conn through the connection
// ceremony, a login or registration flow, and the authenticated
// service loop, until the connection ends (spec §4.J).
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ocgully/construct/internal/ceremony"
	"github.com/ocgully/construct/internal/chat"
	"github.com/ocgully/construct/internal/config"
	"github.com/ocgully/construct/internal/flow"
	"github.com/ocgully/construct/internal/node"
	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/service"
	"github.com/ocgully/construct/internal/transport"
)

// UserStore is the full surface the engine and the flows it drives
// need from the users table: the union of flow.UserStore and
// flow.RegUserStore plus the two calls the engine makes directly
// (session resume and connected-time accounting). Declared here,
// rather than depending on *persist.UserRepo, so Engine is testable
// against fakes without a database.
type UserStore interface {
	ByHandle(ctx context.Context, handle string) (*persist.User, error)
	ByID(ctx context.Context, id int64) (*persist.User, error)
	RecordLogin(ctx context.Context, userID int64) error
	AddTimeMinutes(ctx context.Context, userID int64, minutes int64) error
	HandleExists(ctx context.Context, handle string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	CreateWithVerification(ctx context.Context, handle, email, passwordHash, code string, codeTTL time.Duration) (*persist.User, error)
}

// SessionStore is flow.SessionStore plus the two calls the engine's
// own resume path makes directly.
type SessionStore interface {
	LiveForUser(ctx context.Context, userID int64) (*persist.Session, error)
	Delete(ctx context.Context, token string) error
	Create(ctx context.Context, token string, userID int64, ttl time.Duration) (*persist.Session, error)
	ByToken(ctx context.Context, token string) (*persist.Session, error)
	Touch(ctx context.Context, token string) error
}

// Deps are the process-wide collaborators every connection's Engine
// shares. Built once in cmd/construct and handed to each new Engine.
type Deps struct {
	Config        *config.Config
	Users         UserStore
	Sessions      SessionStore
	Verifications flow.VerificationStore
	Attempts      flow.AttemptStore
	Nodes         *node.Manager
	Chat          *chat.Manager
	Services      *service.Registry
	Directory     *Directory
	Script        *ceremony.Script
	SendCode      func(ctx context.Context, email, code string) error
	Log           *zap.Logger
}

// disconnect reasons, used only for the outbound logout control
// message and log lines.
const (
	reasonQuit    = "quit"
	reasonTimeout = "timeout"
	reasonUnclean = "disconnected"
)

type readResult struct {
	s   string
	err error
}

// Engine owns one connection end to end. It is not safe for use from
// more than one goroutine: everything happens on the goroutine that
// calls Run, except the background read pump, which only ever
// forwards onto channels Run itself drains.
type Engine struct {
	conn transport.Conn
	deps Deps
	log  *zap.Logger

	out *output

	pendingSlot int         // placeholder slot carried from a fresh login into runAuthenticated; 0 means none (resume assigns fresh)
	replay      *readResult // first inbound frame, read ahead of the ceremony

	lines          chan readResult
	suppressNextLF bool
}

func NewEngine(conn transport.Conn, deps Deps) *Engine {
	return &Engine{
		conn: conn,
		deps: deps,
		log:  deps.Log.With(zap.String("remote", conn.RemoteAddr())),
	}
}

// Run drives the connection to completion. It returns only once the
// transport is gone or the session has ended cleanly; the caller
// (the accept loop) is responsible for conn.Close() afterward.
func (e *Engine) Run(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.out = newOutput(connCtx, e.conn, e.deps.Config.Connection.WriteTimeout, func(error) { cancel() })

	qs := e.deps.Config.Connection.InQueueSize
	if qs <= 0 {
		qs = 32
	}
	raw := make(chan readResult, qs)
	go e.readPump(connCtx, raw)

	skip := make(chan struct{}, 1)
	e.lines = make(chan readResult, qs)
	go func() {
		for r := range raw {
			select {
			case skip <- struct{}{}:
			default:
			}
			e.lines <- r
			if r.err != nil {
				return
			}
		}
	}()

	user, token, err := e.awaitAuth(connCtx, skip)
	if err != nil {
		return err
	}
	if user == nil {
		return nil // line busy, or the peer vanished before authenticating
	}

	return e.runAuthenticated(connCtx, cancel, user, token)
}

func (e *Engine) readPump(ctx context.Context, out chan<- readResult) {
	for {
		s, err := e.conn.Read(ctx)
		select {
		case out <- readResult{s: s, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// awaitAuth is the ceremony-versus-resume race (spec §9): a client
// that already holds a session token may present it as its very first
// frame, before any ceremony pacing has begun, and skip straight to
// Authenticated. Anything else read in that brief window is not lost;
// it is stashed in e.replay and replayed as the first keystrokes of
// the login prompt once the ceremony finishes. A connection rejected
// as line busy ends without replaying it.
func (e *Engine) awaitAuth(ctx context.Context, skip chan struct{}) (*persist.User, string, error) {
	select {
	case r := <-e.lines:
		if r.err != nil {
			return nil, "", nil
		}
		if ac, ok := parseAuthControl(r.s); ok {
			if user, token, ok := e.tryResume(ctx, ac.Token); ok {
				return user, token, nil
			}
			// Invalid or expired token: fall through to the normal
			// ceremony and login prompt, the frame carried no keystrokes.
		} else {
			e.replay = &r
		}
	case <-time.After(150 * time.Millisecond):
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	return e.runCeremonyAndFlows(ctx, skip)
}

// tryResume validates token against the session store and, if live,
// re-enters Authenticated directly, skipping both ceremony and login.
func (e *Engine) tryResume(ctx context.Context, token string) (*persist.User, string, bool) {
	if token == "" {
		return nil, "", false
	}
	sess, err := e.deps.Sessions.ByToken(ctx, token)
	if err != nil || sess == nil {
		return nil, "", false
	}
	if time.Now().After(sess.ExpiresAt) {
		return nil, "", false
	}
	user, err := e.deps.Users.ByID(ctx, sess.UserID)
	if err != nil || user == nil {
		return nil, "", false
	}
	if err := e.deps.Sessions.Touch(ctx, token); err != nil {
		e.log.Warn("touch resumed session", zap.Error(err))
	}
	return user, token, true
}

func (e *Engine) runCeremonyAndFlows(ctx context.Context, skip chan struct{}) (*persist.User, string, error) {
	slot, err := e.deps.Nodes.Assign("", 0)
	if err != nil {
		if !errors.Is(err, node.ErrLineBusy) {
			return nil, "", fmt.Errorf("assign node: %w", err)
		}
		if e.deps.Config.Connection.LineBusyBehavior != config.Queue {
			if e.deps.Script != nil {
				_ = ceremony.RunLineBusy(ctx, e.out, e.deps.Script)
			}
			return nil, "", nil
		}
		slot, err = e.waitForFreeNode(ctx)
		if err != nil || slot == 0 {
			return nil, "", err
		}
	}
	keepSlot := false
	defer func() {
		if !keepSlot {
			e.deps.Nodes.Release(slot)
		}
	}()

	conn := e.deps.Config.Connection
	_, max := e.deps.Nodes.Status()
	if e.deps.Script != nil {
		// Drop any skip token produced by frames read before the auth
		// decision (the auth control line itself, or typed-ahead input
		// now stashed in e.replay): only bytes that arrive once the
		// ceremony is underway may skip it.
		select {
		case <-skip:
		default:
		}
		if err := ceremony.Run(ctx, e.out, e.deps.Script, conn.BaudSimulationCPS, slot, max, conn.CeremonySkippable, skip); err != nil {
			return nil, "", nil
		}
	}

	user, token, err := e.runFlows(ctx)
	if err != nil || user == nil {
		return nil, "", err
	}
	// Login succeeded: the placeholder slot carries over to
	// Authenticated with its identity updated in place (spec §4.F
	// update_identity), instead of being released and reassigned,
	// which would let another connection take it out from under a
	// user who just logged in.
	keepSlot = true
	e.pendingSlot = slot
	return user, token, nil
}

// waitForFreeNode holds the caller on a full board until a slot frees
// up, the line_busy_behavior = queue path. Returns slot 0 if the peer
// goes away before a line opens.
func (e *Engine) waitForFreeNode(ctx context.Context) (int, error) {
	e.out.WriteLine("All lines are busy. Holding for a free line...")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, nil
		case <-ticker.C:
			slot, err := e.deps.Nodes.Assign("", 0)
			if err == nil {
				return slot, nil
			}
			if !errors.Is(err, node.ErrLineBusy) {
				return 0, fmt.Errorf("assign node: %w", err)
			}
		}
	}
}

// feedFlowByte folds a CRLF pair into a single end-of-line signal: a
// bare \r always fires, a \n fires too unless it immediately follows
// a \r already accounted for.
func (e *Engine) feedFlowByte(b byte) (isEnter bool) {
	switch {
	case b == '\n' && e.suppressNextLF:
		e.suppressNextLF = false
		return false
	case b == '\r':
		e.suppressNextLF = true
		return true
	case b == '\n':
		e.suppressNextLF = false
		return true
	default:
		e.suppressNextLF = false
		return false
	}
}

// nextChunk returns the next inbound frame, preferring anything
// already stashed by awaitAuth before pulling from the channel.
func (e *Engine) nextChunk(ctx context.Context) (readResult, bool) {
	if e.replay != nil {
		r := *e.replay
		e.replay = nil
		return r, true
	}
	select {
	case r := <-e.lines:
		return r, true
	case <-ctx.Done():
		return readResult{}, false
	}
}

func loginPrompt(s flow.LoginState) string {
	switch s {
	case flow.LoginEnterPassword:
		return "Password:"
	default:
		return "Handle (or \"new\" to register):"
	}
}

func regPrompt(s flow.RegistrationState) string {
	switch s {
	case flow.RegEnterEmail:
		return "Email address:"
	case flow.RegEnterPassword:
		return "Choose a password:"
	case flow.RegConfirmPassword:
		return "Confirm password:"
	case flow.RegEnterVerificationCode:
		return "Verification code:"
	default:
		return "Choose a handle:"
	}
}

// runFlows drives LoginFlow and RegistrationFlow byte by byte until
// one produces a terminal result: a logged-in user, a registration
// failure, or the peer disconnecting.
func (e *Engine) runFlows(ctx context.Context) (*persist.User, string, error) {
	auth := e.deps.Config.Auth
	login := flow.NewLoginFlow()
	var reg *flow.RegistrationFlow
	inRegistration := false

	loginDeps := flow.LoginDeps{
		Users:             e.deps.Users,
		Sessions:          e.deps.Sessions,
		Attempts:          e.deps.Attempts,
		LockoutMax:        auth.LockoutMaxAttempts,
		LockoutWin:        time.Duration(auth.LockoutWindowMinutes) * time.Minute,
		SessionTTL:        time.Duration(auth.SessionDurationHours) * time.Hour,
		DuplicateBlockNew: auth.DuplicateSessionPolicy == config.BlockNew,
		Kick:              e.deps.Directory.KickHandle,
	}
	regDeps := flow.RegistrationDeps{
		Users:         e.deps.Users,
		Verifications: e.deps.Verifications,
		CodeTTL:       time.Duration(auth.VerificationCodeExpiryHrs) * time.Hour,
		SendCode:      e.deps.SendCode,
	}

	e.out.WriteLine(loginPrompt(login.State()))

	for {
		r, ok := e.nextChunk(ctx)
		if !ok {
			return nil, "", nil
		}
		if r.err != nil {
			return nil, "", nil
		}

		for i := 0; i < len(r.s); i++ {
			b := r.s[i]
			isEnter := e.feedFlowByte(b)

			if !inRegistration {
				if !isEnter {
					if echo, ok := login.HandleChar(b); ok {
						e.out.Write(echo)
					}
					continue
				}
				input := login.TakeInput()
				res, err := login.Advance(ctx, input, loginDeps)
				if err != nil {
					return nil, "", fmt.Errorf("login advance: %w", err)
				}
				switch res.Kind {
				case flow.LoginContinue:
					e.out.WriteLine(loginPrompt(login.State()))
				case flow.LoginSwitchToRegistration:
					inRegistration = true
					reg = flow.NewRegistrationFlow()
					e.out.WriteLine(regPrompt(reg.State()))
				case flow.LoginError:
					e.out.WriteLine(res.Message)
					e.out.WriteLine(loginPrompt(login.State()))
				case flow.LoginLocked:
					e.out.WriteLine(fmt.Sprintf("Too many failed attempts. Try again in %d minutes.", res.RemainingMinutes))
					return nil, "", nil
				case flow.LoginSuccess:
					_ = e.out.WriteControl(sessionControl{Type: "session", Token: res.Token})
					return res.User, res.Token, nil
				}
				continue
			}

			// Registration is in progress.
			if !isEnter {
				if echo, ok := reg.HandleChar(b); ok {
					e.out.Write(echo)
				}
				continue
			}
			input := reg.TakeInput()
			res, err := reg.Advance(ctx, input, regDeps)
			if err != nil {
				return nil, "", fmt.Errorf("registration advance: %w", err)
			}
			switch res.Kind {
			case flow.RegContinue:
				e.out.WriteLine(regPrompt(reg.State()))
			case flow.RegMessage:
				e.out.WriteLine(res.Message)
				if reg.State() != flow.RegComplete {
					e.out.WriteLine(regPrompt(reg.State()))
				}
			case flow.RegFailed:
				e.out.WriteLine(res.Message)
				return nil, "", nil
			case flow.RegCompleteResult:
				e.out.WriteLine("Registration complete.")
				if auth.PostRegistrationFlow != "login" {
					return nil, "", nil
				}
				// Return to login with the handle already entered, so the
				// new user only has to supply their password.
				inRegistration = false
				login = flow.NewLoginFlow()
				advanceRes, err := login.Advance(ctx, res.Handle, loginDeps)
				if err != nil {
					return nil, "", fmt.Errorf("post-registration login advance: %w", err)
				}
				if advanceRes.Kind == flow.LoginContinue {
					e.out.WriteLine(loginPrompt(login.State()))
				}
			}
		}
	}
}
