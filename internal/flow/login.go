// Package flow implements the two pre-authentication prompt state
// machines: LoginFlow and RegistrationFlow (spec §4.H). Each flow
// owns a prompt state and an accumulating input buffer; it is the
// session engine's job to feed characters in and call Advance at
// end-of-line.
package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/security"
)

// NewSentinel is the handle typed at the login prompt to switch to
// registration instead of authenticating.
const NewSentinel = "new"

// UserStore, SessionStore, and AttemptStore are the slices of
// persist's repositories this flow needs. Declaring them here (rather
// than depending on *persist.UserRepo directly) keeps the flow
// testable against fakes without a database.
type UserStore interface {
	ByHandle(ctx context.Context, handle string) (*persist.User, error)
	RecordLogin(ctx context.Context, userID int64) error
}

type SessionStore interface {
	LiveForUser(ctx context.Context, userID int64) (*persist.Session, error)
	Delete(ctx context.Context, token string) error
	Create(ctx context.Context, token string, userID int64, ttl time.Duration) (*persist.Session, error)
}

type AttemptStore interface {
	IsLockedOut(ctx context.Context, handle string, threshold int, window time.Duration) (bool, error)
	Record(ctx context.Context, handle string, success bool) error
}

type LoginState int

const (
	LoginEnterHandle LoginState = iota
	LoginEnterPassword
)

// LoginResultKind distinguishes the outcome of Advance.
type LoginResultKind int

const (
	LoginContinue LoginResultKind = iota
	LoginSwitchToRegistration
	LoginError
	LoginLocked
	LoginSuccess
)

type LoginResult struct {
	Kind    LoginResultKind
	Message string
	// RemainingMinutes is set on LoginLocked to the full configured
	// lockout window; the time actually left in the window is not
	// computed.
	RemainingMinutes int
	User             *persist.User
	Token            string
}

// LoginDeps are the collaborators Advance needs. Held by value per
// call, not stored on the flow, so the flow itself stays a small,
// inert state holder.
type LoginDeps struct {
	Users             UserStore
	Sessions          SessionStore
	Attempts          AttemptStore
	LockoutMax        int
	LockoutWin        time.Duration
	SessionTTL        time.Duration
	DuplicateBlockNew bool // true = BlockNew, false = KickOld

	// Kick signals a live connection for handle to terminate, if one is
	// reachable in this process. Optional: nil is a no-op. Used for the
	// KickOld duplicate-session policy (spec §4.J/§9) once the stale
	// session row has already been deleted below.
	Kick func(handle string) bool
}

// LoginFlow is a small state machine: EnterHandle -> EnterPassword.
type LoginFlow struct {
	state  LoginState
	handle string
	buf    strings.Builder
}

func NewLoginFlow() *LoginFlow {
	return &LoginFlow{state: LoginEnterHandle}
}

// HandleChar returns the echo text for c, or ok=false to suppress it
// entirely (control bytes, Enter, and a backspace on an empty buffer).
// Detecting end-of-line is the caller's job: on Enter it calls
// TakeInput and Advance itself.
func (f *LoginFlow) HandleChar(c byte) (echo string, ok bool) {
	switch {
	case c == '\r' || c == '\n':
		return "", false
	case c == 0x7f || c == 0x08: // backspace / DEL
		if f.buf.Len() > 0 {
			s := f.buf.String()
			f.buf.Reset()
			f.buf.WriteString(s[:len(s)-1])
			return "\b \b", true
		}
		return "", false
	case c < 0x20:
		return "", false
	default:
		f.buf.WriteByte(c)
		if f.state == LoginEnterPassword {
			return "*", true
		}
		return string(c), true
	}
}

// TakeInput clears and returns the accumulated buffer.
func (f *LoginFlow) TakeInput() string {
	s := f.buf.String()
	f.buf.Reset()
	return s
}

func (f *LoginFlow) State() LoginState { return f.state }

// Advance validates input against the current state and either
// progresses the flow or returns a terminal/error result.
func (f *LoginFlow) Advance(ctx context.Context, input string, deps LoginDeps) (LoginResult, error) {
	switch f.state {
	case LoginEnterHandle:
		return f.advanceEnterHandle(input)
	case LoginEnterPassword:
		return f.advanceEnterPassword(ctx, input, deps)
	default:
		return LoginResult{}, fmt.Errorf("login flow: unknown state %d", f.state)
	}
}

func (f *LoginFlow) advanceEnterHandle(input string) (LoginResult, error) {
	if input == "" {
		return LoginResult{Kind: LoginError, Message: "Please enter a handle."}, nil
	}
	if strings.EqualFold(input, NewSentinel) {
		return LoginResult{Kind: LoginSwitchToRegistration}, nil
	}
	f.handle = input
	f.state = LoginEnterPassword
	return LoginResult{Kind: LoginContinue}, nil
}

// advanceEnterPassword follows the order mandated by spec §4.H: lockout
// check, then lookup, then verified flag, then duplicate-session
// check, then password verify. Lockout precedes lookup so a locked-out
// handle never leaks whether the account exists.
func (f *LoginFlow) advanceEnterPassword(ctx context.Context, input string, deps LoginDeps) (LoginResult, error) {
	handle := f.handle
	defer func() { f.state = LoginEnterHandle }()

	locked, err := deps.Attempts.IsLockedOut(ctx, handle, deps.LockoutMax, deps.LockoutWin)
	if err != nil {
		return LoginResult{}, fmt.Errorf("check lockout: %w", err)
	}
	if locked {
		return LoginResult{Kind: LoginLocked, RemainingMinutes: int(deps.LockoutWin.Minutes())}, nil
	}

	user, err := deps.Users.ByHandle(ctx, handle)
	if err != nil {
		return LoginResult{}, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return f.reject(ctx, handle, deps)
	}
	if !user.EmailVerified {
		return f.reject(ctx, handle, deps)
	}

	if live, err := deps.Sessions.LiveForUser(ctx, user.ID); err != nil {
		return LoginResult{}, fmt.Errorf("check duplicate session: %w", err)
	} else if live != nil {
		if deps.DuplicateBlockNew {
			return LoginResult{Kind: LoginError, Message: "This account is already connected."}, nil
		}
		if err := deps.Sessions.Delete(ctx, live.Token); err != nil {
			return LoginResult{}, fmt.Errorf("kick old session: %w", err)
		}
		if deps.Kick != nil {
			deps.Kick(handle)
		}
	}

	if !security.VerifyPassword(input, user.PasswordHash) {
		return f.reject(ctx, handle, deps)
	}

	if err := deps.Attempts.Record(ctx, handle, true); err != nil {
		return LoginResult{}, fmt.Errorf("record attempt: %w", err)
	}
	token := security.NewSessionToken()
	if _, err := deps.Sessions.Create(ctx, token, user.ID, deps.SessionTTL); err != nil {
		return LoginResult{}, fmt.Errorf("create session: %w", err)
	}
	if err := deps.Users.RecordLogin(ctx, user.ID); err != nil {
		return LoginResult{}, fmt.Errorf("record login: %w", err)
	}

	return LoginResult{Kind: LoginSuccess, User: user, Token: token}, nil
}

// reject records a failed attempt and returns the generic credentials
// error, never distinguishing unknown handle from wrong password.
func (f *LoginFlow) reject(ctx context.Context, handle string, deps LoginDeps) (LoginResult, error) {
	if err := deps.Attempts.Record(ctx, handle, false); err != nil {
		return LoginResult{}, fmt.Errorf("record attempt: %w", err)
	}
	return LoginResult{Kind: LoginError, Message: "Invalid credentials."}, nil
}
