package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/security"
	"github.com/ocgully/construct/internal/validate"
)

type RegistrationState int

const (
	RegEnterHandle RegistrationState = iota
	RegEnterEmail
	RegEnterPassword
	RegConfirmPassword
	RegEnterVerificationCode
	RegComplete
)

// maxVerificationAttempts bounds how many wrong codes are tolerated
// at RegEnterVerificationCode before the flow fails outright.
const maxVerificationAttempts = 3

type RegistrationResultKind int

const (
	RegContinue RegistrationResultKind = iota
	RegMessage
	RegCompleteResult
	RegFailed
)

type RegistrationResult struct {
	Kind    RegistrationResultKind
	Message string
	UserID  int64
	Handle  string
}

// RegUserStore and VerificationStore are the slices of persist's
// repositories this flow needs, declared locally so the flow can be
// tested against fakes without a database.
type RegUserStore interface {
	HandleExists(ctx context.Context, handle string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)
	// CreateWithVerification inserts the user row and its registration
	// code as one transaction.
	CreateWithVerification(ctx context.Context, handle, email, passwordHash, code string, codeTTL time.Duration) (*persist.User, error)
}

type VerificationStore interface {
	ConsumeRegistration(ctx context.Context, userID int64, email, code string) (bool, error)
}

type RegistrationDeps struct {
	Users         RegUserStore
	Verifications VerificationStore
	CodeTTL       time.Duration
	SendCode      func(ctx context.Context, email, code string) error
}

// RegistrationFlow drives EnterHandle -> EnterEmail -> EnterPassword
// -> ConfirmPassword -> EnterVerificationCode -> Complete.
type RegistrationFlow struct {
	state RegistrationState
	buf   strings.Builder

	handle         string
	email          string
	password       string
	userID         int64
	verifyAttempts int
}

func NewRegistrationFlow() *RegistrationFlow {
	return &RegistrationFlow{state: RegEnterHandle}
}

func (f *RegistrationFlow) State() RegistrationState { return f.state }

func (f *RegistrationFlow) HandleChar(c byte) (echo string, ok bool) {
	switch {
	case c == '\r' || c == '\n':
		return "", false
	case c == 0x7f || c == 0x08:
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
		if f.state == RegEnterPassword || f.state == RegConfirmPassword {
			return "*", true
		}
		return string(c), true
	}
}

func (f *RegistrationFlow) TakeInput() string {
	s := f.buf.String()
	f.buf.Reset()
	return s
}

func (f *RegistrationFlow) Advance(ctx context.Context, input string, deps RegistrationDeps) (RegistrationResult, error) {
	switch f.state {
	case RegEnterHandle:
		return f.advanceHandle(ctx, input, deps)
	case RegEnterEmail:
		return f.advanceEmail(ctx, input, deps)
	case RegEnterPassword:
		return f.advancePassword(input)
	case RegConfirmPassword:
		return f.advanceConfirm(ctx, input, deps)
	case RegEnterVerificationCode:
		return f.advanceVerificationCode(ctx, input, deps)
	default:
		return RegistrationResult{}, fmt.Errorf("registration flow: unknown state %d", f.state)
	}
}

func (f *RegistrationFlow) advanceHandle(ctx context.Context, input string, deps RegistrationDeps) (RegistrationResult, error) {
	if err := validate.Handle(input); err != nil {
		return RegistrationResult{Kind: RegMessage, Message: err.Error()}, nil
	}
	exists, err := deps.Users.HandleExists(ctx, input)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("check handle exists: %w", err)
	}
	if exists {
		return RegistrationResult{Kind: RegMessage, Message: "That handle is already taken."}, nil
	}
	f.handle = input
	f.state = RegEnterEmail
	return RegistrationResult{Kind: RegContinue}, nil
}

func (f *RegistrationFlow) advanceEmail(ctx context.Context, input string, deps RegistrationDeps) (RegistrationResult, error) {
	if err := validate.Email(input); err != nil {
		return RegistrationResult{Kind: RegMessage, Message: err.Error()}, nil
	}
	exists, err := deps.Users.EmailExists(ctx, input)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("check email exists: %w", err)
	}
	if exists {
		return RegistrationResult{Kind: RegMessage, Message: "That email is already registered."}, nil
	}
	f.email = input
	f.state = RegEnterPassword
	return RegistrationResult{Kind: RegContinue}, nil
}

func (f *RegistrationFlow) advancePassword(input string) (RegistrationResult, error) {
	if err := validate.Password(input); err != nil {
		return RegistrationResult{Kind: RegMessage, Message: err.Error()}, nil
	}
	f.password = input
	f.state = RegConfirmPassword
	return RegistrationResult{Kind: RegContinue}, nil
}

// advanceConfirm: on mismatch, the flow returns to EnterPassword with
// the password cleared, per spec §4.H.
func (f *RegistrationFlow) advanceConfirm(ctx context.Context, input string, deps RegistrationDeps) (RegistrationResult, error) {
	if input != f.password {
		f.password = ""
		f.state = RegEnterPassword
		return RegistrationResult{Kind: RegMessage, Message: "Passwords did not match. Try again."}, nil
	}

	hash, err := security.HashPassword(f.password)
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("hash password: %w", err)
	}
	f.password = ""

	code, err := security.NewVerificationCode()
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("generate verification code: %w", err)
	}
	user, err := deps.Users.CreateWithVerification(ctx, f.handle, f.email, hash, code, deps.CodeTTL)
	if err != nil {
		// Uniqueness is re-checked here, at insertion time, to close the
		// race window between the earlier pre-checks and this write. The
		// flow starts over at the handle prompt.
		f.handle, f.email = "", ""
		f.state = RegEnterHandle
		return RegistrationResult{Kind: RegMessage, Message: "That handle or email was just taken. Please start over."}, nil
	}
	f.userID = user.ID

	if deps.SendCode != nil {
		if err := deps.SendCode(ctx, f.email, code); err != nil {
			return RegistrationResult{}, fmt.Errorf("send verification code: %w", err)
		}
	}

	f.state = RegEnterVerificationCode
	return RegistrationResult{Kind: RegMessage, Message: "A verification code has been sent to your email."}, nil
}

func (f *RegistrationFlow) advanceVerificationCode(ctx context.Context, input string, deps RegistrationDeps) (RegistrationResult, error) {
	ok, err := deps.Verifications.ConsumeRegistration(ctx, f.userID, f.email, strings.TrimSpace(input))
	if err != nil {
		return RegistrationResult{}, fmt.Errorf("consume verification code: %w", err)
	}
	if !ok {
		f.verifyAttempts++
		if f.verifyAttempts >= maxVerificationAttempts {
			return RegistrationResult{Kind: RegFailed, Message: "Too many invalid codes."}, nil
		}
		return RegistrationResult{Kind: RegMessage, Message: "That code is invalid or expired."}, nil
	}
	f.state = RegComplete
	return RegistrationResult{Kind: RegCompleteResult, UserID: f.userID, Handle: f.handle}, nil
}
