package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/security"
)

type fakeUsers struct {
	byHandle map[string]*persist.User
}

func (f *fakeUsers) ByHandle(_ context.Context, handle string) (*persist.User, error) {
	return f.byHandle[strings.ToLower(handle)], nil
}
func (f *fakeUsers) RecordLogin(context.Context, int64) error { return nil }

type fakeSessions struct {
	live    map[int64]*persist.Session
	created []persist.Session
}

func (f *fakeSessions) LiveForUser(_ context.Context, userID int64) (*persist.Session, error) {
	return f.live[userID], nil
}
func (f *fakeSessions) Delete(_ context.Context, token string) error {
	for uid, s := range f.live {
		if s.Token == token {
			delete(f.live, uid)
		}
	}
	return nil
}
func (f *fakeSessions) Create(_ context.Context, token string, userID int64, ttl time.Duration) (*persist.Session, error) {
	s := &persist.Session{Token: token, UserID: userID}
	f.created = append(f.created, *s)
	return s, nil
}

type fakeAttempts struct {
	failures map[string]int
	records  []bool
}

func (f *fakeAttempts) IsLockedOut(_ context.Context, handle string, threshold int, _ time.Duration) (bool, error) {
	return f.failures[strings.ToLower(handle)] >= threshold, nil
}
func (f *fakeAttempts) Record(_ context.Context, handle string, success bool) error {
	f.records = append(f.records, success)
	if !success {
		f.failures[strings.ToLower(handle)]++
	}
	return nil
}

func newTestDeps(user *persist.User) (LoginDeps, *fakeAttempts, *fakeSessions) {
	users := &fakeUsers{byHandle: map[string]*persist.User{}}
	if user != nil {
		users.byHandle[strings.ToLower(user.Handle)] = user
	}
	attempts := &fakeAttempts{failures: map[string]int{}}
	sessions := &fakeSessions{live: map[int64]*persist.Session{}}
	return LoginDeps{
		Users:             users,
		Sessions:          sessions,
		Attempts:          attempts,
		LockoutMax:        3,
		LockoutWin:        15 * time.Minute,
		SessionTTL:        12 * time.Hour,
		DuplicateBlockNew: true,
	}, attempts, sessions
}

func TestLoginFlowNewSentinelSwitchesToRegistration(t *testing.T) {
	f := NewLoginFlow()
	deps, _, _ := newTestDeps(nil)
	res, err := f.Advance(context.Background(), "new", deps)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Kind != LoginSwitchToRegistration {
		t.Fatalf("expected SwitchToRegistration, got %v", res.Kind)
	}
}

func TestLoginFlowSuccess(t *testing.T) {
	hash, _ := security.HashPassword("hunter2")
	user := &persist.User{ID: 1, Handle: "RustyWrench", EmailVerified: true, PasswordHash: hash}
	deps, _, sessions := newTestDeps(user)

	f := NewLoginFlow()
	if _, err := f.Advance(context.Background(), "RustyWrench", deps); err != nil {
		t.Fatalf("Advance(handle): %v", err)
	}
	res, err := f.Advance(context.Background(), "hunter2", deps)
	if err != nil {
		t.Fatalf("Advance(password): %v", err)
	}
	if res.Kind != LoginSuccess {
		t.Fatalf("expected Success, got %v (%s)", res.Kind, res.Message)
	}
	if len(sessions.created) != 1 {
		t.Fatalf("expected one session to be created, got %d", len(sessions.created))
	}
}

func TestLoginFlowWrongPasswordDoesNotDiscriminate(t *testing.T) {
	hash, _ := security.HashPassword("hunter2")
	user := &persist.User{ID: 1, Handle: "RustyWrench", EmailVerified: true, PasswordHash: hash}
	deps, _, _ := newTestDeps(user)

	f := NewLoginFlow()
	f.Advance(context.Background(), "RustyWrench", deps)
	res, _ := f.Advance(context.Background(), "wrong", deps)

	f2 := NewLoginFlow()
	deps2, _, _ := newTestDeps(nil)
	f2.Advance(context.Background(), "NoSuchUser", deps2)
	res2, _ := f2.Advance(context.Background(), "whatever", deps2)

	if res.Kind != LoginError || res2.Kind != LoginError {
		t.Fatalf("expected both to be LoginError, got %v and %v", res.Kind, res2.Kind)
	}
	if res.Message != res2.Message {
		t.Fatalf("expected identical generic message, got %q vs %q", res.Message, res2.Message)
	}
}

func TestLoginFlowLockoutPrecedesVerify(t *testing.T) {
	hash, _ := security.HashPassword("hunter2")
	user := &persist.User{ID: 1, Handle: "RustyWrench", EmailVerified: true, PasswordHash: hash}
	deps, attempts, _ := newTestDeps(user)
	attempts.failures["rustywrench"] = 3

	f := NewLoginFlow()
	f.Advance(context.Background(), "RustyWrench", deps)
	res, err := f.Advance(context.Background(), "hunter2", deps)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Kind != LoginLocked {
		t.Fatalf("expected Locked, got %v", res.Kind)
	}
}

func TestLoginFlowDuplicateSessionBlocksNew(t *testing.T) {
	hash, _ := security.HashPassword("hunter2")
	user := &persist.User{ID: 1, Handle: "RustyWrench", EmailVerified: true, PasswordHash: hash}
	deps, _, sessions := newTestDeps(user)
	sessions.live[1] = &persist.Session{Token: "existing", UserID: 1}

	f := NewLoginFlow()
	f.Advance(context.Background(), "RustyWrench", deps)
	res, err := f.Advance(context.Background(), "hunter2", deps)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Kind != LoginError {
		t.Fatalf("expected Error for blocked duplicate session, got %v", res.Kind)
	}
}

func TestLoginFlowHandleCharMasksPassword(t *testing.T) {
	f := NewLoginFlow()
	f.Advance(context.Background(), "someone", LoginDeps{})
	echo, ok := f.HandleChar('x')
	if !ok || echo != "*" {
		t.Fatalf("expected masked echo '*', got %q, ok=%v", echo, ok)
	}
}

func TestLoginFlowBackspaceErasesBuffer(t *testing.T) {
	f := NewLoginFlow()
	f.HandleChar('a')
	f.HandleChar('b')
	echo, ok := f.HandleChar(0x7f)
	if !ok || echo != "\b \b" {
		t.Fatalf("expected erase sequence, got %q, ok=%v", echo, ok)
	}
	if got := f.TakeInput(); got != "a" {
		t.Fatalf("expected buffer 'a' after backspace, got %q", got)
	}
}
