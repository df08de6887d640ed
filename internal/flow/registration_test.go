package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ocgully/construct/internal/persist"
)

// fakeRegStore plays both RegUserStore and VerificationStore, the way
// the real repos share one database: the user row and its code are
// written together.
type fakeRegStore struct {
	handles map[string]bool
	emails  map[string]bool
	codes   map[string]string // email -> code
	nextID  int64
	created []*persist.User
}

func (f *fakeRegStore) HandleExists(_ context.Context, handle string) (bool, error) {
	return f.handles[strings.ToLower(handle)], nil
}
func (f *fakeRegStore) EmailExists(_ context.Context, email string) (bool, error) {
	return f.emails[strings.ToLower(email)], nil
}
func (f *fakeRegStore) CreateWithVerification(_ context.Context, handle, email, hash, code string, _ time.Duration) (*persist.User, error) {
	f.nextID++
	u := &persist.User{ID: f.nextID, Handle: handle, Email: email, PasswordHash: hash}
	f.created = append(f.created, u)
	f.handles[strings.ToLower(handle)] = true
	f.emails[strings.ToLower(email)] = true
	f.codes[strings.ToLower(email)] = code
	return u, nil
}
func (f *fakeRegStore) ConsumeRegistration(_ context.Context, _ int64, email, code string) (bool, error) {
	want, ok := f.codes[strings.ToLower(email)]
	if !ok || want != code {
		return false, nil
	}
	delete(f.codes, strings.ToLower(email))
	return true, nil
}

func newRegDeps() (RegistrationDeps, *fakeRegStore) {
	store := &fakeRegStore{handles: map[string]bool{}, emails: map[string]bool{}, codes: map[string]string{}}
	return RegistrationDeps{
		Users:         store,
		Verifications: store,
		CodeTTL:       24 * time.Hour,
	}, store
}

func driveToVerification(t *testing.T, deps RegistrationDeps) *RegistrationFlow {
	t.Helper()
	f := NewRegistrationFlow()
	ctx := context.Background()
	steps := []string{"RustyWrench", "rusty@example.com", "hunter2", "hunter2"}
	var last RegistrationResult
	var err error
	for _, s := range steps {
		last, err = f.Advance(ctx, s, deps)
		if err != nil {
			t.Fatalf("Advance(%q): %v", s, err)
		}
	}
	if last.Kind != RegMessage {
		t.Fatalf("expected code-sent message, got %v (%s)", last.Kind, last.Message)
	}
	return f
}

func TestRegistrationFlowFullHappyPath(t *testing.T) {
	deps, store := newRegDeps()
	f := driveToVerification(t, deps)

	code := store.codes["rusty@example.com"]
	if code == "" {
		t.Fatal("expected a verification code to have been issued")
	}

	res, err := f.Advance(context.Background(), code, deps)
	if err != nil {
		t.Fatalf("Advance(code): %v", err)
	}
	if res.Kind != RegCompleteResult {
		t.Fatalf("expected Complete, got %v (%s)", res.Kind, res.Message)
	}
	if len(store.created) != 1 || store.created[0].Handle != "RustyWrench" {
		t.Fatalf("expected RustyWrench to be created, got %+v", store.created)
	}
}

func TestRegistrationFlowPasswordMismatchClearsAndRetries(t *testing.T) {
	deps, _ := newRegDeps()
	f := NewRegistrationFlow()
	ctx := context.Background()
	f.Advance(ctx, "RustyWrench", deps)
	f.Advance(ctx, "rusty@example.com", deps)
	f.Advance(ctx, "hunter2", deps)
	res, err := f.Advance(ctx, "different", deps)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Kind != RegMessage {
		t.Fatalf("expected mismatch message, got %v", res.Kind)
	}
	if f.State() != RegEnterPassword {
		t.Fatalf("expected flow to return to EnterPassword, got %v", f.State())
	}
}

func TestRegistrationFlowTooManyBadCodesFails(t *testing.T) {
	deps, _ := newRegDeps()
	f := driveToVerification(t, deps)

	var last RegistrationResult
	for i := 0; i < maxVerificationAttempts; i++ {
		var err error
		last, err = f.Advance(context.Background(), "000000", deps)
		if err != nil {
			t.Fatalf("Advance(bad code): %v", err)
		}
	}
	if last.Kind != RegFailed {
		t.Fatalf("expected Failed after %d bad codes, got %v", maxVerificationAttempts, last.Kind)
	}
}

func TestRegistrationFlowRejectsTakenHandle(t *testing.T) {
	deps, store := newRegDeps()
	store.handles["rustywrench"] = true

	f := NewRegistrationFlow()
	res, err := f.Advance(context.Background(), "RustyWrench", deps)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if res.Kind != RegMessage {
		t.Fatalf("expected rejection message, got %v", res.Kind)
	}
	if f.State() != RegEnterHandle {
		t.Fatalf("expected flow to stay at EnterHandle, got %v", f.State())
	}
}
