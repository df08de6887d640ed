package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ocgully/construct/internal/config"
	"github.com/ocgully/construct/internal/node"
	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/security"
	"github.com/ocgully/construct/internal/service"
)

// fakeConn is a transport.Conn backed by two channels, so a test can
// feed inbound frames one at a time and inspect everything the engine
// writes back, including control messages.
type fakeConn struct {
	in     chan string
	mu     sync.Mutex
	out    []string
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan string, 32)}
}

func (c *fakeConn) Read(ctx context.Context) (string, error) {
	select {
	case s, ok := <-c.in:
		if !ok {
			return "", fmt.Errorf("transport closed")
		}
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, chunk string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write after close")
	}
	c.out = append(c.out, chunk)
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "test://fake" }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) send(s string) { c.in <- s }

// closeInbound simulates the peer hanging up: the next Read fails,
// which is how a test ends a session that has no "q" to send (e.g.
// one still sitting at a login prompt).
func (c *fakeConn) closeInbound() { close(c.in) }

func (c *fakeConn) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.out))
	copy(out, c.out)
	return out
}

func (c *fakeConn) joined() string { return strings.Join(c.snapshot(), "") }

// fakeUsers and fakeSessions satisfy both the engine's UserStore/
// SessionStore and the flows' narrower interfaces, in the style of
// internal/flow's test fakes.
type fakeUsers struct {
	mu       sync.Mutex
	byHandle map[string]*persist.User
	byID     map[int64]*persist.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byHandle: map[string]*persist.User{}, byID: map[int64]*persist.User{}}
}

func (f *fakeUsers) put(u *persist.User) {
	f.byHandle[strings.ToLower(u.Handle)] = u
	f.byID[u.ID] = u
}

func (f *fakeUsers) ByHandle(_ context.Context, handle string) (*persist.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byHandle[strings.ToLower(handle)], nil
}
func (f *fakeUsers) ByID(_ context.Context, id int64) (*persist.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}
func (f *fakeUsers) RecordLogin(context.Context, int64) error { return nil }
func (f *fakeUsers) AddTimeMinutes(_ context.Context, userID int64, minutes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.byID[userID]; ok {
		u.TotalTimeMinutes += minutes
	}
	return nil
}
func (f *fakeUsers) HandleExists(ctx context.Context, handle string) (bool, error) {
	u, _ := f.ByHandle(ctx, handle)
	return u != nil, nil
}
func (f *fakeUsers) EmailExists(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byHandle {
		if strings.EqualFold(u.Email, email) {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeUsers) CreateWithVerification(_ context.Context, handle, email, passwordHash, _ string, _ time.Duration) (*persist.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &persist.User{ID: int64(len(f.byID) + 1), Handle: handle, Email: email, PasswordHash: passwordHash}
	f.byHandle[strings.ToLower(handle)] = u
	f.byID[u.ID] = u
	return u, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	byToken map[string]*persist.Session
	live    map[int64]*persist.Session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{byToken: map[string]*persist.Session{}, live: map[int64]*persist.Session{}}
}

func (f *fakeSessions) LiveForUser(_ context.Context, userID int64) (*persist.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[userID], nil
}
func (f *fakeSessions) Delete(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byToken[token]; ok {
		delete(f.byToken, token)
		delete(f.live, s.UserID)
	}
	return nil
}
func (f *fakeSessions) Create(_ context.Context, token string, userID int64, ttl time.Duration) (*persist.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &persist.Session{Token: token, UserID: userID, CreatedAt: time.Now(), LastActivity: time.Now(), ExpiresAt: time.Now().Add(ttl)}
	f.byToken[token] = s
	f.live[userID] = s
	return s, nil
}
func (f *fakeSessions) ByToken(_ context.Context, token string) (*persist.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byToken[token], nil
}
func (f *fakeSessions) Touch(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byToken[token]; ok {
		s.LastActivity = time.Now()
	}
	return nil
}

// fakeAttempts counts failed attempts in memory: every test handle
// starts with a clean record.
type fakeAttempts struct {
	mu       sync.Mutex
	failures map[string]int
}

func newFakeAttempts() *fakeAttempts {
	return &fakeAttempts{failures: map[string]int{}}
}

func (f *fakeAttempts) IsLockedOut(_ context.Context, handle string, threshold int, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[strings.ToLower(handle)] >= threshold, nil
}
func (f *fakeAttempts) Record(_ context.Context, handle string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !success {
		f.failures[strings.ToLower(handle)]++
	}
	return nil
}

func testDeps() (Deps, *fakeUsers, *fakeSessions) {
	users := newFakeUsers()
	sessions := newFakeSessions()
	cfg := &config.Config{
		Server:     config.ServerConfig{MaxNodes: 2},
		Auth:       config.AuthConfig{LockoutMaxAttempts: 3, LockoutWindowMinutes: 15, SessionDurationHours: 12, VerificationCodeExpiryHrs: 24, DuplicateSessionPolicy: config.BlockNew, PostRegistrationFlow: "login"},
		Connection: config.ConnectionConfig{IdleTimeoutMinutes: 15, DailyTimeLimitMinutes: 120, TimeWarningMinutes: []int{5, 1}, BaudSimulationCPS: 300, CeremonySkippable: true, LineBusyBehavior: config.RejectImmediately},
	}
	deps := Deps{
		Config:    cfg,
		Users:     users,
		Sessions:  sessions,
		Attempts:  newFakeAttempts(),
		Nodes:     node.NewManager(cfg.Server.MaxNodes),
		Services:  service.NewRegistry(),
		Directory: NewDirectory(),
		Script:    nil, // ceremony pacing skipped in tests; the ceremony's node-placeholder assignment still runs
		Log:       zap.NewNop(),
	}
	return deps, users, sessions
}

func runEngine(t *testing.T, deps Deps, conn *fakeConn) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		e := NewEngine(conn, deps)
		done <- e.Run(context.Background())
	}()
	return done
}

// TestEngineResumeSkipsCeremonyAndLogin covers spec §8 scenario S5:
// a client presenting a valid token as its first frame goes straight
// to the main menu, with no ceremony banner and no login prompt.
func TestEngineResumeSkipsCeremonyAndLogin(t *testing.T) {
	deps, users, sessions := testDeps()
	user := &persist.User{ID: 1, Handle: "RustyWrench", EmailVerified: true}
	users.put(user)
	sess, err := sessions.Create(context.Background(), "tok-123", user.ID, time.Hour)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}

	conn := newFakeConn()
	done := runEngine(t, deps, conn)

	conn.send(mustJSON(t, map[string]any{"type": "auth", "token": sess.Token}))

	waitFor(t, func() bool { return strings.Contains(conn.joined(), "The Construct") })
	out := conn.joined()
	if strings.Contains(out, "CONNECT") || strings.Contains(out, "Handle (or") {
		t.Fatalf("expected no ceremony/login prompt on resume, got %q", out)
	}

	conn.send("q")
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if s, _ := sessions.ByToken(context.Background(), sess.Token); s != nil {
		t.Fatalf("expected session deleted after clean quit, still present: %+v", s)
	}
	if !strings.Contains(conn.joined(), `"type":"logout"`) {
		t.Fatalf("expected a logout control message, got %q", conn.joined())
	}
}

// TestEngineFreshLoginSendsSessionTokenAndKeepsSlot covers spec §8
// scenario S1 step 6 (the outbound stream carries exactly one
// {"type":"session","token":"…"} frame on a successful login) and the
// §4.J/§4.F requirement that a freshly authenticated connection keeps
// the ceremony's placeholder node slot via update_identity instead of
// releasing it and racing a new connection for a replacement.
func TestEngineFreshLoginSendsSessionTokenAndKeepsSlot(t *testing.T) {
	deps, users, _ := testDeps()
	hash, err := security.HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	users.put(&persist.User{ID: 1, Handle: "RustyWrench", EmailVerified: true, PasswordHash: hash})

	conn := newFakeConn()
	done := runEngine(t, deps, conn)

	conn.send(mustJSON(t, map[string]any{"type": "auth", "token": nil}))
	waitFor(t, func() bool { return strings.Contains(conn.joined(), "Handle (or") })

	conn.send("RustyWrench\r")
	waitFor(t, func() bool { return strings.Contains(conn.joined(), "Password:") })

	conn.send("hunter2\r")
	waitFor(t, func() bool { return strings.Contains(conn.joined(), `"type":"session"`) })

	if n := strings.Count(conn.joined(), `{"type":"session","token":"`); n != 1 {
		t.Fatalf("expected exactly one session control frame carrying a token, got %d in %q", n, conn.joined())
	}

	waitFor(t, func() bool { return strings.Contains(conn.joined(), "The Construct") })

	active, _ := deps.Nodes.Status()
	if active != 1 {
		t.Fatalf("expected exactly one occupied slot after login, got %d", active)
	}
	list := deps.Nodes.List()
	if len(list) != 1 || list[0].Handle != "RustyWrench" || list[0].UserID != 1 {
		t.Fatalf("expected the placeholder slot's identity updated in place, got %+v", list)
	}

	conn.send("q")
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if active, _ := deps.Nodes.Status(); active != 0 {
		t.Fatalf("expected the node released after quit, got %d active", active)
	}
}

// TestEngineResumeInvalidTokenFallsBackToCeremony covers the "token
// invalid|null" branch of the AwaitingAuth state: an unrecognized
// token does not resume anything, and the connection goes on to the
// ordinary login prompt instead.
func TestEngineResumeInvalidTokenFallsBackToCeremony(t *testing.T) {
	deps, _, _ := testDeps()
	conn := newFakeConn()
	done := runEngine(t, deps, conn)

	conn.send(mustJSON(t, map[string]any{"type": "auth", "token": "does-not-exist"}))

	waitFor(t, func() bool { return strings.Contains(conn.joined(), "Handle (or") })

	conn.closeInbound()
	<-done
}

// TestEngineLineBusyRejectsThirdConnection covers spec §8 scenario
// S3: once every node is occupied, a new connection is rejected
// rather than queued, and never reaches the login prompt.
func TestEngineLineBusyRejectsThirdConnection(t *testing.T) {
	deps, _, _ := testDeps()
	// Two earlier connections already hold both of the board's nodes.
	for i, h := range []string{"A", "B"} {
		if _, err := deps.Nodes.Assign(h, int64(i+1)); err != nil {
			t.Fatalf("Assign(%s): %v", h, err)
		}
	}

	conn := newFakeConn()
	done := runEngine(t, deps, conn)

	conn.send(mustJSON(t, map[string]any{"type": "auth", "token": nil}))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected line-busy session to terminate promptly")
	}
	if strings.Contains(conn.joined(), "Handle (or") {
		t.Fatalf("line-busy connection should never reach the login prompt, got %q", conn.joined())
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
