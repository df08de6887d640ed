package games

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/service"
)

type fakeOutput struct {
	lines []string
}

func (f *fakeOutput) Write(text string)     { f.lines = append(f.lines, text) }
func (f *fakeOutput) WriteLine(text string) { f.lines = append(f.lines, text) }

func (f *fakeOutput) joined() string { return strings.Join(f.lines, "\n") }

func newTestContext(slot int) (*service.Context, *fakeOutput) {
	out := &fakeOutput{}
	sc := &service.Context{
		Output:   out,
		User:     &persist.User{Handle: "neo"},
		Level:    persist.LevelUser,
		NodeSlot: slot,
	}
	return sc, out
}

func TestEnterDescribesStartingRoom(t *testing.T) {
	g, err := NewWander(zap.NewNop())
	if err != nil {
		t.Fatalf("NewWander: %v", err)
	}
	defer g.Close()

	sc, out := newTestContext(1)
	if err := g.Enter(context.Background(), sc); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if !strings.Contains(out.joined(), "atrium") {
		t.Errorf("expected atrium description, got %q", out.joined())
	}
}

func TestHandleCharMovesBetweenRooms(t *testing.T) {
	g, err := NewWander(zap.NewNop())
	if err != nil {
		t.Fatalf("NewWander: %v", err)
	}
	defer g.Close()

	sc, _ := newTestContext(2)
	if err := g.Enter(context.Background(), sc); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	res, err := g.HandleChar(context.Background(), sc, 'n')
	if err != nil {
		t.Fatalf("HandleChar: %v", err)
	}
	if res.Outcome != service.Continue {
		t.Fatalf("expected Continue, got %v", res.Outcome)
	}
	if g.states[2].room != "gallery" {
		t.Errorf("expected room gallery, got %q", g.states[2].room)
	}
	if g.states[2].score != 1 {
		t.Errorf("expected score 1, got %d", g.states[2].score)
	}
}

func TestHandleCharQuitCompletesAndClearsState(t *testing.T) {
	g, err := NewWander(zap.NewNop())
	if err != nil {
		t.Fatalf("NewWander: %v", err)
	}
	defer g.Close()

	sc, _ := newTestContext(3)
	if err := g.Enter(context.Background(), sc); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	res, err := g.HandleChar(context.Background(), sc, 'q')
	if err != nil {
		t.Fatalf("HandleChar: %v", err)
	}
	if res.Outcome != service.Complete {
		t.Fatalf("expected Complete, got %v", res.Outcome)
	}
	if _, ok := g.states[3]; ok {
		t.Errorf("expected state cleared on quit")
	}
}

func TestTakingEmptyPedestalEndsGame(t *testing.T) {
	g, err := NewWander(zap.NewNop())
	if err != nil {
		t.Fatalf("NewWander: %v", err)
	}
	defer g.Close()

	sc, out := newTestContext(4)
	if err := g.Enter(context.Background(), sc); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	// atrium -> gallery -> vault
	if _, err := g.HandleChar(context.Background(), sc, 'n'); err != nil {
		t.Fatalf("HandleChar n: %v", err)
	}
	if _, err := g.HandleChar(context.Background(), sc, 'e'); err != nil {
		t.Fatalf("HandleChar e: %v", err)
	}
	res, err := g.HandleChar(context.Background(), sc, 't')
	if err != nil {
		t.Fatalf("HandleChar t: %v", err)
	}
	if res.Outcome != service.Complete {
		t.Fatalf("expected Complete after taking pedestal, got %v", res.Outcome)
	}
	if !strings.Contains(out.joined(), "nothing left to take") {
		t.Errorf("expected pedestal text, got %q", out.joined())
	}
}
