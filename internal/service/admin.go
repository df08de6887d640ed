package service

import (
	"context"
	"fmt"

	"github.com/ocgully/construct/internal/node"
	"github.com/ocgully/construct/internal/persist"
)

// Kicker terminates a session by handle, if one is connected. The
// session engine implements this; the admin service only calls
// through it, avoiding a dependency cycle with the session package.
type Kicker interface {
	KickHandle(handle string) bool
}

// Admin is the sysop-only node list / kick service. Routing-time
// level checks (spec §4.K) keep non-sysops from ever reaching Enter.
type Admin struct {
	nodes  *node.Manager
	kicker Kicker
}

func NewAdmin(nodes *node.Manager, kicker Kicker) *Admin {
	return &Admin{nodes: nodes, kicker: kicker}
}

func (s *Admin) Key() string                      { return "admin" }
func (s *Admin) Label() string                    { return "Sysop Console" }
func (s *Admin) RequiredLevel() persist.UserLevel { return persist.LevelSysop }

func (s *Admin) Enter(_ context.Context, sc *Context) error {
	sc.Output.WriteLine("-- Sysop Console --")
	for _, info := range s.nodes.List() {
		sc.Output.WriteLine(fmt.Sprintf("  Node %d: %s", info.Slot, info.Handle))
	}
	sc.Output.WriteLine("[K]ick <handle typed as a line> [Q]uit")
	return nil
}

// Kick is called by the session with a full handle line rather than a
// single byte, the same line-granularity exception Chat uses.
func (s *Admin) Kick(sc *Context, handle string) {
	if s.kicker.KickHandle(handle) {
		sc.Output.WriteLine(fmt.Sprintf("Kicked %s.", handle))
	} else {
		sc.Output.WriteLine(fmt.Sprintf("%s is not connected.", handle))
	}
}

func (s *Admin) HandleChar(_ context.Context, _ *Context, b byte) (Result, error) {
	if b == 'q' || b == 'Q' {
		return Result{Outcome: Complete}, nil
	}
	return Result{Outcome: Continue}, nil
}
