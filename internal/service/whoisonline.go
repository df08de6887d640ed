package service

import (
	"context"
	"fmt"

	"github.com/ocgully/construct/internal/node"
	"github.com/ocgully/construct/internal/persist"
)

// WhoIsOnline lists the current node occupants. It is a pure read of
// NodeManager and never itself waits on input: Enter renders the list
// and HandleChar completes on any key.
type WhoIsOnline struct {
	nodes *node.Manager
}

func NewWhoIsOnline(nodes *node.Manager) *WhoIsOnline {
	return &WhoIsOnline{nodes: nodes}
}

func (s *WhoIsOnline) Key() string                       { return "who" }
func (s *WhoIsOnline) Label() string                     { return "Who's Online" }
func (s *WhoIsOnline) RequiredLevel() persist.UserLevel  { return persist.LevelUser }

func (s *WhoIsOnline) Enter(_ context.Context, sc *Context) error {
	active, max := s.nodes.Status()
	sc.Output.WriteLine(fmt.Sprintf("-- %d of %d nodes in use --", active, max))
	for _, info := range s.nodes.List() {
		sc.Output.WriteLine(fmt.Sprintf("  Node %d: %s", info.Slot, info.Handle))
	}
	sc.Output.WriteLine("[press any key to return]")
	return nil
}

func (s *WhoIsOnline) HandleChar(_ context.Context, _ *Context, _ byte) (Result, error) {
	return Result{Outcome: Complete}, nil
}
