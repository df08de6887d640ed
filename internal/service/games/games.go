// Package games implements the single demonstration game wired into the
// service registry. It scripts its response logic in Lua through the same
// NewState/CallByParam/table-marshaling calling convention the combat
// bridge used, repurposed from combat math to a text adventure's response
// table, so the registry has something real to route to without baking
// any per-game rules into the engine itself.
package games

import (
	"context"
	_ "embed"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/service"
)

//go:embed wander.lua
var wanderScript string

type roomState struct {
	room  string
	score int
}

// Wander is a tiny scripted text-adventure: each room renders a
// description and accepts a one-letter command, both produced by Lua.
// The Go side never hardcodes a room name or outcome; it only marshals
// state in, calls into the VM, and marshals the response table back out.
type Wander struct {
	log *zap.Logger

	// mu serializes every VM call and state-map access: the one VM is
	// shared by all session goroutines, and gopher-lua's LState is not
	// safe for concurrent use.
	mu     sync.Mutex
	vm     *lua.LState
	states map[int]*roomState // keyed by node slot; one caller per node
}

// NewWander loads the embedded script into a fresh VM. A single VM is
// shared across callers the same way the combat engine shared one VM
// across the game loop; mu guards it, since sessions on different
// nodes call in from their own goroutines.
func NewWander(log *zap.Logger) (*Wander, error) {
	vm := lua.NewState(lua.Options{SkipOpenLibs: false})
	if err := vm.DoString(wanderScript); err != nil {
		vm.Close()
		return nil, err
	}
	return &Wander{vm: vm, log: log, states: make(map[int]*roomState)}, nil
}

func (g *Wander) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.vm.Close()
}

func (g *Wander) Key() string                      { return "wander" }
func (g *Wander) Label() string                    { return "Wander the Construct" }
func (g *Wander) RequiredLevel() persist.UserLevel { return persist.LevelUser }

func (g *Wander) Enter(_ context.Context, sc *service.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.states, sc.NodeSlot)
	g.room(sc)
	return nil
}

// room calls the Lua describe_room(state) function and renders the
// result, creating fresh state for a node slot on first entry.
// Callers hold mu.
func (g *Wander) room(sc *service.Context) {
	st := g.states[sc.NodeSlot]
	if st == nil {
		st = &roomState{room: "atrium", score: 0}
		g.states[sc.NodeSlot] = st
	}

	fn := g.vm.GetGlobal("describe_room")
	if fn == lua.LNil {
		g.log.Error("lua function describe_room not found")
		sc.Output.WriteLine("(the construct flickers and falls silent)")
		return
	}

	t := g.vm.NewTable()
	t.RawSetString("room", lua.LString(st.room))
	t.RawSetString("score", lua.LNumber(st.score))

	if err := g.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, t); err != nil {
		g.log.Error("lua describe_room error", zap.Error(err))
		sc.Output.WriteLine("(the construct flickers and falls silent)")
		return
	}
	result := g.vm.Get(-1)
	g.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		g.log.Error("lua describe_room returned non-table")
		return
	}
	sc.Output.WriteLine(lua.LVAsString(rt.RawGetString("text")))
	sc.Output.WriteLine(lua.LVAsString(rt.RawGetString("prompt")))
}

// HandleChar calls the Lua apply_command(state, cmd) function, which
// returns the next room, a score delta, a line to print, and whether the
// game has ended.
func (g *Wander) HandleChar(_ context.Context, sc *service.Context, b byte) (service.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.states[sc.NodeSlot]
	if st == nil {
		g.room(sc)
		return service.Result{Outcome: service.Continue}, nil
	}
	if b == 'q' || b == 'Q' {
		delete(g.states, sc.NodeSlot)
		return service.Result{Outcome: service.Complete}, nil
	}

	fn := g.vm.GetGlobal("apply_command")
	if fn == lua.LNil {
		g.log.Error("lua function apply_command not found")
		return service.Result{Outcome: service.Complete}, nil
	}

	t := g.vm.NewTable()
	t.RawSetString("room", lua.LString(st.room))
	t.RawSetString("score", lua.LNumber(st.score))

	if err := g.vm.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, t, lua.LString(string(b))); err != nil {
		g.log.Error("lua apply_command error", zap.Error(err))
		sc.Output.WriteLine("(nothing happens)")
		return service.Result{Outcome: service.Continue}, nil
	}
	result := g.vm.Get(-1)
	g.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		g.log.Error("lua apply_command returned non-table")
		return service.Result{Outcome: service.Continue}, nil
	}

	st.room = lua.LVAsString(rt.RawGetString("room"))
	st.score += int(lua.LVAsNumber(rt.RawGetString("delta")))
	if line := lua.LVAsString(rt.RawGetString("text")); line != "" {
		sc.Output.WriteLine(line)
	}
	if rt.RawGetString("done") == lua.LTrue {
		sc.Output.WriteLine("-- The Construct releases you. --")
		delete(g.states, sc.NodeSlot)
		return service.Result{Outcome: service.Complete}, nil
	}
	g.room(sc)
	return service.Result{Outcome: service.Continue}, nil
}
