// Package maintenance runs background upkeep that doesn't belong to
// any one connection: today, an idle-node sweep. It is adapted from
// the teacher's fixed-timestep system.Runner — a registrable list of
// phased ticks — but driven by a wall-clock ticker instead of a game
// loop, since there is no per-frame simulation here.
package maintenance

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ocgully/construct/internal/node"
)

// Runner runs its one check, the idle-node sweep, on an interval until
// its context is cancelled.
type Runner struct {
	interval time.Duration
	nodes    *node.Manager
	idleWarn time.Duration
	log      *zap.Logger
}

func NewRunner(nodes *node.Manager, idleWarn, interval time.Duration, log *zap.Logger) *Runner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Runner{interval: interval, nodes: nodes, idleWarn: idleWarn, log: log}
}

// Run blocks until ctx is cancelled. It only observes and logs idle
// nodes; it deliberately does not disconnect them itself. The
// session engine already owns its own idle deadline per connection
// (spec §4.J/§9), and a second owner force-closing the same
// connection from outside would race it for no benefit — this loop
// exists purely so a stuck or leaked node slot shows up in the logs.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Runner) sweep() {
	idle := r.nodes.FindIdle(r.idleWarn)
	if len(idle) == 0 {
		return
	}
	r.log.Warn("nodes idle past warning threshold", zap.Ints("slots", idle), zap.Duration("threshold", r.idleWarn))
}
