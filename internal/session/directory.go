package session

import (
	"context"
	"strings"
	"sync"
)

// Directory is the process-wide map of logged-in handle -> session
// cancellation, used by the admin kick command and by the KickOld
// duplicate-session policy (spec §4.J/§9: "the old session is
// invalidated and, if reachable, signalled to terminate"). A handle
// is registered only once its owning session reaches Authenticated
// and unregistered on any exit path.
type Directory struct {
	mu  sync.Mutex
	byH map[string]context.CancelFunc
}

func NewDirectory() *Directory {
	return &Directory{byH: make(map[string]context.CancelFunc)}
}

func (d *Directory) Register(handle string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byH[strings.ToLower(handle)] = cancel
}

func (d *Directory) Unregister(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byH, strings.ToLower(handle))
}

// KickHandle cancels handle's session context, if one is registered.
// Satisfies service.Kicker (internal/service/admin.go) directly.
func (d *Directory) KickHandle(handle string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cancel, ok := d.byH[strings.ToLower(handle)]
	if ok {
		cancel()
	}
	return ok
}
