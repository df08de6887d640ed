package service

import (
	"context"
	"fmt"

	"github.com/ocgully/construct/internal/persist"
)

// LastCallers lists the most recently logged-in users.
type LastCallers struct {
	users *persist.UserRepo
	limit int
}

func NewLastCallers(users *persist.UserRepo, limit int) *LastCallers {
	if limit <= 0 {
		limit = 10
	}
	return &LastCallers{users: users, limit: limit}
}

func (s *LastCallers) Key() string                      { return "lastcallers" }
func (s *LastCallers) Label() string                    { return "Last Callers" }
func (s *LastCallers) RequiredLevel() persist.UserLevel { return persist.LevelUser }

func (s *LastCallers) Enter(ctx context.Context, sc *Context) error {
	callers, err := s.users.LastCallers(ctx, s.limit)
	if err != nil {
		// Non-critical read path: degrade to an empty list rather than
		// ending the session, per spec §7.
		sc.Output.WriteLine("(last callers unavailable)")
		sc.Output.WriteLine("[press any key to return]")
		return nil
	}
	sc.Output.WriteLine("-- Last Callers --")
	for _, u := range callers {
		when := "never"
		if u.LastLogin != nil {
			when = u.LastLogin.Format("2006-01-02 15:04")
		}
		sc.Output.WriteLine(fmt.Sprintf("  %-20s %s", u.Handle, when))
	}
	sc.Output.WriteLine("[press any key to return]")
	return nil
}

func (s *LastCallers) HandleChar(_ context.Context, _ *Context, _ byte) (Result, error) {
	return Result{Outcome: Complete}, nil
}
