package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/ocgully/construct/internal/persist"
)

type profileState int

const (
	profileMenu profileState = iota
	profileEditField
)

// Profile views and edits the caller's profile fields (real name,
// location, signature, bio). It is registered as an ordinary service
// under the key "profile"; no sentinel key is involved.
type Profile struct {
	users *persist.UserRepo

	state profileState
	field string
	buf   strings.Builder
}

func NewProfile(users *persist.UserRepo) *Profile {
	return &Profile{users: users}
}

func (s *Profile) Key() string                      { return "profile" }
func (s *Profile) Label() string                    { return "View/Edit Profile" }
func (s *Profile) RequiredLevel() persist.UserLevel { return persist.LevelUser }

func (s *Profile) Enter(_ context.Context, sc *Context) error {
	s.state = profileMenu
	s.render(sc)
	return nil
}

func (s *Profile) render(sc *Context) {
	u := sc.User
	sc.Output.WriteLine("-- Profile --")
	sc.Output.WriteLine(fmt.Sprintf("  Handle:    %s", u.Handle))
	sc.Output.WriteLine(fmt.Sprintf("  Real name: %s", deref(u.RealName)))
	sc.Output.WriteLine(fmt.Sprintf("  Location: %s", deref(u.Location)))
	sc.Output.WriteLine(fmt.Sprintf("  Signature: %s", deref(u.Signature)))
	sc.Output.WriteLine(fmt.Sprintf("  Bio:       %s", deref(u.Bio)))
	sc.Output.WriteLine("[N]ame [L]ocation [S]ignature [B]io [Q]uit")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *Profile) HandleChar(ctx context.Context, sc *Context, b byte) (Result, error) {
	switch s.state {
	case profileMenu:
		return s.handleMenu(sc, b)
	case profileEditField:
		return s.handleEdit(ctx, sc, b)
	default:
		return Result{Outcome: Complete}, nil
	}
}

func (s *Profile) handleMenu(sc *Context, b byte) (Result, error) {
	switch b {
	case 'n', 'N':
		s.field = "name"
	case 'l', 'L':
		s.field = "location"
	case 's', 'S':
		s.field = "signature"
	case 'b', 'B':
		s.field = "bio"
	case 'q', 'Q':
		return Result{Outcome: Complete}, nil
	default:
		return Result{Outcome: Continue}, nil
	}
	s.state = profileEditField
	s.buf.Reset()
	sc.Output.WriteLine(fmt.Sprintf("Enter new %s:", s.field))
	return Result{Outcome: Continue}, nil
}

func (s *Profile) handleEdit(ctx context.Context, sc *Context, b byte) (Result, error) {
	if b == '\r' || b == '\n' {
		value := s.buf.String()
		s.buf.Reset()
		update := persist.ProfileUpdate{
			RealName:  sc.User.RealName,
			Location:  sc.User.Location,
			Signature: sc.User.Signature,
			Bio:       sc.User.Bio,
		}
		switch s.field {
		case "name":
			update.RealName = &value
			sc.User.RealName = &value
		case "location":
			update.Location = &value
			sc.User.Location = &value
		case "signature":
			update.Signature = &value
			sc.User.Signature = &value
		case "bio":
			update.Bio = &value
			sc.User.Bio = &value
		}
		if err := s.users.UpdateProfile(ctx, sc.User.ID, update); err != nil {
			sc.Output.WriteLine("(could not save profile change)")
		}
		s.state = profileMenu
		s.render(sc)
		return Result{Outcome: Continue}, nil
	}
	if b == 0x7f || b == 0x08 {
		str := s.buf.String()
		if len(str) > 0 {
			s.buf.Reset()
			s.buf.WriteString(str[:len(str)-1])
		}
		return Result{Outcome: Continue}, nil
	}
	if b >= 0x20 {
		s.buf.WriteByte(b)
	}
	return Result{Outcome: Continue}, nil
}
