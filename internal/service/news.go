package service

import (
	"context"
	"fmt"

	"github.com/ocgully/construct/internal/persist"
)

// NewsItem is one paged news entry.
type NewsItem struct {
	Title string
	Body  string
}

// NewsSource supplies pre-paged items; RSS fetch/parse is explicitly
// out of scope (spec §1) — this interface is the contract the engine
// calls through, per SPEC_FULL's supplemented stub set.
type NewsSource interface {
	Items(ctx context.Context) ([]NewsItem, error)
}

// StaticNewsSource is a minimal NewsSource backed by an in-memory
// slice, standing in for a real feed reader.
type StaticNewsSource struct {
	items []NewsItem
}

func NewStaticNewsSource(items []NewsItem) *StaticNewsSource {
	return &StaticNewsSource{items: items}
}

func (s *StaticNewsSource) Items(context.Context) ([]NewsItem, error) {
	return s.items, nil
}

type News struct {
	source NewsSource
	index  int
	items  []NewsItem
}

func NewNews(source NewsSource) *News {
	return &News{source: source}
}

func (s *News) Key() string                      { return "news" }
func (s *News) Label() string                    { return "News" }
func (s *News) RequiredLevel() persist.UserLevel { return persist.LevelUser }

func (s *News) Enter(ctx context.Context, sc *Context) error {
	items, err := s.source.Items(ctx)
	if err != nil {
		sc.Output.WriteLine("(news unavailable)")
		s.items = nil
		return nil
	}
	s.items = items
	s.index = 0
	s.renderCurrent(sc)
	return nil
}

func (s *News) renderCurrent(sc *Context) {
	if len(s.items) == 0 {
		sc.Output.WriteLine("-- No news --")
		sc.Output.WriteLine("[press any key to return]")
		return
	}
	item := s.items[s.index]
	sc.Output.WriteLine(fmt.Sprintf("-- News %d/%d: %s --", s.index+1, len(s.items), item.Title))
	sc.Output.WriteLine(item.Body)
	sc.Output.WriteLine("[N]ext [P]rev [Q]uit")
}

func (s *News) HandleChar(_ context.Context, sc *Context, b byte) (Result, error) {
	if len(s.items) == 0 {
		return Result{Outcome: Complete}, nil
	}
	switch b {
	case 'n', 'N':
		if s.index < len(s.items)-1 {
			s.index++
		}
		s.renderCurrent(sc)
	case 'p', 'P':
		if s.index > 0 {
			s.index--
		}
		s.renderCurrent(sc)
	case 'q', 'Q':
		return Result{Outcome: Complete}, nil
	}
	return Result{Outcome: Continue}, nil
}
