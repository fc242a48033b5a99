package interests

import (
	"context"
	"sort"
)

// DefaultCatalogue mirrors the seed migration, with ids in insertion order.
var DefaultCatalogue = []string{
	"Gaming", "Dancing", "Singing", "Foodie", "Coding", "Reading", "Writing",
	"Drawing", "Painting", "Photography", "Traveling", "Hiking", "Camping",
	"Fishing", "Gardening", "Cooking", "Baking", "Eating", "Drinking",
	"Partying", "Socializing", "Networking", "Meeting new people",
	"Making new friends", "Making new connections",
}

// Static is an in-memory catalogue for running without a database. Every
// user is allowed every interest.
type Static struct {
	names map[int]string
	ids   []int
}

// NewStatic numbers catalogue from 1.
func NewStatic(catalogue []string) *Static {
	s := &Static{names: make(map[int]string, len(catalogue))}
	for i, name := range catalogue {
		s.names[i+1] = name
		s.ids = append(s.ids, i+1)
	}
	sort.Ints(s.ids)
	return s
}

func (s *Static) InterestName(id int) (string, bool) {
	name, ok := s.names[id]
	return name, ok
}

func (s *Static) List() []Interest { return sortedCatalogue(s.names) }

func (s *Static) AllowedInterests(context.Context, int64) ([]int, error) {
	return append([]int(nil), s.ids...), nil
}

// ReplaceUserInterests always fails: the static catalogue has no per-user
// selections to change.
func (s *Static) ReplaceUserInterests(context.Context, int64, []int) error {
	return ErrReadOnly
}
