package chunkplan

import (
	"encoding/json"
	"slices"
)

// IndexSet is a set of chunk indexes. It encodes to JSON as a sorted array.
type IndexSet map[int64]struct{}

// NewIndexSet returns a set holding indexes.
func NewIndexSet(indexes ...int64) IndexSet {
	s := make(IndexSet, len(indexes))
	for _, i := range indexes {
		s.Add(i)
	}

	return s
}

func (s IndexSet) Add(i int64) {
	s[i] = struct{}{}
}

func (s IndexSet) Has(i int64) bool {
	_, ok := s[i]

	return ok
}

// Sorted returns the members in ascending order.
func (s IndexSet) Sorted() []int64 {
	out := make([]int64, 0, len(s))
	for i := range s {
		out = append(out, i)
	}

	slices.Sort(out)

	return out
}

// Clone returns an independent copy, safe to hand to another goroutine.
func (s IndexSet) Clone() IndexSet {
	out := make(IndexSet, len(s))
	for i := range s {
		out[i] = struct{}{}
	}

	return out
}

func (s IndexSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *IndexSet) UnmarshalJSON(data []byte) error {
	var indexes []int64
	if err := json.Unmarshal(data, &indexes); err != nil {
		return err
	}

	*s = NewIndexSet(indexes...)

	return nil
}
