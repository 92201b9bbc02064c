package queue

import (
	"sort"
)

// Summary per status counts of one snapshot
type Summary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	NoShow    int `json:"noShow"`
}

// Projection the derived view of one queue snapshot
type Projection struct {
	Scope Scope `json:"scope"`
	// Current the entry being served, or the head of the queue if none is
	Current *Entry `json:"current"`
	// Next the entry to be served after Current
	Next *Entry `json:"next"`
	// Waiting all non-terminal entries other than Current, in queue order
	Waiting []Entry `json:"waiting"`
	// InService whether Current is actually checked in or in progress
	InService bool `json:"inService"`
	// Counts summary counts
	Counts Summary `json:"counts"`
}

// Clone deep copy of the projection
func (p Projection) Clone() Projection {
	cloned := p
	if p.Current != nil {
		cloned.Current = cloneEntry(*p.Current)
	}
	if p.Next != nil {
		cloned.Next = cloneEntry(*p.Next)
	}
	cloned.Waiting = make([]Entry, 0, len(p.Waiting))
	for _, oneEntry := range p.Waiting {
		cloned.Waiting = append(cloned.Waiting, *cloneEntry(oneEntry))
	}
	return cloned
}

func cloneEntry(e Entry) *Entry {
	if e.SequenceToken != nil {
		token := *e.SequenceToken
		e.SequenceToken = &token
	}
	return &e
}

// entryLess queue order: tokened entries by token, then untokened entries by position,
// with the ID as the final tie-break.
func entryLess(a, b *Entry) bool {
	switch {
	case a.SequenceToken != nil && b.SequenceToken != nil:
		if *a.SequenceToken != *b.SequenceToken {
			return *a.SequenceToken < *b.SequenceToken
		}
	case a.SequenceToken != nil:
		return true
	case b.SequenceToken != nil:
		return false
	default:
		if a.Position != b.Position {
			return a.Position < b.Position
		}
	}
	return a.ID < b.ID
}

// SortEntries sort a copy of the entries into queue order
func SortEntries(entries []Entry) []Entry {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return entryLess(&sorted[i], &sorted[j])
	})
	return sorted
}

// Project derive current / next / waiting from a flat snapshot of a scope.
//
// Project is total: any snapshot, including an empty or malformed one (several
// active entries), yields a projection.
func Project(scope Scope, entries []Entry) Projection {
	result := Projection{Scope: scope, Waiting: []Entry{}}

	active := make([]Entry, 0, len(entries))
	for _, oneEntry := range entries {
		result.Counts.Total++
		switch oneEntry.Status {
		case StatusCompleted:
			result.Counts.Completed++
		case StatusCancelled:
			result.Counts.Cancelled++
		case StatusNoShow:
			result.Counts.NoShow++
		default:
			active = append(active, *cloneEntry(oneEntry))
		}
	}
	result.Counts.Active = len(active)
	if len(active) == 0 {
		return result
	}
	sorted := SortEntries(active)

	// Several entries in service violates the backend's invariant. Prefer the one
	// IN_PROGRESS, then the earliest in queue order.
	currentIdx := -1
	for idx, oneEntry := range sorted {
		if !oneEntry.Status.IsActive() {
			continue
		}
		if currentIdx < 0 {
			currentIdx = idx
			continue
		}
		if oneEntry.Status == StatusInProgress && sorted[currentIdx].Status != StatusInProgress {
			currentIdx = idx
		}
	}

	if currentIdx < 0 {
		result.Current = cloneEntry(sorted[0])
		result.Next = cloneEntry(sorted[0])
		currentIdx = 0
	} else {
		result.Current = cloneEntry(sorted[currentIdx])
		result.InService = true
		switch {
		case currentIdx+1 < len(sorted):
			result.Next = cloneEntry(sorted[currentIdx+1])
		case len(sorted) > 1:
			result.Next = cloneEntry(sorted[0])
		default:
			result.Next = cloneEntry(sorted[currentIdx])
		}
	}

	for idx, oneEntry := range sorted {
		if idx != currentIdx {
			result.Waiting = append(result.Waiting, oneEntry)
		}
	}
	result.Counts.Waiting = len(result.Waiting)
	return result
}
