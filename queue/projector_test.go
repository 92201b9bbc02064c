package queue

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
)

func token(v int64) *int64 {
	return &v
}

func waitingIDs(p Projection) []EntryID {
	result := []EntryID{}
	for _, oneEntry := range p.Waiting {
		result = append(result, oneEntry.ID)
	}
	return result
}

func TestProjectScenarios(t *testing.T) {
	assert := assert.New(t)

	scope, err := NewScope("doctor-1", "2026-10-14")
	assert.Nil(err)

	// Case 0: empty snapshot
	{
		result := Project(scope, []Entry{})
		assert.Nil(result.Current)
		assert.Nil(result.Next)
		assert.Empty(result.Waiting)
		assert.NotNil(result.Waiting)
		assert.False(result.InService)

		result = Project(scope, nil)
		assert.Nil(result.Current)
		assert.Nil(result.Next)
		assert.Empty(result.Waiting)
	}

	// Case 1: one checked in, two pending
	{
		result := Project(scope, []Entry{
			{ID: "1", SequenceToken: token(5), Status: StatusCheckedIn},
			{ID: "2", SequenceToken: token(6), Status: StatusPending},
			{ID: "3", SequenceToken: token(7), Status: StatusPending},
		})
		assert.NotNil(result.Current)
		assert.NotNil(result.Next)
		assert.Equal(EntryID("1"), result.Current.ID)
		assert.Equal(EntryID("2"), result.Next.ID)
		assert.Equal([]EntryID{"2", "3"}, waitingIDs(result))
		assert.True(result.InService)
		assert.Equal(Summary{Total: 3, Active: 3, Waiting: 2}, result.Counts)
	}

	// Case 2: only terminal entries
	{
		result := Project(scope, []Entry{
			{ID: "1", SequenceToken: token(1), Status: StatusCompleted},
			{ID: "2", SequenceToken: token(2), Status: StatusCancelled},
			{ID: "3", SequenceToken: token(3), Status: StatusNoShow},
		})
		assert.Nil(result.Current)
		assert.Nil(result.Next)
		assert.Empty(result.Waiting)
		assert.Equal(
			Summary{Total: 3, Completed: 1, Cancelled: 1, NoShow: 1}, result.Counts,
		)
	}

	// Case 3: nobody in service
	{
		result := Project(scope, []Entry{
			{ID: "b", SequenceToken: token(9), Status: StatusConfirmed},
			{ID: "a", SequenceToken: token(4), Status: StatusPending},
		})
		assert.Equal(EntryID("a"), result.Current.ID)
		assert.Equal(EntryID("a"), result.Next.ID)
		assert.Equal([]EntryID{"b"}, waitingIDs(result))
		assert.False(result.InService)
	}

	// Case 4: the last entry in service wraps next to the head
	{
		result := Project(scope, []Entry{
			{ID: "1", SequenceToken: token(1), Status: StatusPending},
			{ID: "2", SequenceToken: token(2), Status: StatusInProgress},
		})
		assert.Equal(EntryID("2"), result.Current.ID)
		assert.Equal(EntryID("1"), result.Next.ID)
	}

	// Case 5: two entries in service, IN_PROGRESS wins
	{
		result := Project(scope, []Entry{
			{ID: "1", SequenceToken: token(1), Status: StatusCheckedIn},
			{ID: "2", SequenceToken: token(2), Status: StatusInProgress},
			{ID: "3", SequenceToken: token(3), Status: StatusPending},
		})
		assert.Equal(EntryID("2"), result.Current.ID)
		assert.Equal(EntryID("3"), result.Next.ID)
		assert.Equal([]EntryID{"1", "3"}, waitingIDs(result))
	}
}

func TestProjectSingleActive(t *testing.T) {
	assert := assert.New(t)

	scope := Scope{ResourceID: "doctor-1", Date: "2026-10-14"}
	for _, status := range []Status{
		StatusPending, StatusConfirmed, StatusCheckedIn, StatusInProgress,
	} {
		result := Project(scope, []Entry{
			{ID: "7", SequenceToken: token(3), Status: status},
			{ID: "8", SequenceToken: token(1), Status: StatusCompleted},
		})
		assert.Equal(EntryID("7"), result.Current.ID, status)
		assert.Equal(EntryID("7"), result.Next.ID, status)
		assert.Empty(result.Waiting, status)
	}
}

func TestProjectNextNeverInProgress(t *testing.T) {
	assert := assert.New(t)

	scope := Scope{ResourceID: "doctor-1", Date: "2026-10-14"}
	rng := rand.New(rand.NewSource(42))
	for itr := 0; itr < 200; itr++ {
		count := 2 + rng.Intn(8)
		entries := make([]Entry, 0, count)
		inProgress := rng.Intn(count)
		for idx := 0; idx < count; idx++ {
			status := StatusPending
			if idx == inProgress {
				status = StatusInProgress
			}
			entries = append(entries, Entry{
				ID:            EntryID(rune('a' + idx)),
				SequenceToken: token(int64(rng.Intn(20))),
				Status:        status,
			})
		}
		result := Project(scope, entries)
		assert.Equal(entries[inProgress].ID, result.Current.ID)
		assert.NotEqual(result.Current.ID, result.Next.ID)
		assert.Len(result.Waiting, count-1)
	}
}

func TestSortOrder(t *testing.T) {
	assert := assert.New(t)

	base := []Entry{
		{ID: "t1", SequenceToken: token(1), Position: 9, Status: StatusPending},
		{ID: "t2", SequenceToken: token(2), Position: 1, Status: StatusPending},
		{ID: "t10", SequenceToken: token(10), Position: 0, Status: StatusPending},
		{ID: "p1", Position: 1, Status: StatusPending},
		{ID: "p2a", Position: 2, Status: StatusPending},
		{ID: "p2b", Position: 2, Status: StatusPending},
	}
	expected := []EntryID{"t1", "t2", "t10", "p1", "p2a", "p2b"}

	rng := rand.New(rand.NewSource(7))
	for itr := 0; itr < 50; itr++ {
		shuffled := make([]Entry, len(base))
		copy(shuffled, base)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		sorted := SortEntries(shuffled)
		ids := []EntryID{}
		for _, oneEntry := range sorted {
			ids = append(ids, oneEntry.ID)
		}
		assert.Equal(expected, ids)

		// Same snapshot in any order yields the same projection
		result := Project(Scope{}, shuffled)
		assert.Equal(EntryID("t1"), result.Current.ID)
		assert.Equal([]EntryID{"t2", "t10", "p1", "p2a", "p2b"}, waitingIDs(result))
	}
}

func TestProjectionClone(t *testing.T) {
	assert := assert.New(t)

	original := Project(Scope{ResourceID: "r"}, []Entry{
		{ID: "1", SequenceToken: token(1), Status: StatusCheckedIn},
		{ID: "2", SequenceToken: token(2), Status: StatusPending},
	})
	cloned := original.Clone()
	*cloned.Current.SequenceToken = 100
	cloned.Waiting[0].ID = "changed"
	assert.Equal(int64(1), *original.Current.SequenceToken)
	assert.Equal(EntryID("2"), original.Waiting[0].ID)
}

func TestEntryDecoding(t *testing.T) {
	assert := assert.New(t)
	validate := validator.New()

	// Case 0: numeric and string IDs
	{
		raw := []byte(`[
{"id": 12, "sequenceToken": 5, "position": 0, "status": "CHECKED_IN"},
{"id": "ab-3", "position": 2, "status": "PENDING", "subjectRef": "patient-9"}
]`)
		var entries []Entry
		assert.Nil(json.Unmarshal(raw, &entries))
		assert.Len(entries, 2)
		assert.Equal(EntryID("12"), entries[0].ID)
		assert.Equal("5", entries[0].TokenString())
		assert.Equal(EntryID("ab-3"), entries[1].ID)
		assert.Nil(entries[1].SequenceToken)
		assert.Equal("", entries[1].TokenString())
		for _, oneEntry := range entries {
			assert.Nil(validate.Struct(&oneEntry))
		}
	}

	// Case 1: bad ID type
	{
		var entry Entry
		assert.NotNil(json.Unmarshal([]byte(`{"id": {"x": 1}, "status": "PENDING"}`), &entry))
	}

	// Case 2: unknown status
	{
		var entry Entry
		assert.Nil(json.Unmarshal([]byte(`{"id": 1, "status": "WAITING"}`), &entry))
		assert.NotNil(validate.Struct(&entry))
	}
}

func TestScope(t *testing.T) {
	assert := assert.New(t)

	scope, err := NewScope(" doctor-1 ", "2026-10-14")
	assert.Nil(err)
	assert.Equal("doctor-1", scope.ResourceID)
	assert.Equal("doctor-1@2026-10-14", scope.Key())

	_, err = NewScope("doctor-1", "14/10/2026")
	assert.NotNil(err)
	_, err = NewScope("", "2026-10-14")
	assert.NotNil(err)
}
