package tracker

import (
	"math"
	"sort"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/fusion/pkg/nn"
)

// Track is the identity-bearing history of one object.
// History is a ring buffer, so old samples fall off the front as new ones are added.
type Track struct {
	ID             string
	Kind           string    // Kind of the first sample
	FirstSeenAt    time.Time // Time of the first upsert
	LastUpdatedAt  time.Time // Time of the most recent upsert
	LastObservedAt time.Time // Time of the most recent upsert that was not a prediction
	TotalSamples   int       // Number of samples ever added, including those that have fallen off the ring

	capacity int // Maximum number of samples visible through Len/At
	history  ringbuffer.RingP[nn.Detection]
}

func nextPowerOf2(n int) int {
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}

// A RingP of size N holds N-1 items, and N must be a power of 2
func ringSizeFor(capacity int) int {
	return nextPowerOf2(capacity + 1)
}

func newTrack(id string, capacity int) *Track {
	return &Track{
		ID:       id,
		capacity: capacity,
		history:  ringbuffer.NewRingP[nn.Detection](ringSizeFor(capacity)),
	}
}

// Len returns the number of samples in the history (never more than the history capacity)
func (t *Track) Len() int {
	return min(t.history.Len(), t.capacity)
}

// At returns the i'th sample of history, where 0 is the oldest retained sample
func (t *Track) At(i int) nn.Detection {
	// The ring is sized to a power of 2, so it may hold a few more items than our capacity.
	// We hide those.
	skip := t.history.Len() - t.Len()
	return t.history.Peek(skip + i)
}

// Last returns the most recent sample
func (t *Track) Last() nn.Detection {
	return t.history.Peek(t.history.Len() - 1)
}

// History returns a copy of the samples, oldest first
func (t *Track) History() []nn.Detection {
	h := make([]nn.Detection, t.Len())
	for i := range h {
		h[i] = t.At(i)
	}
	return h
}

func (t *Track) add(det nn.Detection) {
	t.history.Add(det)
	t.TotalSamples++
}

// Rebuild the ring with a different capacity, retaining the newest samples
func (t *Track) resize(capacity int) {
	keep := t.History()
	if len(keep) > capacity {
		keep = keep[len(keep)-capacity:]
	}
	t.capacity = capacity
	t.history = ringbuffer.NewRingP[nn.Detection](ringSizeFor(capacity))
	for _, d := range keep {
		t.history.Add(d)
	}
}

// TrackStore maps track IDs to their bounded history.
// TrackStore does no locking of its own. It is owned by a single Engine, which serializes access.
type TrackStore struct {
	tracks           map[string]*Track
	historyCapacity  int
	expirationWindow time.Duration

	// If not nil, called for every track removed by EvictStale
	OnEvict func(t *Track)
}

func NewTrackStore(historyCapacity int, expirationWindow time.Duration) *TrackStore {
	return &TrackStore{
		tracks:           map[string]*Track{},
		historyCapacity:  historyCapacity,
		expirationWindow: expirationWindow,
	}
}

// SetLimits changes the history capacity and expiration window.
// Existing tracks adopt the new capacity on their next upsert.
func (s *TrackStore) SetLimits(historyCapacity int, expirationWindow time.Duration) {
	s.historyCapacity = historyCapacity
	s.expirationWindow = expirationWindow
}

// Upsert appends det to the history of trackID, creating the track if necessary.
// Returns true if a new track was created.
func (s *TrackStore) Upsert(trackID string, det nn.Detection, now time.Time) bool {
	t := s.tracks[trackID]
	created := false
	if t == nil {
		t = newTrack(trackID, s.historyCapacity)
		t.Kind = det.Kind
		t.FirstSeenAt = now
		s.tracks[trackID] = t
		created = true
	} else if t.capacity != s.historyCapacity {
		t.resize(s.historyCapacity)
	}
	t.add(det)
	t.LastUpdatedAt = now
	if det.Source != nn.SourcePredicted {
		t.LastObservedAt = now
	}
	return created
}

// Get returns the track, or nil if it doesn't exist
func (s *TrackStore) Get(trackID string) *Track {
	return s.tracks[trackID]
}

// EvictStale removes every track that has not been updated within the expiration window
func (s *TrackStore) EvictStale(now time.Time) {
	for id, t := range s.tracks {
		if now.Sub(t.LastUpdatedAt) > s.expirationWindow {
			delete(s.tracks, id)
			if s.OnEvict != nil {
				s.OnEvict(t)
			}
		}
	}
}

// AllTracks returns every track in the store, ordered by ID
func (s *TrackStore) AllTracks() []*Track {
	all := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].ID < all[j].ID
	})
	return all
}

func (s *TrackStore) Len() int {
	return len(s.tracks)
}
