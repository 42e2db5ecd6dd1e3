package idgen

import (
	"strconv"
	"sync/atomic"
)

// Uint32 returns values 1,2,3... up to 2^32-1, then wraps around to 1.
// Zero is never generated.
type Uint32 struct {
	next atomic.Uint32
}

func (u *Uint32) Next() uint32 {
	n := u.next.Add(1)
	if n == 0 {
		n = u.next.Add(1)
	}
	return n
}

// TrackIDs generates string IDs for objects that don't have an identity of their own,
// such as local detections that no authoritative detection vouched for.
// The prefix keeps them from colliding with IDs assigned by other sources.
type TrackIDs struct {
	prefix string
	n      Uint32
}

func NewTrackIDs(prefix string) *TrackIDs {
	return &TrackIDs{prefix: prefix}
}

func (t *TrackIDs) Next() string {
	return t.prefix + strconv.FormatUint(uint64(t.n.Next()), 10)
}
