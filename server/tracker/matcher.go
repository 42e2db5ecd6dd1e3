package tracker

import (
	"sort"
	"time"

	"github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/fusion/pkg/idgen"
	"github.com/cyclopcam/fusion/pkg/nn"
)

// An immutable batch of authoritative detections, as last delivered by the transport.
// The spatial index is built once, when the batch arrives, and then shared by every
// frame that matches against this batch.
type authoritativeBatch struct {
	objects    []nn.AuthoritativeDetection
	receivedAt time.Time
	index      *flatbush.Flatbush[float32]
}

func newAuthoritativeBatch(objects []nn.AuthoritativeDetection, receivedAt time.Time) *authoritativeBatch {
	b := &authoritativeBatch{
		objects:    objects,
		receivedAt: receivedAt,
	}
	if len(objects) != 0 {
		fb := flatbush.NewFlatbush[float32]()
		fb.Reserve(len(objects))
		for _, obj := range objects {
			fb.Add(obj.Box.X1, obj.Box.Y1, obj.Box.X2, obj.Box.Y2)
		}
		fb.Finish()
		b.index = fb
	}
	return b
}

// Return the indices of all objects whose boxes touch 'box', in batch order
func (b *authoritativeBatch) search(box nn.Box, results []int) []int {
	if b.index == nil {
		return results[:0]
	}
	results = b.index.SearchFast(box.X1, box.Y1, box.X2, box.Y2, results[:0])
	// The index doesn't return items in insertion order, but our tie breaking rule
	// is "first encountered", so we need them sorted.
	sort.Ints(results)
	return results
}

// Output of the matcher for a single frame
type matchResult struct {
	matched    []nn.Detection // Local detections that were paired with an authoritative detection
	unmatched  []nn.Detection // Local detections that were given a fresh track ID
	consumed   []bool         // consumed[i] is true if authoritative object i was matched
	numDropped int            // Local detections dropped because they were malformed
}

// matcher pairs local detections with authoritative detections.
// Only one frame at a time may use a matcher.
type matcher struct {
	trackIDs   *idgen.TrackIDs
	candidates []int
}

// Validate and filter the local detections, and cap them to cfg.MaxDetectionsPerFrame.
// The returned list preserves input order.
func filterLocal(cfg *Config, local []nn.RawDetection) (kept []nn.RawDetection, numDropped int) {
	kept = make([]nn.RawDetection, 0, len(local))
	for _, det := range local {
		if err := det.Validate(); err != nil {
			numDropped++
			continue
		}
		if det.Confidence < cfg.MinScore {
			continue
		}
		kept = append(kept, det)
	}

	if len(kept) > cfg.MaxDetectionsPerFrame {
		// Retain the most confident, and then restore input order
		order := make([]int, len(kept))
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool {
			return kept[order[i]].Confidence > kept[order[j]].Confidence
		})
		order = order[:cfg.MaxDetectionsPerFrame]
		sort.Ints(order)
		top := make([]nn.RawDetection, 0, len(order))
		for _, i := range order {
			top = append(top, kept[i])
		}
		kept = top
	}
	return
}

// match greedily pairs every local detection (in input order) with the still-available
// authoritative detection of the same kind that has the highest IOU above cfg.IOUThreshold.
// No authoritative detection is matched twice.
func (m *matcher) match(cfg *Config, local []nn.RawDetection, auth *authoritativeBatch, now time.Time) matchResult {
	kept, numDropped := filterLocal(cfg, local)
	result := matchResult{
		numDropped: numDropped,
	}
	var authObjects []nn.AuthoritativeDetection
	if auth != nil {
		authObjects = auth.objects
		result.consumed = make([]bool, len(authObjects))
	}

	for _, loc := range kept {
		bestJ := -1
		bestIOU := cfg.IOUThreshold
		if auth != nil {
			m.candidates = auth.search(loc.Box, m.candidates)
			for _, j := range m.candidates {
				if result.consumed[j] || authObjects[j].Kind != loc.Kind {
					continue
				}
				iou := loc.Box.IOU(authObjects[j].Box)
				if iou > bestIOU {
					bestIOU = iou
					bestJ = j
				}
			}
		}

		if bestJ != -1 {
			result.consumed[bestJ] = true
			result.matched = append(result.matched, nn.Detection{
				Kind:       loc.Kind,
				Box:        loc.Box,
				Confidence: authObjects[bestJ].Confidence,
				Source:     nn.SourceLocal,
				TrackID:    authObjects[bestJ].TrackID,
				CapturedAt: now,
				Matched:    true,
				MatchScore: bestIOU,
			})
		} else {
			result.unmatched = append(result.unmatched, nn.Detection{
				Kind:       loc.Kind,
				Box:        loc.Box,
				Confidence: loc.Confidence,
				Source:     nn.SourceLocal,
				TrackID:    m.trackIDs.Next(),
				CapturedAt: now,
			})
		}
	}

	return result
}
