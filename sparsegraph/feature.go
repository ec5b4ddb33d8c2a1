package sparsegraph

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// NoMatch marks a best-match index that is unset or severed.
const NoMatch = -1

// Point2DFeature is one detection in one frame.
//
// The link to the scene point is owning. Match links to neighboring frames are not; the best
// indices select one candidate per direction and are set to NoMatch when the link is severed.
type Point2DFeature struct {
	Keypoint r2.Point

	index     int
	frame     *Frame
	feature3D *Point3DFeature
	pruned    bool

	prevMatches     []*Point2DFeature
	nextMatches     []*Point2DFeature
	bestPrevMatchID int
	bestNextMatchID int
}

// Index returns the position of the feature in its frame.
func (f *Point2DFeature) Index() int { return f.index }

// Frame returns the owning frame.
func (f *Point2DFeature) Frame() *Frame { return f.frame }

// Feature3D returns the linked scene point, or nil.
func (f *Point2DFeature) Feature3D() *Point3DFeature { return f.feature3D }

// HasFeature3D reports whether the feature is linked to a scene point.
func (f *Point2DFeature) HasFeature3D() bool { return f.feature3D != nil }

// Pruned reports whether the feature's scene point link was removed. Pruned features never
// get linked again.
func (f *Point2DFeature) Pruned() bool { return f.pruned }

// PrevMatches returns the candidate matches in the previous frame.
func (f *Point2DFeature) PrevMatches() []*Point2DFeature { return f.prevMatches }

// NextMatches returns the candidate matches in the next frame.
func (f *Point2DFeature) NextMatches() []*Point2DFeature { return f.nextMatches }

// BestPrevMatchID returns the index into PrevMatches of the selected match, or NoMatch.
func (f *Point2DFeature) BestPrevMatchID() int { return f.bestPrevMatchID }

// BestNextMatchID returns the index into NextMatches of the selected match, or NoMatch.
func (f *Point2DFeature) BestNextMatchID() int { return f.bestNextMatchID }

// PrevMatch returns the selected match in the previous frame, or nil.
func (f *Point2DFeature) PrevMatch() *Point2DFeature {
	if f.bestPrevMatchID < 0 || f.bestPrevMatchID >= len(f.prevMatches) {
		return nil
	}
	return f.prevMatches[f.bestPrevMatchID]
}

// NextMatch returns the selected match in the next frame, or nil.
func (f *Point2DFeature) NextMatch() *Point2DFeature {
	if f.bestNextMatchID < 0 || f.bestNextMatchID >= len(f.nextMatches) {
		return nil
	}
	return f.nextMatches[f.bestNextMatchID]
}

// AddCandidateMatch records next as a possible successor of prev without selecting it.
// prevIdx is the position of prev in next.PrevMatches and nextIdx the position of next in
// prev.NextMatches.
func AddCandidateMatch(prev, next *Point2DFeature) (prevIdx, nextIdx int, err error) {
	if prev.frame == next.frame {
		return NoMatch, NoMatch, errors.New("cannot match two features of the same frame")
	}
	prev.nextMatches = append(prev.nextMatches, next)
	next.prevMatches = append(next.prevMatches, prev)
	return len(next.prevMatches) - 1, len(prev.nextMatches) - 1, nil
}

// Link records next as the selected successor of prev. A feature has at most one selected
// neighbor per direction; linking a feature that already has one is an error.
func Link(prev, next *Point2DFeature) error {
	if prev.NextMatch() != nil {
		return errors.Errorf("feature %d already has a next match", prev.index)
	}
	if next.PrevMatch() != nil {
		return errors.Errorf("feature %d already has a previous match", next.index)
	}
	prevIdx, nextIdx, err := AddCandidateMatch(prev, next)
	if err != nil {
		return err
	}
	next.bestPrevMatchID = prevIdx
	prev.bestNextMatchID = nextIdx
	return nil
}

// Sever breaks the selected link between prev and next. It is a no-op if the link is already
// broken, so calling it twice leaves the graph unchanged.
func Sever(prev, next *Point2DFeature) {
	if prev.NextMatch() == next {
		prev.bestNextMatchID = NoMatch
	}
	if next.PrevMatch() == prev {
		next.bestPrevMatchID = NoMatch
	}
}

// Attach links f to the scene point p. It returns false if f was pruned or already linked to
// another point.
func (f *Point2DFeature) Attach(p *Point3DFeature) bool {
	if f.pruned || (f.feature3D != nil && f.feature3D != p) {
		return false
	}
	if f.feature3D == p {
		return true
	}
	f.feature3D = p
	p.observers = append(p.observers, f)
	return true
}

// Detach permanently removes the feature's scene point link.
func (f *Point2DFeature) Detach() {
	if f.feature3D == nil {
		return
	}
	f.feature3D = nil
	f.pruned = true
}

// Point3DFeature is one triangulated scene point.
type Point3DFeature struct {
	Point r3.Vector

	// observers are back references; entries whose feature no longer links here are stale.
	observers []*Point2DFeature
}

// NewPoint3DFeature returns an unobserved scene point.
func NewPoint3DFeature(p r3.Vector) *Point3DFeature {
	return &Point3DFeature{Point: p}
}

// Observers returns the features that currently link to this point, dropping stale entries.
func (p *Point3DFeature) Observers() []*Point2DFeature {
	live := p.observers[:0]
	for _, f := range p.observers {
		if f != nil && f.feature3D == p {
			live = append(live, f)
		}
	}
	for i := len(live); i < len(p.observers); i++ {
		p.observers[i] = nil
	}
	p.observers = live
	return live
}

// Prune detaches the point from every observer.
func (p *Point3DFeature) Prune() {
	for _, f := range p.Observers() {
		f.Detach()
	}
	p.observers = nil
}
