// Package transcript reconstructs a stable transcript from the unordered
// partial updates a streaming recognizer emits. Providers that support
// dynamic correction send fragments keyed by sequence number and may later
// replace a whole range of earlier fragments with one corrected fragment, so
// the current text is always the concatenation of the live fragments in
// sequence order, not in arrival order.
package transcript

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidSequence is returned for updates whose sequence number cannot
// have been assigned by the provider.
var ErrInvalidSequence = errors.New("transcript: invalid sequence number")

// ErrInvalidRange is returned for replacement updates with a malformed range.
var ErrInvalidRange = errors.New("transcript: invalid replacement range")

// Update is one recognizer message applied to the transcript.
// A replacement supersedes every fragment in [RangeLow, RangeHigh] with Text,
// installed at RangeLow. A plain append sets the fragment at Sequence.
type Update struct {
	Sequence    int
	Text        string
	Replacement bool
	RangeLow    int
	RangeHigh   int
}

// Reconciler maintains the live fragment set for one recording.
// Safe for concurrent use by the session's two pumps.
type Reconciler struct {
	mu       sync.Mutex
	segments map[int]string
}

func NewReconciler() *Reconciler {
	return &Reconciler{segments: make(map[int]string)}
}

// Apply ingests one update. Re-applying the identical append is idempotent;
// an empty-text append is still recorded at its sequence so a seen-but-empty
// fragment is distinguishable from an unseen one.
func (r *Reconciler) Apply(u Update) error {
	if u.Replacement {
		if u.RangeLow < 0 || u.RangeHigh < u.RangeLow {
			return ErrInvalidRange
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.segments[u.RangeLow] = u.Text
		for k := u.RangeLow + 1; k <= u.RangeHigh; k++ {
			delete(r.segments, k)
		}
		return nil
	}

	if u.Sequence < 0 {
		return ErrInvalidSequence
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[u.Sequence] = u.Text
	return nil
}

// CurrentText returns the fragments joined in ascending sequence order.
// Gaps between sequence numbers simply render as absent.
func (r *Reconciler) CurrentText() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.segments) == 0 {
		return ""
	}
	keys := make([]int, 0, len(r.segments))
	for k := range r.segments {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(r.segments[k])
	}
	return sb.String()
}

// Len reports the number of live fragments.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

// Reset clears all fragments so the reconciler can serve a new recording.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments = make(map[int]string)
}
