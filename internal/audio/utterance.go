package audio

import (
	"sync/atomic"
	"time"

	"github.com/mimirlabs/mimir-core/internal/protocol"
)

// Utterance is a contiguous run of frames bounded by VAD start/end events.
// It is drained exactly once by the transcription stage.
type Utterance struct {
	Seq      uint64
	frames   []protocol.AudioFrame
	consumed atomic.Bool
}

// NewUtterance builds an utterance over frames. Callers hand over ownership
// of the slice.
func NewUtterance(seq uint64, frames []protocol.AudioFrame) *Utterance {
	return &Utterance{Seq: seq, frames: frames}
}

// Start returns the timestamp of the first frame.
func (u *Utterance) Start() time.Time {
	if len(u.frames) == 0 {
		return time.Time{}
	}
	return u.frames[0].Timestamp
}

// End returns the timestamp of the last frame.
func (u *Utterance) End() time.Time {
	if len(u.frames) == 0 {
		return time.Time{}
	}
	return u.frames[len(u.frames)-1].Timestamp
}

// Len returns the number of frames.
func (u *Utterance) Len() int { return len(u.frames) }

// Frames yields the utterance's frames in order. The sequence is single-pass:
// the first caller consumes it, later calls yield nothing.
func (u *Utterance) Frames(yield func(protocol.AudioFrame) bool) {
	if !u.consumed.CompareAndSwap(false, true) {
		return
	}
	for _, f := range u.frames {
		if !yield(f) {
			return
		}
	}
}

// PCM drains the utterance into a single contiguous sample buffer.
func (u *Utterance) PCM() []byte {
	var out []byte
	u.Frames(func(f protocol.AudioFrame) bool {
		out = append(out, f.PCM...)
		return true
	})
	return out
}
