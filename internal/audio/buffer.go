package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/protocol"
)

// ErrFrameOrdering is returned when a frame's timestamp is not strictly
// after the previously pushed frame.
var ErrFrameOrdering = errors.New("audio frame out of order")

// FrameBuffer accepts a continuous stream of PCM frames, classifies them with
// an energy VAD, and emits utterance boundaries plus a barge-in signal.
//
// Push is constant-time and never blocks the producer: when the retained
// window is full the oldest frame is evicted and counted as dropped, and all
// outbound signalling uses buffered or coalescing channels.
type FrameBuffer struct {
	mu sync.Mutex

	vad      config.VADConfig
	capacity int

	// speaking reports whether the owning session is currently playing
	// synthesized audio; speech detected then raises the barge-in signal.
	speaking func() bool

	pending     []protocol.AudioFrame // open utterance, including debounce run
	inUtterance bool
	speechRun   int
	silenceRun  int

	lastTimestamp time.Time
	nextSeq       uint64
	dropped       int

	utterances chan *Utterance
	bargeIn    chan struct{}

	onDropped     func(n int)
	onSpeechStart func()
}

// NewFrameBuffer creates a buffer retaining at most cfg Audio.BufferFrames
// frames of an open utterance. speaking may be nil when barge-in detection is
// not needed.
func NewFrameBuffer(audioCfg config.AudioConfig, vadCfg config.VADConfig, speaking func() bool) *FrameBuffer {
	if speaking == nil {
		speaking = func() bool { return false }
	}
	return &FrameBuffer{
		vad:        vadCfg,
		capacity:   audioCfg.BufferFrames,
		speaking:   speaking,
		utterances: make(chan *Utterance, 4),
		bargeIn:    make(chan struct{}, 1),
	}
}

// SetDroppedCallback registers a non-fatal dropped-frame reporter. Must be
// called before the first Push.
func (b *FrameBuffer) SetDroppedCallback(fn func(n int)) {
	b.mu.Lock()
	b.onDropped = fn
	b.mu.Unlock()
}

// SetSpeechStartCallback registers a callback invoked once per utterance when
// the debounce threshold confirms speech. Must be called before the first
// Push.
func (b *FrameBuffer) SetSpeechStartCallback(fn func()) {
	b.mu.Lock()
	b.onSpeechStart = fn
	b.mu.Unlock()
}

// Utterances returns the channel of completed utterances.
func (b *FrameBuffer) Utterances() <-chan *Utterance { return b.utterances }

// BargeIn returns a coalescing signal raised when speech is detected while
// the session is speaking.
func (b *FrameBuffer) BargeIn() <-chan struct{} { return b.bargeIn }

// Dropped returns the cumulative count of evicted frames.
func (b *FrameBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Push appends one frame. Frames must carry strictly increasing timestamps.
func (b *FrameBuffer) Push(frame protocol.AudioFrame) error {
	speech := RMSEnergy(frame.PCM) >= b.vad.EnergyThreshold

	if speech && b.speaking() {
		select {
		case b.bargeIn <- struct{}{}:
		default:
		}
	}

	b.mu.Lock()

	if !b.lastTimestamp.IsZero() && !frame.Timestamp.After(b.lastTimestamp) {
		b.mu.Unlock()
		return ErrFrameOrdering
	}
	b.lastTimestamp = frame.Timestamp

	var (
		done          *Utterance
		droppedNow    int
		notifyDropped func(n int)
		notifyStart   func()
	)

	if speech {
		b.speechRun++
		b.silenceRun = 0
	} else {
		b.silenceRun++
		b.speechRun = 0
	}

	switch {
	case b.inUtterance:
		b.appendLocked(frame, &droppedNow)
		if b.silenceRun >= b.vad.EndFrames {
			done = b.closeLocked()
		}
	case speech:
		b.appendLocked(frame, &droppedNow)
		if b.speechRun >= b.vad.StartFrames {
			b.inUtterance = true
			notifyStart = b.onSpeechStart
		}
	default:
		// Silence outside an utterance clears any partial debounce run.
		b.pending = b.pending[:0]
	}

	if droppedNow > 0 {
		b.dropped += droppedNow
		notifyDropped = b.onDropped
	}
	b.mu.Unlock()

	if notifyStart != nil {
		notifyStart()
	}
	if notifyDropped != nil {
		notifyDropped(droppedNow)
	}
	if done != nil {
		select {
		case b.utterances <- done:
		default:
			// Consumer stalled past the utterance queue; report as dropped
			// frames rather than blocking the producer.
			b.mu.Lock()
			b.dropped += done.Len()
			fn := b.onDropped
			b.mu.Unlock()
			if fn != nil {
				fn(done.Len())
			}
		}
	}
	return nil
}

func (b *FrameBuffer) appendLocked(frame protocol.AudioFrame, droppedNow *int) {
	if len(b.pending) >= b.capacity {
		b.pending = b.pending[1:]
		*droppedNow++
	}
	b.pending = append(b.pending, frame)
}

func (b *FrameBuffer) closeLocked() *Utterance {
	frames := make([]protocol.AudioFrame, len(b.pending))
	copy(frames, b.pending)
	b.pending = b.pending[:0]
	b.inUtterance = false
	b.speechRun = 0
	b.silenceRun = 0
	b.nextSeq++
	return NewUtterance(b.nextSeq, frames)
}

// Flush force-closes any open utterance, used on session close.
func (b *FrameBuffer) Flush() *Utterance {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inUtterance {
		return nil
	}
	return b.closeLocked()
}
