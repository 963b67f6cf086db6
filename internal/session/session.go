// Package session owns the per-conversation state machine: it turns completed
// utterances into pipeline turns, runs transcription, generation and
// synthesis in order with streaming hand-off, and aborts cleanly on barge-in,
// interrupts, stage failures and shutdown.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mimirlabs/mimir-core/internal/audio"
	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/llm"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/stage"
	"github.com/mimirlabs/mimir-core/internal/stt"
	"github.com/mimirlabs/mimir-core/internal/tts"
	"github.com/mimirlabs/mimir-core/internal/voice"
)

// ErrClosed is returned by Ingest once the session has been closed.
var ErrClosed = errors.New("session closed")

// State is the session lifecycle position. Transitions are driven by the
// turn loop; Closed is terminal.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSpeaking
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transcriber starts a transcript stream for one utterance.
type Transcriber interface {
	Start(ctx context.Context, req stt.Request) (*stage.Stream[protocol.TranscriptSegment], error)
}

// Generator starts a token stream for one prompt.
type Generator interface {
	Start(ctx context.Context, req llm.Request) (*stage.Stream[protocol.GenerationToken], error)
}

// Speaker starts an audio chunk stream for one piece of text.
type Speaker interface {
	Start(ctx context.Context, req tts.Request) (*stage.Stream[protocol.SynthesisChunk], error)
}

// Notifier receives advisory status events. Delivery is best effort; the
// pipeline never blocks on it.
type Notifier interface {
	Notify(evt protocol.Event)
}

// TurnRecord is the durable summary of one finished turn.
type TurnRecord struct {
	SessionID     string
	TurnID        string
	UserText      string
	AssistantText string
	Outcome       string
	Cause         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Turn outcomes stored with a TurnRecord.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
)

// Recorder persists finished turns.
type Recorder interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
}

// Params collects the collaborators a session needs.
type Params struct {
	ID      string
	Profile voice.Profile

	Pipeline config.PipelineConfig
	Audio    config.AudioConfig
	VAD      config.VADConfig

	Transcriber Transcriber
	Generator   Generator
	Speaker     Speaker

	Notifier Notifier
	Recorder Recorder

	// SynthSlots bounds concurrent synthesis across sessions; nil means
	// unbounded.
	SynthSlots chan struct{}

	Logger *slog.Logger
}

// Session runs the conversational pipeline for one client connection.
type Session struct {
	id      string
	profile voice.Profile

	cfg      config.PipelineConfig
	audioCfg config.AudioConfig

	frames      *audio.FrameBuffer
	transcriber Transcriber
	generator   Generator
	speaker     Speaker
	notifier    Notifier
	recorder    Recorder
	synthSlots  chan struct{}

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state atomic.Int32

	egress     chan protocol.SynthesisChunk
	interrupts chan string

	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	hist         *history
	failures     int
	lastActivity time.Time
	closeReason  string
}

func New(parent context.Context, p Params) *Session {
	ctx, cancel := context.WithCancel(parent)
	queued := p.Pipeline.MaxQueuedChunks
	if queued <= 0 {
		queued = 32
	}
	s := &Session{
		id:          p.ID,
		profile:     p.Profile,
		cfg:         p.Pipeline,
		audioCfg:    p.Audio,
		transcriber: p.Transcriber,
		generator:   p.Generator,
		speaker:     p.Speaker,
		notifier:    p.Notifier,
		recorder:    p.Recorder,
		synthSlots:  p.SynthSlots,
		logger:      p.Logger.With(slog.String("session_id", p.ID)),
		ctx:         ctx,
		cancel:      cancel,
		egress:      make(chan protocol.SynthesisChunk, queued),
		interrupts:  make(chan string, 1),
		closed:      make(chan struct{}),
		hist:        newHistory(p.Pipeline.MaxHistoryChars),
	}
	s.lastActivity = time.Now()
	s.frames = audio.NewFrameBuffer(p.Audio, p.VAD, func() bool {
		return s.State() == StateSpeaking
	})
	s.frames.SetDroppedCallback(func(n int) {
		s.notify(protocol.Event{Type: protocol.EventFramesDropped, Dropped: n})
	})
	s.frames.SetSpeechStartCallback(func() {
		s.state.CompareAndSwap(int32(StateIdle), int32(StateListening))
	})
	return s
}

// Start launches the turn loop.
func (s *Session) Start() {
	s.notify(protocol.Event{Type: protocol.EventSessionOpened})
	s.wg.Add(1)
	go s.run()
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Profile() voice.Profile { return s.profile }

func (s *Session) State() State {
	return State(s.state.Load())
}

// Output is the ordered stream of synthesized audio for playback.
func (s *Session) Output() <-chan protocol.SynthesisChunk { return s.egress }

// Done is closed when the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// LastActivity reports when the session last received audio or finished a
// turn, for idle reaping.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseReason reports why the session closed, empty while it is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Ingest accepts one audio frame from the client.
func (s *Session) Ingest(frame protocol.AudioFrame) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	s.touch()
	return s.frames.Push(frame)
}

// Interrupt aborts the in-flight turn, if any. Coalesced; a no-op while
// idle.
func (s *Session) Interrupt() {
	select {
	case s.interrupts <- protocol.CauseInterrupt:
	default:
	}
}

// Close terminates the session. Idempotent; any in-flight turn is aborted.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		s.state.Store(int32(StateClosed))
		s.cancel()
		s.notify(protocol.Event{Type: protocol.EventSessionClosed, Reason: reason})
		close(s.closed)
	})
}

// Wait blocks until the turn loop has exited.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) notify(evt protocol.Event) {
	if s.notifier == nil {
		return
	}
	evt.SessionID = s.id
	evt.Timestamp = time.Now()
	s.notifier.Notify(evt)
}

func (s *Session) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case utt := <-s.frames.Utterances():
			s.runTurn(utt)
		}
	}
}

// turnGuard tracks why a turn was aborted. The first abort wins; abort
// cancels the turn context so every suspension point unblocks.
type turnGuard struct {
	cancel context.CancelFunc
	once   sync.Once
	cause  atomic.Value
}

func (g *turnGuard) abort(cause string) {
	g.once.Do(func() {
		g.cause.Store(cause)
		g.cancel()
	})
}

func (g *turnGuard) aborted() (string, bool) {
	v, ok := g.cause.Load().(string)
	return v, ok
}

func (s *Session) runTurn(utt *audio.Utterance) {
	turnID := uuid.NewString()
	startedAt := time.Now()

	turnCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	guard := &turnGuard{cancel: cancel}

	// Discard stale signals from the previous turn's tail.
	select {
	case <-s.interrupts:
	default:
	}
	select {
	case <-s.frames.BargeIn():
	default:
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.frames.BargeIn():
			guard.abort(protocol.CauseBargeIn)
		case cause := <-s.interrupts:
			guard.abort(cause)
		case <-turnCtx.Done():
		}
	}()

	s.setActiveState(StateTranscribing)
	s.notify(protocol.Event{Type: protocol.EventTurnStarted, TurnID: turnID})

	userText, err := s.transcribe(turnCtx, turnID, utt)
	if err != nil {
		s.finishTurn(guard, turnID, "", "", startedAt, err)
		return
	}
	if strings.TrimSpace(userText) == "" {
		s.logger.Debug("utterance produced empty transcript", slog.String("turn_id", turnID))
		s.notify(protocol.Event{Type: protocol.EventTurnCompleted, TurnID: turnID})
		s.setActiveState(StateIdle)
		s.touch()
		return
	}

	s.setActiveState(StateGenerating)
	assistantText, err := s.respond(turnCtx, guard, turnID, userText)
	s.finishTurn(guard, turnID, userText, assistantText, startedAt, err)
}

func (s *Session) stageTimeout() time.Duration {
	if s.cfg.StageTimeoutMS <= 0 {
		return time.Minute
	}
	return time.Duration(s.cfg.StageTimeoutMS) * time.Millisecond
}

func (s *Session) transcribe(turnCtx context.Context, turnID string, utt *audio.Utterance) (string, error) {
	ctx, cancel := context.WithTimeout(turnCtx, s.stageTimeout())
	defer cancel()

	stream, err := s.transcriber.Start(ctx, stt.Request{
		SessionID:  s.id,
		TurnID:     turnID,
		Utterance:  utt,
		SampleRate: s.audioCfg.SampleRate,
		Channels:   s.audioCfg.Channels,
	})
	if err != nil {
		return "", stage.Fail(stage.Transcription, err)
	}
	defer stream.Cancel()

	var finalText string
	lastSeq := -1
	for {
		seg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return finalText, nil
		}
		if err != nil {
			return "", err
		}
		if seg.Sequence <= lastSeq {
			return "", errOrdering
		}
		lastSeq = seg.Sequence

		evtType := protocol.EventTranscriptPartial
		if seg.Final {
			evtType = protocol.EventTranscriptFinal
			finalText = seg.Text
		}
		s.notify(protocol.Event{Type: evtType, TurnID: turnID, Sequence: seg.Sequence, Text: seg.Text})
	}
}

var errOrdering = errors.New("stream sequence regressed")

// respond runs generation and synthesis concurrently: completed sentences are
// handed to the synthesizer while later tokens are still arriving.
func (s *Session) respond(turnCtx context.Context, guard *turnGuard, turnID, userText string) (string, error) {
	ctx, cancel := context.WithTimeout(turnCtx, s.stageTimeout())
	defer cancel()

	s.mu.Lock()
	prompt := s.hist.Prompt(userText)
	s.mu.Unlock()

	genStream, err := s.generator.Start(ctx, llm.Request{
		SessionID: s.id,
		TurnID:    turnID,
		Prompt:    prompt,
		System:    s.cfg.SystemPrompt,
	})
	if err != nil {
		return "", stage.Fail(stage.Generation, err)
	}
	defer genStream.Cancel()

	sentences := make(chan string, 4)
	synthDone := make(chan error, 1)
	go s.synthesizeLoop(ctx, turnID, sentences, synthDone)

	assembler := newSentenceAssembler()
	var assistant strings.Builder
	var synthErr error
	synthFinished := false

	send := func(piece string) error {
		select {
		case sentences <- piece:
			return nil
		case err := <-synthDone:
			synthFinished = true
			if err != nil {
				return err
			}
			return ctx.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	lastIndex := -1
tokens:
	for {
		token, err := genStream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			synthErr = err
			break
		}
		if token.Index <= lastIndex {
			synthErr = errOrdering
			break
		}
		lastIndex = token.Index

		if token.Text != "" {
			assistant.WriteString(token.Text)
			s.notify(protocol.Event{Type: protocol.EventGenerationToken, TurnID: turnID, Sequence: token.Index, Text: token.Text})
			if piece := assembler.Add(token.Text); piece != "" {
				if err := send(piece); err != nil {
					synthErr = err
					break tokens
				}
			}
		}
		if token.Final {
			break
		}
	}

	if synthErr == nil {
		if piece := assembler.Flush(); piece != "" {
			if err := send(piece); err != nil {
				synthErr = err
			}
		}
	}
	close(sentences)

	if !synthFinished {
		if synthErr != nil {
			// Stop synthesis promptly; the worker unblocks on ctx.
			guard.keepCauseAndCancel(synthErr)
		}
		if err := <-synthDone; err != nil && synthErr == nil {
			synthErr = err
		}
	}

	return assistant.String(), synthErr
}

// keepCauseAndCancel cancels the turn context without claiming an abort
// cause, so stage failures keep their own classification.
func (g *turnGuard) keepCauseAndCancel(err error) {
	if _, ok := g.aborted(); ok {
		return
	}
	if errors.Is(err, stage.ErrCancelled) || errors.Is(err, context.Canceled) {
		return
	}
	g.cancel()
}

func (s *Session) synthesizeLoop(ctx context.Context, turnID string, sentences <-chan string, done chan<- error) {
	baseIndex := 0

	speakOne := func(text string, final bool) error {
		if err := s.acquireSlot(ctx); err != nil {
			return err
		}
		defer s.releaseSlot()

		stream, err := s.speaker.Start(ctx, tts.Request{
			SessionID: s.id,
			TurnID:    turnID,
			Text:      text,
			Profile:   s.profile,
			BaseIndex: baseIndex,
			MarkFinal: final,
		})
		if err != nil {
			return stage.Fail(stage.Synthesis, err)
		}
		defer stream.Cancel()

		for {
			chunk, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			s.setActiveState(StateSpeaking)
			baseIndex = chunk.Index + 1
			select {
			case s.egress <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	var pending string
	have := false
	for text := range sentences {
		if have {
			if err := speakOne(pending, false); err != nil {
				done <- err
				return
			}
		}
		pending, have = text, true
	}
	if have {
		done <- speakOne(pending, true)
		return
	}
	done <- nil
}

func (s *Session) acquireSlot(ctx context.Context) error {
	if s.synthSlots == nil {
		return nil
	}
	select {
	case s.synthSlots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) releaseSlot() {
	if s.synthSlots != nil {
		<-s.synthSlots
	}
}

// setActiveState moves to next unless the session has been closed.
func (s *Session) setActiveState(next State) {
	for {
		cur := s.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (s *Session) finishTurn(guard *turnGuard, turnID, userText, assistantText string, startedAt time.Time, err error) {
	if err == nil {
		s.mu.Lock()
		s.hist.Add(userText, assistantText)
		s.failures = 0
		s.mu.Unlock()
		s.notify(protocol.Event{Type: protocol.EventTurnCompleted, TurnID: turnID, Text: assistantText})
		s.record(TurnRecord{
			SessionID:     s.id,
			TurnID:        turnID,
			UserText:      userText,
			AssistantText: assistantText,
			Outcome:       OutcomeCompleted,
			StartedAt:     startedAt,
			FinishedAt:    time.Now(),
		})
		s.setActiveState(StateIdle)
		s.touch()
		return
	}

	cause := s.classifyAbort(guard, err)
	flushed := s.flushEgress()

	s.logger.Info("turn aborted",
		slog.String("turn_id", turnID),
		slog.String("cause", cause),
		slog.Int("flushed_chunks", flushed),
		slog.Any("error", err))
	s.notify(protocol.Event{Type: protocol.EventTurnAborted, TurnID: turnID, Cause: cause})

	// Aborted turns never reach history; only completed exchanges feed
	// later prompts.
	s.mu.Lock()
	failures := s.failures
	if cause == protocol.CauseStageFailed || cause == protocol.CauseOrdering {
		failures++
		s.failures = failures
	}
	limit := s.cfg.MaxConsecutiveFailures
	s.mu.Unlock()

	s.record(TurnRecord{
		SessionID:     s.id,
		TurnID:        turnID,
		UserText:      userText,
		AssistantText: assistantText,
		Outcome:       OutcomeAborted,
		Cause:         cause,
		StartedAt:     startedAt,
		FinishedAt:    time.Now(),
	})

	if cause == protocol.CauseSessionClosed {
		return
	}
	if limit > 0 && failures >= limit {
		s.logger.Warn("closing session after repeated failures", slog.Int("failures", failures))
		s.Close(protocol.CloseReasonFailures)
		return
	}
	s.setActiveState(StateIdle)
	s.touch()
}

func (s *Session) classifyAbort(guard *turnGuard, err error) string {
	if cause, ok := guard.aborted(); ok {
		return cause
	}
	switch {
	case errors.Is(err, errOrdering):
		return protocol.CauseOrdering
	case s.ctx.Err() != nil:
		return protocol.CauseSessionClosed
	default:
		return protocol.CauseStageFailed
	}
}

// flushEgress discards queued playback audio so an aborted turn goes quiet
// immediately.
func (s *Session) flushEgress() int {
	n := 0
	for {
		select {
		case <-s.egress:
			n++
		default:
			return n
		}
	}
}

func (s *Session) record(rec TurnRecord) {
	if s.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.RecordTurn(ctx, rec); err != nil {
		s.logger.Warn("failed to record turn", slog.String("turn_id", rec.TurnID), slog.Any("error", err))
	}
}
