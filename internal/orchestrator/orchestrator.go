// Package orchestrator manages the set of live sessions: admission against
// the session limit, voice profile resolution, shared synthesis slots, and
// idle reaping.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/protocol"
	"github.com/mimirlabs/mimir-core/internal/session"
	"github.com/mimirlabs/mimir-core/internal/voice"
)

var (
	ErrUnknownSession      = errors.New("unknown session")
	ErrUnknownVoiceProfile = errors.New("unknown voice profile")
	ErrSessionLimit        = errors.New("session limit reached")
)

// Notifier fans session events out to interested transports. A nil notifier
// disables fan-out.
type Notifier = session.Notifier

// Orchestrator owns all live sessions.
type Orchestrator struct {
	cfg      config.PipelineConfig
	audioCfg config.AudioConfig
	vadCfg   config.VADConfig

	voices *voice.Store

	transcriber session.Transcriber
	generator   session.Generator
	speaker     session.Speaker
	notifier    session.Notifier
	recorder    session.Recorder

	synthSlots chan struct{}

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session.Session
}

// Params collects the orchestrator's collaborators.
type Params struct {
	Pipeline config.PipelineConfig
	Audio    config.AudioConfig
	VAD      config.VADConfig

	Voices      *voice.Store
	Transcriber session.Transcriber
	Generator   session.Generator
	Speaker     session.Speaker
	Notifier    session.Notifier
	Recorder    session.Recorder

	Logger *slog.Logger
}

func New(parent context.Context, p Params) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	var slots chan struct{}
	if p.Pipeline.SynthesisSlots > 0 {
		slots = make(chan struct{}, p.Pipeline.SynthesisSlots)
	}
	return &Orchestrator{
		cfg:         p.Pipeline,
		audioCfg:    p.Audio,
		vadCfg:      p.VAD,
		voices:      p.Voices,
		transcriber: p.Transcriber,
		generator:   p.Generator,
		speaker:     p.Speaker,
		notifier:    p.Notifier,
		recorder:    p.Recorder,
		synthSlots:  slots,
		logger:      p.Logger.With(slog.String("component", "orchestrator")),
		ctx:         ctx,
		cancel:      cancel,
		sessions:    make(map[string]*session.Session),
	}
}

// Start launches the idle reaper.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.reapIdle()
}

// Close shuts down every session and stops the reaper.
func (o *Orchestrator) Close() {
	o.cancel()

	o.mu.Lock()
	open := make([]*session.Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		open = append(open, s)
	}
	o.sessions = make(map[string]*session.Session)
	o.mu.Unlock()

	for _, s := range open {
		s.Close(protocol.CloseReasonShutdown)
		s.Wait()
	}
	o.wg.Wait()
}

// OpenSession admits a new session using the named voice profile; an empty
// profile ID selects the configured default.
func (o *Orchestrator) OpenSession(voiceProfileID string) (*session.Session, error) {
	profile, err := o.resolveProfile(voiceProfileID)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cfg.MaxSessions > 0 && len(o.sessions) >= o.cfg.MaxSessions {
		return nil, ErrSessionLimit
	}

	id := uuid.NewString()
	s := session.New(o.ctx, session.Params{
		ID:          id,
		Profile:     profile,
		Pipeline:    o.cfg,
		Audio:       o.audioCfg,
		VAD:         o.vadCfg,
		Transcriber: o.transcriber,
		Generator:   o.generator,
		Speaker:     o.speaker,
		Notifier:    o.notifier,
		Recorder:    o.recorder,
		SynthSlots:  o.synthSlots,
		Logger:      o.logger,
	})
	o.sessions[id] = s
	s.Start()

	o.wg.Add(1)
	go o.watchSession(s)

	o.logger.Info("session opened",
		slog.String("session_id", id),
		slog.String("voice_profile", profile.ID))
	return s, nil
}

func (o *Orchestrator) resolveProfile(id string) (voice.Profile, error) {
	if id == "" {
		id = o.voices.Default()
	}
	profile, err := o.voices.Lookup(id)
	if errors.Is(err, voice.ErrNotFound) {
		return voice.Profile{}, ErrUnknownVoiceProfile
	}
	return profile, err
}

// watchSession removes a session from the registry once it closes, however
// the close was triggered.
func (o *Orchestrator) watchSession(s *session.Session) {
	defer o.wg.Done()
	select {
	case <-s.Done():
	case <-o.ctx.Done():
		return
	}
	o.mu.Lock()
	delete(o.sessions, s.ID())
	o.mu.Unlock()
	s.Wait()
	o.logger.Info("session removed",
		slog.String("session_id", s.ID()),
		slog.String("reason", s.CloseReason()))
}

// Lookup returns the live session with the given ID.
func (o *Orchestrator) Lookup(sessionID string) (*session.Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Ingest routes one audio frame to its session.
func (o *Orchestrator) Ingest(frame protocol.AudioFrame) error {
	s, err := o.Lookup(frame.SessionID)
	if err != nil {
		return err
	}
	return s.Ingest(frame)
}

// Interrupt aborts the named session's in-flight turn.
func (o *Orchestrator) Interrupt(sessionID string) error {
	s, err := o.Lookup(sessionID)
	if err != nil {
		return err
	}
	s.Interrupt()
	return nil
}

// CloseSession terminates the named session at the client's request.
func (o *Orchestrator) CloseSession(sessionID string) error {
	s, err := o.Lookup(sessionID)
	if err != nil {
		return err
	}
	s.Close(protocol.CloseReasonClient)
	return nil
}

// SessionCount reports the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

func (o *Orchestrator) idleTimeout() time.Duration {
	if o.cfg.IdleTimeoutMS <= 0 {
		return 0
	}
	return time.Duration(o.cfg.IdleTimeoutMS) * time.Millisecond
}

func (o *Orchestrator) reapIdle() {
	defer o.wg.Done()
	timeout := o.idleTimeout()
	if timeout == 0 {
		return
	}
	interval := timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-timeout)
			o.mu.Lock()
			var idle []*session.Session
			for _, s := range o.sessions {
				// Sessions mid-turn refresh activity when they finish.
				if s.State() == session.StateIdle && s.LastActivity().Before(cutoff) {
					idle = append(idle, s)
				}
			}
			o.mu.Unlock()
			for _, s := range idle {
				o.logger.Info("reaping idle session", slog.String("session_id", s.ID()))
				s.Close(protocol.CloseReasonIdleTimeout)
			}
		}
	}
}
