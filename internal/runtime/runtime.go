// Package runtime assembles the daemon: configuration, telemetry, the
// optional event bus, the turn store, backend adapters, the orchestrator and
// the websocket gateway, all behind one HTTP listener.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mimirlabs/mimir-core/internal/bus"
	"github.com/mimirlabs/mimir-core/internal/config"
	"github.com/mimirlabs/mimir-core/internal/eventstore"
	"github.com/mimirlabs/mimir-core/internal/gateway"
	"github.com/mimirlabs/mimir-core/internal/llm"
	"github.com/mimirlabs/mimir-core/internal/natsserver"
	"github.com/mimirlabs/mimir-core/internal/orchestrator"
	"github.com/mimirlabs/mimir-core/internal/stage"
	"github.com/mimirlabs/mimir-core/internal/stt"
	"github.com/mimirlabs/mimir-core/internal/tts"
	"github.com/mimirlabs/mimir-core/internal/voice"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		setupCtx, cancelSetup := context.WithTimeout(ctx, r.setupTimeout())
		busClient, err = bus.Connect(setupCtx, r.cfg.Bus, r.logger)
		cancelSetup()
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open turn store: %w", err)
	}
	defer store.Close()

	voices, err := voice.Load(r.cfg.Voices, r.logger)
	if err != nil {
		return fmt.Errorf("failed to load voice profiles: %w", err)
	}

	transcriber, generator, speaker, err := r.buildAdapters()
	if err != nil {
		return err
	}

	metrics, err := newPipelineMetrics()
	if err != nil {
		return fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	hub := gateway.NewHub()
	notifiers := multiNotifier{hub, metrics}
	if busClient != nil {
		notifiers = append(notifiers, bus.NewNotifier(busClient))
	}

	orch := orchestrator.New(ctx, orchestrator.Params{
		Pipeline:    r.cfg.Pipeline,
		Audio:       r.cfg.Audio,
		VAD:         r.cfg.VAD,
		Voices:      voices,
		Transcriber: transcriber,
		Generator:   generator,
		Speaker:     speaker,
		Notifier:    notifiers,
		Recorder:    store,
		Logger:      r.logger,
	})
	orch.Start()
	defer orch.Close()

	gw := gateway.New(orch, voices, r.cfg.Audio, hub, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	gw.Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("stt_mode", r.cfg.STT.Mode),
		slog.String("llm_mode", r.cfg.LLM.Mode),
		slog.String("tts_mode", r.cfg.TTS.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) setupTimeout() time.Duration {
	if r.cfg.Pipeline.SetupTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.cfg.Pipeline.SetupTimeoutMS) * time.Millisecond
}

func (r *Runtime) retryPolicy() stage.RetryPolicy {
	return stage.RetryPolicy{
		MaxRetries:     r.cfg.Pipeline.MaxRetries,
		InitialBackoff: time.Duration(r.cfg.Pipeline.RetryBackoffMS) * time.Millisecond,
	}
}

func (r *Runtime) buildAdapters() (*stt.Adapter, *llm.Adapter, *tts.Adapter, error) {
	policy := r.retryPolicy()

	var recognizer stt.Recognizer
	switch r.cfg.STT.Mode {
	case "exec":
		rec, err := stt.NewExecRecognizer(r.cfg.STT)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create stt backend: %w", err)
		}
		recognizer = rec
	default:
		recognizer = stt.NewMockRecognizer()
	}

	var generator llm.Generator
	switch r.cfg.LLM.Mode {
	case "ollama":
		generator = llm.NewOllamaGenerator(r.cfg.LLM.Endpoint, r.cfg.LLM.Model)
	case "exec":
		gen, err := llm.NewExecGenerator(r.cfg.LLM.Command)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create llm backend: %w", err)
		}
		generator = gen
	default:
		generator = llm.NewMockGenerator()
	}

	var synth tts.Synthesizer
	switch r.cfg.TTS.Mode {
	case "exec":
		sy, err := tts.NewExecSynth(r.cfg.TTS.Command, r.cfg.TTS.SampleRate, r.cfg.TTS.Channels)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create tts backend: %w", err)
		}
		synth = sy
	default:
		synth = tts.NewMockSynth(r.cfg.TTS.SampleRate, r.cfg.TTS.Channels, r.cfg.TTS.ChunkDurationMS)
	}

	return stt.NewAdapter(r.cfg.STT, recognizer, policy, r.logger),
		llm.NewAdapter(r.cfg.LLM, generator, policy, r.logger),
		tts.NewAdapter(r.cfg.TTS, synth, policy, r.logger),
		nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
