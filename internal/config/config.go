package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig fixes the ingress PCM format for all sessions.
type AudioConfig struct {
	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FrameDurationMS int `yaml:"frame_duration_ms"`
	BufferFrames    int `yaml:"buffer_frames"`
}

// VADConfig controls utterance segmentation. StartFrames is the startup
// debounce (consecutive speech frames before an utterance opens), EndFrames
// the trailing silence tolerance (consecutive silence frames before it
// closes). Larger EndFrames reduces false endpointing at the cost of latency.
type VADConfig struct {
	EnergyThreshold float64 `yaml:"energy_threshold"`
	StartFrames     int     `yaml:"start_frames"`
	EndFrames       int     `yaml:"end_frames"`
}

// PipelineConfig bounds the per-session pipeline.
type PipelineConfig struct {
	SetupTimeoutMS         int    `yaml:"setup_timeout_ms"`
	StageTimeoutMS         int    `yaml:"stage_timeout_ms"`
	MaxRetries             int    `yaml:"max_retries"`
	RetryBackoffMS         int    `yaml:"retry_backoff_ms"`
	MaxQueuedChunks        int    `yaml:"max_queued_chunks"`
	IdleTimeoutMS          int    `yaml:"idle_timeout_ms"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
	MaxHistoryChars        int    `yaml:"max_history_chars"`
	SynthesisSlots         int    `yaml:"synthesis_slots"`
	MaxSessions            int    `yaml:"max_sessions"`
	SystemPrompt           string `yaml:"system_prompt"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"`
	Command         string `yaml:"command"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
}

type VoicesConfig struct {
	Directory      string `yaml:"directory"`
	DefaultProfile string `yaml:"default_profile"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Audio       AudioConfig      `yaml:"audio"`
	VAD         VADConfig        `yaml:"vad"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Voices      VoicesConfig     `yaml:"voices"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "mimir-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8998,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			BufferFrames:    1500,
		},
		VAD: VADConfig{
			EnergyThreshold: 0.02,
			StartFrames:     5,
			EndFrames:       40,
		},
		Pipeline: PipelineConfig{
			SetupTimeoutMS:         2000,
			StageTimeoutMS:         45000,
			MaxRetries:             3,
			RetryBackoffMS:         200,
			MaxQueuedChunks:        32,
			IdleTimeoutMS:          120000,
			MaxConsecutiveFailures: 3,
			MaxHistoryChars:        8000,
			SynthesisSlots:         4,
			MaxSessions:            32,
		},
		STT: STTConfig{
			Mode:           "mock",
			PartialEveryMS: 800,
			PublishInterim: true,
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:3b",
			MaxTokens:   256,
			Temperature: 0.75,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			SampleRate:      22050,
			Channels:        1,
			ChunkDurationMS: 400,
		},
		Voices: VoicesConfig{
			Directory:      "./data/voices",
			DefaultProfile: "default",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/mimir-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MIMIR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MIMIR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MIMIR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MIMIR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MIMIR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MIMIR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MIMIR_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "MIMIR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "MIMIR_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MIMIR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MIMIR_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MIMIR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MIMIR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MIMIR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MIMIR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MIMIR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MIMIR_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "MIMIR_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "MIMIR_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameDurationMS, "MIMIR_AUDIO_FRAME_DURATION_MS")
	overrideInt(&cfg.Audio.BufferFrames, "MIMIR_AUDIO_BUFFER_FRAMES")
	overrideFloat(&cfg.VAD.EnergyThreshold, "MIMIR_VAD_ENERGY_THRESHOLD")
	overrideInt(&cfg.VAD.StartFrames, "MIMIR_VAD_START_FRAMES")
	overrideInt(&cfg.VAD.EndFrames, "MIMIR_VAD_END_FRAMES")
	overrideInt(&cfg.Pipeline.SetupTimeoutMS, "MIMIR_PIPELINE_SETUP_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.StageTimeoutMS, "MIMIR_PIPELINE_STAGE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.MaxRetries, "MIMIR_PIPELINE_MAX_RETRIES")
	overrideInt(&cfg.Pipeline.RetryBackoffMS, "MIMIR_PIPELINE_RETRY_BACKOFF_MS")
	overrideInt(&cfg.Pipeline.MaxQueuedChunks, "MIMIR_PIPELINE_MAX_QUEUED_CHUNKS")
	overrideInt(&cfg.Pipeline.IdleTimeoutMS, "MIMIR_PIPELINE_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Pipeline.MaxConsecutiveFailures, "MIMIR_PIPELINE_MAX_CONSECUTIVE_FAILURES")
	overrideInt(&cfg.Pipeline.MaxHistoryChars, "MIMIR_PIPELINE_MAX_HISTORY_CHARS")
	overrideInt(&cfg.Pipeline.SynthesisSlots, "MIMIR_PIPELINE_SYNTHESIS_SLOTS")
	overrideInt(&cfg.Pipeline.MaxSessions, "MIMIR_PIPELINE_MAX_SESSIONS")
	overrideString(&cfg.Pipeline.SystemPrompt, "MIMIR_PIPELINE_SYSTEM_PROMPT")
	overrideString(&cfg.STT.Mode, "MIMIR_STT_MODE")
	overrideString(&cfg.STT.Command, "MIMIR_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "MIMIR_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "MIMIR_STT_LANGUAGE")
	overrideInt(&cfg.STT.PartialEveryMS, "MIMIR_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "MIMIR_STT_PUBLISH_INTERIM")
	overrideString(&cfg.LLM.Mode, "MIMIR_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "MIMIR_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "MIMIR_LLM_COMMAND")
	overrideString(&cfg.LLM.Model, "MIMIR_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "MIMIR_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "MIMIR_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "MIMIR_TTS_MODE")
	overrideString(&cfg.TTS.Command, "MIMIR_TTS_COMMAND")
	overrideInt(&cfg.TTS.SampleRate, "MIMIR_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "MIMIR_TTS_CHANNELS")
	overrideInt(&cfg.TTS.ChunkDurationMS, "MIMIR_TTS_CHUNK_DURATION_MS")
	overrideString(&cfg.Voices.Directory, "MIMIR_VOICES_DIRECTORY")
	overrideString(&cfg.Voices.DefaultProfile, "MIMIR_VOICES_DEFAULT_PROFILE")
	overrideString(&cfg.EventStore.Path, "MIMIR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MIMIR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MIMIR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "MIMIR_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MIMIR_EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.FrameDurationMS <= 0 {
		return errors.New("audio.frame_duration_ms must be positive")
	}
	if cfg.Audio.BufferFrames <= 0 {
		return errors.New("audio.buffer_frames must be positive")
	}
	if cfg.VAD.EnergyThreshold <= 0 || cfg.VAD.EnergyThreshold >= 1 {
		return errors.New("vad.energy_threshold must be in (0, 1)")
	}
	if cfg.VAD.StartFrames <= 0 {
		return errors.New("vad.start_frames must be positive")
	}
	if cfg.VAD.EndFrames <= 0 {
		return errors.New("vad.end_frames must be positive")
	}
	if cfg.Pipeline.SetupTimeoutMS <= 0 {
		return errors.New("pipeline.setup_timeout_ms must be positive")
	}
	if cfg.Pipeline.StageTimeoutMS <= 0 {
		return errors.New("pipeline.stage_timeout_ms must be positive")
	}
	if cfg.Pipeline.MaxRetries < 0 {
		return errors.New("pipeline.max_retries must be >= 0")
	}
	if cfg.Pipeline.MaxQueuedChunks <= 0 {
		return errors.New("pipeline.max_queued_chunks must be positive")
	}
	if cfg.Pipeline.IdleTimeoutMS <= 0 {
		return errors.New("pipeline.idle_timeout_ms must be positive")
	}
	if cfg.Pipeline.MaxConsecutiveFailures <= 0 {
		return errors.New("pipeline.max_consecutive_failures must be >= 1")
	}
	if cfg.Pipeline.SynthesisSlots <= 0 {
		return errors.New("pipeline.synthesis_slots must be >= 1")
	}
	if cfg.Pipeline.MaxSessions < 0 {
		return errors.New("pipeline.max_sessions must be >= 0")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.Voices.Directory == "" {
		return errors.New("voices.directory must not be empty")
	}
	if cfg.Voices.DefaultProfile == "" {
		return errors.New("voices.default_profile must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
