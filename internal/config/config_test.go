package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
	if cfg.VAD.StartFrames != 5 || cfg.VAD.EndFrames != 40 {
		t.Fatalf("unexpected VAD defaults: %+v", cfg.VAD)
	}
	if cfg.Pipeline.MaxQueuedChunks != 32 {
		t.Fatalf("expected default chunk queue bound, got %d", cfg.Pipeline.MaxQueuedChunks)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MIMIR_AUDIO_SAMPLE_RATE", "24000")
	t.Setenv("MIMIR_VAD_ENERGY_THRESHOLD", "0.05")
	t.Setenv("MIMIR_VAD_START_FRAMES", "3")
	t.Setenv("MIMIR_VAD_END_FRAMES", "25")
	t.Setenv("MIMIR_PIPELINE_MAX_RETRIES", "5")
	t.Setenv("MIMIR_PIPELINE_IDLE_TIMEOUT_MS", "60000")
	t.Setenv("MIMIR_LLM_MODE", "ollama")
	t.Setenv("MIMIR_LLM_MODEL", "llama3.2:latest")
	t.Setenv("MIMIR_VOICES_DEFAULT_PROFILE", "narrator")
	t.Setenv("MIMIR_BUS_SERVERS", "nats://one:4222, nats://two:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Audio.SampleRate != 24000 {
		t.Fatalf("expected sample rate override, got %d", cfg.Audio.SampleRate)
	}
	if cfg.VAD.EnergyThreshold != 0.05 {
		t.Fatalf("expected energy threshold override, got %f", cfg.VAD.EnergyThreshold)
	}
	if cfg.VAD.StartFrames != 3 || cfg.VAD.EndFrames != 25 {
		t.Fatalf("expected VAD frame overrides, got %+v", cfg.VAD)
	}
	if cfg.Pipeline.MaxRetries != 5 {
		t.Fatalf("expected retry override, got %d", cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.IdleTimeoutMS != 60000 {
		t.Fatalf("expected idle timeout override, got %d", cfg.Pipeline.IdleTimeoutMS)
	}
	if cfg.LLM.Mode != "ollama" || cfg.LLM.Model != "llama3.2:latest" {
		t.Fatalf("expected llm overrides, got %+v", cfg.LLM)
	}
	if cfg.Voices.DefaultProfile != "narrator" {
		t.Fatalf("expected voice profile override, got %s", cfg.Voices.DefaultProfile)
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
}

func TestValidateRejectsBadVAD(t *testing.T) {
	t.Setenv("MIMIR_VAD_END_FRAMES", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error for zero end_frames")
	}
}
