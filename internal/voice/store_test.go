package voice

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mimirlabs/mimir-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadMissingDirectoryFallsBackToDefault(t *testing.T) {
	cfg := config.VoicesConfig{Directory: filepath.Join(t.TempDir(), "absent"), DefaultProfile: "default"}
	store, err := Load(cfg, newLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	profile, err := store.Lookup("default")
	if err != nil {
		t.Fatalf("lookup default: %v", err)
	}
	if profile.Speed != 1.0 {
		t.Fatalf("expected default speed 1.0, got %f", profile.Speed)
	}
}

func TestLoadProfilesFromManifests(t *testing.T) {
	dir := t.TempDir()
	manifest := "language: it\nspeed: 0.9\nsample_rate: 22050\ndescription: narrator voice\n"
	if err := os.WriteFile(filepath.Join(dir, "narrator.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	store, err := Load(config.VoicesConfig{Directory: dir, DefaultProfile: "default"}, newLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	profile, err := store.Lookup("narrator")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if profile.Language != "it" || profile.Speed != 0.9 || profile.SampleRate != 22050 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	if profile.ReferenceWAV != "" {
		t.Fatalf("expected no reference wav, got %s", profile.ReferenceWAV)
	}
	if len(store.IDs()) != 2 {
		t.Fatalf("expected narrator plus default, got %v", store.IDs())
	}
}

func TestLookupUnknownProfile(t *testing.T) {
	store, err := Load(config.VoicesConfig{Directory: t.TempDir(), DefaultProfile: "default"}, newLogger())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := store.Lookup("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
