// Package voice loads named voice profiles: synthesis parameters plus an
// optional reference recording. The store is read-only after load and shared
// across sessions.
package voice

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mimirlabs/mimir-core/internal/audio"
	"github.com/mimirlabs/mimir-core/internal/config"
)

// ErrNotFound is returned by Lookup for unknown profile ids.
var ErrNotFound = errors.New("voice profile not found")

// Profile is an immutable named voice: a reference audio handle plus
// synthesis parameters.
type Profile struct {
	ID           string  `yaml:"-"`
	ReferenceWAV string  `yaml:"-"`
	Language     string  `yaml:"language"`
	Speed        float64 `yaml:"speed"`
	SampleRate   int     `yaml:"sample_rate"`
	Description  string  `yaml:"description"`
}

// Store holds the loaded profiles. Read-only after Load; no locking needed.
type Store struct {
	profiles  map[string]Profile
	defaultID string
	log       *slog.Logger
}

// Load scans cfg.Directory for <id>.yaml profile manifests with optional
// <id>.wav reference recordings. A missing or empty directory yields a store
// containing only the built-in default profile, so the daemon runs without
// voice assets.
func Load(cfg config.VoicesConfig, log *slog.Logger) (*Store, error) {
	s := &Store{
		profiles:  make(map[string]Profile),
		defaultID: cfg.DefaultProfile,
		log:       log.With(slog.String("component", "voice-store")),
	}

	entries, err := os.ReadDir(cfg.Directory)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read voices directory: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		profile, err := loadProfile(cfg.Directory, id)
		if err != nil {
			s.log.Warn("skipping voice profile", slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		s.validateReference(profile)
		s.profiles[id] = profile
	}

	if _, ok := s.profiles[cfg.DefaultProfile]; !ok {
		s.profiles[cfg.DefaultProfile] = Profile{
			ID:       cfg.DefaultProfile,
			Language: "en",
			Speed:    1.0,
		}
	}

	s.log.Info("voice profiles loaded", slog.Int("count", len(s.profiles)))
	return s, nil
}

func loadProfile(dir, id string) (Profile, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".yaml"))
	if err != nil {
		return Profile{}, fmt.Errorf("read profile manifest: %w", err)
	}
	profile := Profile{Speed: 1.0}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("parse profile manifest: %w", err)
	}
	profile.ID = id

	wavPath := filepath.Join(dir, id+".wav")
	if _, err := os.Stat(wavPath); err == nil {
		profile.ReferenceWAV = wavPath
	}
	return profile, nil
}

// validateReference checks the reference recording quality. Problems are
// non-fatal: synthesis falls back to the backend's default speaker.
func (s *Store) validateReference(p Profile) {
	if p.ReferenceWAV == "" {
		return
	}
	info, err := audio.ReadWavInfo(p.ReferenceWAV)
	if err != nil {
		s.log.Warn("unreadable voice reference", slog.String("id", p.ID), slog.String("error", err.Error()))
		return
	}
	if info.DurationSeconds < 3 || info.DurationSeconds > 60 {
		s.log.Warn("voice reference duration outside 3-60s",
			slog.String("id", p.ID), slog.Float64("seconds", info.DurationSeconds))
	}
	if info.Channels != 1 {
		s.log.Warn("voice reference is not mono", slog.String("id", p.ID), slog.Int("channels", info.Channels))
	}
}

// Default returns the configured default profile id.
func (s *Store) Default() string { return s.defaultID }

// Lookup returns the profile for id or ErrNotFound.
func (s *Store) Lookup(id string) (Profile, error) {
	profile, ok := s.profiles[id]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return profile, nil
}

// IDs returns the loaded profile ids.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.profiles))
	for id := range s.profiles {
		ids = append(ids, id)
	}
	return ids
}
