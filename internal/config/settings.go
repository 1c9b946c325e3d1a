package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings are the runtime-mutable council selections, persisted as JSON
// so they survive restarts and can be changed through the API.
type Settings struct {
	Provider      string   `json:"provider"`
	CouncilModels []string `json:"council_models"`
	ChairmanModel string   `json:"chairman_model"`
}

// SettingsStore persists Settings to a JSON file. All accessors are safe
// for concurrent use; writes rewrite the whole file.
type SettingsStore struct {
	mu       sync.Mutex
	path     string
	settings Settings
}

// OpenSettings loads the settings file, creating it with defaults when it
// does not exist yet.
func OpenSettings(path string) (*SettingsStore, error) {
	s := &SettingsStore{
		path: path,
		settings: Settings{
			Provider:      DefaultProvider,
			CouncilModels: append([]string(nil), DefaultCouncilModels...),
			ChairmanModel: DefaultChairmanModel,
		},
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		if err := s.persist(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("config: read settings: %w", err)
	default:
		if err := json.Unmarshal(data, &s.settings); err != nil {
			return nil, fmt.Errorf("config: parse settings: %w", err)
		}
	}
	return s, nil
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.settings
	out.CouncilModels = append([]string(nil), s.settings.CouncilModels...)
	return out
}

// CouncilModels returns the configured council member models.
func (s *SettingsStore) CouncilModels() []string {
	return s.Get().CouncilModels
}

// ChairmanModel returns the configured chairman model.
func (s *SettingsStore) ChairmanModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.ChairmanModel
}

// Provider returns the configured default provider name.
func (s *SettingsStore) Provider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Provider
}

// SetProvider updates and persists the default provider.
func (s *SettingsStore) SetProvider(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Provider = provider
	return s.persist()
}

// SetCouncilModels updates and persists the council composition.
func (s *SettingsStore) SetCouncilModels(models []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.CouncilModels = append([]string(nil), models...)
	return s.persist()
}

// SetChairmanModel updates and persists the chairman selection.
func (s *SettingsStore) SetChairmanModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.ChairmanModel = model
	return s.persist()
}

// persist must be called with the lock held (or before the store is
// shared).
func (s *SettingsStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("config: create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("config: write settings: %w", err)
	}
	return nil
}
