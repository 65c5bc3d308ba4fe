package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// FileSettings is the settings store kept in a JSON or YAML file next to
// the desktop client. Keys are looked up by dotted path, for example
// "settings.clickup_team_id".
type FileSettings struct {
	path string
	mu   sync.RWMutex
	v    *viper.Viper
}

// LoadFileSettings reads the settings file at path. A missing file yields
// empty settings so a fresh install starts unconfigured.
func LoadFileSettings(path string) (*FileSettings, error) {
	v, err := readSettingsFile(path)
	if err != nil {
		return nil, err
	}
	return &FileSettings{path: path, v: v}, nil
}

func readSettingsFile(path string) (*viper.Viper, error) {
	v := viper.New()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return v, nil
	}
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("json")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}
	return v, nil
}

func (s *FileSettings) Get(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.Get(key)
}

func (s *FileSettings) GetString(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return strings.TrimSpace(s.v.GetString(key))
}

// Section returns the subtree under key, for example every user setting
// under "settings".
func (s *FileSettings) Section(key string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetStringMap(key)
}

// Reload re-reads the file and swaps the settings in one step.
func (s *FileSettings) Reload() error {
	v, err := readSettingsFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
	return nil
}

// Watch reloads the settings whenever the file changes and then calls
// onChange. Only runs scheduled after the change see the new values.
func (s *FileSettings) Watch(logger *log.Logger, onChange func()) {
	w := viper.New()
	w.SetConfigFile(s.path)
	if filepath.Ext(s.path) == "" {
		w.SetConfigType("json")
	}
	w.OnConfigChange(func(e fsnotify.Event) {
		if err := s.Reload(); err != nil {
			logger.WithError(err).WithField("file", e.Name).Error("failed to reload settings")
			return
		}
		logger.WithField("file", e.Name).Info("settings reloaded")
		if onChange != nil {
			onChange()
		}
	})
	w.WatchConfig()
}
