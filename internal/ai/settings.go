package ai

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/aljazari-lab/kebbicall/internal/util"
)

// Settings is the tunable AI behaviour, kept in a JSON file so
// teachers can edit the prompt without restarting the relay. The file
// is hot-reloaded on change.
type Settings struct {
	APIKey        string  `json:"api_key"`
	Model         string  `json:"model"`
	SystemPrompt  string  `json:"system_prompt"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	AlwaysCorrect bool    `json:"always_correct"`
}

func DefaultSettings() Settings {
	return Settings{
		Model: "gpt-3.5-turbo",
		SystemPrompt: "ROLE & IDENTITY:\n" +
			"- You are Kebbi, a classroom assistant robot.\n" +
			"- Reply language: English.\n",
		Temperature: 0.3,
		MaxTokens:   400,
	}
}

// SettingsFile owns the settings JSON and its fsnotify watcher.
type SettingsFile struct {
	mu      sync.RWMutex
	cur     Settings
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
	log     *logrus.Entry
}

// OpenSettings loads path, creating it with defaults when missing, and
// starts watching its directory for edits.
func OpenSettings(path string) (*SettingsFile, error) {
	log := logrus.WithField("component", "ai")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := util.WriteJSONFile(path, DefaultSettings()); err != nil {
			return nil, fmt.Errorf("create default settings: %w", err)
		}
	} else if err != nil {
		return nil, err
	}

	cur, err := readSettings(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save
	// and a file watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch settings dir: %w", err)
	}

	s := &SettingsFile{
		cur:     cur,
		path:    path,
		watcher: watcher,
		closed:  make(chan struct{}),
		log:     log,
	}
	go s.watchLoop()

	return s, nil
}

func readSettings(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	cur := DefaultSettings()
	if err := json.Unmarshal(b, &cur); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	return cur, nil
}

func (s *SettingsFile) watchLoop() {
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(s.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				cur, err := readSettings(s.path)
				if err != nil {
					s.log.WithError(err).Warn("settings reload failed")
					continue
				}
				s.mu.Lock()
				s.cur = cur
				s.mu.Unlock()
				s.log.Info("settings reloaded")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("settings watcher error")
		}
	}
}

// Get returns the current settings snapshot.
func (s *SettingsFile) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Update writes new settings to disk and applies them immediately,
// without waiting for the watcher to echo the change back.
func (s *SettingsFile) Update(next Settings) error {
	if err := util.WriteJSONFile(s.path, next); err != nil {
		return err
	}
	s.mu.Lock()
	s.cur = next
	s.mu.Unlock()
	return nil
}

func (s *SettingsFile) Close() error {
	close(s.closed)
	return s.watcher.Close()
}
