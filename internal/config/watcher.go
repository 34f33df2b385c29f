package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when the config file changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onChange func(*Config)

	mu   sync.Mutex
	done chan struct{}
}

// NewWatcher starts watching the config directory. onChange is invoked with
// the freshly loaded configuration after each write to config.yaml.
func NewWatcher(logger zerolog.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	configDir, err := Dir()
	if err != nil {
		fw.Close()
		return nil, err
	}
	if err := fw.Add(configDir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher:  fw,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		onChange: onChange,
		done:     make(chan struct{}),
	}

	go w.watchLoop()

	return w, nil
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) && filepath.Base(event.Name) == "config.yaml" {
				cfg, err := Load()
				if err != nil {
					w.logger.Error().Err(err).Msg("Config reload failed")
					continue
				}
				w.logger.Info().Str("file", event.Name).Msg("Config reloaded")
				if w.onChange != nil {
					w.onChange(cfg)
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
