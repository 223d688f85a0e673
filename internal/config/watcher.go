package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/iamgaru/gachatap/internal/logging"
)

// ConfigWatcher watches a configuration file for changes and triggers reloads
type ConfigWatcher struct {
	configFile string
	loader     *Loader
	watcher    *fsnotify.Watcher
	log        *logging.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
	callbacks  []ConfigChangeCallback
	mu         sync.RWMutex
	debounce   time.Duration
	current    *Config
}

// ConfigChangeCallback is called when the config file changes
type ConfigChangeCallback func(oldConfig, newConfig *Config) error

// NewConfigWatcher creates a new config file watcher
func NewConfigWatcher(configFile string, loader *Loader, log *logging.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if log == nil {
		log = logging.NewNop()
	}

	return &ConfigWatcher{
		configFile: configFile,
		loader:     loader,
		watcher:    watcher,
		log:        log,
		stopCh:     make(chan struct{}),
		debounce:   500 * time.Millisecond,
	}, nil
}

// AddCallback adds a callback function to be called when config changes
func (cw *ConfigWatcher) AddCallback(callback ConfigChangeCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// Start starts watching the config file for changes. The directory is
// watched rather than the file so editors that replace the file on save
// are still noticed.
func (cw *ConfigWatcher) Start(currentConfig *Config) error {
	absPath, err := filepath.Abs(cw.configFile)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	cw.configFile = absPath
	cw.current = currentConfig

	if err := cw.watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}

	cw.log.Debug().Str("file", absPath).Msg("config watcher started")

	go cw.watchLoop()

	return nil
}

// Stop stops the config file watcher
func (cw *ConfigWatcher) Stop() error {
	var err error
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		err = cw.watcher.Close()
	})
	return err
}

// watchLoop is the main watch loop that handles file system events.
// A reload runs once the file has been quiet for the debounce time, so a
// truncate followed by a write loads the final contents.
func (cw *ConfigWatcher) watchLoop() {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(event.Name) != cw.configFile {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(cw.debounce)
			} else {
				timer.Reset(cw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cw.handleConfigChange()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn().Err(err).Msg("config watcher error")

		case <-cw.stopCh:
			return
		}
	}
}

// handleConfigChange reloads the file and runs the callbacks
func (cw *ConfigWatcher) handleConfigChange() {
	newConfig, err := cw.loader.Load(cw.configFile)
	if err != nil {
		cw.log.Warn().Err(err).Msg("failed to reload config")
		return
	}

	cw.mu.RLock()
	callbacks := make([]ConfigChangeCallback, len(cw.callbacks))
	copy(callbacks, cw.callbacks)
	cw.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(cw.current, newConfig); err != nil {
			cw.log.Warn().Err(err).Msg("config change callback error")
			return
		}
	}

	cw.current = newConfig
	cw.log.Info().Str("file", cw.configFile).Msg("config reloaded")
}

// SetDebounceTime sets the debounce time for config file changes
func (cw *ConfigWatcher) SetDebounceTime(duration time.Duration) {
	cw.debounce = duration
}
