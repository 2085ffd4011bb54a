package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Verify at compile time that ConfigWatcher implements Watcher
var _ Watcher = (*ConfigWatcher)(nil)

// ConfigWatcher reloads the configuration file when it is written and
// publishes each valid revision to its subscribers.
type ConfigWatcher struct {
	currentConfig atomic.Value
	configPath    string
	watcher       *fsnotify.Watcher
	logger        *zap.Logger

	mu          sync.Mutex
	subscribers []chan *Config
	closed      bool
	done        chan struct{}
}

// NewConfigWatcher loads configPath and starts watching it.
func NewConfigWatcher(configPath string, logger *zap.Logger) (*ConfigWatcher, error) {
	initialConfig, err := LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load initial config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	cw := &ConfigWatcher{
		configPath: configPath,
		watcher:    watcher,
		logger:     logger,
		done:       make(chan struct{}),
	}
	cw.currentConfig.Store(initialConfig)

	go cw.watchConfig()
	return cw, nil
}

// Subscribe returns a channel that receives every reloaded configuration.
// A subscriber that is not ready misses the revision; GetCurrentConfig
// always has the latest.
func (cw *ConfigWatcher) Subscribe() <-chan *Config {
	ch := make(chan *Config, 1)
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.closed {
		close(ch)
		return ch
	}
	cw.subscribers = append(cw.subscribers, ch)
	return ch
}

// GetCurrentConfig returns the current configuration thread-safely
func (cw *ConfigWatcher) GetCurrentConfig() *Config {
	return cw.currentConfig.Load().(*Config)
}

func (cw *ConfigWatcher) watchConfig() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				cw.handleConfigChange()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Error("Config watcher error", zap.Error(err))
		}
	}
}

func (cw *ConfigWatcher) handleConfigChange() {
	cw.logger.Info("Detected config file change, reloading", zap.String("path", cw.configPath))

	// LoadFile validates; an invalid revision keeps the previous config.
	newConfig, err := LoadFile(cw.configPath)
	if err != nil {
		cw.logger.Error("Failed to load new config", zap.Error(err))
		return
	}

	cw.currentConfig.Store(newConfig)

	cw.mu.Lock()
	for _, sub := range cw.subscribers {
		select {
		case sub <- newConfig:
		default:
		}
	}
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded")
}

// Close stops watching and closes every subscriber channel.
func (cw *ConfigWatcher) Close() error {
	cw.mu.Lock()
	if cw.closed {
		cw.mu.Unlock()
		return nil
	}
	cw.closed = true
	cw.mu.Unlock()

	err := cw.watcher.Close()
	<-cw.done

	cw.mu.Lock()
	for _, ch := range cw.subscribers {
		close(ch)
	}
	cw.subscribers = nil
	cw.mu.Unlock()
	return err
}
