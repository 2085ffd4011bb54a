package config

// Watcher is a source of configuration revisions.
type Watcher interface {
	GetCurrentConfig() *Config
	Subscribe() <-chan *Config
	Close() error
}
