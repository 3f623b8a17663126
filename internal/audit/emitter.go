package audit

import (
	"context"
	"log/slog"
)

// Config configures audit emission.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
}

// Emitter records checkpointed files.
type Emitter interface {
	Emit(ctx context.Context, evt Event) error
	Close() error
}

// NewEmitter creates an appropriate emitter based on configuration.
func NewEmitter(cfg Config) Emitter {
	log := slog.With("component", "audit")
	if !cfg.Enabled {
		log.Info("audit disabled, using no-op emitter")
		return Noop{}
	}

	if cfg.Endpoint != "" {
		emitter, err := NewHTTPEmitter(cfg)
		if err != nil {
			log.Warn("failed to create HTTP emitter, falling back to file-only", "error", err)
			return fileOnly(cfg, log)
		}
		log.Info("using HTTP audit emitter", "endpoint", cfg.Endpoint)
		return emitter
	}

	return fileOnly(cfg, log)
}

func fileOnly(cfg Config, log *slog.Logger) Emitter {
	emitter, err := NewFileEmitter(cfg.Dir)
	if err != nil {
		log.Warn("failed to create file emitter, using no-op", "error", err)
		return Noop{}
	}
	log.Info("using file-only audit emitter", "dir", cfg.Dir)
	return emitter
}

// Noop discards all events.
type Noop struct{}

func (Noop) Emit(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }
