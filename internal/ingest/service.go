package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-parquet-loader/internal/audit"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/config"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/loader"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/routing"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/sink"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/source"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/storage"
	"github.com/withObsrvr/obsrvr-parquet-loader/internal/watcher"
)

// Service runs one pipeline per configured prefix over shared source,
// sink, checkpoint and audit components.
type Service struct {
	pipelines   []*Pipeline
	checkpoints checkpoint.Store
	closers     []func() error
	log         *slog.Logger
}

// Build wires every component named in cfg. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg *config.Config) (_ *Service, err error) {
	s := &Service{log: slog.With("component", "service", "loader_id", cfg.LoaderID)}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	bucket, uri, err := storage.OpenBucket(ctx, cfg.Source)
	if err != nil {
		return nil, err
	}
	store := source.NewBlobStore(bucket, uri)
	s.closers = append(s.closers, store.Close)

	router, err := routing.NewRouter(cfg.Routes())
	if err != nil {
		return nil, err
	}

	decoder, err := source.NewDecoder()
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error { decoder.Close(); return nil })

	dest, err := sink.Open(ctx, cfg.Sink)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	s.closers = append(s.closers, dest.Close)

	s.checkpoints, err = checkpoint.NewStore(ctx, cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	s.closers = append(s.closers, s.checkpoints.Close)

	var quarantine *storage.Quarantine
	if cfg.Quarantine.IsEnabled() {
		quarantine = storage.NewQuarantine(bucket, cfg.Quarantine.Prefix)
	}

	emitter := audit.NewEmitter(cfg.Audit)
	s.closers = append(s.closers, emitter.Close)

	for _, pc := range cfg.Pipelines {
		mapper, err := pc.Mapper()
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pc.Name, err)
		}

		var columns []sink.ColumnDef
		for _, c := range mapper.ColumnTypes() {
			columns = append(columns, sink.ColumnDef{Name: c.Name, Type: c.Type})
		}

		p := NewPipeline(Options{
			Name:          pc.Name,
			Table:         pc.Table,
			Columns:       columns,
			CreateTable:   pc.CreateTable,
			Workers:       cfg.Perf.Workers,
			QueueSize:     cfg.Perf.QueueSize,
			BatchSize:     cfg.Perf.BatchSize,
			FlushInterval: cfg.Perf.FlushInterval.Duration,
			PollInterval:  cfg.Perf.PollInterval.Duration,
			RetryAttempts: cfg.Perf.RetryAttempts,
			RetryBackoff:  cfg.Perf.RetryBackoff.Duration,
		}, Deps{
			Watcher:     watcher.New(store, pc.Name, pc.Prefix, router),
			Loader:      loader.New(store, decoder, mapper, loader.Config{MaxSkipRatio: pc.MaxSkipRatio}),
			Sink:        dest,
			Checkpoints: s.checkpoints,
			Quarantine:  quarantine,
			Audit:       emitter,
		})
		s.pipelines = append(s.pipelines, p)
	}

	s.log.Info("service built",
		"source", store.URI(),
		"sink", cfg.Sink.Driver,
		"checkpoint", cfg.Checkpoint.Backend,
		"pipelines", len(s.pipelines),
	)
	return s, nil
}

// Run runs every watch loop until ctx is canceled or one fails.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.pipelines {
		g.Go(func() error {
			return p.Run(gctx)
		})
	}

	err := g.Wait()
	if ctx.Err() != nil {
		s.log.Info("service stopped")
		return nil
	}
	return err
}

// Once runs a single pass of every pipeline concurrently.
func (s *Service) Once(ctx context.Context) (map[string]PassResult, error) {
	results := make([]PassResult, len(s.pipelines))
	errs := make([]error, len(s.pipelines))

	var g errgroup.Group
	for i, p := range s.pipelines {
		g.Go(func() error {
			results[i], errs[i] = p.Once(ctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]PassResult, len(s.pipelines))
	for i, p := range s.pipelines {
		out[p.Name()] = results[i]
	}
	return out, errors.Join(errs...)
}

// Close releases every component in reverse order of opening.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
