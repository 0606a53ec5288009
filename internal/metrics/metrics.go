package metrics

import (
	"context"

	"codeberg.org/mutker/shotmon/internal/errors"
	"codeberg.org/mutker/shotmon/internal/logger"
)

type service struct {
	repo     MetricsRepository
	exporter *Exporter
	cfg      Config
}

// NewService returns a collector feeding the snapshot database (when
// enabled) and the exporter (when non-nil). With neither it is a no-op.
func NewService(cfg Config, exporter *Exporter) (MetricsCollector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled && exporter == nil {
		logger.Debug().Msg("Metrics collection disabled, using no-op collector")
		return &noopMetricsCollector{}, nil
	}

	s := &service{exporter: exporter, cfg: cfg}
	if cfg.Enabled {
		repo, err := NewRepository(cfg, logger.WithComponent("metrics"))
		if err != nil {
			logger.Debug().Err(err).Msg("Failed to create metrics repository")
			return nil, err
		}
		s.repo = repo
	}

	logger.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Bool("exporter", exporter != nil).
		Msg("Metrics service initialized successfully")

	return s, nil
}

func (s *service) Record(ctx context.Context, snapshot *MetricsSnapshot) error {
	errFactory := errors.New()

	if snapshot == nil {
		return errFactory.New(ErrInvalidMetrics)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	if s.exporter != nil {
		s.exporter.Observe(snapshot)
	}
	if s.repo != nil {
		if err := s.repo.Record(snapshot); err != nil {
			return errFactory.Wrap(ErrMetricsCollection, err)
		}
	}

	return nil
}

func (s *service) Close() error {
	if s.repo == nil {
		return nil
	}
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrServiceShutdown, err)
	}
	return nil
}

type noopMetricsCollector struct{}

func (*noopMetricsCollector) Record(_ context.Context, _ *MetricsSnapshot) error {
	return nil
}

func (*noopMetricsCollector) Close() error {
	return nil
}
